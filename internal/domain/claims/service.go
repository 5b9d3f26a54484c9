package claims

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/domain/ledger"
	"github.com/carebill/carebill/internal/platform/apperr"
	"github.com/carebill/carebill/internal/platform/db"
	"github.com/carebill/carebill/internal/platform/directory"
	"github.com/carebill/carebill/internal/platform/docstore"
	"github.com/carebill/carebill/internal/platform/money"
	"github.com/carebill/carebill/internal/platform/notify"
)

// InvoiceReader is the slice of the invoice ledger the claim workflow needs.
// Claims read invoices; they never mutate them.
type InvoiceReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*ledger.Invoice, error)
}

// Service drives the claim state machine. Mutations against the same claim
// are serialized by a per-claim mutex on top of the repository's optimistic
// version checks.
type Service struct {
	repo     Repository
	invoices InvoiceReader
	dir      directory.Directory
	docs     docstore.Store
	notifier *notify.Dispatcher
	log      zerolog.Logger
	now      func() time.Time
	tx       db.Transactor

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewService(repo Repository, invoices InvoiceReader, dir directory.Directory,
	docs docstore.Store, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		invoices: invoices,
		dir:      dir,
		docs:     docs,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		tx:       func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) },
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetNotifier attaches an optional dispatcher for claim correspondence.
// Delivery failures are logged, never propagated.
func (s *Service) SetNotifier(d *notify.Dispatcher) { s.notifier = d }

// SetTransactor makes the claim-plus-history writes atomic. Without one, a
// failed event append would leave the claim updated but its history short.
func (s *Service) SetTransactor(tx db.Transactor) { s.tx = tx }

// SetClock overrides the service clock. For tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) claimLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// SubmitRequest is the input for opening a claim against an invoice.
type SubmitRequest struct {
	InvoiceID          uuid.UUID       `json:"invoice_id"`
	InsuranceProvider  string          `json:"insurance_provider"`
	PolicyNumber       string          `json:"policy_number"`
	ClaimAmount        decimal.Decimal `json:"claim_amount"`
	CoveragePercentage decimal.Decimal `json:"coverage_percentage"`
	Note               *string         `json:"note,omitempty"`
	Actor              *string         `json:"actor,omitempty"`
}

// Submit opens a claim in SUBMITTED against an issued invoice. The claim
// amount is capped by the invoice total once, here; invoices freeze their
// lines at issue so the cap cannot drift afterwards.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Claim, error) {
	if req.InvoiceID == uuid.Nil {
		return nil, apperr.Validationf("invoice_id is required")
	}
	inv, err := s.invoices.GetByID(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == ledger.StatusDraft || inv.Status == ledger.StatusCancelled {
		return nil, apperr.InvalidStatef("claims cannot be submitted against a %s invoice", inv.Status)
	}
	if req.InsuranceProvider == "" {
		return nil, apperr.Validationf("insurance_provider is required")
	}
	if req.PolicyNumber == "" {
		return nil, apperr.Validationf("policy_number is required")
	}
	if !req.ClaimAmount.IsPositive() {
		return nil, apperr.Validationf("claim amount must be positive, got %s", req.ClaimAmount)
	}
	if req.ClaimAmount.GreaterThan(inv.Amounts.Total) {
		return nil, apperr.Validationf("claim amount %s exceeds invoice total %s",
			req.ClaimAmount.StringFixed(money.Scale), inv.Amounts.Total.StringFixed(money.Scale))
	}
	if req.CoveragePercentage.IsNegative() || req.CoveragePercentage.GreaterThan(decimal.NewFromInt(100)) {
		return nil, apperr.Validationf("coverage percentage must be between 0 and 100, got %s", req.CoveragePercentage)
	}

	now := s.now()
	c := &Claim{
		ClaimNumber:        ledger.NewDocumentNumber("CLM", now),
		InvoiceID:          inv.ID,
		PatientID:          inv.PatientID,
		InsuranceProvider:  req.InsuranceProvider,
		PolicyNumber:       req.PolicyNumber,
		ClaimAmount:        req.ClaimAmount.Round(money.Scale),
		CoveragePercentage: req.CoveragePercentage,
		Status:             StatusSubmitted,
		SubmissionDate:     now,
		Note:               req.Note,
	}
	if err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, c); err != nil {
			return err
		}
		return s.repo.AddEvent(ctx, &Event{
			ClaimID:  c.ID,
			Action:   "SUBMIT",
			ToStatus: StatusSubmitted,
			Actor:    req.Actor,
			Note:     req.Note,
		})
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// AttachDocumentRequest is the input for attaching a supporting document.
type AttachDocumentRequest struct {
	FileName    string
	ContentType string
	UploadedBy  *string
	Content     io.Reader
}

// AttachDocument stores the content and links its reference to the claim.
// Terminal claims accept no further documents.
func (s *Service) AttachDocument(ctx context.Context, claimID uuid.UUID, req AttachDocumentRequest) (*Document, error) {
	lock := s.claimLock(claimID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.repo.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, apperr.InvalidStatef("claim %s is %s and accepts no documents", c.ClaimNumber, c.Status)
	}

	uploadedBy := ""
	if req.UploadedBy != nil {
		uploadedBy = *req.UploadedBy
	}
	meta, err := s.docs.Put(ctx, docstore.DocumentMeta{
		FileName:    req.FileName,
		ContentType: req.ContentType,
		UploadedBy:  uploadedBy,
	}, req.Content)
	if err != nil {
		return nil, err
	}

	d := &Document{
		ClaimID:    claimID,
		Ref:        meta.Ref,
		FileName:   meta.FileName,
		UploadedBy: req.UploadedBy,
	}
	if err := s.repo.AddDocument(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// TransitionRequest is the input for a claim action.
type TransitionRequest struct {
	Action         Action           `json:"action"`
	ApprovedAmount *decimal.Decimal `json:"approved_amount,omitempty"`
	Actor          *string          `json:"actor,omitempty"`
	Note           *string          `json:"note,omitempty"`
}

// Transition applies an action from the state machine table. Undefined
// (state, action) pairs fail without touching the claim; defined ones check
// their preconditions, apply the date side effects, persist the claim and
// append a history event.
func (s *Service) Transition(ctx context.Context, claimID uuid.UUID, req TransitionRequest) (*Claim, error) {
	lock := s.claimLock(claimID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.repo.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	to, ok := NextStatus(c.Status, req.Action)
	if !ok {
		return nil, apperr.InvalidTransitionf("action %s is not defined for a %s claim", req.Action, c.Status)
	}

	now := s.now()
	from := c.Status
	switch req.Action {
	case ActionSubmitToTPA:
		if err := s.checkDocuments(ctx, c); err != nil {
			return nil, err
		}
		c.TPASubmissionDate = &now
	case ActionApprove:
		if req.ApprovedAmount == nil {
			return nil, apperr.Validationf("approved_amount is required to approve a claim")
		}
		if !req.ApprovedAmount.IsPositive() || req.ApprovedAmount.GreaterThan(c.ClaimAmount) {
			return nil, apperr.Validationf("approved amount %s must be positive and no more than the claim amount %s",
				req.ApprovedAmount.StringFixed(money.Scale), c.ClaimAmount.StringFixed(money.Scale))
		}
		rounded := req.ApprovedAmount.Round(money.Scale)
		c.ApprovedAmount = &rounded
		c.TPAApprovalDate = &now
	case ActionReject:
		c.TPARejectionDate = &now
	case ActionRequestInfo:
	}

	c.Status = to
	if err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, c); err != nil {
			return err
		}
		return s.repo.AddEvent(ctx, &Event{
			ClaimID:    c.ID,
			FromStatus: from,
			Action:     string(req.Action),
			ToStatus:   to,
			Actor:      req.Actor,
			Note:       req.Note,
		})
	}); err != nil {
		return nil, err
	}

	s.notifyTransition(ctx, c, req)
	return c, nil
}

// checkDocuments enforces the SUBMIT_TO_TPA precondition: at least one
// document on first submission, and at least one document newer than the
// previous TPA submission when resubmitting after an information request.
func (s *Service) checkDocuments(ctx context.Context, c *Claim) error {
	docs, err := s.repo.ListDocuments(ctx, c.ID)
	if err != nil {
		return err
	}
	if c.Status == StatusInfoRequested {
		since := time.Time{}
		if c.TPASubmissionDate != nil {
			since = *c.TPASubmissionDate
		}
		for _, d := range docs {
			if d.CreatedAt.After(since) {
				return nil
			}
		}
		return apperr.Validationf("claim %s needs new supporting documents before resubmission", c.ClaimNumber)
	}
	if len(docs) == 0 {
		return apperr.Validationf("claim %s has no supporting documents attached", c.ClaimNumber)
	}
	return nil
}

func (s *Service) notifyTransition(ctx context.Context, c *Claim, req TransitionRequest) {
	detail := ""
	if req.Note != nil {
		detail = *req.Note
	}
	switch req.Action {
	case ActionApprove:
		s.dispatch(ctx, c.PatientID, "claim-decision", map[string]string{
			"claim_number": c.ClaimNumber,
			"decision":     "approved for " + c.ApprovedAmount.StringFixed(money.Scale),
			"detail":       detail,
		})
	case ActionReject:
		s.dispatch(ctx, c.PatientID, "claim-decision", map[string]string{
			"claim_number": c.ClaimNumber,
			"decision":     "rejected",
			"detail":       detail,
		})
	case ActionRequestInfo:
		s.dispatch(ctx, c.PatientID, "claim-info-requested", map[string]string{
			"claim_number": c.ClaimNumber,
			"detail":       detail,
		})
	}
}

// Get returns a claim by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.repo.GetByID(ctx, id)
}

// List lists claims, optionally filtered by patient.
func (s *Service) List(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	if patientID != uuid.Nil {
		return s.repo.ListByPatient(ctx, patientID, limit, offset)
	}
	return s.repo.List(ctx, limit, offset)
}

// ListByInvoice returns every claim submitted against an invoice.
func (s *Service) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Claim, error) {
	return s.repo.ListByInvoice(ctx, invoiceID)
}

// History returns the append-only status history of a claim.
func (s *Service) History(ctx context.Context, claimID uuid.UUID) ([]*Event, error) {
	if _, err := s.repo.GetByID(ctx, claimID); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, claimID)
}

// Documents returns the document references attached to a claim.
func (s *Service) Documents(ctx context.Context, claimID uuid.UUID) ([]*Document, error) {
	if _, err := s.repo.GetByID(ctx, claimID); err != nil {
		return nil, err
	}
	return s.repo.ListDocuments(ctx, claimID)
}

// PatientResponsibility computes what the patient still owes out of pocket
// on an approved claim: the invoice total less the approved amount.
func (s *Service) PatientResponsibility(ctx context.Context, claimID uuid.UUID) (decimal.Decimal, error) {
	c, err := s.repo.GetByID(ctx, claimID)
	if err != nil {
		return decimal.Zero, err
	}
	if c.Status != StatusApproved || c.ApprovedAmount == nil {
		return decimal.Zero, apperr.InvalidStatef("claim %s is %s; patient responsibility requires an approved claim", c.ClaimNumber, c.Status)
	}
	inv, err := s.invoices.GetByID(ctx, c.InvoiceID)
	if err != nil {
		return decimal.Zero, err
	}
	return inv.Amounts.Total.Sub(*c.ApprovedAmount), nil
}

func (s *Service) dispatch(ctx context.Context, patientID uuid.UUID, templateID string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	p, err := s.dir.Resolve(ctx, patientID)
	if err != nil {
		s.log.Warn().Err(err).Str("template", templateID).Msg("notification skipped, patient unresolved")
		return
	}
	recipient := p.Email
	if recipient == "" {
		recipient = p.Phone
	}
	if recipient == "" {
		return
	}
	data["patient_name"] = p.DisplayName
	if _, err := s.notifier.SendTemplate(ctx, templateID, data, recipient); err != nil {
		s.log.Warn().Err(err).Str("template", templateID).Msg("notification delivery failed")
	}
}
