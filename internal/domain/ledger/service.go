package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/apperr"
	"github.com/carebill/carebill/internal/platform/catalog"
	"github.com/carebill/carebill/internal/platform/db"
	"github.com/carebill/carebill/internal/platform/directory"
	"github.com/carebill/carebill/internal/platform/money"
	"github.com/carebill/carebill/internal/platform/notify"
)

// Service implements the invoice ledger, payment application and credit
// note operations. Mutations against the same invoice are serialized by a
// per-invoice mutex; the repositories additionally enforce optimistic
// version checks for writers outside this process.
type Service struct {
	invoices InvoiceRepository
	payments PaymentRepository
	notes    CreditNoteRepository
	dir      directory.Directory
	cat      catalog.Catalog
	notifier *notify.Dispatcher
	log      zerolog.Logger
	now      func() time.Time
	tx       db.Transactor

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewService(inv InvoiceRepository, pay PaymentRepository, cn CreditNoteRepository,
	dir directory.Directory, cat catalog.Catalog, log zerolog.Logger) *Service {
	return &Service{
		invoices: inv,
		payments: pay,
		notes:    cn,
		dir:      dir,
		cat:      cat,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		tx:       func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) },
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetNotifier attaches an optional dispatcher for receipts and credit-note
// correspondence. Delivery failures are logged, never propagated.
func (s *Service) SetNotifier(d *notify.Dispatcher) { s.notifier = d }

// SetTransactor makes multi-write operations atomic. Without one, a write
// that fails midway can leave the earlier writes behind.
func (s *Service) SetTransactor(tx db.Transactor) { s.tx = tx }

// SetClock overrides the service clock. For tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) invoiceLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// -- Invoice Ledger --

// CreateInvoiceRequest is the input for a new draft invoice.
type CreateInvoiceRequest struct {
	PatientID uuid.UUID  `json:"patient_id"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	Note      *string    `json:"note,omitempty"`
}

// CreateInvoice opens a DRAFT invoice for a known patient.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	if req.PatientID == uuid.Nil {
		return nil, apperr.Validationf("patient_id is required")
	}
	if _, err := s.dir.Resolve(ctx, req.PatientID); err != nil {
		return nil, err
	}
	now := s.now()
	inv := &Invoice{
		InvoiceNumber: NewDocumentNumber("INV", now),
		PatientID:     req.PatientID,
		Status:        StatusDraft,
		DueDate:       req.DueDate,
		Note:          req.Note,
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// AddLineRequest is the input for a draft line item. Either a service code
// (priced from the catalog) or an explicit unit price with tax components
// must be supplied.
type AddLineRequest struct {
	ServiceCode *string         `json:"service_code,omitempty"`
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	Discount    decimal.Decimal `json:"discount"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	CGST        decimal.Decimal `json:"cgst"`
	SGST        decimal.Decimal `json:"sgst"`
	IGST        decimal.Decimal `json:"igst"`
}

// AddLine appends a line item to a DRAFT invoice and refreshes the invoice
// totals.
func (s *Service) AddLine(ctx context.Context, invoiceID uuid.UUID, req AddLineRequest) (*LineItem, error) {
	lock := s.invoiceLock(invoiceID)
	lock.Lock()
	defer lock.Unlock()

	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusDraft {
		return nil, apperr.InvalidStatef("line items are frozen on a %s invoice", inv.Status)
	}
	if req.Quantity <= 0 {
		return nil, apperr.Validationf("quantity must be positive, got %d", req.Quantity)
	}

	li := &LineItem{
		InvoiceID:   invoiceID,
		ServiceCode: req.ServiceCode,
		Description: req.Description,
		Quantity:    req.Quantity,
	}
	if req.ServiceCode != nil {
		entry, err := s.cat.Lookup(ctx, *req.ServiceCode)
		if err != nil {
			return nil, err
		}
		b, err := catalog.BuildLine(entry, req.Quantity, req.Discount)
		if err != nil {
			return nil, err
		}
		li.UnitPrice = entry.UnitPrice
		li.Amounts = b
		if li.Description == "" {
			li.Description = entry.Name
		}
	} else {
		subtotal := req.UnitPrice.Mul(decimal.NewFromInt(req.Quantity)).Round(money.Scale)
		li.UnitPrice = req.UnitPrice
		li.Amounts = money.New(subtotal, req.Discount, req.CGST, req.SGST, req.IGST)
	}
	if err := li.Amounts.Validate(); err != nil {
		return nil, err
	}

	lines, err := s.invoices.GetLineItems(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	li.Sequence = len(lines) + 1
	inv.Amounts = inv.Amounts.Add(li.Amounts)
	inv.BalanceAmount = inv.Amounts.Total
	if err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.invoices.AddLineItem(ctx, li); err != nil {
			return err
		}
		return s.invoices.Update(ctx, inv)
	}); err != nil {
		return nil, err
	}
	return li, nil
}

// Issue freezes a draft's line items and moves the invoice to PENDING.
func (s *Service) Issue(ctx context.Context, invoiceID uuid.UUID) (*Invoice, error) {
	lock := s.invoiceLock(invoiceID)
	lock.Lock()
	defer lock.Unlock()

	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusDraft {
		return nil, apperr.InvalidStatef("only a DRAFT invoice can be issued, current status %s", inv.Status)
	}
	lines, err := s.invoices.GetLineItems(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, apperr.Validationf("invoice has no line items")
	}
	for _, li := range lines {
		if err := li.Amounts.Validate(); err != nil {
			return nil, err
		}
	}

	now := s.now()
	inv.Status = StatusPending
	inv.IssueDate = &now
	inv.PaidAmount = decimal.Zero
	inv.CreditedAmount = decimal.Zero
	inv.BalanceAmount = inv.Amounts.Total
	if err := s.invoices.Update(ctx, inv); err != nil {
		return nil, err
	}

	s.dispatch(ctx, inv.PatientID, "invoice-issued", map[string]string{
		"invoice_number": inv.InvoiceNumber,
		"amount":         inv.Amounts.Total.StringFixed(money.Scale),
		"due_date":       formatDate(inv.DueDate),
	})
	return inv, nil
}

// Cancel marks an invoice CANCELLED. Legal from DRAFT, or from PENDING when
// nothing has been applied against it.
func (s *Service) Cancel(ctx context.Context, invoiceID uuid.UUID) (*Invoice, error) {
	lock := s.invoiceLock(invoiceID)
	lock.Lock()
	defer lock.Unlock()

	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	switch inv.Status {
	case StatusDraft:
	case StatusPending, StatusOverdue:
		payments, err := s.payments.ListByInvoice(ctx, invoiceID)
		if err != nil {
			return nil, err
		}
		if len(payments) > 0 {
			return nil, apperr.InvalidStatef("invoice %s has recorded payments and cannot be cancelled", inv.InvoiceNumber)
		}
		notes, err := s.notes.ListByInvoice(ctx, invoiceID)
		if err != nil {
			return nil, err
		}
		for _, cn := range notes {
			if !cn.Status.Terminal() {
				return nil, apperr.InvalidStatef("invoice %s has an open credit note %s", inv.InvoiceNumber, cn.CreditNoteNumber)
			}
		}
	default:
		return nil, apperr.InvalidStatef("a %s invoice cannot be cancelled", inv.Status)
	}

	inv.Status = StatusCancelled
	if err := s.invoices.Update(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvoice returns an invoice with its line items.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, []*LineItem, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	lines, err := s.invoices.GetLineItems(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return inv, lines, nil
}

// Balance is the recomputed financial position of an invoice.
type Balance struct {
	InvoiceNumber  string          `json:"invoice_number"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	CreditedAmount decimal.Decimal `json:"credited_amount"`
	BalanceAmount  decimal.Decimal `json:"balance_amount"`
	Status         InvoiceStatus   `json:"status"`
}

// GetBalance rederives the balance from the payment and credit-note logs.
// A mismatch between the derivation and the stored cache is a data
// integrity fault and is logged loudly.
func (s *Service) GetBalance(ctx context.Context, invoiceID uuid.UUID) (*Balance, error) {
	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	notes, err := s.notes.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	paid, credited, balance := Recompute(inv, payments, notes)
	if !balance.Equal(inv.BalanceAmount) || !paid.Equal(inv.PaidAmount) {
		s.log.Error().
			Str("invoice_number", inv.InvoiceNumber).
			Str("stored_balance", inv.BalanceAmount.String()).
			Str("derived_balance", balance.String()).
			Msg("invoice balance cache diverged from document history")
	}
	return &Balance{
		InvoiceNumber:  inv.InvoiceNumber,
		TotalAmount:    inv.Amounts.Total,
		PaidAmount:     paid,
		CreditedAmount: credited,
		BalanceAmount:  balance,
		Status:         DeriveStatus(inv, paid, credited, balance, s.now()),
	}, nil
}

// ListInvoices lists invoices, optionally filtered by patient.
func (s *Service) ListInvoices(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	if patientID != uuid.Nil {
		return s.invoices.ListByPatient(ctx, patientID, limit, offset)
	}
	return s.invoices.List(ctx, limit, offset)
}

// -- Payment Application --

// PaymentRequest is the input for applying a payment.
type PaymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Method        PaymentMethod   `json:"method"`
	TransactionID *string         `json:"transaction_id,omitempty"`
	ReceivedBy    *string         `json:"received_by,omitempty"`
}

// ApplyPayment records an immutable payment against an invoice, refreshes
// the balance and status, and returns the updated invoice plus a receipt
// reference. Overpayment is rejected; the excess must go through the
// credit/refund flow.
func (s *Service) ApplyPayment(ctx context.Context, invoiceID uuid.UUID, req PaymentRequest) (*Invoice, string, error) {
	lock := s.invoiceLock(invoiceID)
	lock.Lock()
	defer lock.Unlock()

	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, "", err
	}
	switch inv.Status {
	case StatusDraft:
		return nil, "", apperr.InvalidStatef("invoice %s has not been issued", inv.InvoiceNumber)
	case StatusCancelled, StatusPaid:
		return nil, "", apperr.Validationf("invoice %s is %s and accepts no payments", inv.InvoiceNumber, inv.Status)
	}
	if !req.Amount.IsPositive() {
		return nil, "", apperr.Validationf("payment amount must be positive, got %s", req.Amount)
	}
	if req.Amount.GreaterThan(inv.BalanceAmount) {
		return nil, "", apperr.Validationf("payment %s exceeds outstanding balance %s",
			req.Amount.StringFixed(money.Scale), inv.BalanceAmount.StringFixed(money.Scale))
	}
	if !ValidPaymentMethod(req.Method) {
		return nil, "", apperr.Validationf("unknown payment method %q", req.Method)
	}
	if req.Method.RequiresTransactionID() && (req.TransactionID == nil || *req.TransactionID == "") {
		return nil, "", apperr.Validationf("transaction_id is required for %s payments", req.Method)
	}

	now := s.now()
	p := &Payment{
		PaymentNumber: NewDocumentNumber("PAY", now),
		InvoiceID:     invoiceID,
		Amount:        req.Amount.Round(money.Scale),
		Method:        req.Method,
		TransactionID: req.TransactionID,
		ReceivedAt:    now,
		ReceivedBy:    req.ReceivedBy,
	}
	if err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}
		return s.refresh(ctx, inv)
	}); err != nil {
		return nil, "", err
	}

	receipt := "RCPT-" + p.PaymentNumber
	s.dispatch(ctx, inv.PatientID, "payment-receipt", map[string]string{
		"receipt_number": receipt,
		"invoice_number": inv.InvoiceNumber,
		"amount":         p.Amount.StringFixed(money.Scale),
		"balance":        inv.BalanceAmount.StringFixed(money.Scale),
	})
	return inv, receipt, nil
}

// ListPayments returns the payment log for an invoice.
func (s *Service) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.payments.ListByInvoice(ctx, invoiceID)
}

// -- Credit Note Engine --

// CreditNoteRequest is the input for issuing a credit note.
type CreditNoteRequest struct {
	Reason  string          `json:"reason"`
	Amounts money.Breakdown `json:"amounts"`
}

// IssueCreditNote issues a reversing document against an invoice. The new
// note plus all open or refunded notes may not exceed the outstanding
// balance; amounts already adjusted are netted into the balance itself.
func (s *Service) IssueCreditNote(ctx context.Context, invoiceID uuid.UUID, req CreditNoteRequest) (*CreditNote, error) {
	lock := s.invoiceLock(invoiceID)
	lock.Lock()
	defer lock.Unlock()

	inv, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusDraft || inv.Status == StatusCancelled {
		return nil, apperr.InvalidStatef("credit notes cannot be issued against a %s invoice", inv.Status)
	}
	if req.Reason == "" {
		return nil, apperr.Validationf("reason is required")
	}
	if err := req.Amounts.Validate(); err != nil {
		return nil, err
	}
	if !req.Amounts.Total.IsPositive() {
		return nil, apperr.Validationf("credit note total must be positive")
	}

	notes, err := s.notes.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	outstanding := decimal.Zero
	for _, cn := range notes {
		if cn.Status != CreditNoteAdjusted {
			outstanding = outstanding.Add(cn.Amounts.Total)
		}
	}
	if req.Amounts.Total.Add(outstanding).GreaterThan(inv.BalanceAmount) {
		return nil, apperr.Validationf("credit note %s plus prior notes %s exceeds remaining billable amount %s",
			req.Amounts.Total.StringFixed(money.Scale), outstanding.StringFixed(money.Scale),
			inv.BalanceAmount.StringFixed(money.Scale))
	}

	cn := &CreditNote{
		CreditNoteNumber: NewDocumentNumber("CRN", s.now()),
		InvoiceID:        invoiceID,
		Reason:           req.Reason,
		Status:           CreditNoteIssued,
		Amounts:          req.Amounts,
	}
	if err := s.notes.Create(ctx, cn); err != nil {
		return nil, err
	}

	s.dispatch(ctx, inv.PatientID, "credit-note-issued", map[string]string{
		"credit_note_number": cn.CreditNoteNumber,
		"invoice_number":     inv.InvoiceNumber,
		"amount":             cn.Amounts.Total.StringFixed(money.Scale),
	})
	return cn, nil
}

// AdjustCreditNote applies an ISSUED credit note against its invoice's
// balance and makes the note terminal.
func (s *Service) AdjustCreditNote(ctx context.Context, noteID uuid.UUID) (*CreditNote, *Invoice, error) {
	cn, err := s.notes.GetByID(ctx, noteID)
	if err != nil {
		return nil, nil, err
	}

	lock := s.invoiceLock(cn.InvoiceID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; the first read raced unlocked.
	cn, err = s.notes.GetByID(ctx, noteID)
	if err != nil {
		return nil, nil, err
	}
	if cn.Status != CreditNoteIssued {
		return nil, nil, apperr.InvalidStatef("credit note %s is %s and cannot be adjusted", cn.CreditNoteNumber, cn.Status)
	}

	inv, err := s.invoices.GetByID(ctx, cn.InvoiceID)
	if err != nil {
		return nil, nil, err
	}

	cn.Status = CreditNoteAdjusted
	if err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.notes.Update(ctx, cn); err != nil {
			return err
		}
		return s.refresh(ctx, inv)
	}); err != nil {
		return nil, nil, err
	}
	return cn, inv, nil
}

// RefundRequest is the input for refunding a credit note.
type RefundRequest struct {
	Method        PaymentMethod `json:"method"`
	TransactionID *string       `json:"transaction_id,omitempty"`
}

// RefundCreditNote returns funds to the patient outside the invoice
// balance. The invoice remains billed at its original amount.
func (s *Service) RefundCreditNote(ctx context.Context, noteID uuid.UUID, req RefundRequest) (*CreditNote, error) {
	cn, err := s.notes.GetByID(ctx, noteID)
	if err != nil {
		return nil, err
	}

	lock := s.invoiceLock(cn.InvoiceID)
	lock.Lock()
	defer lock.Unlock()

	cn, err = s.notes.GetByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if cn.Status != CreditNoteIssued {
		return nil, apperr.InvalidStatef("credit note %s is %s and cannot be refunded", cn.CreditNoteNumber, cn.Status)
	}
	if !ValidPaymentMethod(req.Method) {
		return nil, apperr.Validationf("unknown refund method %q", req.Method)
	}
	if req.Method.RequiresTransactionID() && (req.TransactionID == nil || *req.TransactionID == "") {
		return nil, apperr.Validationf("transaction_id is required for %s refunds", req.Method)
	}

	cn.Status = CreditNoteRefunded
	cn.RefundMethod = &req.Method
	cn.RefundTransactionID = req.TransactionID
	if err := s.notes.Update(ctx, cn); err != nil {
		return nil, err
	}
	return cn, nil
}

// GetCreditNote returns a credit note by ID.
func (s *Service) GetCreditNote(ctx context.Context, id uuid.UUID) (*CreditNote, error) {
	return s.notes.GetByID(ctx, id)
}

// ListCreditNotes returns the credit-note log for an invoice.
func (s *Service) ListCreditNotes(ctx context.Context, invoiceID uuid.UUID) ([]*CreditNote, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.notes.ListByInvoice(ctx, invoiceID)
}

// refresh recomputes the invoice cache from the logs and persists it.
// Callers must hold the invoice lock.
func (s *Service) refresh(ctx context.Context, inv *Invoice) error {
	payments, err := s.payments.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	notes, err := s.notes.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	ApplyRecompute(inv, payments, notes, s.now())
	return s.invoices.Update(ctx, inv)
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

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
