// Package claims tracks insurance claims from submission through TPA
// adjudication. A claim references exactly one invoice, is never deleted,
// and every transition is appended to its event history.
package claims

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the adjudication state of a claim.
type Status string

const (
	StatusSubmitted      Status = "SUBMITTED"
	StatusSubmittedToTPA Status = "SUBMITTED_TO_TPA"
	StatusInfoRequested  Status = "INFO_REQUESTED"
	StatusApproved       Status = "APPROVED"
	StatusRejected       Status = "REJECTED"
)

// Terminal reports whether the status accepts no further actions.
func (s Status) Terminal() bool { return s == StatusApproved || s == StatusRejected }

// Action is a requested claim transition.
type Action string

const (
	ActionSubmitToTPA Action = "SUBMIT_TO_TPA"
	ActionApprove     Action = "APPROVE"
	ActionReject      Action = "REJECT"
	ActionRequestInfo Action = "REQUEST_INFO"
)

// transitions is the full state machine. Any (status, action) pair absent
// here is an invalid transition.
var transitions = map[Status]map[Action]Status{
	StatusSubmitted: {
		ActionSubmitToTPA: StatusSubmittedToTPA,
	},
	StatusSubmittedToTPA: {
		ActionApprove:     StatusApproved,
		ActionReject:      StatusRejected,
		ActionRequestInfo: StatusInfoRequested,
	},
	StatusInfoRequested: {
		ActionSubmitToTPA: StatusSubmittedToTPA,
	},
}

// NextStatus resolves an action against the current status. The second
// return reports whether the transition is defined.
func NextStatus(from Status, action Action) (Status, bool) {
	to, ok := transitions[from][action]
	return to, ok
}

// Claim maps to the insurance_claim table.
type Claim struct {
	ID                 uuid.UUID        `db:"id" json:"id"`
	ClaimNumber        string           `db:"claim_number" json:"claim_number"`
	InvoiceID          uuid.UUID        `db:"invoice_id" json:"invoice_id"`
	PatientID          uuid.UUID        `db:"patient_id" json:"patient_id"`
	InsuranceProvider  string           `db:"insurance_provider" json:"insurance_provider"`
	PolicyNumber       string           `db:"policy_number" json:"policy_number"`
	ClaimAmount        decimal.Decimal  `db:"claim_amount" json:"claim_amount"`
	CoveragePercentage decimal.Decimal  `db:"coverage_percentage" json:"coverage_percentage"`
	ApprovedAmount     *decimal.Decimal `db:"approved_amount" json:"approved_amount,omitempty"`
	Status             Status           `db:"status" json:"status"`
	SubmissionDate     time.Time        `db:"submission_date" json:"submission_date"`
	TPASubmissionDate  *time.Time       `db:"tpa_submission_date" json:"tpa_submission_date,omitempty"`
	TPAApprovalDate    *time.Time       `db:"tpa_approval_date" json:"tpa_approval_date,omitempty"`
	TPARejectionDate   *time.Time       `db:"tpa_rejection_date" json:"tpa_rejection_date,omitempty"`
	Note               *string          `db:"note" json:"note,omitempty"`
	VersionID          int              `db:"version_id" json:"version_id"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (c *Claim) GetVersionID() int { return c.VersionID }

// SetVersionID sets the current version.
func (c *Claim) SetVersionID(v int) { c.VersionID = v }

// Document maps to the insurance_claim_document table. Content lives in the
// document store; only the opaque reference is kept here.
type Document struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ClaimID    uuid.UUID `db:"claim_id" json:"claim_id"`
	Ref        string    `db:"ref" json:"ref"`
	FileName   string    `db:"file_name" json:"file_name"`
	UploadedBy *string   `db:"uploaded_by" json:"uploaded_by,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Event maps to the insurance_claim_event table, the append-only status
// history. FromStatus is empty for the creation event.
type Event struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ClaimID    uuid.UUID `db:"claim_id" json:"claim_id"`
	FromStatus Status    `db:"from_status" json:"from_status,omitempty"`
	Action     string    `db:"action" json:"action"`
	ToStatus   Status    `db:"to_status" json:"to_status"`
	Actor      *string   `db:"actor" json:"actor,omitempty"`
	Note       *string   `db:"note" json:"note,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
