// Package ledger owns invoices and the documents applied against them:
// payments and credit notes. The stored paid/credited/balance figures are a
// cache of Recompute over the append-only payment and credit-note logs; the
// logs are authoritative.
package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/money"
)

// InvoiceStatus is the lifecycle status of an invoice.
type InvoiceStatus string

const (
	StatusDraft         InvoiceStatus = "DRAFT"
	StatusPending       InvoiceStatus = "PENDING"
	StatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	StatusPaid          InvoiceStatus = "PAID"
	StatusOverdue       InvoiceStatus = "OVERDUE"
	StatusCancelled     InvoiceStatus = "CANCELLED"
)

// Administrative reports whether the status is set only by explicit action.
// Administrative statuses are never overwritten by balance derivation.
func (s InvoiceStatus) Administrative() bool {
	return s == StatusDraft || s == StatusCancelled
}

// Invoice maps to the invoice table. Line items are frozen once the invoice
// leaves DRAFT.
type Invoice struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	InvoiceNumber string          `db:"invoice_number" json:"invoice_number"`
	PatientID     uuid.UUID       `db:"patient_id" json:"patient_id"`
	Status        InvoiceStatus   `db:"status" json:"status"`
	IssueDate     *time.Time      `db:"issue_date" json:"issue_date,omitempty"`
	DueDate       *time.Time      `db:"due_date" json:"due_date,omitempty"`
	Amounts       money.Breakdown `json:"amounts"`
	PaidAmount    decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	CreditedAmount decimal.Decimal `db:"credited_amount" json:"credited_amount"`
	BalanceAmount decimal.Decimal `db:"balance_amount" json:"balance_amount"`
	Note          *string         `db:"note" json:"note,omitempty"`
	VersionID     int             `db:"version_id" json:"version_id"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (inv *Invoice) GetVersionID() int { return inv.VersionID }

// SetVersionID sets the current version.
func (inv *Invoice) SetVersionID(v int) { inv.VersionID = v }

// LineItem maps to the invoice_line_item table.
type LineItem struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	InvoiceID   uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Sequence    int             `db:"sequence" json:"sequence"`
	ServiceCode *string         `db:"service_code" json:"service_code,omitempty"`
	Description string          `db:"description" json:"description"`
	Quantity    int64           `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Amounts     money.Breakdown `json:"amounts"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// PaymentMethod enumerates how a payment was received.
type PaymentMethod string

const (
	MethodCash      PaymentMethod = "cash"
	MethodCard      PaymentMethod = "card"
	MethodTransfer  PaymentMethod = "transfer"
	MethodWallet    PaymentMethod = "wallet"
	MethodCheque    PaymentMethod = "cheque"
	MethodInsurance PaymentMethod = "insurance"
	MethodOther     PaymentMethod = "other"
)

var validPaymentMethods = map[PaymentMethod]bool{
	MethodCash: true, MethodCard: true, MethodTransfer: true, MethodWallet: true,
	MethodCheque: true, MethodInsurance: true, MethodOther: true,
}

// ValidPaymentMethod reports whether m is a known payment method.
func ValidPaymentMethod(m PaymentMethod) bool { return validPaymentMethods[m] }

// RequiresTransactionID reports whether the method needs an external
// transaction reference. Only cash moves without one.
func (m PaymentMethod) RequiresTransactionID() bool { return m != MethodCash }

// Payment maps to the payment table. Rows are append-only; corrections are
// issued as offsetting documents, never edits.
type Payment struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	PaymentNumber string          `db:"payment_number" json:"payment_number"`
	InvoiceID     uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Method        PaymentMethod   `db:"method" json:"method"`
	TransactionID *string         `db:"transaction_id" json:"transaction_id,omitempty"`
	ReceivedAt    time.Time       `db:"received_at" json:"received_at"`
	ReceivedBy    *string         `db:"received_by" json:"received_by,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// CreditNoteStatus is the lifecycle status of a credit note.
type CreditNoteStatus string

const (
	CreditNoteIssued   CreditNoteStatus = "ISSUED"
	CreditNoteAdjusted CreditNoteStatus = "ADJUSTED"
	CreditNoteRefunded CreditNoteStatus = "REFUNDED"
)

// Terminal reports whether the status forbids further transitions.
func (s CreditNoteStatus) Terminal() bool {
	return s == CreditNoteAdjusted || s == CreditNoteRefunded
}

// CreditNote maps to the credit_note table. ADJUSTED notes reduce the
// invoice balance; REFUNDED notes return cash without touching it.
type CreditNote struct {
	ID                  uuid.UUID        `db:"id" json:"id"`
	CreditNoteNumber    string           `db:"credit_note_number" json:"credit_note_number"`
	InvoiceID           uuid.UUID        `db:"invoice_id" json:"invoice_id"`
	Reason              string           `db:"reason" json:"reason"`
	Status              CreditNoteStatus `db:"status" json:"status"`
	Amounts             money.Breakdown  `json:"amounts"`
	RefundMethod        *PaymentMethod   `db:"refund_method" json:"refund_method,omitempty"`
	RefundTransactionID *string          `db:"refund_transaction_id" json:"refund_transaction_id,omitempty"`
	VersionID           int              `db:"version_id" json:"version_id"`
	CreatedAt           time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time        `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (cn *CreditNote) GetVersionID() int { return cn.VersionID }

// SetVersionID sets the current version.
func (cn *CreditNote) SetVersionID(v int) { cn.VersionID = v }

// Recompute derives the paid, credited and balance figures from the full
// payment and credit-note history. Only ADJUSTED credit notes count against
// the balance.
func Recompute(inv *Invoice, payments []*Payment, notes []*CreditNote) (paid, credited, balance decimal.Decimal) {
	paid = decimal.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
	}
	credited = decimal.Zero
	for _, cn := range notes {
		if cn.Status == CreditNoteAdjusted {
			credited = credited.Add(cn.Amounts.Total)
		}
	}
	balance = inv.Amounts.Total.Sub(paid).Sub(credited)
	return paid, credited, balance
}

// DeriveStatus maps the recomputed figures to a status. Administrative
// statuses (DRAFT, CANCELLED) pass through untouched.
func DeriveStatus(inv *Invoice, paid, credited, balance decimal.Decimal, now time.Time) InvoiceStatus {
	if inv.Status.Administrative() {
		return inv.Status
	}
	settled := paid.Add(credited)
	switch {
	case balance.LessThanOrEqual(decimal.Zero):
		return StatusPaid
	case settled.IsPositive():
		return StatusPartiallyPaid
	case inv.DueDate != nil && now.After(*inv.DueDate):
		return StatusOverdue
	default:
		return StatusPending
	}
}

// ApplyRecompute refreshes the invoice's cached figures and status from the
// given history.
func ApplyRecompute(inv *Invoice, payments []*Payment, notes []*CreditNote, now time.Time) {
	paid, credited, balance := Recompute(inv, payments, notes)
	inv.PaidAmount = paid
	inv.CreditedAmount = credited
	inv.BalanceAmount = balance
	inv.Status = DeriveStatus(inv, paid, credited, balance, now)
}

// NewDocumentNumber builds a human-facing document number such as
// INV-20260831-4F2A9C.
func NewDocumentNumber(prefix string, t time.Time) string {
	id := uuid.New().String()
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", "")[:6])
	return prefix + "-" + t.Format("20060102") + "-" + suffix
}
