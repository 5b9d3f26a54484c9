package ledger

import (
	"context"

	"github.com/google/uuid"
)

// InvoiceRepository is the storage contract for invoices and their lines.
type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetByNumber(ctx context.Context, number string) (*Invoice, error)
	// Update persists the invoice with an optimistic version check. A stale
	// VersionID surfaces a Conflict error; on success VersionID is bumped.
	Update(ctx context.Context, inv *Invoice) error
	AddLineItem(ctx context.Context, li *LineItem) error
	GetLineItems(ctx context.Context, invoiceID uuid.UUID) ([]*LineItem, error)
	List(ctx context.Context, limit, offset int) ([]*Invoice, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error)
}

// PaymentRepository is an append-only log of payments keyed by invoice.
type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
}

// CreditNoteRepository stores credit notes. Rows are never deleted; only
// the status and refund fields change after creation.
type CreditNoteRepository interface {
	Create(ctx context.Context, cn *CreditNote) error
	GetByID(ctx context.Context, id uuid.UUID) (*CreditNote, error)
	// Update persists status/refund fields with an optimistic version check.
	Update(ctx context.Context, cn *CreditNote) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*CreditNote, error)
}
