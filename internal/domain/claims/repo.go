package claims

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence contract for claims, their document
// references and their event history. Documents and events are append-only;
// claim rows are never deleted.
type Repository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	GetByNumber(ctx context.Context, number string) (*Claim, error)
	// Update persists the claim with an optimistic version check. A stale
	// VersionID surfaces a Conflict error; on success VersionID is bumped.
	Update(ctx context.Context, c *Claim) error
	List(ctx context.Context, limit, offset int) ([]*Claim, int, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Claim, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Claim, int, error)

	AddDocument(ctx context.Context, d *Document) error
	ListDocuments(ctx context.Context, claimID uuid.UUID) ([]*Document, error)

	AddEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, claimID uuid.UUID) ([]*Event, error)
}
