// Package directory is the read-only patient directory the billing core
// consults to resolve patient references. The authoritative registry lives
// in another system; this package only answers "who is this ref".
package directory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/carebill/carebill/internal/platform/apperr"
)

// Patient is the display projection of a patient record.
type Patient struct {
	ID          uuid.UUID `json:"id"`
	MRN         string    `json:"mrn"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
}

// Directory resolves patient references.
type Directory interface {
	Resolve(ctx context.Context, id uuid.UUID) (*Patient, error)
}

// MemoryDirectory is an in-memory Directory for tests and development.
type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]*Patient
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{patients: make(map[uuid.UUID]*Patient)}
}

// Add registers a patient. Returns the patient for chaining in test setup.
func (d *MemoryDirectory) Add(p Patient) *Patient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	d.patients[p.ID] = &p
	return &p
}

func (d *MemoryDirectory) Resolve(_ context.Context, id uuid.UUID) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	if !ok {
		return nil, apperr.NotFoundf("patient %s not found", id)
	}
	return p, nil
}
