package claims

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebill/carebill/internal/platform/apperr"
	"github.com/carebill/carebill/internal/platform/db"
)

// MemoryRepo backs tests and development mode. It enforces the same
// optimistic version checks as the Postgres implementation.
type MemoryRepo struct {
	mu     sync.RWMutex
	claims map[uuid.UUID]*Claim
	docs   map[uuid.UUID][]*Document
	events map[uuid.UUID][]*Event
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		claims: make(map[uuid.UUID]*Claim),
		docs:   make(map[uuid.UUID][]*Document),
		events: make(map[uuid.UUID][]*Event),
	}
}

func (r *MemoryRepo) Create(_ context.Context, c *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.VersionID = 1
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	r.claims[c.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[id]
	if !ok {
		return nil, apperr.NotFoundf("claim not found")
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepo) GetByNumber(_ context.Context, number string) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.claims {
		if c.ClaimNumber == number {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperr.NotFoundf("claim not found")
}

func (r *MemoryRepo) Update(_ context.Context, c *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.claims[c.ID]
	if !ok {
		return apperr.NotFoundf("claim not found")
	}
	if cur.VersionID != c.VersionID {
		return apperr.Conflictf("claim %s was modified concurrently", c.ID)
	}
	c.VersionID++
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	r.claims[c.ID] = &cp
	return nil
}

func (r *MemoryRepo) List(_ context.Context, limit, offset int) ([]*Claim, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Claim, 0, len(r.claims))
	for _, c := range r.claims {
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (r *MemoryRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var items []*Claim
	for _, c := range r.claims {
		if c.InvoiceID == invoiceID {
			cp := *c
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (r *MemoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Claim
	for _, c := range r.claims {
		if c.PatientID == patientID {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

func (r *MemoryRepo) AddDocument(_ context.Context, d *Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now().UTC()
	cp := *d
	r.docs[d.ClaimID] = append(r.docs[d.ClaimID], &cp)
	return nil
}

func (r *MemoryRepo) ListDocuments(_ context.Context, claimID uuid.UUID) ([]*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*Document, 0, len(r.docs[claimID]))
	for _, d := range r.docs[claimID] {
		cp := *d
		items = append(items, &cp)
	}
	return items, nil
}

func (r *MemoryRepo) AddEvent(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	cp := *e
	r.events[e.ClaimID] = append(r.events[e.ClaimID], &cp)
	return nil
}

func (r *MemoryRepo) ListEvents(_ context.Context, claimID uuid.UUID) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*Event, 0, len(r.events[claimID]))
	for _, e := range r.events[claimID] {
		cp := *e
		items = append(items, &cp)
	}
	return items, nil
}

// NewMemoryTransactor gives the memory repository the same all-or-nothing
// behavior db.WithTx gives the Postgres one: when fn fails, the claims,
// documents and events maps are restored to their state before the call.
func NewMemoryTransactor(r *MemoryRepo) db.Transactor {
	return func(ctx context.Context, fn func(context.Context) error) error {
		restore := r.snapshot()
		if err := fn(ctx); err != nil {
			restore()
			return err
		}
		return nil
	}
}

func (r *MemoryRepo) snapshot() func() {
	r.mu.Lock()
	claims := make(map[uuid.UUID]*Claim, len(r.claims))
	for id, c := range r.claims {
		cp := *c
		claims[id] = &cp
	}
	docs := make(map[uuid.UUID][]*Document, len(r.docs))
	for id, ds := range r.docs {
		docs[id] = append([]*Document(nil), ds...)
	}
	events := make(map[uuid.UUID][]*Event, len(r.events))
	for id, es := range r.events {
		events[id] = append([]*Event(nil), es...)
	}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.claims, r.docs, r.events = claims, docs, events
		r.mu.Unlock()
	}
}
