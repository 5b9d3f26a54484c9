package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebill/carebill/internal/platform/apperr"
	"github.com/carebill/carebill/internal/platform/db"
)

// In-memory repositories backing tests and development mode. They enforce
// the same optimistic version checks as the Postgres implementations.

type MemoryInvoiceRepo struct {
	mu       sync.RWMutex
	invoices map[uuid.UUID]*Invoice
	lines    map[uuid.UUID][]*LineItem
}

func NewMemoryInvoiceRepo() *MemoryInvoiceRepo {
	return &MemoryInvoiceRepo{
		invoices: make(map[uuid.UUID]*Invoice),
		lines:    make(map[uuid.UUID][]*LineItem),
	}
}

func (r *MemoryInvoiceRepo) Create(_ context.Context, inv *Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.VersionID = 1
	inv.CreatedAt = time.Now().UTC()
	inv.UpdatedAt = inv.CreatedAt
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *MemoryInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, apperr.NotFoundf("invoice not found")
	}
	cp := *inv
	return &cp, nil
}

func (r *MemoryInvoiceRepo) GetByNumber(_ context.Context, number string) (*Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inv := range r.invoices {
		if inv.InvoiceNumber == number {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, apperr.NotFoundf("invoice not found")
}

func (r *MemoryInvoiceRepo) Update(_ context.Context, inv *Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.invoices[inv.ID]
	if !ok {
		return apperr.NotFoundf("invoice not found")
	}
	if cur.VersionID != inv.VersionID {
		return apperr.Conflictf("invoice %s was modified concurrently", inv.ID)
	}
	inv.VersionID++
	inv.UpdatedAt = time.Now().UTC()
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *MemoryInvoiceRepo) AddLineItem(_ context.Context, li *LineItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if li.ID == uuid.Nil {
		li.ID = uuid.New()
	}
	li.CreatedAt = time.Now().UTC()
	cp := *li
	r.lines[li.InvoiceID] = append(r.lines[li.InvoiceID], &cp)
	return nil
}

func (r *MemoryInvoiceRepo) GetLineItems(_ context.Context, invoiceID uuid.UUID) ([]*LineItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*LineItem, 0, len(r.lines[invoiceID]))
	for _, li := range r.lines[invoiceID] {
		cp := *li
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	return items, nil
}

func (r *MemoryInvoiceRepo) List(_ context.Context, limit, offset int) ([]*Invoice, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Invoice, 0, len(r.invoices))
	for _, inv := range r.invoices {
		cp := *inv
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (r *MemoryInvoiceRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Invoice
	for _, inv := range r.invoices {
		if inv.PatientID == patientID {
			cp := *inv
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

type MemoryPaymentRepo struct {
	mu       sync.RWMutex
	payments map[uuid.UUID][]*Payment
}

func NewMemoryPaymentRepo() *MemoryPaymentRepo {
	return &MemoryPaymentRepo{payments: make(map[uuid.UUID][]*Payment)}
}

func (r *MemoryPaymentRepo) Create(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	cp := *p
	r.payments[p.InvoiceID] = append(r.payments[p.InvoiceID], &cp)
	return nil
}

func (r *MemoryPaymentRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*Payment, 0, len(r.payments[invoiceID]))
	for _, p := range r.payments[invoiceID] {
		cp := *p
		items = append(items, &cp)
	}
	return items, nil
}

type MemoryCreditNoteRepo struct {
	mu    sync.RWMutex
	notes map[uuid.UUID]*CreditNote
}

func NewMemoryCreditNoteRepo() *MemoryCreditNoteRepo {
	return &MemoryCreditNoteRepo{notes: make(map[uuid.UUID]*CreditNote)}
}

func (r *MemoryCreditNoteRepo) Create(_ context.Context, cn *CreditNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cn.ID == uuid.Nil {
		cn.ID = uuid.New()
	}
	cn.VersionID = 1
	cn.CreatedAt = time.Now().UTC()
	cn.UpdatedAt = cn.CreatedAt
	cp := *cn
	r.notes[cn.ID] = &cp
	return nil
}

func (r *MemoryCreditNoteRepo) GetByID(_ context.Context, id uuid.UUID) (*CreditNote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cn, ok := r.notes[id]
	if !ok {
		return nil, apperr.NotFoundf("credit note not found")
	}
	cp := *cn
	return &cp, nil
}

func (r *MemoryCreditNoteRepo) Update(_ context.Context, cn *CreditNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.notes[cn.ID]
	if !ok {
		return apperr.NotFoundf("credit note not found")
	}
	if cur.VersionID != cn.VersionID {
		return apperr.Conflictf("credit note %s was modified concurrently", cn.ID)
	}
	cn.VersionID++
	cn.UpdatedAt = time.Now().UTC()
	cp := *cn
	r.notes[cn.ID] = &cp
	return nil
}

func (r *MemoryCreditNoteRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*CreditNote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var items []*CreditNote
	for _, cn := range r.notes {
		if cn.InvoiceID == invoiceID {
			cp := *cn
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// NewMemoryTransactor gives the memory repositories the same all-or-nothing
// behavior db.WithTx gives the Postgres ones: when fn fails, every repo is
// restored to its state before the call.
func NewMemoryTransactor(inv *MemoryInvoiceRepo, pay *MemoryPaymentRepo, cn *MemoryCreditNoteRepo) db.Transactor {
	return func(ctx context.Context, fn func(context.Context) error) error {
		restores := []func(){inv.snapshot(), pay.snapshot(), cn.snapshot()}
		if err := fn(ctx); err != nil {
			for i := len(restores) - 1; i >= 0; i-- {
				restores[i]()
			}
			return err
		}
		return nil
	}
}

func (r *MemoryInvoiceRepo) snapshot() func() {
	r.mu.Lock()
	invoices := make(map[uuid.UUID]*Invoice, len(r.invoices))
	for id, inv := range r.invoices {
		cp := *inv
		invoices[id] = &cp
	}
	lines := make(map[uuid.UUID][]*LineItem, len(r.lines))
	for id, ls := range r.lines {
		lines[id] = append([]*LineItem(nil), ls...)
	}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.invoices, r.lines = invoices, lines
		r.mu.Unlock()
	}
}

func (r *MemoryPaymentRepo) snapshot() func() {
	r.mu.Lock()
	payments := make(map[uuid.UUID][]*Payment, len(r.payments))
	for id, ps := range r.payments {
		payments[id] = append([]*Payment(nil), ps...)
	}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.payments = payments
		r.mu.Unlock()
	}
}

func (r *MemoryCreditNoteRepo) snapshot() func() {
	r.mu.Lock()
	notes := make(map[uuid.UUID]*CreditNote, len(r.notes))
	for id, cn := range r.notes {
		cp := *cn
		notes[id] = &cp
	}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.notes = notes
		r.mu.Unlock()
	}
}
