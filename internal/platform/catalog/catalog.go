// Package catalog is the read-only service/price catalog consulted while an
// invoice is still in draft. Each entry carries its unit price and GST
// classification; the classification is supplied by the catalog, never
// derived here.
package catalog

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/apperr"
	"github.com/carebill/carebill/internal/platform/money"
)

// TaxTreatment classifies how GST applies to a catalog entry.
type TaxTreatment string

const (
	// TaxIntraState splits the GST rate evenly between CGST and SGST.
	TaxIntraState TaxTreatment = "intra_state"
	// TaxInterState books the whole GST rate as IGST.
	TaxInterState TaxTreatment = "inter_state"
	// TaxExempt carries no GST.
	TaxExempt TaxTreatment = "exempt"
)

// Entry is one billable service.
type Entry struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	GSTRate   decimal.Decimal `json:"gst_rate"` // percent, e.g. 18
	Treatment TaxTreatment    `json:"treatment"`
}

// Catalog looks up billable services by code.
type Catalog interface {
	Lookup(ctx context.Context, code string) (*Entry, error)
}

// BuildLine prices a draft line from a catalog entry: quantity times unit
// price less discount, with the GST split dictated by the entry's treatment.
func BuildLine(e *Entry, quantity int64, discount decimal.Decimal) (money.Breakdown, error) {
	if quantity <= 0 {
		return money.Breakdown{}, apperr.Validationf("quantity must be positive, got %d", quantity)
	}
	subtotal := e.UnitPrice.Mul(decimal.NewFromInt(quantity)).Round(money.Scale)
	taxable := subtotal.Sub(discount)
	if taxable.IsNegative() {
		return money.Breakdown{}, apperr.Validationf("discount %s exceeds line subtotal %s", discount, subtotal)
	}

	tax := taxable.Mul(e.GSTRate).Div(decimal.NewFromInt(100)).Round(money.Scale)
	var cgst, sgst, igst decimal.Decimal
	switch e.Treatment {
	case TaxIntraState:
		// The half split is floored so an odd paisa lands on SGST. A
		// single-paisa tax cannot be split into two positive components
		// at all, so such a line is booked tax-free.
		if tax.GreaterThanOrEqual(decimal.New(2, -money.Scale)) {
			half := tax.Div(decimal.NewFromInt(2)).RoundDown(money.Scale)
			cgst, sgst = half, tax.Sub(half)
		}
	case TaxInterState:
		igst = tax
	case TaxExempt:
		// no tax components
	default:
		return money.Breakdown{}, apperr.Validationf("unknown tax treatment %q", e.Treatment)
	}

	b := money.New(subtotal, discount, cgst, sgst, igst)
	if err := b.Validate(); err != nil {
		return money.Breakdown{}, err
	}
	return b, nil
}

// MemoryCatalog is an in-memory Catalog for tests and development.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]*Entry)}
}

func (c *MemoryCatalog) Add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Code] = &e
}

func (c *MemoryCatalog) Lookup(_ context.Context, code string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[code]
	if !ok {
		return nil, apperr.NotFoundf("catalog entry %s not found", code)
	}
	return e, nil
}
