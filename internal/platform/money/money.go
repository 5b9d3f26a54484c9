// Package money holds the shared amount breakdown used by invoices, credit
// notes and line items. Amounts are fixed-scale decimals (2 fractional
// digits); arithmetic is exact.
package money

import (
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/apperr"
)

// Scale is the number of fractional digits every amount is kept at.
const Scale = 2

// Breakdown is an amount split into its taxable base and GST components.
//
// Exactly one of these tax shapes is legal:
//   - CGST > 0 and SGST > 0 and IGST == 0 (intra-state supply)
//   - IGST > 0 and CGST == 0 and SGST == 0 (inter-state supply)
//   - all three zero (exempt)
type Breakdown struct {
	Subtotal      decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount      decimal.Decimal `db:"discount" json:"discount"`
	TaxableAmount decimal.Decimal `db:"taxable_amount" json:"taxable_amount"`
	CGST          decimal.Decimal `db:"cgst" json:"cgst"`
	SGST          decimal.Decimal `db:"sgst" json:"sgst"`
	IGST          decimal.Decimal `db:"igst" json:"igst"`
	Total         decimal.Decimal `db:"total" json:"total"`
}

// New builds a breakdown from its independent parts, deriving the taxable
// amount and total. It does not validate; call Validate on the result.
func New(subtotal, discount, cgst, sgst, igst decimal.Decimal) Breakdown {
	taxable := subtotal.Sub(discount).Round(Scale)
	return Breakdown{
		Subtotal:      subtotal.Round(Scale),
		Discount:      discount.Round(Scale),
		TaxableAmount: taxable,
		CGST:          cgst.Round(Scale),
		SGST:          sgst.Round(Scale),
		IGST:          igst.Round(Scale),
		Total:         taxable.Add(cgst).Add(sgst).Add(igst).Round(Scale),
	}
}

// Validate checks the breakdown invariants: non-negative components, the
// taxable and total sums, and the tax-split exclusivity rule.
func (b Breakdown) Validate() error {
	for _, c := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"subtotal", b.Subtotal},
		{"discount", b.Discount},
		{"taxable_amount", b.TaxableAmount},
		{"cgst", b.CGST},
		{"sgst", b.SGST},
		{"igst", b.IGST},
		{"total", b.Total},
	} {
		if c.v.IsNegative() {
			return apperr.Validationf("%s must be non-negative, got %s", c.name, c.v)
		}
	}
	if !b.TaxableAmount.Equal(b.Subtotal.Sub(b.Discount)) {
		return apperr.Validationf("taxable_amount %s does not equal subtotal %s minus discount %s",
			b.TaxableAmount, b.Subtotal, b.Discount)
	}
	if !b.Total.Equal(b.TaxableAmount.Add(b.CGST).Add(b.SGST).Add(b.IGST)) {
		return apperr.Validationf("total %s does not equal taxable_amount plus tax components", b.Total)
	}
	if b.IGST.IsPositive() && (b.CGST.IsPositive() || b.SGST.IsPositive()) {
		return apperr.Validationf("igst cannot be combined with cgst/sgst on the same line")
	}
	if b.IGST.IsZero() && (b.CGST.IsPositive() != b.SGST.IsPositive()) {
		return apperr.Validationf("cgst and sgst must both be present for an intra-state supply")
	}
	return nil
}

// Add returns the component-wise sum of two breakdowns.
func (b Breakdown) Add(o Breakdown) Breakdown {
	return Breakdown{
		Subtotal:      b.Subtotal.Add(o.Subtotal),
		Discount:      b.Discount.Add(o.Discount),
		TaxableAmount: b.TaxableAmount.Add(o.TaxableAmount),
		CGST:          b.CGST.Add(o.CGST),
		SGST:          b.SGST.Add(o.SGST),
		IGST:          b.IGST.Add(o.IGST),
		Total:         b.Total.Add(o.Total),
	}
}

// IsZero reports whether every component is zero.
func (b Breakdown) IsZero() bool {
	return b.Subtotal.IsZero() && b.Discount.IsZero() && b.TaxableAmount.IsZero() &&
		b.CGST.IsZero() && b.SGST.IsZero() && b.IGST.IsZero() && b.Total.IsZero()
}

// Sum folds a slice of breakdowns into one.
func Sum(bs []Breakdown) Breakdown {
	var out Breakdown
	for _, b := range bs {
		out = out.Add(b)
	}
	return out
}

// MustDecimal parses a decimal literal, panicking on malformed input. For
// use in tests and seed data only.
func MustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
