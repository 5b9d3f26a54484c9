package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/money"
)

func dec(s string) decimal.Decimal { return money.MustDecimal(s) }

func invoiceWithTotal(total string) *Invoice {
	return &Invoice{
		Status:  StatusPending,
		Amounts: money.Breakdown{Total: dec(total)},
	}
}

func TestRecompute(t *testing.T) {
	inv := invoiceWithTotal("1180")
	payments := []*Payment{
		{Amount: dec("500")},
		{Amount: dec("180")},
	}
	notes := []*CreditNote{
		{Status: CreditNoteAdjusted, Amounts: money.Breakdown{Total: dec("100")}},
		{Status: CreditNoteIssued, Amounts: money.Breakdown{Total: dec("50")}},
		{Status: CreditNoteRefunded, Amounts: money.Breakdown{Total: dec("75")}},
	}

	paid, credited, balance := Recompute(inv, payments, notes)
	if !paid.Equal(dec("680")) {
		t.Errorf("paid = %s, want 680", paid)
	}
	// Only the ADJUSTED note counts; ISSUED and REFUNDED do not touch the balance.
	if !credited.Equal(dec("100")) {
		t.Errorf("credited = %s, want 100", credited)
	}
	if !balance.Equal(dec("400")) {
		t.Errorf("balance = %s, want 400", balance)
	}

	// Idempotence: recomputing from the same history yields the same result.
	paid2, credited2, balance2 := Recompute(inv, payments, notes)
	if !paid2.Equal(paid) || !credited2.Equal(credited) || !balance2.Equal(balance) {
		t.Error("recompute is not idempotent")
	}
}

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name     string
		status   InvoiceStatus
		dueDate  *time.Time
		paid     string
		credited string
		balance  string
		want     InvoiceStatus
	}{
		{"settled in full", StatusPending, nil, "1180", "0", "0", StatusPaid},
		{"partially paid", StatusPending, nil, "500", "0", "680", StatusPartiallyPaid},
		{"credited only still partial", StatusPending, nil, "0", "590", "590", StatusPartiallyPaid},
		{"unpaid past due", StatusPending, &past, "0", "0", "1180", StatusOverdue},
		{"unpaid before due", StatusPending, &future, "0", "0", "1180", StatusPending},
		{"unpaid no due date", StatusPending, nil, "0", "0", "1180", StatusPending},
		{"draft never derived", StatusDraft, &past, "0", "0", "1180", StatusDraft},
		{"cancelled never derived", StatusCancelled, nil, "1180", "0", "0", StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := invoiceWithTotal("1180")
			inv.Status = tt.status
			inv.DueDate = tt.dueDate
			got := DeriveStatus(inv, dec(tt.paid), dec(tt.credited), dec(tt.balance), now)
			if got != tt.want {
				t.Errorf("DeriveStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApplyRecomputeRefreshesCache(t *testing.T) {
	inv := invoiceWithTotal("1180")
	payments := []*Payment{{Amount: dec("1180")}}

	ApplyRecompute(inv, payments, nil, time.Now())
	if inv.Status != StatusPaid {
		t.Errorf("status = %s, want PAID", inv.Status)
	}
	if !inv.BalanceAmount.IsZero() {
		t.Errorf("balance = %s, want 0", inv.BalanceAmount)
	}
	if !inv.PaidAmount.Equal(dec("1180")) {
		t.Errorf("paid = %s, want 1180", inv.PaidAmount)
	}
}

func TestPaymentMethodTransactionRule(t *testing.T) {
	if MethodCash.RequiresTransactionID() {
		t.Error("cash must not require a transaction id")
	}
	for _, m := range []PaymentMethod{MethodCard, MethodTransfer, MethodWallet, MethodCheque, MethodInsurance, MethodOther} {
		if !m.RequiresTransactionID() {
			t.Errorf("%s must require a transaction id", m)
		}
	}
	if ValidPaymentMethod("bitcoin") {
		t.Error("unknown method accepted")
	}
}

func TestNewDocumentNumber(t *testing.T) {
	at := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	n := NewDocumentNumber("INV", at)
	if !strings.HasPrefix(n, "INV-20260831-") {
		t.Errorf("number = %q", n)
	}
	if n == NewDocumentNumber("INV", at) {
		t.Error("consecutive numbers collided")
	}
}

func TestCreditNoteStatusTerminal(t *testing.T) {
	if CreditNoteIssued.Terminal() {
		t.Error("ISSUED must not be terminal")
	}
	if !CreditNoteAdjusted.Terminal() || !CreditNoteRefunded.Terminal() {
		t.Error("ADJUSTED and REFUNDED must be terminal")
	}
}
