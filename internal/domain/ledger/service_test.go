package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/carebill/carebill/internal/platform/apperr"
	"github.com/carebill/carebill/internal/platform/catalog"
	"github.com/carebill/carebill/internal/platform/directory"
	"github.com/carebill/carebill/internal/platform/money"
)

type testEnv struct {
	svc     *Service
	patient *directory.Patient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := directory.NewMemoryDirectory()
	patient := dir.Add(directory.Patient{MRN: "MRN-1001", DisplayName: "Asha Rao", Email: "asha@example.com"})

	cat := catalog.NewMemoryCatalog()
	cat.Add(catalog.Entry{Code: "CONS-OPD", Name: "OPD Consultation", UnitPrice: dec("1000"), GSTRate: dec("18"), Treatment: catalog.TaxIntraState})

	svc := NewService(NewMemoryInvoiceRepo(), NewMemoryPaymentRepo(), NewMemoryCreditNoteRepo(), dir, cat, zerolog.Nop())
	return &testEnv{svc: svc, patient: patient}
}

// issuedInvoice creates and issues a 1000 + 90 CGST + 90 SGST = 1180 invoice.
func (e *testEnv) issuedInvoice(t *testing.T) *Invoice {
	t.Helper()
	ctx := context.Background()
	inv, err := e.svc.CreateInvoice(ctx, CreateInvoiceRequest{PatientID: e.patient.ID})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if _, err := e.svc.AddLine(ctx, inv.ID, AddLineRequest{
		Description: "OPD consultation",
		Quantity:    1,
		UnitPrice:   dec("1000"),
		CGST:        dec("90"),
		SGST:        dec("90"),
	}); err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	issued, err := e.svc.Issue(ctx, inv.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return issued
}

func TestCreateInvoiceUnknownPatient(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{PatientID: uuid.New()})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestAddLineFromCatalog(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	inv, err := e.svc.CreateInvoice(ctx, CreateInvoiceRequest{PatientID: e.patient.ID})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	code := "CONS-OPD"
	li, err := e.svc.AddLine(ctx, inv.ID, AddLineRequest{ServiceCode: &code, Quantity: 1})
	if err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	if li.Description != "OPD Consultation" {
		t.Errorf("description = %q, want catalog name", li.Description)
	}
	if !li.Amounts.Total.Equal(dec("1180")) {
		t.Errorf("line total = %s, want 1180", li.Amounts.Total)
	}

	got, _, err := e.svc.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	if !got.Amounts.Total.Equal(dec("1180")) {
		t.Errorf("invoice total = %s, want 1180", got.Amounts.Total)
	}
}

func TestIssueRequiresLines(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	inv, _ := e.svc.CreateInvoice(ctx, CreateInvoiceRequest{PatientID: e.patient.ID})
	if _, err := e.svc.Issue(ctx, inv.ID); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("issuing an empty invoice: err = %v, want validation error", err)
	}
}

func TestLinesFrozenAfterIssue(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)

	_, err := e.svc.AddLine(context.Background(), inv.ID, AddLineRequest{
		Description: "late addition", Quantity: 1, UnitPrice: dec("100"),
	})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("err = %v, want invalid state", err)
	}
}

func TestFullPaymentSettlesInvoice(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)

	got, receipt, err := e.svc.ApplyPayment(context.Background(), inv.ID, PaymentRequest{
		Amount: dec("1180"), Method: MethodCash,
	})
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if got.Status != StatusPaid {
		t.Errorf("status = %s, want PAID", got.Status)
	}
	if !got.BalanceAmount.IsZero() {
		t.Errorf("balance = %s, want 0", got.BalanceAmount)
	}
	if !strings.HasPrefix(receipt, "RCPT-PAY-") {
		t.Errorf("receipt = %q", receipt)
	}
}

func TestTwoPartialPayments(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)
	ctx := context.Background()

	got, _, err := e.svc.ApplyPayment(ctx, inv.ID, PaymentRequest{Amount: dec("500"), Method: MethodCash})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if got.Status != StatusPartiallyPaid {
		t.Errorf("status after first payment = %s, want PARTIALLY_PAID", got.Status)
	}
	if !got.BalanceAmount.Equal(dec("680")) {
		t.Errorf("balance = %s, want 680", got.BalanceAmount)
	}

	txn := "TXN-42"
	got, _, err = e.svc.ApplyPayment(ctx, inv.ID, PaymentRequest{Amount: dec("680"), Method: MethodCard, TransactionID: &txn})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if got.Status != StatusPaid || !got.BalanceAmount.IsZero() {
		t.Errorf("after second payment: status=%s balance=%s", got.Status, got.BalanceAmount)
	}

	payments, err := e.svc.ListPayments(ctx, inv.ID)
	if err != nil {
		t.Fatalf("ListPayments: %v", err)
	}
	if len(payments) != 2 {
		t.Errorf("payments = %d, want 2", len(payments))
	}
}

func TestOverpaymentRejected(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)
	ctx := context.Background()

	_, _, err := e.svc.ApplyPayment(ctx, inv.ID, PaymentRequest{Amount: dec("10000"), Method: MethodCash})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}

	bal, err := e.svc.GetBalance(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.BalanceAmount.Equal(dec("1180")) {
		t.Errorf("balance after rejection = %s, want unchanged 1180", bal.BalanceAmount)
	}
}

func TestPaymentValidation(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  PaymentRequest
		kind error
	}{
		{"zero amount", PaymentRequest{Amount: decimal.Zero, Method: MethodCash}, apperr.ErrValidation},
		{"negative amount", PaymentRequest{Amount: dec("-5"), Method: MethodCash}, apperr.ErrValidation},
		{"unknown method", PaymentRequest{Amount: dec("100"), Method: "barter"}, apperr.ErrValidation},
		{"card without transaction id", PaymentRequest{Amount: dec("100"), Method: MethodCard}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := e.svc.ApplyPayment(ctx, inv.ID, tt.req); !errors.Is(err, tt.kind) {
				t.Errorf("err = %v, want %v", err, tt.kind)
			}
		})
	}
}

func TestPaymentOnDraftAndCancelled(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	draft, _ := e.svc.CreateInvoice(ctx, CreateInvoiceRequest{PatientID: e.patient.ID})
	if _, _, err := e.svc.ApplyPayment(ctx, draft.ID, PaymentRequest{Amount: dec("10"), Method: MethodCash}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("payment on draft: err = %v, want invalid state", err)
	}

	inv := e.issuedInvoice(t)
	if _, err := e.svc.Cancel(ctx, inv.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, _, err := e.svc.ApplyPayment(ctx, inv.ID, PaymentRequest{Amount: dec("10"), Method: MethodCash}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("payment on cancelled: err = %v, want validation error", err)
	}
}

func TestCancelBlockedByPayments(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)
	ctx := context.Background()

	if _, _, err := e.svc.ApplyPayment(ctx, inv.ID, PaymentRequest{Amount: dec("100"), Method: MethodCash}); err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if _, err := e.svc.Cancel(ctx, inv.ID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("err = %v, want invalid state", err)
	}
}

func creditBreakdown(taxable, cgst, sgst string) money.Breakdown {
	return money.New(dec(taxable), decimal.Zero, dec(cgst), dec(sgst), decimal.Zero)
}

func TestCreditNoteAdjustFlow(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)
	ctx := context.Background()

	cn, err := e.svc.IssueCreditNote(ctx, inv.ID, CreditNoteRequest{
		Reason:  "billing correction",
		Amounts: creditBreakdown("500", "45", "45"),
	})
	if err != nil {
		t.Fatalf("IssueCreditNote: %v", err)
	}
	if cn.Status != CreditNoteIssued {
		t.Fatalf("status = %s, want ISSUED", cn.Status)
	}
	if !strings.HasPrefix(cn.CreditNoteNumber, "CRN-") {
		t.Errorf("number = %q", cn.CreditNoteNumber)
	}

	adjusted, updatedInv, err := e.svc.AdjustCreditNote(ctx, cn.ID)
	if err != nil {
		t.Fatalf("AdjustCreditNote: %v", err)
	}
	if adjusted.Status != CreditNoteAdjusted {
		t.Errorf("status = %s, want ADJUSTED", adjusted.Status)
	}
	if !updatedInv.BalanceAmount.Equal(dec("590")) {
		t.Errorf("invoice balance = %s, want 590", updatedInv.BalanceAmount)
	}
	if updatedInv.Status != StatusPartiallyPaid {
		t.Errorf("invoice status = %s, want PARTIALLY_PAID", updatedInv.Status)
	}

	// A terminal note rejects further transitions.
	if _, _, err := e.svc.AdjustCreditNote(ctx, cn.ID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("second adjust: err = %v, want invalid state", err)
	}
	if _, err := e.svc.RefundCreditNote(ctx, cn.ID, RefundRequest{Method: MethodCash}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("refund after adjust: err = %v, want invalid state", err)
	}
}

func TestCreditNoteRefundLeavesBalance(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)
	ctx := context.Background()

	cn, err := e.svc.IssueCreditNote(ctx, inv.ID, CreditNoteRequest{
		Reason:  "goodwill refund",
		Amounts: creditBreakdown("500", "45", "45"),
	})
	if err != nil {
		t.Fatalf("IssueCreditNote: %v", err)
	}

	txn := "REF-77"
	refunded, err := e.svc.RefundCreditNote(ctx, cn.ID, RefundRequest{Method: MethodTransfer, TransactionID: &txn})
	if err != nil {
		t.Fatalf("RefundCreditNote: %v", err)
	}
	if refunded.Status != CreditNoteRefunded {
		t.Errorf("status = %s, want REFUNDED", refunded.Status)
	}
	if refunded.RefundMethod == nil || *refunded.RefundMethod != MethodTransfer {
		t.Error("refund method not recorded")
	}

	bal, err := e.svc.GetBalance(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.BalanceAmount.Equal(dec("1180")) {
		t.Errorf("balance = %s, want unchanged 1180", bal.BalanceAmount)
	}
}

func TestCreditNoteCap(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)
	ctx := context.Background()

	// Larger than the invoice itself.
	_, err := e.svc.IssueCreditNote(ctx, inv.ID, CreditNoteRequest{
		Reason:  "too big",
		Amounts: creditBreakdown("2000", "180", "180"),
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("oversized note: err = %v, want validation error", err)
	}

	// Two open notes may not jointly exceed the balance.
	if _, err := e.svc.IssueCreditNote(ctx, inv.ID, CreditNoteRequest{
		Reason:  "first",
		Amounts: creditBreakdown("800", "72", "72"),
	}); err != nil {
		t.Fatalf("first note: %v", err)
	}
	_, err = e.svc.IssueCreditNote(ctx, inv.ID, CreditNoteRequest{
		Reason:  "second",
		Amounts: creditBreakdown("500", "45", "45"),
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("joint oversize: err = %v, want validation error", err)
	}
}

func TestRefundRequiresTransactionID(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)
	ctx := context.Background()

	cn, err := e.svc.IssueCreditNote(ctx, inv.ID, CreditNoteRequest{
		Reason:  "refund",
		Amounts: creditBreakdown("100", "9", "9"),
	})
	if err != nil {
		t.Fatalf("IssueCreditNote: %v", err)
	}
	if _, err := e.svc.RefundCreditNote(ctx, cn.ID, RefundRequest{Method: MethodTransfer}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestOverdueDerivation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(24 * time.Hour)
	inv, err := e.svc.CreateInvoice(ctx, CreateInvoiceRequest{PatientID: e.patient.ID, DueDate: &due})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if _, err := e.svc.AddLine(ctx, inv.ID, AddLineRequest{
		Description: "consult", Quantity: 1, UnitPrice: dec("1000"), CGST: dec("90"), SGST: dec("90"),
	}); err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	if _, err := e.svc.Issue(ctx, inv.ID); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Move the clock past the due date; the derived status flips to OVERDUE.
	e.svc.SetClock(func() time.Time { return due.Add(48 * time.Hour) })
	bal, err := e.svc.GetBalance(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Status != StatusOverdue {
		t.Errorf("status = %s, want OVERDUE", bal.Status)
	}
}

func TestConcurrentPaymentsNeverOverpay(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)
	ctx := context.Background()

	// 8 workers each try to pay 400 against the 1180 balance. Two fit;
	// a third would exceed the remaining 380 and must be rejected.
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := e.svc.ApplyPayment(ctx, inv.ID, PaymentRequest{Amount: dec("400"), Method: MethodCash}); err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 2 {
		t.Errorf("applied = %d, want exactly 2", applied)
	}
	bal, err := e.svc.GetBalance(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.BalanceAmount.Equal(dec("380")) {
		t.Errorf("balance = %s, want 380", bal.BalanceAmount)
	}
	if bal.BalanceAmount.IsNegative() {
		t.Error("invoice overpaid under concurrency")
	}
}

func TestBalanceCacheMatchesRecompute(t *testing.T) {
	e := newTestEnv(t)
	inv := e.issuedInvoice(t)
	ctx := context.Background()

	if _, _, err := e.svc.ApplyPayment(ctx, inv.ID, PaymentRequest{Amount: dec("300"), Method: MethodCash}); err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	cn, err := e.svc.IssueCreditNote(ctx, inv.ID, CreditNoteRequest{
		Reason:  "correction",
		Amounts: creditBreakdown("200", "18", "18"),
	})
	if err != nil {
		t.Fatalf("IssueCreditNote: %v", err)
	}
	if _, _, err := e.svc.AdjustCreditNote(ctx, cn.ID); err != nil {
		t.Fatalf("AdjustCreditNote: %v", err)
	}

	stored, _, err := e.svc.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	derived, err := e.svc.GetBalance(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !stored.BalanceAmount.Equal(derived.BalanceAmount) {
		t.Errorf("cache %s diverged from derivation %s", stored.BalanceAmount, derived.BalanceAmount)
	}
	// 1180 - 300 - 236 = 644
	if !derived.BalanceAmount.Equal(dec("644")) {
		t.Errorf("balance = %s, want 644", derived.BalanceAmount)
	}
}

// flakyInvoiceRepo forwards to the memory repo but fails Update on demand,
// standing in for a version conflict from an out-of-process writer or a
// connection fault mid-operation.
type flakyInvoiceRepo struct {
	*MemoryInvoiceRepo
	updateErr error
}

func (r *flakyInvoiceRepo) Update(ctx context.Context, inv *Invoice) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	return r.MemoryInvoiceRepo.Update(ctx, inv)
}

func newFlakyEnv(t *testing.T) (*Service, *flakyInvoiceRepo, *MemoryPaymentRepo, *directory.Patient) {
	t.Helper()
	dir := directory.NewMemoryDirectory()
	patient := dir.Add(directory.Patient{MRN: "MRN-2001", DisplayName: "Meera Iyer"})

	invoices := &flakyInvoiceRepo{MemoryInvoiceRepo: NewMemoryInvoiceRepo()}
	payments := NewMemoryPaymentRepo()
	notes := NewMemoryCreditNoteRepo()
	svc := NewService(invoices, payments, notes, dir, catalog.NewMemoryCatalog(), zerolog.Nop())
	svc.SetTransactor(NewMemoryTransactor(invoices.MemoryInvoiceRepo, payments, notes))
	return svc, invoices, payments, patient
}

func TestFailedPaymentLeavesNoOrphan(t *testing.T) {
	svc, invoices, payments, patient := newFlakyEnv(t)
	ctx := context.Background()

	inv, err := svc.CreateInvoice(ctx, CreateInvoiceRequest{PatientID: patient.ID})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if _, err := svc.AddLine(ctx, inv.ID, AddLineRequest{
		Description: "OPD consultation",
		Quantity:    1,
		UnitPrice:   dec("1000"),
		CGST:        dec("90"),
		SGST:        dec("90"),
	}); err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	if _, err := svc.Issue(ctx, inv.ID); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	invoices.updateErr = errors.New("connection reset")
	if _, _, err := svc.ApplyPayment(ctx, inv.ID, PaymentRequest{Amount: dec("500"), Method: MethodCash}); err == nil {
		t.Fatal("expected the payment to fail")
	}

	log, err := payments.ListByInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("ListByInvoice: %v", err)
	}
	if len(log) != 0 {
		t.Fatalf("failed payment left %d payment(s) in the log", len(log))
	}

	// The retry settles the full balance; an orphaned first payment would
	// have made this an overpayment.
	invoices.updateErr = nil
	got, _, err := svc.ApplyPayment(ctx, inv.ID, PaymentRequest{Amount: dec("1180"), Method: MethodCash})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != StatusPaid || !got.BalanceAmount.IsZero() {
		t.Errorf("after retry: status=%s balance=%s", got.Status, got.BalanceAmount)
	}
}

func TestFailedAdjustLeavesNoteIssued(t *testing.T) {
	svc, invoices, _, patient := newFlakyEnv(t)
	ctx := context.Background()

	inv, err := svc.CreateInvoice(ctx, CreateInvoiceRequest{PatientID: patient.ID})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if _, err := svc.AddLine(ctx, inv.ID, AddLineRequest{
		Description: "OPD consultation",
		Quantity:    1,
		UnitPrice:   dec("1000"),
		CGST:        dec("90"),
		SGST:        dec("90"),
	}); err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	if _, err := svc.Issue(ctx, inv.ID); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	cn, err := svc.IssueCreditNote(ctx, inv.ID, CreditNoteRequest{
		Reason:  "billing error",
		Amounts: money.New(dec("100"), decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero),
	})
	if err != nil {
		t.Fatalf("IssueCreditNote: %v", err)
	}

	invoices.updateErr = errors.New("connection reset")
	if _, _, err := svc.AdjustCreditNote(ctx, cn.ID); err == nil {
		t.Fatal("expected the adjustment to fail")
	}

	invoices.updateErr = nil
	got, err := svc.GetCreditNote(ctx, cn.ID)
	if err != nil {
		t.Fatalf("GetCreditNote: %v", err)
	}
	if got.Status != CreditNoteIssued {
		t.Fatalf("note status = %s, want ISSUED after rolled-back adjustment", got.Status)
	}

	// Still adjustable once the fault clears.
	adjusted, updated, err := svc.AdjustCreditNote(ctx, cn.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if adjusted.Status != CreditNoteAdjusted {
		t.Errorf("note status = %s, want ADJUSTED", adjusted.Status)
	}
	if !updated.BalanceAmount.Equal(dec("1080")) {
		t.Errorf("balance = %s, want 1080", updated.BalanceAmount)
	}
}
