package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebill/carebill/internal/platform/apperr"
	"github.com/carebill/carebill/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

func (r *invoiceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const invCols = `id, invoice_number, patient_id, status, issue_date, due_date,
	subtotal, discount, taxable_amount, cgst, sgst, igst, total,
	paid_amount, credited_amount, balance_amount,
	note, version_id, created_at, updated_at`

func (r *invoiceRepoPG) scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.PatientID, &inv.Status, &inv.IssueDate, &inv.DueDate,
		&inv.Amounts.Subtotal, &inv.Amounts.Discount, &inv.Amounts.TaxableAmount,
		&inv.Amounts.CGST, &inv.Amounts.SGST, &inv.Amounts.IGST, &inv.Amounts.Total,
		&inv.PaidAmount, &inv.CreditedAmount, &inv.BalanceAmount,
		&inv.Note, &inv.VersionID, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("invoice not found")
	}
	return &inv, err
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoice (id, invoice_number, patient_id, status, issue_date, due_date,
			subtotal, discount, taxable_amount, cgst, sgst, igst, total,
			paid_amount, credited_amount, balance_amount, note, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,1)`,
		inv.ID, inv.InvoiceNumber, inv.PatientID, inv.Status, inv.IssueDate, inv.DueDate,
		inv.Amounts.Subtotal, inv.Amounts.Discount, inv.Amounts.TaxableAmount,
		inv.Amounts.CGST, inv.Amounts.SGST, inv.Amounts.IGST, inv.Amounts.Total,
		inv.PaidAmount, inv.CreditedAmount, inv.BalanceAmount, inv.Note)
	if err == nil {
		inv.VersionID = 1
	}
	return err
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invCols+` FROM invoice WHERE id = $1`, id))
}

func (r *invoiceRepoPG) GetByNumber(ctx context.Context, number string) (*Invoice, error) {
	return r.scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invCols+` FROM invoice WHERE invoice_number = $1`, number))
}

func (r *invoiceRepoPG) Update(ctx context.Context, inv *Invoice) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET status=$3, issue_date=$4, due_date=$5,
			subtotal=$6, discount=$7, taxable_amount=$8, cgst=$9, sgst=$10, igst=$11, total=$12,
			paid_amount=$13, credited_amount=$14, balance_amount=$15, note=$16,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $2`,
		inv.ID, inv.VersionID, inv.Status, inv.IssueDate, inv.DueDate,
		inv.Amounts.Subtotal, inv.Amounts.Discount, inv.Amounts.TaxableAmount,
		inv.Amounts.CGST, inv.Amounts.SGST, inv.Amounts.IGST, inv.Amounts.Total,
		inv.PaidAmount, inv.CreditedAmount, inv.BalanceAmount, inv.Note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflictf("invoice %s was modified concurrently", inv.ID)
	}
	inv.VersionID++
	return nil
}

func (r *invoiceRepoPG) AddLineItem(ctx context.Context, li *LineItem) error {
	if li.ID == uuid.Nil {
		li.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoice_line_item (id, invoice_id, sequence, service_code, description,
			quantity, unit_price, subtotal, discount, taxable_amount, cgst, sgst, igst, total)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		li.ID, li.InvoiceID, li.Sequence, li.ServiceCode, li.Description,
		li.Quantity, li.UnitPrice, li.Amounts.Subtotal, li.Amounts.Discount,
		li.Amounts.TaxableAmount, li.Amounts.CGST, li.Amounts.SGST, li.Amounts.IGST, li.Amounts.Total)
	return err
}

func (r *invoiceRepoPG) GetLineItems(ctx context.Context, invoiceID uuid.UUID) ([]*LineItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, sequence, service_code, description,
			quantity, unit_price, subtotal, discount, taxable_amount, cgst, sgst, igst, total, created_at
		FROM invoice_line_item WHERE invoice_id = $1 ORDER BY sequence`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LineItem
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(&li.ID, &li.InvoiceID, &li.Sequence, &li.ServiceCode, &li.Description,
			&li.Quantity, &li.UnitPrice, &li.Amounts.Subtotal, &li.Amounts.Discount,
			&li.Amounts.TaxableAmount, &li.Amounts.CGST, &li.Amounts.SGST, &li.Amounts.IGST,
			&li.Amounts.Total, &li.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &li)
	}
	return items, rows.Err()
}

func (r *invoiceRepoPG) List(ctx context.Context, limit, offset int) ([]*Invoice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoice`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+invCols+` FROM invoice ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *invoiceRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoice WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+invCols+` FROM invoice WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *invoiceRepoPG) collect(rows pgx.Rows, total int) ([]*Invoice, int, error) {
	var items []*Invoice
	for rows.Next() {
		inv, err := r.scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const payCols = `id, payment_number, invoice_id, amount, method, transaction_id,
	received_at, received_by, created_at`

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payment (id, payment_number, invoice_id, amount, method,
			transaction_id, received_at, received_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.PaymentNumber, p.InvoiceID, p.Amount, p.Method,
		p.TransactionID, p.ReceivedAt, p.ReceivedBy)
	return err
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+payCols+` FROM payment WHERE invoice_id = $1 ORDER BY received_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.PaymentNumber, &p.InvoiceID, &p.Amount, &p.Method,
			&p.TransactionID, &p.ReceivedAt, &p.ReceivedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

// =========== CreditNote Repository ===========

type creditNoteRepoPG struct{ pool *pgxpool.Pool }

func NewCreditNoteRepoPG(pool *pgxpool.Pool) CreditNoteRepository {
	return &creditNoteRepoPG{pool: pool}
}

func (r *creditNoteRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const cnCols = `id, credit_note_number, invoice_id, reason, status,
	subtotal, discount, taxable_amount, cgst, sgst, igst, total,
	refund_method, refund_transaction_id, version_id, created_at, updated_at`

func (r *creditNoteRepoPG) scanNote(row pgx.Row) (*CreditNote, error) {
	var cn CreditNote
	err := row.Scan(&cn.ID, &cn.CreditNoteNumber, &cn.InvoiceID, &cn.Reason, &cn.Status,
		&cn.Amounts.Subtotal, &cn.Amounts.Discount, &cn.Amounts.TaxableAmount,
		&cn.Amounts.CGST, &cn.Amounts.SGST, &cn.Amounts.IGST, &cn.Amounts.Total,
		&cn.RefundMethod, &cn.RefundTransactionID, &cn.VersionID, &cn.CreatedAt, &cn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("credit note not found")
	}
	return &cn, err
}

func (r *creditNoteRepoPG) Create(ctx context.Context, cn *CreditNote) error {
	if cn.ID == uuid.Nil {
		cn.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO credit_note (id, credit_note_number, invoice_id, reason, status,
			subtotal, discount, taxable_amount, cgst, sgst, igst, total,
			refund_method, refund_transaction_id, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1)`,
		cn.ID, cn.CreditNoteNumber, cn.InvoiceID, cn.Reason, cn.Status,
		cn.Amounts.Subtotal, cn.Amounts.Discount, cn.Amounts.TaxableAmount,
		cn.Amounts.CGST, cn.Amounts.SGST, cn.Amounts.IGST, cn.Amounts.Total,
		cn.RefundMethod, cn.RefundTransactionID)
	if err == nil {
		cn.VersionID = 1
	}
	return err
}

func (r *creditNoteRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CreditNote, error) {
	return r.scanNote(r.conn(ctx).QueryRow(ctx, `SELECT `+cnCols+` FROM credit_note WHERE id = $1`, id))
}

func (r *creditNoteRepoPG) Update(ctx context.Context, cn *CreditNote) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE credit_note SET status=$3, refund_method=$4, refund_transaction_id=$5,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $2`,
		cn.ID, cn.VersionID, cn.Status, cn.RefundMethod, cn.RefundTransactionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflictf("credit note %s was modified concurrently", cn.ID)
	}
	cn.VersionID++
	return nil
}

func (r *creditNoteRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*CreditNote, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cnCols+` FROM credit_note WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*CreditNote
	for rows.Next() {
		cn, err := r.scanNote(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cn)
	}
	return items, rows.Err()
}
