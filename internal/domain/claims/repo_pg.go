package claims

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

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the PostgreSQL-backed claim repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const claimCols = `id, claim_number, invoice_id, patient_id, insurance_provider, policy_number,
	claim_amount, coverage_percentage, approved_amount, status,
	submission_date, tpa_submission_date, tpa_approval_date, tpa_rejection_date,
	note, version_id, created_at, updated_at`

func (r *repoPG) scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.InvoiceID, &c.PatientID, &c.InsuranceProvider, &c.PolicyNumber,
		&c.ClaimAmount, &c.CoveragePercentage, &c.ApprovedAmount, &c.Status,
		&c.SubmissionDate, &c.TPASubmissionDate, &c.TPAApprovalDate, &c.TPARejectionDate,
		&c.Note, &c.VersionID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("claim not found")
	}
	return &c, err
}

func (r *repoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO insurance_claim (id, claim_number, invoice_id, patient_id,
			insurance_provider, policy_number, claim_amount, coverage_percentage,
			approved_amount, status, submission_date,
			tpa_submission_date, tpa_approval_date, tpa_rejection_date, note, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)`,
		c.ID, c.ClaimNumber, c.InvoiceID, c.PatientID,
		c.InsuranceProvider, c.PolicyNumber, c.ClaimAmount, c.CoveragePercentage,
		c.ApprovedAmount, c.Status, c.SubmissionDate,
		c.TPASubmissionDate, c.TPAApprovalDate, c.TPARejectionDate, c.Note)
	if err == nil {
		c.VersionID = 1
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM insurance_claim WHERE id = $1`, id))
}

func (r *repoPG) GetByNumber(ctx context.Context, number string) (*Claim, error) {
	return r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM insurance_claim WHERE claim_number = $1`, number))
}

func (r *repoPG) Update(ctx context.Context, c *Claim) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE insurance_claim SET status=$3, approved_amount=$4,
			tpa_submission_date=$5, tpa_approval_date=$6, tpa_rejection_date=$7, note=$8,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $2`,
		c.ID, c.VersionID, c.Status, c.ApprovedAmount,
		c.TPASubmissionDate, c.TPAApprovalDate, c.TPARejectionDate, c.Note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflictf("claim %s was modified concurrently", c.ID)
	}
	c.VersionID++
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Claim, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM insurance_claim`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM insurance_claim ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := r.collect(rows)
	return items, total, err
}

func (r *repoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM insurance_claim WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM insurance_claim WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM insurance_claim WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := r.collect(rows)
	return items, total, err
}

func (r *repoPG) collect(rows pgx.Rows) ([]*Claim, error) {
	var items []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *repoPG) AddDocument(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO insurance_claim_document (id, claim_id, ref, file_name, uploaded_by)
		VALUES ($1,$2,$3,$4,$5)`,
		d.ID, d.ClaimID, d.Ref, d.FileName, d.UploadedBy)
	return err
}

func (r *repoPG) ListDocuments(ctx context.Context, claimID uuid.UUID) ([]*Document, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, ref, file_name, uploaded_by, created_at
		FROM insurance_claim_document WHERE claim_id = $1 ORDER BY created_at`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.ClaimID, &d.Ref, &d.FileName, &d.UploadedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

func (r *repoPG) AddEvent(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO insurance_claim_event (id, claim_id, from_status, action, to_status, actor, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.ClaimID, e.FromStatus, e.Action, e.ToStatus, e.Actor, e.Note)
	return err
}

func (r *repoPG) ListEvents(ctx context.Context, claimID uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, from_status, action, to_status, actor, note, created_at
		FROM insurance_claim_event WHERE claim_id = $1 ORDER BY created_at`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.FromStatus, &e.Action, &e.ToStatus, &e.Actor, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
