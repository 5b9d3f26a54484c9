package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebill/carebill/internal/platform/apperr"
)

// PGDirectory resolves patients from the local patient projection table,
// kept in sync with the registry out of band.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory { return &PGDirectory{pool: pool} }

func (d *PGDirectory) Resolve(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := d.pool.QueryRow(ctx,
		`SELECT id, mrn, display_name, email, phone FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.MRN, &p.DisplayName, &p.Email, &p.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("patient %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
