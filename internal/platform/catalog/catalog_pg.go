package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebill/carebill/internal/platform/apperr"
)

// PGCatalog reads priced services from the service_catalog table.
type PGCatalog struct {
	pool *pgxpool.Pool
}

func NewPGCatalog(pool *pgxpool.Pool) *PGCatalog { return &PGCatalog{pool: pool} }

func (c *PGCatalog) Lookup(ctx context.Context, code string) (*Entry, error) {
	var e Entry
	err := c.pool.QueryRow(ctx,
		`SELECT code, name, unit_price, gst_rate, treatment FROM service_catalog WHERE code = $1`, code).
		Scan(&e.Code, &e.Name, &e.UnitPrice, &e.GSTRate, &e.Treatment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("service %s not in catalog", code)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
