package issue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hemovig/hemovig/internal/platform/db"
)

// CrossMatch is the slice of the external serology record this subsystem
// needs. Compatibility itself is decided upstream; here it is only read.
type CrossMatch struct {
	ID          string
	BranchID    string
	PatientID   string
	UnitBarcode string
	Component   string
	Result      string
	MatchedAt   time.Time
}

// ResultCompatible is the only cross-match result a unit may be issued
// against.
const ResultCompatible = "COMPATIBLE"

// CrossMatchResolver resolves a cross-match id within a branch. A nil
// CrossMatch with nil error means the id does not resolve.
type CrossMatchResolver interface {
	Resolve(ctx context.Context, branchID, crossMatchID string) (*CrossMatch, error)
}

type crossMatchResolverPG struct {
	pool *pgxpool.Pool
}

// NewCrossMatchResolver returns a Postgres-backed resolver over the
// blood-bank cross-match table.
func NewCrossMatchResolver(pool *pgxpool.Pool) CrossMatchResolver {
	return &crossMatchResolverPG{pool: pool}
}

func (r *crossMatchResolverPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *crossMatchResolverPG) Resolve(ctx context.Context, branchID, crossMatchID string) (*CrossMatch, error) {
	var cm CrossMatch
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, branch_id, patient_id, unit_barcode, component, result, matched_at
		FROM bb_cross_match WHERE id = $1 AND branch_id = $2`,
		crossMatchID, branchID).Scan(
		&cm.ID, &cm.BranchID, &cm.PatientID, &cm.UnitBarcode, &cm.Component, &cm.Result, &cm.MatchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cm, nil
}
