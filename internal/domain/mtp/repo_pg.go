package mtp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hemovig/hemovig/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo creates a new Postgres-backed MTP session Repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const sessionColumns = `id, branch_id, patient_id, encounter_id, status, clinical_indication, notes,
	activated_at, activated_by, deactivated_at, deactivated_by, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO mtp_session (
			id, branch_id, patient_id, encounter_id, status, clinical_indication, notes,
			activated_at, activated_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.BranchID, s.PatientID, s.EncounterID, s.Status, s.ClinicalIndication, s.Notes,
		s.ActivatedAt, s.ActivatedBy,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrActiveExists
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM mtp_session WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *repoPG) List(ctx context.Context, branchID string, status Status, limit, offset int) ([]*Session, int, error) {
	query := `SELECT ` + sessionColumns + ` FROM mtp_session WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM mtp_session WHERE 1=1`
	var args []interface{}
	idx := 1

	if branchID != "" {
		clause := fmt.Sprintf(` AND branch_id = $%d`, idx)
		query += clause
		countQuery += clause
		args = append(args, branchID)
		idx++
	}
	if status != "" {
		clause := fmt.Sprintf(` AND status = $%d`, idx)
		query += clause
		countQuery += clause
		args = append(args, status)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY activated_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSessionRows(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, s)
	}
	return sessions, total, nil
}

func (r *repoPG) Deactivate(ctx context.Context, id uuid.UUID, by string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE mtp_session SET
			status = 'INACTIVE', deactivated_at = NOW(), deactivated_by = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'`,
		id, by,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Tallies(ctx context.Context, sessionID uuid.UUID) (Tally, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT component, COUNT(*) FROM blood_issue
		WHERE mtp_session_id = $1 GROUP BY component`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := Tally{}
	for rows.Next() {
		var component string
		var n int
		if err := rows.Scan(&component, &n); err != nil {
			return nil, err
		}
		t[component] = n
	}
	return t, nil
}

func (r *repoPG) CountActive(ctx context.Context, branchID string) (int, error) {
	query := `SELECT COUNT(*) FROM mtp_session WHERE status = 'ACTIVE'`
	var args []interface{}
	if branchID != "" {
		query += ` AND branch_id = $1`
		args = append(args, branchID)
	}
	var n int
	err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.BranchID, &s.PatientID, &s.EncounterID, &s.Status, &s.ClinicalIndication, &s.Notes,
		&s.ActivatedAt, &s.ActivatedBy, &s.DeactivatedAt, &s.DeactivatedBy, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSessionRows(rows pgx.Rows) (*Session, error) {
	return scanSession(rows)
}
