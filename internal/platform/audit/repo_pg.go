package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, branch_id, actor_user_id, action, entity, entity_id, meta, recorded_at`

// PGSink persists audit entries to the bb_audit_event table. Insert-only.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Record(ctx context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bb_audit_event (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.BranchID, entry.ActorUserID, entry.Action,
		entry.Entity, entry.EntityID, meta, entry.RecordedAt,
	)
	return err
}

func (s *PGSink) List(ctx context.Context, branchID, entity string, limit, offset int) ([]*Entry, int, error) {
	var (
		total int
		rows  pgx.Rows
		err   error
	)
	if entity != "" {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM bb_audit_event WHERE branch_id = $1 AND entity = $2`,
			branchID, entity).Scan(&total)
		if err != nil {
			return nil, 0, err
		}
		rows, err = s.pool.Query(ctx, `
			SELECT `+entryColumns+` FROM bb_audit_event
			WHERE branch_id = $1 AND entity = $2
			ORDER BY recorded_at DESC LIMIT $3 OFFSET $4`,
			branchID, entity, limit, offset)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM bb_audit_event WHERE branch_id = $1`, branchID).Scan(&total)
		if err != nil {
			return nil, 0, err
		}
		rows, err = s.pool.Query(ctx, `
			SELECT `+entryColumns+` FROM bb_audit_event
			WHERE branch_id = $1
			ORDER BY recorded_at DESC LIMIT $2 OFFSET $3`,
			branchID, limit, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.BranchID, &e.ActorUserID, &e.Action,
			&e.Entity, &e.EntityID, &meta, &e.RecordedAt); err != nil {
			return nil, 0, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Meta)
		}
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}
