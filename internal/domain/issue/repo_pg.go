package issue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hemovig/hemovig/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo creates a new Postgres-backed issue Repository.
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

// queryable abstracts pgxpool.Pool, pgxpool.Conn and pgx.Tx for
// tenant-scoped queries.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const issueColumns = `id, branch_id, cross_match_id, patient_id, mtp_session_id, component, unit_barcode,
	issued_to, issued_to_ward, transport_temp, issued_by, state, issued_at,
	verified_by, verifier2_staff_id, verify_outcome, verified_at,
	started_by, started_at, starting_vitals,
	volume_transfused_ml,
	ended_by, ended_at, end_summary,
	reaction_reported_by, reaction_reported_at, reaction_severity, reaction_details,
	returned_by, returned_at, return_reason, residual_volume_ml,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, iss *BloodIssue) error {
	if iss.ID == uuid.Nil {
		iss.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO blood_issue (
			id, branch_id, cross_match_id, patient_id, mtp_session_id, component, unit_barcode,
			issued_to, issued_to_ward, transport_temp, issued_by, state, issued_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		iss.ID, iss.BranchID, iss.CrossMatchID, iss.PatientID, iss.MTPSessionID, iss.Component, iss.UnitBarcode,
		iss.IssuedTo, iss.IssuedToWard, iss.TransportTemp, iss.IssuedBy, iss.State, iss.IssuedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*BloodIssue, error) {
	iss, err := scanIssue(r.conn(ctx).QueryRow(ctx, `SELECT `+issueColumns+` FROM blood_issue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	log, err := r.listVitals(ctx, id)
	if err != nil {
		return nil, err
	}
	iss.VitalsLog = log
	return iss, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*BloodIssue, int, error) {
	query := `SELECT ` + issueColumns + ` FROM blood_issue WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM blood_issue WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.BranchID != "" {
		clause := fmt.Sprintf(` AND branch_id = $%d`, idx)
		query += clause
		countQuery += clause
		args = append(args, f.BranchID)
		idx++
	}
	if f.Transfusing {
		clause := ` AND state = 'TRANSFUSING'`
		query += clause
		countQuery += clause
	}
	if f.TransfusedToday {
		dayStart := time.Date(f.Today.Year(), f.Today.Month(), f.Today.Day(), 0, 0, 0, 0, f.Today.Location())
		clause := fmt.Sprintf(` AND ended_at >= $%d AND ended_at < $%d`, idx, idx+1)
		query += clause
		countQuery += clause
		args = append(args, dayStart, dayStart.Add(24*time.Hour))
		idx += 2
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY issued_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var issues []*BloodIssue
	for rows.Next() {
		iss, err := scanIssueRow(rows)
		if err != nil {
			return nil, 0, err
		}
		issues = append(issues, iss)
	}
	return issues, total, nil
}

func (r *repoPG) RecordVerification(ctx context.Context, id uuid.UUID, v BedsideVerification, advance bool) (bool, error) {
	newState := StateIssued
	if advance {
		newState = StateBedsideVerified
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_issue SET
			state = $2, verified_by = $3, verifier2_staff_id = $4,
			verify_outcome = $5, verified_at = $6, updated_at = NOW()
		WHERE id = $1 AND state = 'ISSUED' AND verified_at IS NULL`,
		id, newState, v.VerifiedBy, v.Verifier2StaffID, v.Outcome, v.VerifiedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) MarkTransfusing(ctx context.Context, id uuid.UUID, start TransfusionStart) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_issue SET
			state = 'TRANSFUSING', started_by = $2, started_at = $3,
			starting_vitals = $4, updated_at = NOW()
		WHERE id = $1 AND state = 'BEDSIDE_VERIFIED'`,
		id, start.StartedBy, start.StartedAt, start.StartingVitals,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendVitals updates the accumulator and inserts the vitals row in one
// statement so a lost CAS leaves no orphan record.
func (r *repoPG) AppendVitals(ctx context.Context, id uuid.UUID, rec VitalsRecord) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		WITH upd AS (
			UPDATE blood_issue
			SET volume_transfused_ml = volume_transfused_ml + COALESCE($3, 0), updated_at = NOW()
			WHERE id = $1 AND state = 'TRANSFUSING'
			RETURNING id
		)
		INSERT INTO blood_issue_vitals (
			id, issue_id, interval_label, temperature, pulse_rate, blood_pressure,
			respiratory_rate, notes, volume_delta_ml, recorded_by, recorded_at
		)
		SELECT $2, upd.id, $4, $5, $6, $7, $8, $9, $3, $10, $11 FROM upd`,
		id, rec.ID, rec.VolumeDeltaML, rec.Interval,
		rec.Reading.Temperature, rec.Reading.PulseRate, rec.Reading.BloodPressure,
		rec.Reading.RespiratoryRate, rec.Reading.Notes, rec.RecordedBy, rec.RecordedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) MarkCompleted(ctx context.Context, id uuid.UUID, end TransfusionEnd, volumeDeltaML *float64) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_issue SET
			state = 'COMPLETED', ended_by = $2, ended_at = $3, end_summary = $4,
			volume_transfused_ml = volume_transfused_ml + COALESCE($5, 0), updated_at = NOW()
		WHERE id = $1 AND state = 'TRANSFUSING'`,
		id, end.EndedBy, end.EndedAt, end.Summary, volumeDeltaML,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) MarkReaction(ctx context.Context, id uuid.UUID, rx Reaction) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_issue SET
			state = 'REACTION', reaction_reported_by = $2, reaction_reported_at = $3,
			reaction_severity = $4, reaction_details = $5, updated_at = NOW()
		WHERE id = $1 AND state IN ('BEDSIDE_VERIFIED', 'TRANSFUSING')`,
		id, rx.ReportedBy, rx.ReportedAt, rx.Severity, rx.Details,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) MarkReturned(ctx context.Context, id uuid.UUID, from State, ri ReturnInfo) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_issue SET
			state = 'RETURNED', returned_by = $3, returned_at = $4,
			return_reason = $5, residual_volume_ml = $6, updated_at = NOW()
		WHERE id = $1 AND state = $2`,
		id, from, ri.ReturnedBy, ri.ReturnedAt, ri.Reason, ri.ResidualVolumeML,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) CountTransfusing(ctx context.Context, branchID string) (int, error) {
	query := `SELECT COUNT(*) FROM blood_issue WHERE state = 'TRANSFUSING'`
	var args []interface{}
	if branchID != "" {
		query += ` AND branch_id = $1`
		args = append(args, branchID)
	}
	var n int
	err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

func (r *repoPG) listVitals(ctx context.Context, issueID uuid.UUID) ([]VitalsRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, issue_id, interval_label, temperature, pulse_rate, blood_pressure,
			respiratory_rate, notes, volume_delta_ml, recorded_by, recorded_at
		FROM blood_issue_vitals WHERE issue_id = $1 ORDER BY recorded_at, id`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var log []VitalsRecord
	for rows.Next() {
		var v VitalsRecord
		if err := rows.Scan(&v.ID, &v.IssueID, &v.Interval,
			&v.Reading.Temperature, &v.Reading.PulseRate, &v.Reading.BloodPressure,
			&v.Reading.RespiratoryRate, &v.Reading.Notes,
			&v.VolumeDeltaML, &v.RecordedBy, &v.RecordedAt); err != nil {
			return nil, err
		}
		log = append(log, v)
	}
	return log, nil
}

func scanIssue(row pgx.Row) (*BloodIssue, error) {
	return scanIssueFrom(row.Scan)
}

func scanIssueRow(rows pgx.Rows) (*BloodIssue, error) {
	return scanIssueFrom(rows.Scan)
}

// scanIssueFrom reassembles the aggregate from the flat row. Nullable
// column groups become nested records only when their anchor column is set.
func scanIssueFrom(scan func(dest ...interface{}) error) (*BloodIssue, error) {
	var (
		iss BloodIssue

		verifiedBy     *string
		verifier2      *string
		verifyOutcome  *string
		verifiedAt     *time.Time
		startedBy      *string
		startedAt      *time.Time
		startingVitals *VitalsReading
		endedBy        *string
		endedAt        *time.Time
		endSummary     *string
		rxBy           *string
		rxAt           *time.Time
		rxSeverity     *string
		rxDetails      *string
		returnedBy     *string
		returnedAt     *time.Time
		returnReason   *string
		residualVolume *float64
	)

	err := scan(
		&iss.ID, &iss.BranchID, &iss.CrossMatchID, &iss.PatientID, &iss.MTPSessionID, &iss.Component, &iss.UnitBarcode,
		&iss.IssuedTo, &iss.IssuedToWard, &iss.TransportTemp, &iss.IssuedBy, &iss.State, &iss.IssuedAt,
		&verifiedBy, &verifier2, &verifyOutcome, &verifiedAt,
		&startedBy, &startedAt, &startingVitals,
		&iss.VolumeTransfusedML,
		&endedBy, &endedAt, &endSummary,
		&rxBy, &rxAt, &rxSeverity, &rxDetails,
		&returnedBy, &returnedAt, &returnReason, &residualVolume,
		&iss.CreatedAt, &iss.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if verifiedAt != nil {
		iss.Verification = &BedsideVerification{
			VerifiedBy:       deref(verifiedBy),
			Verifier2StaffID: verifier2,
			Outcome:          deref(verifyOutcome),
			VerifiedAt:       *verifiedAt,
		}
	}
	if startedAt != nil {
		start := TransfusionStart{StartedBy: deref(startedBy), StartedAt: *startedAt}
		if startingVitals != nil {
			start.StartingVitals = *startingVitals
		}
		iss.TransfusionStart = &start
	}
	if endedAt != nil {
		iss.TransfusionEnd = &TransfusionEnd{EndedBy: deref(endedBy), EndedAt: *endedAt, Summary: deref(endSummary)}
	}
	if rxAt != nil {
		iss.Reaction = &Reaction{ReportedBy: deref(rxBy), ReportedAt: *rxAt, Severity: deref(rxSeverity), Details: deref(rxDetails)}
	}
	if returnedAt != nil {
		iss.ReturnInfo = &ReturnInfo{ReturnedBy: deref(returnedBy), ReturnedAt: *returnedAt, Reason: deref(returnReason), ResidualVolumeML: residualVolume}
	}
	return &iss, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
