package issue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows ListIssues. Today filters on the transfusion end
// falling inside the given local calendar day.
type ListFilter struct {
	BranchID        string
	Transfusing     bool
	TransfusedToday bool
	Today           time.Time
}

// Repository persists BloodIssue aggregates. Every transition method is a
// compare-and-set on the expected state: it returns applied=false, without
// error, when the persisted state no longer matches, and the caller
// re-fetches to learn the authoritative state.
type Repository interface {
	Create(ctx context.Context, iss *BloodIssue) error
	GetByID(ctx context.Context, id uuid.UUID) (*BloodIssue, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*BloodIssue, int, error)

	// RecordVerification sets the verification record while state is ISSUED.
	// advance moves the issue to BEDSIDE_VERIFIED; a recorded mismatch keeps
	// it in ISSUED.
	RecordVerification(ctx context.Context, id uuid.UUID, v BedsideVerification, advance bool) (bool, error)

	// MarkTransfusing moves BEDSIDE_VERIFIED -> TRANSFUSING.
	MarkTransfusing(ctx context.Context, id uuid.UUID, start TransfusionStart) (bool, error)

	// AppendVitals inserts a vitals record and bumps the volume accumulator
	// while state is TRANSFUSING.
	AppendVitals(ctx context.Context, id uuid.UUID, rec VitalsRecord) (bool, error)

	// MarkCompleted moves TRANSFUSING -> COMPLETED. A non-nil volumeDeltaML
	// is added to the volume accumulator in the same statement.
	MarkCompleted(ctx context.Context, id uuid.UUID, end TransfusionEnd, volumeDeltaML *float64) (bool, error)

	// MarkReaction moves BEDSIDE_VERIFIED or TRANSFUSING -> REACTION.
	MarkReaction(ctx context.Context, id uuid.UUID, r Reaction) (bool, error)

	// MarkReturned moves the given expected state -> RETURNED.
	MarkReturned(ctx context.Context, id uuid.UUID, from State, ri ReturnInfo) (bool, error)

	// CountTransfusing reports issues in TRANSFUSING. An empty branchID
	// counts every branch; the transfusions.active gauge refresh uses that.
	CountTransfusing(ctx context.Context, branchID string) (int, error)
}
