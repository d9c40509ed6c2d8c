package mtp

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("mtp session not found")

// ErrActiveExists is returned by Create when an ACTIVE session already
// covers the same (branch, patient) pair. The Postgres repository derives it
// from the partial unique index, so two racing activations cannot both win.
var ErrActiveExists = errors.New("active mtp session already exists for patient")

// Repository persists MTP sessions.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	List(ctx context.Context, branchID string, status Status, limit, offset int) ([]*Session, int, error)

	// Deactivate moves ACTIVE -> INACTIVE as a compare-and-set. applied=false
	// means the session was already INACTIVE.
	Deactivate(ctx context.Context, id uuid.UUID, by string) (bool, error)

	// Tallies counts issues tagged with the session, per component.
	Tallies(ctx context.Context, sessionID uuid.UUID) (Tally, error)

	// CountActive reports ACTIVE sessions. An empty branchID counts every
	// branch; the mtp.sessions.active gauge refresh uses that.
	CountActive(ctx context.Context, branchID string) (int, error)
}
