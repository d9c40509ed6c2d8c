// Package audit provides the append-only transition log consumed by every
// blood-bank component. Entries are never updated or deleted.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Entry is one recorded state transition or clinically significant event.
type Entry struct {
	ID          uuid.UUID              `db:"id" json:"id"`
	BranchID    string                 `db:"branch_id" json:"branch_id"`
	ActorUserID string                 `db:"actor_user_id" json:"actor_user_id"`
	Action      string                 `db:"action" json:"action"`
	Entity      string                 `db:"entity" json:"entity"`
	EntityID    string                 `db:"entity_id" json:"entity_id"`
	Meta        map[string]interface{} `db:"meta" json:"meta,omitempty"`
	RecordedAt  time.Time              `db:"recorded_at" json:"recorded_at"`
}

// Sink accepts audit entries. Implementations must be safe for concurrent
// writers; each event has exactly one writer.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// Reader lists recorded entries for the audit query endpoint.
type Reader interface {
	List(ctx context.Context, branchID, entity string, limit, offset int) ([]*Entry, int, error)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, entry Entry) error

func (f SinkFunc) Record(ctx context.Context, entry Entry) error { return f(ctx, entry) }

// LogSink writes entries to a structured logger. Used as a fallback when no
// durable sink is configured, and in tests.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, entry Entry) error {
	s.logger.Info().
		Str("type", "bb_audit").
		Str("branch_id", entry.BranchID).
		Str("actor_user_id", entry.ActorUserID).
		Str("action", entry.Action).
		Str("entity", entry.Entity).
		Str("entity_id", entry.EntityID).
		Interface("meta", entry.Meta).
		Msg("transition")
	return nil
}

// Multi fans one entry out to several sinks. The first error is returned but
// all sinks are attempted.
type Multi []Sink

func (m Multi) Record(ctx context.Context, entry Entry) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
