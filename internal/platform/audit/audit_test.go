package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLogSinkRecords(t *testing.T) {
	sink := NewLogSink(zerolog.Nop())
	err := sink.Record(context.Background(), Entry{
		BranchID:    "branch-1",
		ActorUserID: "nurse-1",
		Action:      "BB_BLOOD_ISSUED",
		Entity:      "blood_issue",
		EntityID:    "issue-1",
		RecordedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestSinkFunc(t *testing.T) {
	var got Entry
	sink := SinkFunc(func(_ context.Context, e Entry) error {
		got = e
		return nil
	})
	if err := sink.Record(context.Background(), Entry{Action: "BB_UNIT_RETURNED"}); err != nil {
		t.Fatal(err)
	}
	if got.Action != "BB_UNIT_RETURNED" {
		t.Errorf("action = %s", got.Action)
	}
}

func TestMultiFansOutAndKeepsFirstError(t *testing.T) {
	var calls int
	ok := SinkFunc(func(context.Context, Entry) error {
		calls++
		return nil
	})
	e1 := errors.New("sink one down")
	e2 := errors.New("sink two down")
	fail1 := SinkFunc(func(context.Context, Entry) error { return e1 })
	fail2 := SinkFunc(func(context.Context, Entry) error { return e2 })

	m := Multi{ok, fail1, fail2, ok}
	err := m.Record(context.Background(), Entry{})

	if !errors.Is(err, e1) {
		t.Errorf("err = %v, want first failure", err)
	}
	if calls != 2 {
		t.Errorf("healthy sinks called %d times, want 2 (all sinks attempted)", calls)
	}
}
