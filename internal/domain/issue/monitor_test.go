package issue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hemovig/hemovig/internal/platform/clock"
	"github.com/hemovig/hemovig/internal/platform/websocket"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *capturePublisher) Publish(_ context.Context, e websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type captureMetrics struct {
	mu       sync.Mutex
	branches []string
}

func (m *captureMetrics) VitalsOverdueCounter(branchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches = append(m.branches, branchID)
}

func newMonitorFixture() (*CadenceMonitor, *clock.Fake, *memSink, *capturePublisher, *captureMetrics) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	sink := &memSink{}
	pub := &capturePublisher{}
	metrics := &captureMetrics{}
	return NewCadenceMonitor(clk, sink, pub, metrics, zerolog.Nop()), clk, sink, pub, metrics
}

func TestMonitorOverdueFires(t *testing.T) {
	m, clk, sink, pub, metrics := newMonitorFixture()
	id := uuid.New()
	m.Register(id, "branch-1", "ICU", 15*time.Minute)

	clk.Advance(14 * time.Minute)
	if pub.count() != 0 {
		t.Fatal("alert fired before the interval elapsed")
	}

	clk.Advance(time.Minute)
	if pub.count() != 1 {
		t.Fatalf("alert count = %d, want 1", pub.count())
	}

	e := pub.events[0]
	if e.Type != "vitals_overdue" {
		t.Errorf("event type = %s", e.Type)
	}
	if e.Topic != websocket.WardTopic("branch-1") {
		t.Errorf("event topic = %s, want %s", e.Topic, websocket.WardTopic("branch-1"))
	}
	if e.EntityID != id.String() {
		t.Errorf("event entity id = %s", e.EntityID)
	}

	if !sink.has(ActionVitalsOverdue) {
		t.Error("missing BB_VITALS_OVERDUE audit entry")
	}
	if len(metrics.branches) != 1 || metrics.branches[0] != "branch-1" {
		t.Errorf("metrics = %v", metrics.branches)
	}
}

func TestMonitorOverdueRepeats(t *testing.T) {
	m, clk, _, pub, _ := newMonitorFixture()
	m.Register(uuid.New(), "branch-1", "ICU", 15*time.Minute)

	clk.Advance(45 * time.Minute)
	if pub.count() != 3 {
		t.Errorf("alert count = %d, want 3 (one per elapsed interval)", pub.count())
	}
}

func TestMonitorHeartbeatDefers(t *testing.T) {
	m, clk, _, pub, _ := newMonitorFixture()
	id := uuid.New()
	m.Register(id, "branch-1", "ICU", 15*time.Minute)

	clk.Advance(10 * time.Minute)
	m.Heartbeat(id)
	clk.Advance(10 * time.Minute)
	if pub.count() != 0 {
		t.Fatal("heartbeat did not reset the deadline")
	}
	clk.Advance(5 * time.Minute)
	if pub.count() != 1 {
		t.Errorf("alert count = %d, want 1", pub.count())
	}
}

func TestMonitorDeregisterSilences(t *testing.T) {
	m, clk, _, pub, _ := newMonitorFixture()
	id := uuid.New()
	m.Register(id, "branch-1", "ICU", 15*time.Minute)
	m.Deregister(id)

	clk.Advance(time.Hour)
	if pub.count() != 0 {
		t.Error("deregistered issue must never alert")
	}
	if m.Registered(id) {
		t.Error("still registered after deregister")
	}
}

func TestMonitorDeregisterUnknownIsNoop(t *testing.T) {
	m, _, _, _, _ := newMonitorFixture()
	m.Deregister(uuid.New())
	m.Heartbeat(uuid.New())
}

func TestMonitorReregisterResets(t *testing.T) {
	m, clk, _, pub, _ := newMonitorFixture()
	id := uuid.New()
	m.Register(id, "branch-1", "ICU", 15*time.Minute)

	clk.Advance(10 * time.Minute)
	m.Register(id, "branch-1", "ICU", 15*time.Minute)

	clk.Advance(10 * time.Minute)
	if pub.count() != 0 {
		t.Error("re-register must reset the timer, not stack a second one")
	}
	clk.Advance(5 * time.Minute)
	if pub.count() != 1 {
		t.Errorf("alert count = %d, want 1", pub.count())
	}
}

func TestMonitorConcurrentHeartbeats(t *testing.T) {
	m, _, _, _, _ := newMonitorFixture()
	id := uuid.New()
	m.Register(id, "branch-1", "ICU", 15*time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Heartbeat(id)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Registered(id)
		}()
	}
	wg.Wait()

	if !m.Registered(id) {
		t.Error("issue lost its registration under concurrent heartbeats")
	}
}
