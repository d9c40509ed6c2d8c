package issue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hemovig/hemovig/internal/platform/audit"
	"github.com/hemovig/hemovig/internal/platform/clock"
	"github.com/hemovig/hemovig/internal/platform/websocket"
)

// AlertPublisher pushes ward alerts; the websocket hub implements it.
type AlertPublisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// OverdueCounter is the telemetry slice the monitor needs.
type OverdueCounter interface {
	VitalsOverdueCounter(branchID string)
}

// CadenceMonitor guarantees an overdue alert when no vitals arrive within
// the configured interval of the previous reading (or of the transfusion
// start). It never mutates issue state: overdue vitals are an operational
// alert, not a protocol violation. Everything on the overdue path is
// log-and-continue; a missed alert must not corrupt the transfusion.
type CadenceMonitor struct {
	clk     clock.Clock
	sink    audit.Sink
	alerts  AlertPublisher
	metrics OverdueCounter
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*monitorEntry
}

type monitorEntry struct {
	issueID  uuid.UUID
	branchID string
	ward     string
	interval time.Duration
	timer    clock.Timer
}

// NewCadenceMonitor builds a monitor. alerts and metrics may be nil.
func NewCadenceMonitor(clk clock.Clock, sink audit.Sink, alerts AlertPublisher, metrics OverdueCounter, logger zerolog.Logger) *CadenceMonitor {
	return &CadenceMonitor{
		clk:     clk,
		sink:    sink,
		alerts:  alerts,
		metrics: metrics,
		logger:  logger,
		entries: make(map[uuid.UUID]*monitorEntry),
	}
}

// Register arms the overdue timer for an issue. Registering an already
// registered issue resets its timer, which makes retried start calls
// harmless. No two timers for the same issue ever coexist.
func (m *CadenceMonitor) Register(issueID uuid.UUID, branchID, ward string, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[issueID]; ok {
		e.interval = interval
		e.timer.Reset(interval)
		return
	}

	e := &monitorEntry{issueID: issueID, branchID: branchID, ward: ward, interval: interval}
	e.timer = m.clk.AfterFunc(interval, func() { m.overdue(issueID) })
	m.entries[issueID] = e
}

// Heartbeat resets the timer after a successful vitals recording. Unknown
// ids are ignored; the recording itself already succeeded.
func (m *CadenceMonitor) Heartbeat(issueID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[issueID]; ok {
		e.timer.Reset(e.interval)
	}
}

// Deregister cancels the timer. Deregistering an unknown id is a no-op so
// racing end/reaction calls both complete cleanly.
func (m *CadenceMonitor) Deregister(issueID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[issueID]; ok {
		e.timer.Stop()
		delete(m.entries, issueID)
	}
}

// Registered reports whether an issue currently has an armed timer.
func (m *CadenceMonitor) Registered(issueID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[issueID]
	return ok
}

// overdue fires when the interval elapses with no heartbeat. It alerts and
// re-arms; alerts repeat every interval until the issue is deregistered.
func (m *CadenceMonitor) overdue(issueID uuid.UUID) {
	m.mu.Lock()
	e, ok := m.entries[issueID]
	if !ok {
		m.mu.Unlock()
		return
	}
	branchID, ward, interval := e.branchID, e.ward, e.interval
	e.timer.Reset(interval)
	m.mu.Unlock()

	now := m.clk.Now()

	if m.sink != nil {
		entry := audit.Entry{
			BranchID:    branchID,
			ActorUserID: "system",
			Action:      ActionVitalsOverdue,
			Entity:      "blood_issue",
			EntityID:    issueID.String(),
			Meta: map[string]interface{}{
				"ward":            ward,
				"intervalMinutes": interval.Minutes(),
			},
			RecordedAt: now,
		}
		if err := m.sink.Record(context.Background(), entry); err != nil {
			m.logger.Error().Err(err).Str("issue_id", issueID.String()).Msg("vitals overdue audit failed")
		}
	}

	if m.alerts != nil {
		data, _ := json.Marshal(map[string]interface{}{
			"issueId":         issueID.String(),
			"branchId":        branchID,
			"ward":            ward,
			"intervalMinutes": interval.Minutes(),
		})
		event := websocket.Event{
			Type:      "vitals_overdue",
			Topic:     websocket.WardTopic(branchID),
			Entity:    "blood_issue",
			EntityID:  issueID.String(),
			Timestamp: now,
			Data:      data,
		}
		if err := m.alerts.Publish(context.Background(), event); err != nil {
			m.logger.Error().Err(err).Str("issue_id", issueID.String()).Msg("vitals overdue broadcast failed")
		}
	}

	if m.metrics != nil {
		m.metrics.VitalsOverdueCounter(branchID)
	}

	m.logger.Warn().
		Str("issue_id", issueID.String()).
		Str("branch_id", branchID).
		Str("ward", ward).
		Dur("interval", interval).
		Msg("vitals overdue")
}
