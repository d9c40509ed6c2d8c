package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func newWardClient(hub *Hub, id string, branches ...string) *Client {
	topics := make([]string, 0, len(branches))
	for _, b := range branches {
		topics = append(topics, WardTopic(b))
	}
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 256), hub: hub}
}

func overdueEvent(branchID, issueID string) Event {
	return Event{
		Type:      "vitals_overdue",
		Topic:     WardTopic(branchID),
		Entity:    "blood_issue",
		EntityID:  issueID,
		Timestamp: time.Now(),
	}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("client %s: unmarshal: %v", c.ID, err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return Event{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("client %s unexpectedly received %s", c.ID, msg)
	default:
	}
}

func TestWardTopicRouting(t *testing.T) {
	hub := NewHub()
	icuStation := newWardClient(hub, "icu-station", "branch-1")
	icuStation2 := newWardClient(hub, "icu-station-2", "branch-1")
	otherHospital := newWardClient(hub, "other-hospital", "branch-9")
	hub.Register(icuStation)
	hub.Register(icuStation2)
	hub.Register(otherHospital)

	hub.Broadcast(WardTopic("branch-1"), overdueEvent("branch-1", "issue-123"))

	for _, c := range []*Client{icuStation, icuStation2} {
		ev := receive(t, c)
		if ev.Type != "vitals_overdue" || ev.EntityID != "issue-123" {
			t.Errorf("client %s got %s/%s", c.ID, ev.Type, ev.EntityID)
		}
	}
	// Another hospital's ward must never see this patient's alert.
	assertSilent(t, otherHospital)
}

func TestPublishDeliversToWard(t *testing.T) {
	hub := NewHub()
	station := newWardClient(hub, "ed-station", "branch-1")
	hub.Register(station)

	var publisher EventPublisher = hub
	ev := Event{
		Type:      "mtp_activated",
		Topic:     WardTopic("branch-1"),
		Entity:    "mtp_session",
		EntityID:  "mtp-100",
		Timestamp: time.Now(),
	}
	if err := publisher.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := receive(t, station); got.EntityID != "mtp-100" {
		t.Errorf("EntityID = %s, want mtp-100", got.EntityID)
	}
}

func TestBroadcastAllIgnoresTopics(t *testing.T) {
	hub := NewHub()
	a := newWardClient(hub, "a", "branch-1")
	b := newWardClient(hub, "b", "branch-2")
	hub.Register(a)
	hub.Register(b)

	hub.BroadcastAll(Event{Type: "system_alert", Topic: "system", Entity: "system", Timestamp: time.Now()})

	for _, c := range []*Client{a, b} {
		if ev := receive(t, c); ev.Type != "system_alert" {
			t.Errorf("client %s got %s", c.ID, ev.Type)
		}
	}
}

func TestBroadcastToEmptyWardIsNoop(t *testing.T) {
	NewHub().Broadcast(WardTopic("empty"), overdueEvent("empty", "issue-999"))
}

func TestRegisterUnregisterCounts(t *testing.T) {
	hub := NewHub()
	clients := make([]*Client, 5)
	for i := range clients {
		clients[i] = newWardClient(hub, "station-"+string(rune('a'+i)), "branch-1")
		hub.Register(clients[i])
	}

	if hub.ClientCount() != 5 {
		t.Fatalf("ClientCount = %d, want 5", hub.ClientCount())
	}
	if hub.TopicCount(WardTopic("branch-1")) != 5 {
		t.Fatalf("TopicCount = %d, want 5", hub.TopicCount(WardTopic("branch-1")))
	}

	hub.Unregister(clients[0])
	hub.Unregister(clients[1])
	if hub.ClientCount() != 3 || hub.TopicCount(WardTopic("branch-1")) != 3 {
		t.Errorf("counts after unregister = %d/%d, want 3/3",
			hub.ClientCount(), hub.TopicCount(WardTopic("branch-1")))
	}

	// Unregister closes Send so the write pump drains and exits.
	if _, ok := <-clients[0].Send; ok {
		t.Error("Send channel must be closed after unregister")
	}
}

func TestSubscribeAndUnsubscribeOverSocketMessages(t *testing.T) {
	hub := NewHub()
	station := newWardClient(hub, "float-station", "branch-1")
	hub.Register(station)

	// A float nurse covers a second ward mid-shift.
	var sub ClientMessage
	if err := json.Unmarshal([]byte(`{"action":"subscribe","topics":["ward:branch-2"]}`), &sub); err != nil {
		t.Fatal(err)
	}
	hub.ProcessMessage(station, sub)
	if hub.TopicCount(WardTopic("branch-2")) != 1 {
		t.Fatalf("subscribe did not take: %d", hub.TopicCount(WardTopic("branch-2")))
	}
	if len(station.Topics) != 2 {
		t.Fatalf("client topics = %d, want 2", len(station.Topics))
	}

	var unsub ClientMessage
	if err := json.Unmarshal([]byte(`{"action":"unsubscribe","topics":["ward:branch-1"]}`), &unsub); err != nil {
		t.Fatal(err)
	}
	hub.ProcessMessage(station, unsub)
	if hub.TopicCount(WardTopic("branch-1")) != 0 {
		t.Errorf("unsubscribe left %d on the old ward", hub.TopicCount(WardTopic("branch-1")))
	}
	if hub.TopicCount(WardTopic("branch-2")) != 1 {
		t.Errorf("unsubscribe touched the wrong topic")
	}
	if len(station.Topics) != 1 || station.Topics[0] != WardTopic("branch-2") {
		t.Errorf("client topics = %v", station.Topics)
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub()
	const n = 100

	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = newWardClient(hub, "c", "branch-1")
	}

	var wg sync.WaitGroup
	wg.Add(n * 2)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			hub.Register(clients[idx])
		}(i)
		go func(idx int) {
			defer wg.Done()
			hub.Unregister(clients[idx])
		}(i)
	}
	wg.Wait()
}

func TestEventPayloadRoundTrip(t *testing.T) {
	ev := overdueEvent("branch-7", "issue-7")
	ev.Timestamp = time.Date(2026, 3, 10, 9, 45, 0, 0, time.UTC)
	ev.Data = json.RawMessage(`{"issueId":"issue-7","minutesOverdue":22}`)

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Topic != "ward:branch-7" || decoded.Entity != "blood_issue" {
		t.Errorf("routing fields lost: %s %s", decoded.Topic, decoded.Entity)
	}
	if !decoded.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("timestamp = %v", decoded.Timestamp)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["minutesOverdue"].(float64) != 22 {
		t.Errorf("payload = %v", payload)
	}
}

func TestAlertsEndpoint(t *testing.T) {
	hub := NewHub()
	e := echo.New()
	NewWebSocketHandler(hub).RegisterRoutes(e.Group(""))

	var found bool
	for _, r := range e.Routes() {
		if r.Path == "/ws/alerts" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("GET /ws/alerts not registered")
	}

	// A plain HTTP request must not be upgraded.
	req := httptest.NewRequest(http.MethodGet, "/ws/alerts", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("upgrade must fail for a non-websocket request")
	}
}

// End-to-end: dial the endpoint, subscribe to a ward, receive an overdue
// alert over the wire.
func TestAlertDeliveryOverWire(t *testing.T) {
	hub := NewHub()
	e := echo.New()
	NewWebSocketHandler(hub).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/alerts"
	conn, resp, err := (&gorillawebsocket.Dialer{}).Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{WardTopic("branch-1")}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for hub.TopicCount(WardTopic("branch-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never took")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(WardTopic("branch-1"), overdueEvent("branch-1", "issue-ws"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read: %v", err)
	}
	if received.Type != "vitals_overdue" || received.EntityID != "issue-ws" {
		t.Errorf("received %s/%s", received.Type, received.EntityID)
	}
}
