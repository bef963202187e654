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

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/postop/recovery/internal/platform/auth"
	"github.com/postop/recovery/internal/platform/events"
)

var (
	patientA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	patientB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

func topicA() string { return events.PatientTopic(patientA.String()) }
func topicB() string { return events.PatientTopic(patientB.String()) }

func newTestHub() *Hub { return NewHub(zerolog.Nop()) }

func receive(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var evt events.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected message %s", data)
	default:
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := newTestHub()
	client := NewClient(nil, topicA())

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount(topicA()) != 1 {
		t.Fatalf("expected 1 client on %s", topicA())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(topicA()) != 0 {
		t.Fatal("expected hub to be empty")
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send to be closed")
	}

	// A second unregister is a no-op.
	hub.Unregister(client)
}

func TestHub_PublishRoutesByPatient(t *testing.T) {
	hub := newTestHub()
	a := NewClient(nil, topicA())
	b := NewClient(nil, topicB())
	hub.Register(a)
	hub.Register(b)

	evt := events.New(events.TaskCompleted, patientA, uuid.New(), map[string]string{"title": "Ankle Pumps"})
	if err := hub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receive(t, a)
	if got.Type != events.TaskCompleted || got.PatientID != patientA.String() {
		t.Errorf("unexpected event %+v", got)
	}
	expectNothing(t, b)
}

func TestHub_SubscribeRespectsAllow(t *testing.T) {
	hub := newTestHub()
	client := NewClient(func(topic string) bool { return topic == topicA() })
	hub.Register(client)

	denied := hub.Subscribe(client, []string{topicA(), topicB(), topicA()})
	if len(denied) != 1 || denied[0] != topicB() {
		t.Fatalf("expected %s denied, got %v", topicB(), denied)
	}
	if hub.TopicCount(topicA()) != 1 || hub.TopicCount(topicB()) != 0 {
		t.Fatal("unexpected subscriptions")
	}
	if len(client.Topics) != 1 {
		t.Errorf("expected duplicate subscribe to be ignored, topics=%v", client.Topics)
	}

	hub.Unsubscribe(client, []string{topicA()})
	if hub.TopicCount(topicA()) != 0 || len(client.Topics) != 0 {
		t.Errorf("expected unsubscribe to clear topic, topics=%v", client.Topics)
	}
}

func TestHub_ProcessMessage(t *testing.T) {
	hub := newTestHub()
	client := NewClient(func(topic string) bool { return topic == topicA() })
	hub.Register(client)

	ack := hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{topicA(), topicB()}})
	if ack == nil || ack.Action != "subscribed" || len(ack.Topics) != 1 || len(ack.Denied) != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}
	ack = hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{topicA()}})
	if ack == nil || ack.Action != "unsubscribed" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if hub.ProcessMessage(client, ClientMessage{Action: "dance"}) != nil {
		t.Error("expected nil ack for unknown action")
	}
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := newTestHub()
	client := &Client{ID: "slow", Topics: []string{topicA()}, Send: make(chan []byte, 1)}
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Broadcast(topicA(), events.New(events.TaskStarted, patientA, uuid.Nil, nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client")
	}
	if len(client.Send) != 1 {
		t.Errorf("expected one buffered event, got %d", len(client.Send))
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := NewClient(nil, topicA())
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), events.New(events.TaskStarted, patientA, uuid.Nil, nil))
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestPatientTopicAllow(t *testing.T) {
	patient := PatientTopicAllow(auth.WithIdentity(context.Background(), "u", []string{auth.RolePatient}, patientA.String()))
	if !patient(topicA()) || patient(topicB()) || patient("broadcast") {
		t.Error("patient should only reach their own topic")
	}
	provider := PatientTopicAllow(auth.WithIdentity(context.Background(), "u", []string{auth.RoleProvider}, ""))
	if !provider(topicA()) || !provider(topicB()) || provider("patient:") {
		t.Error("provider should reach every patient topic")
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	h := NewHandler(newTestHub(), nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	if err := h.HandleConnect(e.NewContext(req, rec)); err == nil {
		t.Error("expected upgrade failure")
	}
	if h.hub.ClientCount() != 0 {
		t.Error("expected no client registered")
	}
}

func TestHandler_OriginCheck(t *testing.T) {
	h := NewHandler(newTestHub(), []string{"https://app.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !h.upgrader.CheckOrigin(req) {
		t.Error("expected request without origin to pass")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !h.upgrader.CheckOrigin(req) {
		t.Error("expected allowed origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if h.upgrader.CheckOrigin(req) {
		t.Error("expected foreign origin to fail")
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	hub := newTestHub()
	e := echo.New()
	g := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "p-user", []string{auth.RolePatient}, patientA.String())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(hub, []string{"*"}).RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount(topicA()) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount(topicA()) != 1 {
		t.Fatal("expected patient to be auto-subscribed to own topic")
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{topicB()}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack Ack
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if len(ack.Denied) != 1 || ack.Denied[0] != topicB() {
		t.Fatalf("expected other patient's topic to be denied, got %+v", ack)
	}

	_ = hub.Publish(context.Background(), events.New(events.AssignmentCreated, patientA, uuid.New(), nil))
	var evt events.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != events.AssignmentCreated {
		t.Errorf("expected %s, got %s", events.AssignmentCreated, evt.Type)
	}
}
