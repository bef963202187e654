// Package websocket pushes assignment and task events to connected clients.
// Clients subscribe to patient:<id> topics and only receive events for
// patients they may access.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/postop/recovery/internal/platform/auth"
	"github.com/postop/recovery/internal/platform/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Ack answers a ClientMessage with the topics actually applied.
type Ack struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
	Denied []string `json:"denied,omitempty"`
}

// Client is one websocket connection. Allow decides which topics it may
// subscribe to; nil allows everything.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	Allow  func(topic string) bool
}

func NewClient(allow func(topic string) bool, topics ...string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
		Allow:  allow,
	}
}

// Hub tracks clients and their topic subscriptions. It implements
// events.Publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Subscribe adds the permitted topics to a registered client and returns
// the ones it was refused.
func (h *Hub) Subscribe(client *Client, topics []string) (denied []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if client.Allow != nil && !client.Allow(topic) {
			denied = append(denied, topic)
			continue
		}
		if _, already := h.clients[topic][client]; already {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
	return denied
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		drop[topic] = struct{}{}
		h.remove(topic, client)
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, ok := drop[t]; !ok {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage applies a ClientMessage. Unknown actions are ignored and
// yield a nil Ack.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) *Ack {
	switch msg.Action {
	case "subscribe":
		denied := h.Subscribe(client, msg.Topics)
		return &Ack{Action: "subscribed", Topics: accepted(msg.Topics, denied), Denied: denied}
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
		return &Ack{Action: "unsubscribed", Topics: msg.Topics}
	}
	return nil
}

func accepted(topics, denied []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		refused := false
		for _, d := range denied {
			if d == t {
				refused = true
				break
			}
		}
		if !refused {
			out = append(out, t)
		}
	}
	return out
}

// Broadcast sends an event to every subscriber of topic. Clients whose
// buffer is full miss the event.
func (h *Hub) Broadcast(topic string, evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("event", evt.Type).Msg("marshal websocket event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn().Str("topic", topic).Int("dropped", dropped).Msg("websocket clients too slow")
	}
}

// Publish broadcasts the event to its patient topic.
func (h *Hub) Publish(_ context.Context, evt events.Event) error {
	h.Broadcast(evt.Topic(), evt)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// PatientTopicAllow permits patient topics the identity in ctx may access.
func PatientTopicAllow(ctx context.Context) func(topic string) bool {
	return func(topic string) bool {
		id, ok := strings.CutPrefix(topic, "patient:")
		return ok && id != "" && auth.CanAccessPatient(ctx, id)
	}
}

// Handler upgrades HTTP requests and runs the connection pumps.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections from the given origins. "*" allows any
// origin; requests without an Origin header are always accepted.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowAll || allowed[origin]
			},
		},
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection. Patients are subscribed to their
// own topic straight away.
func (h *Handler) HandleConnect(c echo.Context) error {
	ctx := context.WithoutCancel(c.Request().Context())
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var initial []string
	if pid := auth.PatientIDFromContext(ctx); pid != "" {
		initial = append(initial, events.PatientTopic(pid))
	}
	client := NewClient(PatientTopicAllow(ctx), initial...)
	h.hub.Register(client)
	h.hub.logger.Debug().
		Str("client_id", client.ID).
		Str("user_id", auth.UserIDFromContext(ctx)).
		Msg("websocket connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		ack := h.hub.ProcessMessage(client, msg)
		if ack == nil {
			continue
		}
		if data, err := json.Marshal(ack); err == nil {
			h.hub.trySend(client, data)
		}
	}
}

// trySend queues data unless the client is gone or its buffer is full.
func (h *Hub) trySend(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
