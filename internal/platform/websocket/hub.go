// Package websocket pushes bus events to connected staff UIs. Clients
// subscribe to topics: an event kind ("billing_confirmed") or a record
// ("mr:MROBS-001").
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

	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/internal/platform/bus"
)

// Message is what a client receives.
type Message struct {
	Kind      bus.Kind  `json:"kind"`
	Topic     string    `json:"topic"`
	MrID      string    `json:"mrId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// RecordTopic is the topic carrying every event of one MR id.
func RecordTopic(mrID string) string { return "mr:" + strings.ToUpper(strings.TrimSpace(mrID)) }

// physicianTopics are only delivered to physician connections.
var physicianTopics = map[string]bool{string(bus.KindRevisionRequested): true}

// Client is one websocket connection.
type Client struct {
	ID     string
	Actor  auth.Actor
	Topics []string
	Send   chan []byte
}

func NewClient(actor auth.Actor, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{ID: uuid.NewString(), Actor: actor, Send: make(chan []byte, buffer)}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> clients
	all     map[*Client]struct{}
	dropped int
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "ws_hub").Logger(),
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
	topics := c.Topics
	c.Topics = nil
	h.subscribeLocked(c, topics)
}

// Unregister removes c from every topic and closes its Send channel. A
// second call is a no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for _, t := range c.Topics {
		h.removeLocked(t, c)
	}
	delete(h.all, c)
	close(c.Send)
}

func (h *Hub) Subscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(c, topics)
}

func (h *Hub) subscribeLocked(c *Client, topics []string) {
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" || (physicianTopics[t] && !c.Actor.IsPhysician()) {
			continue
		}
		if h.clients[t] == nil {
			h.clients[t] = make(map[*Client]struct{})
		}
		if _, dup := h.clients[t][c]; dup {
			continue
		}
		h.clients[t][c] = struct{}{}
		c.Topics = append(c.Topics, t)
	}
}

func (h *Hub) Unsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	drop := make(map[string]bool, len(topics))
	for _, t := range topics {
		drop[t] = true
		h.removeLocked(t, c)
	}
	kept := c.Topics[:0]
	for _, t := range c.Topics {
		if !drop[t] {
			kept = append(kept, t)
		}
	}
	c.Topics = kept
}

func (h *Hub) removeLocked(topic string, c *Client) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(c, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
	}
}

// Broadcast sends msg to every subscriber of topic. Slow clients whose
// buffer is full miss the message.
func (h *Hub) Broadcast(topic string, msg Message) {
	msg.Topic = topic
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("marshal message")
		return
	}

	h.mu.RLock()
	subs := h.clients[topic]
	var full int
	for c := range subs {
		select {
		case c.Send <- data:
		default:
			full++
		}
	}
	h.mu.RUnlock()

	if full > 0 {
		h.mu.Lock()
		h.dropped += full
		h.mu.Unlock()
		h.logger.Warn().Str("topic", topic).Int("clients", full).Msg("client buffer full, message dropped")
	}
}

// HandleEvent is a bus.Handler: it forwards ev to its kind topic and, when
// the payload names an MR id, to that record's topic.
func (h *Hub) HandleEvent(_ context.Context, ev bus.Event) error {
	msg := Message{Kind: ev.Kind, MrID: mrIDOf(ev.Payload), Timestamp: ev.Timestamp, Payload: ev.Payload}
	h.Broadcast(string(ev.Kind), msg)
	if msg.MrID != "" && ev.Kind != bus.KindRevisionRequested {
		h.Broadcast(RecordTopic(msg.MrID), msg)
	}
	return nil
}

func mrIDOf(payload any) string {
	switch p := payload.(type) {
	case bus.BillingConfirmed:
		return p.MrID
	case bus.BillingPaid:
		return p.MrID
	case bus.RevisionRequested:
		return p.MrID
	case bus.RevisionResolved:
		return p.MrID
	case bus.SectionSaved:
		return p.MrID
	}
	return ""
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

// Dropped reports how many deliveries were skipped because of full buffers.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// ---------------------------------------------------------------------------
// Handler - echo route upgrading to a websocket
// ---------------------------------------------------------------------------

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections from allowedOrigins ("*" allows all).
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

func (wh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wh.HandleConnect)
}

// HandleConnect upgrades the request. Initial topics may be given as
// ?topics=billing_confirmed,mr:MROBS-001.
func (wh *Handler) HandleConnect(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())
	ws, err := wh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(actor, 256)
	if q := c.QueryParam("topics"); q != "" {
		client.Topics = strings.Split(q, ",")
	}
	wh.hub.Register(client)
	wh.hub.logger.Debug().Str("client", client.ID).Str("user", actor.ID).Strs("topics", client.Topics).Msg("client connected")

	go wh.writePump(client, ws)
	go wh.readPump(client, ws)
	return nil
}

func (wh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wh.hub.Unregister(client)
		ws.Close()
	}()
	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		wh.hub.ProcessMessage(client, msg)
	}
}

func (wh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
