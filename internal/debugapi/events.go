package debugapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
)

// Event types on the feed.
const (
	EventState    = "state"
	EventSetup    = "setup"
	EventHandover = "handover"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Event is one message on the connection event feed.
type Event struct {
	Type       string        `json:"type"`
	Time       time.Time     `json:"time"`
	Connection string        `json:"connection"`
	Transport  string        `json:"transport"`
	From       string        `json:"from,omitempty"`
	To         string        `json:"to,omitempty"`
	APNType    string        `json:"apn_type,omitempty"`
	Result     string        `json:"result,omitempty"`
	Cause      string        `json:"cause,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns,omitempty"`
	Success    *bool         `json:"success,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans connection events out to websocket subscribers. It observes
// connections as a dataconn.Observer; publishing never blocks the caller and
// drops messages for subscribers that fall behind.
type Hub struct {
	log      logging.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	dropped int
}

var _ dataconn.Observer = (*Hub)(nil)

func NewHub(log logging.Logger) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	h := &Hub{
		log:     log.With(logging.String("component", "event-hub")),
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameOrigin,
	}
	return h
}

// sameOrigin accepts clients without an Origin header and browsers on the
// host serving the feed.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// ServeHTTP upgrades the request and subscribes it to the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(ctx, "websocket upgrade failed", logging.Err(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info(ctx, "event subscriber connected", logging.String("remote", r.RemoteAddr), logging.Int("subscribers", n))

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop discards inbound frames and unsubscribes on error.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish sends ev to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn(context.Background(), "encode event", logging.Err(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped++
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages were dropped for slow subscribers.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) StateChanged(c *dataconn.Connection, from, to dataconn.State) {
	h.Publish(Event{
		Type:       EventState,
		Connection: c.Name(),
		Transport:  c.Transport().String(),
		From:       from.String(),
		To:         to.String(),
	})
}

func (h *Hub) SetupFinished(c *dataconn.Connection, t apn.Type, result dataconn.SetupResult, cause dataservice.FailCause, elapsed time.Duration) {
	ev := Event{
		Type:       EventSetup,
		Connection: c.Name(),
		Transport:  c.Transport().String(),
		APNType:    t.String(),
		Result:     result.String(),
		Elapsed:    elapsed,
	}
	if cause != dataservice.CauseNone {
		ev.Cause = cause.String()
	}
	h.Publish(ev)
}

func (h *Hub) HandoverFinished(c *dataconn.Connection, t apn.Type, ok bool) {
	h.Publish(Event{
		Type:       EventHandover,
		Connection: c.Name(),
		Transport:  c.Transport().String(),
		APNType:    t.String(),
		Success:    &ok,
	})
}
