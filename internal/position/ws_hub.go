package position

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// WSMessage is a JSON event pushed to WebSocket subscribers.
type WSMessage struct {
	Type     string `json:"type"` // position_opened, margin_increased, position_closed, price_updated
	Owner    string `json:"owner,omitempty"`
	Position string `json:"position,omitempty"`
	FeedID   string `json:"feed_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// subscriber is one WebSocket client. A non-empty owner limits position
// events to that owner's positions; price events reach everyone.
type subscriber struct {
	conn  *websocket.Conn
	owner string
}

func (s *subscriber) wants(owner string) bool {
	return owner == "" || s.owner == "" || s.owner == owner
}

type event struct {
	owner   string
	payload []byte
}

// WSHub fans position and price events out to subscribers. All data frames
// are written from the Run goroutine.
type WSHub struct {
	subs   map[*websocket.Conn]*subscriber
	events chan event
	join   chan *subscriber
	leave  chan *websocket.Conn
	done   chan struct{}
	mu     sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		subs:   make(map[*websocket.Conn]*subscriber),
		events: make(chan event, 256),
		join:   make(chan *subscriber),
		leave:  make(chan *websocket.Conn),
		done:   make(chan struct{}),
	}
}

// Run delivers events until ctx is done, then disconnects every subscriber.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.subs {
				conn.Close()
			}
			clear(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.join:
			h.mu.Lock()
			h.subs[sub.conn] = sub
			total := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "owner", sub.owner, "total", total)

		case conn := <-h.leave:
			h.drop(conn)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *WSHub) deliver(ev event) {
	h.mu.RLock()
	var failed []*websocket.Conn
	for conn, sub := range h.subs {
		if !sub.wants(ev.owner) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, ev.payload); err != nil {
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range failed {
		h.drop(conn)
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.subs[conn]
	if ok {
		delete(h.subs, conn)
		conn.Close()
	}
	total := len(h.subs)
	h.mu.Unlock()
	if ok {
		metrics.WebSocketClients.Set(float64(total))
	}
}

func (h *WSHub) subscribed(conn *websocket.Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[conn]
	return ok
}

// Broadcast queues msg for every interested subscriber. It never blocks;
// events are dropped while the queue is full.
func (h *WSHub) Broadcast(msg WSMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws message encode failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.events <- event{owner: msg.Owner, payload: payload}:
	default:
		slog.Warn("ws event dropped", "type", msg.Type, "position", msg.Position)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS handles GET /api/v1/ws. The optional owner query parameter
// restricts position events to one owner.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sub := &subscriber{}
	if v := r.URL.Query().Get("owner"); v != "" {
		owner, err := model.ParsePubkey(v)
		if err != nil {
			writeServiceError(w, "ws", err)
			return
		}
		sub.owner = owner.String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	sub.conn = conn

	select {
	case h.join <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(conn)
	go h.pingLoop(conn)
}

// readPump discards client frames and reports the disconnect.
func (h *WSHub) readPump(conn *websocket.Conn) {
	defer func() {
		select {
		case h.leave <- conn:
		case <-h.done:
		}
	}()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
		if !h.subscribed(conn) {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}
