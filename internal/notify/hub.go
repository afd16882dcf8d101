package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/lottery_settlement/internal/app/system"
	"github.com/R3E-Network/lottery_settlement/internal/engine/events"
	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	clientBuffer  = 64
	maxReplay     = 100
	maxReadBuffer = 512
)

// Hub streams events to WebSocket clients. A client that cannot keep up is
// disconnected rather than slowing down the engine.
type Hub struct {
	source   events.EventLogger
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	clients     map[*client]struct{}
	unsubscribe func()
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

var _ system.Service = (*Hub)(nil)

// NewHub builds a hub reading from source.
func NewHub(source events.EventLogger, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("notify-hub")
	}
	return &Hub{
		source: source,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string { return "notify-hub" }

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsubscribe == nil {
		h.unsubscribe = h.source.Subscribe(h.broadcast)
	}
	return nil
}

// Stop unsubscribes and disconnects every client.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	for c := range h.clients {
		h.removeLocked(c)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribe != nil
}

// ServeHTTP upgrades the request. The optional "recent" query parameter
// replays up to that many buffered events, oldest first, before live ones.
// A hub that is not started, or already stopped, answers 503.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	replay := 0
	if raw := r.URL.Query().Get("recent"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "recent must be a non-negative integer", http.StatusBadRequest)
			return
		}
		replay = min(n, maxReplay)
	}
	if !h.running() {
		http.Error(w, "event stream is not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer+maxReplay)}

	h.mu.Lock()
	if h.unsubscribe == nil {
		// Stopped during the upgrade.
		h.mu.Unlock()
		conn.Close()
		return
	}
	if replay > 0 {
		recent := h.source.Recent(replay)
		for i := len(recent) - 1; i >= 0; i-- {
			if data, err := json.Marshal(recent[i]); err == nil {
				c.send <- data
			}
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.log.WithField("remote", r.RemoteAddr).Debug("websocket client connected")
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Error("encode event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("websocket client too slow; disconnecting")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxReadBuffer)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
