package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ordersaga/internal/orders"
)

const writeWait = 5 * time.Second

type client struct {
	conn   *websocket.Conn
	userID string
}

type envelope struct {
	userID  string
	payload []byte
}

// Hub pushes order status notices to WebSocket clients. A client connected
// with ?userId=... only receives notices for that user's orders.
type Hub struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]client
	register   chan client
	unregister chan *websocket.Conn
	broadcast  chan envelope
	mu         sync.Mutex
	dropped    atomic.Int64
}

// NewHub constructs a Hub. buffer bounds the notices queued for Run; when it
// is full new notices are dropped rather than blocking the saga.
func NewHub(log *slog.Logger, buffer int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if buffer < 1 {
		buffer = 256
	}
	return &Hub{
		log:        log.With("component", "realtime"),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:    make(map[*websocket.Conn]client),
		register:   make(chan client),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan envelope, buffer),
	}
}

// Run processes register/unregister/broadcast events until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, c := range h.clients {
				if c.userID != "" && c.userID != msg.userID {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// OrderChanged queues n for every interested client. It never blocks.
func (h *Hub) OrderChanged(_ context.Context, n orders.StatusNotice) {
	payload, err := json.Marshal(n)
	if err != nil {
		h.log.Warn("encode notice", "order_id", n.OrderID, "err", err)
		return
	}
	select {
	case h.broadcast <- envelope{userID: n.UserID, payload: payload}:
	default:
		h.dropped.Add(1)
		h.log.Warn("notice queue full, dropping", "order_id", n.OrderID)
	}
}

// ServeHTTP upgrades the request and registers the connection. Incoming
// frames are discarded; a read error unregisters the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	select {
	case h.register <- client{conn: conn, userID: r.URL.Query().Get("userId")}:
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- conn:
				case <-time.After(writeWait):
				}
				return
			}
		}
	}()
}

// Clients reports how many connections are registered.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped reports how many notices were discarded because the queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
