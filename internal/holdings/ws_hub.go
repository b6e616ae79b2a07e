// Package holdings — WebSocket hub for real-time position broadcasting.
package holdings

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finfolio/holdings-engine/internal/metrics"
	"github.com/finfolio/holdings-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients whenever a position
// is updated or closed.
type WSMessage struct {
	Type        string `json:"type"` // "position_updated" or "position_closed"
	UserID      string `json:"user_id"`
	Symbol      string `json:"symbol"`
	Quantity    string `json:"quantity,omitempty"`
	AverageCost string `json:"average_cost,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when positions change.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			var failed []*websocket.Conn
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			// Evict under the write lock; readers hold RLock concurrently.
			if len(failed) > 0 {
				h.mu.Lock()
				for _, conn := range failed {
					if _, ok := h.clients[conn]; ok {
						delete(h.clients, conn)
						conn.Close()
						metrics.WebSocketClients.Dec()
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Register hands a connection to the hub's event loop. HandleWS calls this
// after the upgrade; callers managing their own connections may use it
// directly.
func (h *WSHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// ClientCount reports the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PositionApplied broadcasts an updated position. Implements
// consumer.Broadcaster; never blocks the consumer.
func (h *WSHub) PositionApplied(pos *model.Position) {
	h.send(WSMessage{
		Type:        "position_updated",
		UserID:      pos.UserID,
		Symbol:      pos.Symbol,
		Quantity:    pos.Quantity.String(),
		AverageCost: pos.AverageCost.String(),
	})
}

// PositionDeleted broadcasts a closed position.
func (h *WSHub) PositionDeleted(userID, symbol string) {
	h.send(WSMessage{
		Type:   "position_closed",
		UserID: userID,
		Symbol: symbol,
	})
}

func (h *WSHub) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking event processing.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.Register(conn)

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
