package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/clientprint/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeDeadline = 5 * time.Second

// Hub fans out newly classified blocks to every subscriber of GET /stream.
// It is the live-update counterpart to the classify/query REST surface:
// internal/ingest's listener and backfiller, and internal/api's own
// /classify handler, all feed it the same way through BroadcastRow rather
// than each marshaling JSON and touching the connection set themselves.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan models.BlockRow
}

// NewHub builds an empty Hub. Call Run in its own goroutine before serving
// /stream.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan models.BlockRow, 256),
	}
}

// Run drains queued rows and fans each out to every subscriber until
// BroadcastRow's channel would need to be closed; there is no shutdown
// signal because the hub lives for the process lifetime, same as
// internal/ingest's workers under cmd/engine's top-level context.
func (h *Hub) Run() {
	for row := range h.broadcast {
		payload, err := json.Marshal(row)
		if err != nil {
			log.Printf("[Hub] marshal error for slot %d: %v", row.Slot, err)
			continue
		}
		h.send(payload)
	}
}

func (h *Hub) send(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("[Hub] write error, dropping subscriber: %v", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Subscribe upgrades the request to a websocket connection and registers
// it as a /stream subscriber.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("[Hub] subscriber connected (%d total)", count)

	go h.drainUntilClosed(conn)
}

// drainUntilClosed reads (and discards) frames from conn purely to detect
// disconnects; the stream is one-directional from the engine's side.
func (h *Hub) drainUntilClosed(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		count := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		log.Printf("[Hub] subscriber disconnected (%d total)", count)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] read error: %v", err)
			}
			return
		}
	}
}

// BroadcastRow queues row for delivery to every current subscriber.
func (h *Hub) BroadcastRow(row models.BlockRow) {
	h.broadcast <- row
}
