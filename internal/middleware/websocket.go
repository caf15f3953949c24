package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sysmon/internal/metrics"
	"sysmon/internal/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	// Agents push full samples over the socket, so the read limit has
	// to accommodate a host with many interfaces and disks.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Configure properly for production
	},
}

// Hub tracks the set of connected viewer sockets and fans update
// events out to all of them. All writes happen on the Run goroutine,
// so each connection observes events in broadcast order. A viewer that
// fails a write is closed and dropped without disturbing the others.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.RWMutex
	logger     *utils.Logger

	// snapshot supplies the encoded device_update events replayed to a
	// viewer immediately after it connects, before any live broadcast.
	snapshot func() [][]byte

	// inbound receives raw messages pushed by agents over the socket.
	inbound func([]byte)
}

func NewHub(logger *utils.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
}

// SetSnapshotSource installs the callback that produces the initial
// per-device event frames for late-joining viewers. Must be called
// before Run.
func (h *Hub) SetSnapshotSource(fn func() [][]byte) {
	h.snapshot = fn
}

// SetInboundHandler installs the callback invoked with every message
// received from a connected socket. Must be called before Run.
func (h *Hub) SetInboundHandler(fn func([]byte)) {
	h.inbound = fn
}

func (h *Hub) Run() {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case conn := <-h.register:
			// Replay the current state to the new viewer before it
			// joins the broadcast set, so it never observes a live
			// event without the snapshot that precedes it.
			h.sendSnapshot(conn)
			h.mutex.Lock()
			h.clients[conn] = true
			h.mutex.Unlock()
			metrics.ConnectedViewers.Inc()
			h.logf("WebSocket client connected")

		case conn := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.ConnectedViewers.Dec()
			}
			h.mutex.Unlock()
			h.logf("WebSocket client disconnected")

		case message := <-h.broadcast:
			h.writeToClients(websocket.TextMessage, message)
			metrics.EventsBroadcast.Inc()

		case <-pingTicker.C:
			h.writePingToClients()
		}
	}
}

// sendSnapshot writes the cached per-device events to a single
// connection. A failed write closes the connection; it was never added
// to the registry, so no cleanup is needed.
func (h *Hub) sendSnapshot(conn *websocket.Conn) {
	if h.snapshot == nil {
		return
	}
	for _, event := range h.snapshot() {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			h.logf("WebSocket set write deadline error: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, event); err != nil {
			h.logf("WebSocket snapshot write error: %v", err)
			conn.Close()
			return
		}
	}
}

func (h *Hub) writeToClients(messageType int, payload []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn := range h.clients {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			h.logf("WebSocket set write deadline error: %v", err)
		}
		if err := conn.WriteMessage(messageType, payload); err != nil {
			h.logf("WebSocket write error: %v", err)
			conn.Close()
			delete(h.clients, conn)
			metrics.ConnectedViewers.Dec()
		}
	}
}

func (h *Hub) writePingToClients() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn := range h.clients {
		deadline := time.Now().Add(writeWait)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.logf("WebSocket ping error: %v", err)
			conn.Close()
			delete(h.clients, conn)
			metrics.ConnectedViewers.Dec()
		}
	}
}

// Broadcast queues an event frame for delivery to every connected
// viewer. Delivery is best-effort, at-most-once per viewer.
func (h *Hub) Broadcast(message []byte) {
	h.broadcast <- message
}

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and serves the connection both
// ways: the Run loop pushes update events to it, and anything the peer
// sends is handed to the inbound handler (agents push samples over the
// same endpoint). Malformed inbound messages are the handler's problem
// and never close the socket.
func (h *Hub) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logf("WebSocket upgrade error: %v", err)
			return
		}

		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		h.register <- conn

		defer func() {
			h.unregister <- conn
		}()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
					h.logf("WebSocket error: %v", err)
				}
				break
			}
			// Reading a data frame also proves liveness.
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			if h.inbound != nil && len(message) > 0 {
				h.inbound(message)
			}
		}
	}
}

func (h *Hub) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if h.logger != nil {
		h.logger.Write(msg)
		return
	}
	utils.NewLogger("").Write(msg)
}
