// Package websocket fans out change events to subscribed clients over
// gorilla websockets. Subscriptions are in-process; delivery is
// best-effort with a bounded per-client queue.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/taskmesh/taskmesh/pkg/auth"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// Close codes sent to clients
const (
	CloseUnauthorized = 4001
	CloseBackpressure = 4002
)

const (
	// sendQueueSize bounds the per-client outbound queue; exceeding it
	// disconnects the client with CloseBackpressure.
	sendQueueSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	// inboundRate limits client control messages per second
	inboundRate  = 10
	inboundBurst = 20
)

// Hub owns the connection set and routes events to authorized
// subscribers.
type Hub struct {
	auth     *auth.Service
	logger   observability.Logger
	metrics  observability.MetricsClient
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[*Connection]struct{}
	closed      bool
}

// NewHub creates the fan-out hub
func NewHub(authService *auth.Service, logger observability.Logger, metrics observability.MetricsClient) *Hub {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Hub{
		auth:    authService,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Commands carry the bearer; the socket itself is origin-agnostic
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[*Connection]struct{}),
	}
}

// HandleConnection upgrades the request and authenticates the client.
// An invalid bearer still upgrades so the 4001 close code reaches the
// client, then the socket shuts.
func (h *Hub) HandleConnection(c *gin.Context) {
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	token := auth.BearerFromHeader(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}
	user, err := h.auth.Verify(c.Request.Context(), token)
	if err != nil {
		deadline := time.Now().Add(writeWait)
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnauthorized, "authentication required"), deadline)
		_ = socket.Close()
		h.metrics.IncrementCounterWithLabels("websocket_closes", 1, map[string]string{"code": "4001"})
		return
	}

	conn := newConnection(h, socket, user.ID)
	h.register(conn)
	go conn.writeLoop()
	conn.readLoop()
}

func (h *Hub) register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.connections[conn] = struct{}{}
	h.metrics.RecordGauge("websocket_connections", float64(len(h.connections)), nil)
}

func (h *Hub) unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, conn)
	h.metrics.RecordGauge("websocket_connections", float64(len(h.connections)), nil)
}

// Publish implements the services Publisher: it snapshots the
// authorized, filter-matching subscribers under the read lock and
// delivers outside it.
func (h *Hub) Publish(event models.ChangeEvent) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for conn := range h.connections {
		if conn.authorized(event) && conn.matches(event) {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.deliver(event)
	}
	h.metrics.IncrementCounterWithLabels("websocket_events_published", 1, map[string]string{"entity": event.EntityType})
}

// Close disconnects every client, for graceful shutdown
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Connection, 0, len(h.connections))
	for conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}
