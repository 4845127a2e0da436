package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// subscriptionFilter selects which events a client receives. A zero
// filter matches everything the client is authorized for.
type subscriptionFilter struct {
	Entity string   `json:"entity,omitempty"`
	IDs    []string `json:"ids,omitempty"`
}

// inboundMessage is what clients may send
type inboundMessage struct {
	Type   string             `json:"type"`
	Filter subscriptionFilter `json:"filter"`
}

// wireEvent is the outbound change message
type wireEvent struct {
	Type string `json:"type"`
	models.ChangeEvent
}

// Connection is one authenticated client socket
type Connection struct {
	hub    *Hub
	socket *websocket.Conn
	userID string
	send   chan models.ChangeEvent
	done   chan struct{}
	limit  *rate.Limiter

	mu      sync.Mutex
	filters []subscriptionFilter
	once    sync.Once
}

func newConnection(hub *Hub, socket *websocket.Conn, userID string) *Connection {
	return &Connection{
		hub:    hub,
		socket: socket,
		userID: userID,
		send:   make(chan models.ChangeEvent, sendQueueSize),
		done:   make(chan struct{}),
		limit:  rate.NewLimiter(inboundRate, inboundBurst),
	}
}

// authorized reports whether this client may see the event: the
// subscriber owns the entity, or for tasks and subtasks is among its
// assignees.
func (c *Connection) authorized(event models.ChangeEvent) bool {
	if c.userID == event.OwnerUserID {
		return true
	}
	if event.EntityType == "task" || event.EntityType == "subtask" {
		for _, assignee := range event.AssigneeIDs {
			if assignee == c.userID {
				return true
			}
		}
	}
	return false
}

// matches applies the client's subscription filters. No filters means
// receive everything.
func (c *Connection) matches(event models.ChangeEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filters) == 0 {
		return true
	}
	for _, filter := range c.filters {
		if filter.Entity != "" && filter.Entity != event.EntityType {
			continue
		}
		if len(filter.IDs) == 0 {
			return true
		}
		for _, id := range filter.IDs {
			if id == event.EntityID {
				return true
			}
		}
	}
	return false
}

// deliver queues the event; a full queue means the client cannot keep
// up and is disconnected with the backpressure code.
func (c *Connection) deliver(event models.ChangeEvent) {
	select {
	case <-c.done:
	case c.send <- event:
	default:
		c.hub.metrics.IncrementCounterWithLabels("websocket_closes", 1, map[string]string{"code": "4002"})
		c.shutdown(CloseBackpressure, "outbound queue overflow")
	}
}

func (c *Connection) shutdown(code int, reason string) {
	c.once.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.socket.Close()
		c.hub.unregister(c)
		close(c.done)
	})
}

// readLoop consumes client messages until the socket dies. Only
// subscribe messages are meaningful; everything else is dropped.
func (c *Connection) readLoop() {
	defer c.shutdown(websocket.CloseNormalClosure, "")
	c.socket.SetReadLimit(4096)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		if !c.limit.Allow() {
			c.hub.logger.Warn("websocket client over rate limit", map[string]interface{}{"user_id": c.userID})
			continue
		}
		var message inboundMessage
		if err := json.Unmarshal(data, &message); err != nil {
			continue
		}
		if message.Type == "subscribe" {
			c.mu.Lock()
			c.filters = append(c.filters, message.Filter)
			c.mu.Unlock()
		}
	}
}

// writeLoop drains the send queue onto the socket and keeps the
// connection alive with pings.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(wireEvent{Type: "change", ChangeEvent: event}); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}
