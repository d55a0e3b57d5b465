// Package feed streams order lifecycle events to websocket clients.
package feed

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bitstamp-broker/internal/core"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
)

// Message is the JSON frame sent for each order event.
type Message struct {
	ID        string          `json:"id"`
	Type      core.EventType  `json:"type"`
	OrderID   int64           `json:"order_id"`
	Side      core.Side       `json:"side"`
	State     core.OrderState `json:"state"`
	Price     string          `json:"price,omitempty"`
	Quantity  string          `json:"quantity,omitempty"`
	Fee       string          `json:"fee,omitempty"`
	Filled    string          `json:"filled"`
	Remaining string          `json:"remaining"`
	Reason    string          `json:"reason,omitempty"`
	Time      time.Time       `json:"time"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub fans order events out to every connected client. A client that
// cannot keep up loses frames rather than slowing the dispatcher.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnOrderEvent matches the broker's event handler signature.
func (h *Hub) OnOrderEvent(ev core.OrderEvent) {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      ev.Type,
		OrderID:   ev.Order.ID,
		Side:      ev.Order.Side,
		State:     ev.Order.State,
		Filled:    ev.Order.Filled.String(),
		Remaining: ev.Order.Remaining().String(),
		Reason:    ev.Reason,
		Time:      h.now().UTC(),
	}
	if ev.Execution != nil {
		msg.Price = ev.Execution.Price.String()
		msg.Quantity = ev.Execution.Quantity.String()
		msg.Fee = ev.Execution.Commission.String()
		msg.Time = ev.Execution.Time.UTC()
	}
	h.Broadcast(msg)
}

func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("level=ERROR event=feed_encode_failed err=%q", err.Error())
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("level=WARN event=feed_frame_dropped remote=%q", c.conn.RemoteAddr().String())
		}
	}
}

// ServeHTTP upgrades the request and registers the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("level=WARN event=feed_upgrade_failed err=%q", err.Error())
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("level=INFO event=feed_client_connected remote=%q total=%d", conn.RemoteAddr().String(), total)

	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		log.Printf("level=INFO event=feed_client_disconnected total=%d", total)
	}
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
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
