// Package notify pushes server events to connected clients over
// websockets. Delivery is best effort: a recipient with no open
// socket simply misses the push and catches up over HTTP.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers talk to us cross-origin through the API gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to each recipient's open sockets.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

// Publish sends the payload to every open socket of the recipient.
// Slow clients are dropped rather than blocking the caller.
func (h *Hub) Publish(recipientID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[recipientID] {
		select {
		case c.send <- data:
		default:
			// Buffer full; the write pump will notice the closed
			// channel after unregister.
		}
	}
}

func (h *Hub) register(id string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[id] == nil {
		h.clients[id] = make(map[*client]struct{})
	}
	h.clients[id][c] = struct{}{}
}

func (h *Hub) unregister(id string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[id]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			if len(set) == 0 {
				delete(h.clients, id)
			}
		}
	}
}

// RegisterRoutes registers the websocket upgrade endpoint on an
// authenticated group.
func (h *Hub) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.serve)
}

func (h *Hub) serve(c *gin.Context) {
	a := actor.FromGin(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(a.ID, cl)
	logging.L(c.Request.Context()).Debug("websocket connected", "actor_id", a.ID)

	go h.writePump(cl)
	h.readPump(a.ID, cl)
}

// readPump discards inbound frames; the socket is push-only. It owns
// connection teardown.
func (h *Hub) readPump(id string, cl *client) {
	defer func() {
		h.unregister(id, cl)
		cl.conn.Close()
	}()
	cl.conn.SetReadLimit(512)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// NopPublisher drops every event. Stands in for the hub when
// websockets are disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(string, any) {}
