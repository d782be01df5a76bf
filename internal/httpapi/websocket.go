package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamMessage is the wire envelope pushed to websocket subscribers.
// Exactly one payload field is set, named by Kind.
type streamMessage struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`

	Order        *domain.Order        `json:"order,omitempty"`
	Fill         *domain.Fill         `json:"fill,omitempty"`
	Position     *domain.Position     `json:"position,omitempty"`
	AccountValue *domain.AccountValue `json:"account_value,omitempty"`
}

// Client represents a single WebSocket connection managed by a Hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages a set of WebSocket clients and broadcasts ledger updates to
// all of them. It implements engine.Notifier; the stream is one-way.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	log        *slog.Logger
}

var _ engine.Notifier = (*Hub)(nil)

// NewHub creates a new Hub with initialised channels and client map.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log.With("component", "ws"),
	}
}

// Run is the Hub's main event loop. Launch it as a goroutine; it runs for
// the life of the process.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// push marshals and broadcasts one update without blocking the caller.
func (h *Hub) push(m streamMessage) {
	m.At = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		h.log.Error("marshal stream message", "kind", m.Kind, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("broadcast backlog full, update dropped", "kind", m.Kind)
	}
}

func (h *Hub) OrderUpdated(o *domain.Order) {
	h.push(streamMessage{Kind: "order", Order: o})
}

func (h *Hub) FillRecorded(f *domain.Fill) {
	h.push(streamMessage{Kind: "fill", Fill: f})
}

func (h *Hub) PositionUpdated(p *domain.Position) {
	h.push(streamMessage{Kind: "position", Position: p})
}

func (h *Hub) AccountValueUpdated(v *domain.AccountValue) {
	h.push(streamMessage{Kind: "account_value", AccountValue: v})
}

// handleStream upgrades the HTTP connection to a WebSocket and registers
// the client with the Hub.
func (h *Hub) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", "err", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames; it exists to process control frames
// and notice closed connections.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
