package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/agentic-crm/memstack/internal/rpc"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
)

// DefaultQueueSize bounds per-agent pending notifications while the agent
// is disconnected.
const DefaultQueueSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens in middleware before the upgrade; origins are not
	// meaningful for machine agents.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Notification is one asynchronous server-to-agent message.
type Notification struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub tracks live agent connections and queues notifications for agents
// that are momentarily disconnected. Queued messages flush on reconnect;
// when a queue overflows the oldest message is dropped.
type Hub struct {
	queueSize int
	logger    *log.Logger

	mu      sync.Mutex
	clients map[string]*wsClient
	queues  map[string][][]byte
	closed  bool
}

// NewHub constructs an empty hub.
func NewHub(queueSize int, logger *log.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WS] ", log.LstdFlags)
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger,
		clients:   make(map[string]*wsClient),
		queues:    make(map[string][][]byte),
	}
}

type wsClient struct {
	agentID string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// close is safe to call from register (replacement), unregister and
// hub shutdown; whichever runs first wins.
func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ServeWS upgrades an authenticated request to a persistent connection and
// pumps JSON-RPC requests through the dispatcher.
func (h *Hub) ServeWS(dispatcher *rpc.Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		agentID, _ := c.Get("agent_id").(string)
		if agentID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		client := &wsClient{
			agentID: agentID,
			conn:    conn,
			send:    make(chan []byte, h.queueSize),
			done:    make(chan struct{}),
		}
		h.register(client)
		go client.writePump()
		client.readPump(c, h, dispatcher)
		return nil
	}
}

func (h *Hub) register(client *wsClient) {
	h.mu.Lock()
	if prev, ok := h.clients[client.agentID]; ok {
		prev.close()
	}
	h.clients[client.agentID] = client
	pending := h.queues[client.agentID]
	delete(h.queues, client.agentID)
	h.mu.Unlock()

	// Flush messages queued while the agent was away, oldest first.
	for _, msg := range pending {
		select {
		case client.send <- msg:
		default:
			h.logger.Printf("dropping queued message for %s: send buffer full", client.agentID)
		}
	}
	h.logger.Printf("agent %s connected (%d queued messages flushed)", client.agentID, len(pending))
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	if current, ok := h.clients[client.agentID]; ok && current == client {
		delete(h.clients, client.agentID)
	}
	h.mu.Unlock()
	client.close()
}

// Notify delivers a notification to one agent, queuing it when the agent
// is disconnected. Delivery is at-most-once; there is no ack protocol.
func (h *Hub) Notify(agentID string, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Printf("marshal notification for %s: %v", agentID, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if client, ok := h.clients[agentID]; ok {
		select {
		case client.send <- payload:
			return
		default:
			// Fall through and queue: the connection is stalled.
		}
	}
	queue := append(h.queues[agentID], payload)
	if len(queue) > h.queueSize {
		queue = queue[len(queue)-h.queueSize:]
	}
	h.queues[agentID] = queue
}

// Broadcast sends a notification to every connected agent.
func (h *Hub) Broadcast(n Notification) {
	h.mu.Lock()
	agents := make([]string, 0, len(h.clients))
	for id := range h.clients {
		agents = append(agents, id)
	}
	h.mu.Unlock()
	for _, id := range agents {
		h.Notify(id, n)
	}
}

// Pending reports how many notifications wait for a disconnected agent.
func (h *Hub) Pending(agentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues[agentID])
}

// Close drops all live connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*wsClient)
	h.closed = true
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (c *wsClient) readPump(ec echo.Context, h *Hub, dispatcher *rpc.Dispatcher) {
	defer h.unregister(c)
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Printf("agent %s connection error: %v", c.agentID, err)
			}
			return
		}
		resp := dispatcher.DispatchRaw(ec.Request().Context(), payload)
		select {
		case c.send <- resp:
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
