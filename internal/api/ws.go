package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/internal/datadog"
	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// origins are enforced by the CORS layer for the dashboard
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient is one WebSocket connection. Only the writer goroutine writes to
// conn.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	outbox chan dispatch.Response
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// send queues a reply, waiting for room unless the client is gone.
func (c *wsClient) send(resp dispatch.Response) bool {
	select {
	case c.outbox <- resp:
		return true
	case <-c.done:
		return false
	}
}

// push queues a monitoring frame, dropping it when the client is behind.
func (c *wsClient) push(resp dispatch.Response) {
	select {
	case c.outbox <- resp:
	case <-c.done:
	default:
		datadog.Incr("ws.dropped")
	}
}

type hub struct {
	mu      sync.Mutex
	clients map[string]*wsClient
}

func newHub() *hub {
	return &hub{clients: map[string]*wsClient{}}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	datadog.Gauge("ws.clients", float64(n))
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	datadog.Gauge("ws.clients", float64(n))
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		outbox: make(chan dispatch.Response, s.opts.OutboxSize),
		done:   make(chan struct{}),
	}
	s.hub.add(c)
	log.Info().Str("client", c.id).Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	sub := s.mon.Subscribe()
	go s.forward(c, sub.C)
	go s.writer(c)

	s.reader(c)

	sub.Close()
	c.close()
	s.hub.remove(c)
	log.Info().Str("client", c.id).Msg("WebSocket client disconnected")
}

func (s *Server) forward(c *wsClient, frames <-chan dispatch.Response) {
	for {
		select {
		case <-c.done:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			c.push(f)
		}
	}
}

func (s *Server) writer(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case resp := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(resp); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket write failed")
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

// reader dispatches each text frame as a command until the connection ends.
// Commands from one client are answered in order.
func (s *Server) reader(c *wsClient) {
	c.conn.SetReadLimit(maxBody)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		resp := s.command(context.Background(), raw, "ws")
		if !c.send(resp) {
			return
		}
	}
}
