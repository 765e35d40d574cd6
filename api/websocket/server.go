// Package websocket streams session progress events to WebSocket clients.
// Each connection holds one subscription on the progress broadcaster;
// delivery to a slow client drops events for that client only.
package websocket

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chainlens/indexer-go/progress"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	clientBuffer   = 64
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server upgrades HTTP connections and bridges them to the broadcaster.
type Server struct {
	broadcaster *progress.Broadcaster
	logger      *zap.Logger

	nextID  atomic.Uint64
	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewServer creates a WebSocket server fed by the given broadcaster.
func NewServer(broadcaster *progress.Broadcaster, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		broadcaster: broadcaster,
		logger:      logger.Named("websocket"),
		clients:     make(map[string]*client),
	}
}

// ServeHTTP handles a WebSocket upgrade request. An optional sessionId query
// parameter filters the stream to a single session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	id := fmt.Sprintf("ws-%d", s.nextID.Add(1))

	sub := s.broadcaster.Subscribe(id, sessionID, clientBuffer)
	if sub == nil {
		conn.Close()
		return
	}

	c := &client{
		id:     id,
		conn:   conn,
		sub:    sub,
		server: s,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.broadcaster.Unsubscribe(id)
		conn.Close()
		return
	}
	s.clients[id] = c
	s.mu.Unlock()

	go c.writePump()
	go c.readPump()

	s.logger.Info("websocket client connected",
		zap.String("clientId", id),
		zap.String("sessionFilter", sessionID),
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Stop disconnects every client.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	s.logger.Info("websocket server stopped")
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.broadcaster.Unsubscribe(c.id)
}

// client is one WebSocket connection with its broadcaster subscription.
type client struct {
	id     string
	conn   *websocket.Conn
	sub    *progress.Subscription
	server *Server

	closeOnce sync.Once
}

// writePump forwards subscription events to the connection and keeps it
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case event, ok := <-c.sub.Channel:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
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

// readPump drains client frames to process pongs and detect disconnects.
// Inbound data frames are ignored; the stream is one-way.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.server.remove(c)
		c.conn.Close()
		c.server.logger.Debug("websocket client disconnected", zap.String("clientId", c.id))
	})
}
