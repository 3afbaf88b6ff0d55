package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HubConfig configures the WebSocket dashboard hub.
type HubConfig struct {
	Listen string
	Path   string // endpoint path (default: /ws)
	Logger *slog.Logger
}

// Hub broadcasts forwarded messages to connected WebSocket clients. A client
// connecting with ?address=X only receives messages forwarded to X; without
// it the client receives everything.
type Hub struct {
	listen string
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn    *websocket.Conn
	address string
	mu      sync.Mutex
}

// WSMessage is the JSON frame pushed to clients.
type WSMessage struct {
	Type    string    `json:"type"` // "message" | "status"
	Content string    `json:"content,omitempty"`
	Address string    `json:"address,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &Hub{
		listen:  cfg.Listen,
		path:    cfg.Path,
		logger:  cfg.Logger,
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.path, h.handleUpgrade)
	return mux
}

// Start serves the hub until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              h.listen,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.logger.Info("websocket hub starting", "listen", h.listen, "path", h.path)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		h.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("websocket hub: %w", err)
	}
}

// Send broadcasts text to every client subscribed to address.
func (h *Hub) Send(_ context.Context, address, text string) error {
	data, err := json.Marshal(WSMessage{Type: "message", Content: text, Address: address, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.address != "" && c.address != address {
			continue
		}
		if err := c.write(data); err != nil {
			h.logger.Debug("websocket write failed", "err", err)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, address: r.URL.Query().Get("address")}
	status, _ := json.Marshal(WSMessage{Type: "status", Content: "connected", Address: client.address, SentAt: time.Now().UTC()})
	client.write(status)

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "address", client.address)

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("websocket client disconnected", "address", client.address)
	}()

	// Clients do not send anything meaningful; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "err", err)
			}
			return
		}
	}
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
	}
}
