// Package notify pushes pipeline outcomes to real-time subscribers over
// WebSocket. Delivery is best-effort by policy: a failed push is logged and
// dropped, never retried, and never affects pipeline correctness.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/keeperhq/keeper/internal/metrics"
)

// Hub tracks connected subscribers keyed by user ID.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string][]*client
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

type client struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex // serializes writes to the socket
}

// NewHub creates a Hub. metrics may be nil.
func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[string][]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: m,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// Handler upgrades subscription requests. Clients identify with a user_id
// query parameter; session authentication happens upstream of this hub.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		h.add(userID, conn)
	}
}

func (h *Hub) add(userID string, conn *websocket.Conn) {
	c := &client{userID: userID, conn: conn}
	h.mu.Lock()
	h.conns[userID] = append(h.conns[userID], c)
	count := h.total()
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(count))
	}
	h.logger.Debug().Str("user", userID).Msg("subscriber connected")

	// Reader goroutine exists only to detect disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(c)
				return
			}
		}
	}()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	list := h.conns[c.userID]
	for i, other := range list {
		if other == c {
			h.conns[c.userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.conns[c.userID]) == 0 {
		delete(h.conns, c.userID)
	}
	count := h.total()
	h.mu.Unlock()

	c.conn.Close()
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(count))
	}
}

// total must be called with h.mu held.
func (h *Hub) total() int {
	n := 0
	for _, list := range h.conns {
		n += len(list)
	}
	return n
}

// Publish sends a payload to all of a user's connections. Errors are
// logged per-connection and swallowed; delivery is best-effort.
func (h *Hub) Publish(userID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	h.mu.RLock()
	list := append([]*client(nil), h.conns[userID]...)
	h.mu.RUnlock()

	for _, c := range list {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		werr := c.conn.WriteMessage(websocket.TextMessage, raw)
		c.mu.Unlock()
		if werr != nil {
			h.logger.Warn().Err(werr).Str("user", userID).Msg("notification dropped")
			h.remove(c)
		}
	}
	return nil
}

// Serve runs the hub's HTTP listener until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				h.logger.Error().Err(err).Msg("notify shutdown error")
			}
		case err := <-errCh:
			h.logger.Error().Err(err).Msg("notify server error")
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("notify server: %w", err)
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}
