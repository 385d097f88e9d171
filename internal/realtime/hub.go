// Package realtime serves the WebSocket channel the dashboard listens on:
// container state pushes for everyone, and per-session log and stats tails.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/web-casa/dockwatch/internal/events"
	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/wire"
)

// Streamer is the Docker surface a session needs.
type Streamer interface {
	ListContainers(ctx context.Context) ([]model.Container, error)
	StreamLogs(ctx context.Context, id string, tail int) (<-chan string, <-chan error)
	StreamStats(ctx context.Context, id string) (<-chan model.StatsSample, <-chan error)
}

// Options configures a Hub.
type Options struct {
	// AllowedOrigins lists origins accepted on upgrade; "*" accepts any.
	// Same-host and origin-less requests are always accepted.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Hub tracks live sessions and fans bus events out to them.
type Hub struct {
	streamer Streamer
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	unsub    func()
}

// NewHub creates a Hub and subscribes it to container state events on bus.
func NewHub(streamer Streamer, bus *events.Bus, opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		streamer: streamer,
		logger:   logger.With("module", "realtime"),
		sessions: make(map[*Session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	if bus != nil {
		h.unsub = bus.Subscribe(events.TopicContainerState, h.onStateChange)
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || strings.HasSuffix(origin, "://"+r.Host) {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func (h *Hub) onStateChange(e events.Event) {
	ctr, ok := e.Payload.(model.Container)
	if !ok {
		return
	}
	h.Broadcast(wire.EventContainerStateChange, ctr)
}

// ServeWS upgrades the request and runs a session until the client leaves.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "ip", c.ClientIP())
		return
	}
	s := newSession(h, conn, h.logger.With("ip", c.ClientIP()))
	h.add(s)
	defer h.remove(s)
	s.run()
}

// Broadcast sends an event to every session.
func (h *Hub) Broadcast(event string, data interface{}) {
	frame, err := wire.Encode(event, data)
	if err != nil {
		h.logger.Error("encode broadcast", "event", event, "error", err)
		return
	}
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.broadcast(frame)
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Info("client connected", "sessions", n)
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Info("client disconnected", "sessions", n)
}

// Close unsubscribes from the bus and disconnects every session.
func (h *Hub) Close() {
	if h.unsub != nil {
		h.unsub()
	}
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		s.close()
	}
}
