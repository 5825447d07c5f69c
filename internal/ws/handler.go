// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

// Package ws is the websocket transport of the relay: it upgrades client
// connections, pumps frames in both directions and reports rejected frames
// back to the client.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/campuslink/campuslink/internal/core"
	"github.com/campuslink/campuslink/internal/observability"
	"github.com/campuslink/campuslink/pkg/errutil"
	"github.com/campuslink/campuslink/pkg/protocol"
)

// Transport defaults.
const (
	DefaultMaxMessageSize = 64 * 1024
	DefaultSendBuffer     = 256
	DefaultPingInterval   = 54 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultWriteWait      = 10 * time.Second
)

// Config configures the websocket handler.
type Config struct {
	AllowedOrigins []string
	MaxMessageSize int64
	SendBuffer     int
	RateLimit      RateLimitConfig
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	return c
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics records connection and rate limit metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Handler upgrades HTTP requests to relay connections.
type Handler struct {
	relay    *core.Relay
	cfg      Config
	upgrader websocket.Upgrader
	limiter  *RateLimiter
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	conns   map[ulid.ULID]*Conn
	closing bool
	wg      sync.WaitGroup
}

// NewHandler creates a websocket handler feeding relay.
func NewHandler(relay *core.Relay, cfg Config, opts ...Option) (*Handler, error) {
	cfg = cfg.withDefaults()
	origins, err := NewOriginPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		relay:   relay,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  slog.Default(),
		conns:   make(map[ulid.ULID]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "ws")
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if origins.CheckOrigin(r) {
				return true
			}
			h.logger.Warn("blocked connection from disallowed origin", "origin", r.Header.Get("Origin"))
			return false
		},
	}
	return h, nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "websocket endpoint only accepts GET", http.StatusMethodNotAllowed)
		return
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Conn{
		id:           core.NewConnID(),
		ws:           wsConn,
		remote:       r.RemoteAddr,
		send:         make(chan []byte, h.cfg.SendBuffer),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		pingInterval: h.cfg.PingInterval,
		writeWait:    h.cfg.WriteWait,
		logger:       h.logger,
	}
	h.track(c)
	h.relay.Attach(c)
	h.logger.Info("connection opened", "conn_id", c.id.String(), "remote", c.remote)

	go c.writePump()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	h.readPump(ctx, c)
	cancel()

	c.closeWith(websocket.CloseNormalClosure, "")
	<-c.writerDone

	h.relay.Detach(c.id)
	h.limiter.Forget(c.id)
	h.untrack(c)
	h.logger.Info("connection closed", "conn_id", c.id.String(), "remote", c.remote)
}

func (h *Handler) readPump(ctx context.Context, c *Conn) {
	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)) //nolint:errcheck // surfaces on next read
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)) //nolint:wrapcheck // gorilla callback
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			h.logReadError(c, err)
			return
		}

		if allowed, cooldownMs := h.limiter.Allow(c.id); !allowed {
			h.metrics.RecordRateLimited()
			h.reject(c, "", core.ErrRateLimited(cooldownMs))
			continue
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			h.reject(c, "", core.ErrMalformedFrame(err))
			continue
		}
		if err := h.relay.HandleFrame(ctx, c.id, frame); err != nil {
			h.reject(c, frame.Event, err)
		}
	}
}

func (h *Handler) logReadError(c *Conn, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		h.logger.Warn("frame exceeded maximum size", "conn_id", c.id.String(), "limit", h.cfg.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		h.logger.Debug("client disconnected", "conn_id", c.id.String())
	default:
		h.logger.Debug("read failed", "conn_id", c.id.String(), "error", err)
	}
}

// reject reports err to the originating connection only.
func (h *Handler) reject(c *Conn, event string, err error) {
	frame, encErr := protocol.NewFrame(protocol.EventError, core.ClientError(event, err))
	if encErr != nil {
		errutil.LogError(h.logger, "failed to encode error frame", encErr)
		return
	}
	raw, encErr := frame.Encode()
	if encErr != nil {
		errutil.LogError(h.logger, "failed to encode error frame", encErr)
		return
	}
	if !c.Send(raw) {
		h.metrics.RecordDrop(observability.DropBufferFull)
	}
	h.logger.Debug("rejected frame",
		"conn_id", c.id.String(),
		"event", event,
		"code", errutil.Code(err),
		"error", err)
}

func (h *Handler) track(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
}

// Connections returns the number of open connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown stops accepting connections, sends every open connection a
// going-away close frame and waits until all of them are detached or ctx is
// done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // caller knows the deadline
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Instance    string `json:"instance"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Rooms       int    `json:"rooms"`
}

// HealthHandler reports liveness of the relay listener with a small snapshot
// of relay state.
func (h *Handler) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{ //nolint:errcheck // client may disconnect
			Status:      "ok",
			Instance:    h.relay.InstanceID(),
			Connections: h.relay.Connections(),
			Users:       h.relay.Registry().Len(),
			Rooms:       h.relay.Rooms().Count(),
		})
	})
}
