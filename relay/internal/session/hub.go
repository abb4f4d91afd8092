// Package session runs the station side of the relay: the WebSocket
// handshake, the per-connection read and write loops, and shutdown.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"station-relay/relay/internal/envelope"
	"station-relay/relay/internal/notify"
	"station-relay/relay/internal/registry"
	"station-relay/shared/config"
	"station-relay/shared/httpx"
	"station-relay/shared/logx"
)

type Authenticator interface {
	Authenticate(stationID string, token string) error
}

type Registrar interface {
	Register(stationID string, conn registry.Connection) (registry.RegisterResult, error)
	Unregister(stationID string, conn registry.Connection) bool
	Count() int
	CloseAll(reason string) int
}

type Resolver interface {
	Resolve(env envelope.Envelope) bool
	FailConnection(connectionID string) int
}

type Options struct {
	AuthTimeout        time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatInterval  time.Duration
	MaxMessageBytes    int64
	SendQueueSize      int
	WriteTimeout       time.Duration
	ProtocolErrorLimit int
	ReconnectAfter     time.Duration
}

// OptionsFromConfig maps the relay configuration onto session options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		AuthTimeout:        cfg.AuthTimeout(),
		HeartbeatTimeout:   cfg.HeartbeatTimeout(),
		HeartbeatInterval:  cfg.HeartbeatInterval(),
		MaxMessageBytes:    int64(cfg.MaxMessageBytes),
		SendQueueSize:      cfg.SendQueueSize,
		WriteTimeout:       cfg.WriteTimeout(),
		ProtocolErrorLimit: cfg.ProtocolErrorLimit,
	}
}

func (o Options) withDefaults() Options {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 90 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ProtocolErrorLimit <= 0 {
		o.ProtocolErrorLimit = 5
	}
	if o.ReconnectAfter <= 0 {
		o.ReconnectAfter = 5 * time.Second
	}
	return o
}

// Hub accepts station sockets and tracks every live session.
type Hub struct {
	log      logx.Logger
	auth     Authenticator
	reg      Registrar
	corr     Resolver
	bus      *notify.Bus
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

func NewHub(log logx.Logger, auth Authenticator, reg Registrar, corr Resolver, bus *notify.Bus, opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		log:  log,
		auth: auth,
		reg:  reg,
		corr: corr,
		bus:  bus,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Stations are desktop processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: map[*Session]struct{}{},
	}
}

// ServeHTTP upgrades a station's request and starts its session. It must be
// mounted outside middleware that wraps the ResponseWriter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "ERR_SHUTTING_DOWN", "relay is shutting down", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "ws_upgrade_failed", "websocket upgrade failed",
			slog.String("remote_addr", httpx.ClientIP(r)),
			slog.String("error", err.Error()),
		)
		return
	}

	s := newSession(h, conn, httpx.ClientIP(r))
	if !h.track(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay is shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	s.log.Debug(r.Context(), "ws_connected", "station socket opened")
	go s.run(context.WithoutCancel(r.Context()))
}

func (h *Hub) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if ok {
		h.wg.Done()
	}
}

// Sessions returns the number of open sockets, authenticated or not.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown stops accepting sockets, tells every authenticated station the
// relay is going away, closes all sessions and waits for them to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if s.authenticated.Load() {
			msg, err := envelope.New(envelope.TypeShutdown, s.stationID, envelope.ShutdownPayload{
				Reason:                "relay shutting down",
				ReconnectAfterSeconds: int(h.opts.ReconnectAfter / time.Second),
			})
			if err == nil {
				_ = s.Send(msg)
			}
		}
	}
	registered := 0
	if h.reg != nil {
		registered = h.reg.CloseAll(ReasonShutdown)
	}
	// Sessions that never registered still need closing.
	for _, s := range sessions {
		s.closeWith(websocket.CloseGoingAway, ReasonShutdown, "relay shutting down")
	}
	h.log.Info(ctx, "sessions_closing", "closing station sessions",
		slog.Int("count", len(sessions)),
		slog.Int("registered", registered),
	)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
