package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"station-relay/relay/internal/envelope"
	"station-relay/relay/internal/notify"
	"station-relay/relay/internal/registry"
	"station-relay/shared/logx"
	"station-relay/shared/metricsx"
	"station-relay/shared/workflow"
)

var (
	idleNowPlaying = mustJSON(envelope.IdleNowPlaying())
	emptyQueue     = mustJSON(envelope.EmptyQueue())
)

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Disconnect reasons, also used as metric labels.
const (
	ReasonClosedByStation  = "closed_by_station"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonAuthTimeout      = "auth_timeout"
	ReasonAuthFailed       = "auth_failed"
	ReasonRejected         = "rejected"
	ReasonSuperseded       = "superseded"
	ReasonShutdown         = "shutdown"
	ReasonProtocolErrors   = "protocol_errors"
	ReasonReadError        = "read_error"
	ReasonWriteError       = "write_error"
	ReasonInternal         = "internal_error"
)

type closeInfo struct {
	code   int
	label  string
	detail string
}

// Session owns one station socket. Its read loop is the only writer of the
// cached snapshots; its write loop is the only goroutine writing data frames.
type Session struct {
	hub        *Hub
	conn       *websocket.Conn
	id         string
	remoteAddr string
	log        logx.Logger
	state      *workflow.Machine

	stationID     string
	clientVersion string
	connectedAt   time.Time
	lastHeartbeat atomic.Int64
	authenticated atomic.Bool

	nowPlaying atomic.Pointer[registry.Cached]
	queue      atomic.Pointer[registry.Cached]

	// sendMu orders the auth.result frame ahead of anything queued by other
	// goroutines once the session is visible in the registry.
	sendMu     sync.Mutex
	out        chan []byte
	closeOnce  sync.Once
	closed     chan struct{}
	closeInfo  closeInfo
	writerDone chan struct{}

	protocolErrors int
}

func newSession(h *Hub, conn *websocket.Conn, remoteAddr string) *Session {
	id := uuid.NewString()
	return &Session{
		hub:        h,
		conn:       conn,
		id:         id,
		remoteAddr: remoteAddr,
		log:        h.log.With(slog.String("connection_id", id), slog.String("remote_addr", remoteAddr)),
		state:      workflow.NewMachine(),
		out:        make(chan []byte, h.opts.SendQueueSize),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) StationID() string { return s.stationID }

func (s *Session) State() string { return s.state.State() }

// Send queues env for the write loop. It never blocks: a full queue yields
// registry.ErrSendQueueFull and a closed session registry.ErrConnectionClosed.
func (s *Session) Send(env envelope.Envelope) error {
	frame, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.closed:
		return registry.ErrConnectionClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.closed:
		return registry.ErrConnectionClosed
	default:
		metricsx.IncSendQueueFull()
		return registry.ErrSendQueueFull
	}
}

// Close asks the session to shut down. Frames already queued are flushed
// before the close frame; cleanup runs on the read loop.
func (s *Session) Close(reason string) {
	label := ReasonInternal
	code := websocket.CloseNormalClosure
	switch reason {
	case registry.ReasonSuperseded:
		label = ReasonSuperseded
		code = websocket.ClosePolicyViolation
	case ReasonShutdown:
		label = ReasonShutdown
		code = websocket.CloseGoingAway
	}
	s.closeWith(code, label, reason)
}

func (s *Session) closeWith(code int, label string, detail string) {
	s.closeOnce.Do(func() {
		s.closeInfo = closeInfo{code: code, label: label, detail: detail}
		close(s.closed)
	})
}

func (s *Session) NowPlaying() (registry.Cached, bool) {
	c := s.nowPlaying.Load()
	if c == nil {
		return registry.Cached{}, false
	}
	return *c, true
}

func (s *Session) QueueState() (registry.Cached, bool) {
	c := s.queue.Load()
	if c == nil {
		return registry.Cached{}, false
	}
	return *c, true
}

func (s *Session) Snapshot() registry.Snapshot {
	snap := registry.Snapshot{
		StationID:     s.stationID,
		ConnectionID:  s.id,
		RemoteAddr:    s.remoteAddr,
		ClientVersion: s.clientVersion,
		ConnectedAt:   s.connectedAt,
		HasNowPlaying: s.nowPlaying.Load() != nil,
		HasQueue:      s.queue.Load() != nil,
	}
	if ns := s.lastHeartbeat.Load(); ns > 0 {
		snap.LastHeartbeatAt = time.Unix(0, ns).UTC()
	}
	return snap
}

func (s *Session) run(ctx context.Context) {
	var readErr error
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error(ctx, "session_panic", "session panic recovered",
				slog.String("error_code", "ERR_INTERNAL"),
				slog.Any("error", rec),
			)
			s.closeWith(websocket.CloseInternalServerErr, ReasonInternal, "internal error")
		}
		s.finish(ctx, readErr)
	}()

	go s.writeLoop()
	s.transition(ctx, workflow.SessionAwaitingAuth)
	s.conn.SetReadLimit(s.hub.opts.MaxMessageBytes)

	if readErr = s.handshake(ctx); readErr != nil || !s.authenticated.Load() {
		return
	}

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.HeartbeatTimeout)); err != nil {
			readErr = err
			return
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		if stop := s.handleFrame(ctx, data); stop {
			return
		}
	}
}

func (s *Session) handshake(ctx context.Context) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.AuthTimeout)); err != nil {
		return err
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			metricsx.IncStationConnection(ReasonAuthTimeout)
			s.closeWith(websocket.ClosePolicyViolation, ReasonAuthTimeout, "authentication timeout")
			return nil
		}
		return err
	}

	env, err := envelope.Decode(data)
	if err != nil {
		metricsx.IncProtocolError()
		s.rejectHandshake(ctx, envelope.Envelope{}, "malformed authentication frame", ReasonAuthFailed)
		return nil
	}
	if env.Type != envelope.TypeAuthenticate {
		s.rejectHandshake(ctx, env, "expected "+envelope.TypeAuthenticate, ReasonAuthFailed)
		return nil
	}
	payload, _ := envelope.GetPayload[envelope.AuthenticatePayload](env)
	stationID := payload.StationID
	if stationID == "" {
		stationID = env.StationID
	}
	if stationID != env.StationID {
		s.rejectHandshake(ctx, env, "station id mismatch", ReasonAuthFailed)
		return nil
	}
	if err := s.hub.auth.Authenticate(stationID, payload.StationToken); err != nil {
		s.log.Warn(ctx, "station_auth_failed", "station authentication failed",
			slog.String("station_id", stationID),
			slog.String("error_code", "ERR_UNAUTHORIZED"),
		)
		s.rejectHandshake(ctx, env, "invalid station credentials", ReasonAuthFailed)
		return nil
	}

	s.stationID = stationID
	s.clientVersion = payload.ClientVersion
	s.connectedAt = time.Now().UTC()
	s.lastHeartbeat.Store(s.connectedAt.UnixNano())
	s.log = s.log.With(slog.String("station_id", stationID))

	result, err := envelope.Reply(env, envelope.TypeAuthResult, envelope.AuthResultPayload{
		Success:                  true,
		ServerTime:               s.connectedAt,
		ConnectionID:             s.id,
		HeartbeatIntervalSeconds: int(s.hub.opts.HeartbeatInterval / time.Second),
	})
	if err != nil {
		return err
	}
	frame, err := envelope.Encode(result)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	reg, err := s.hub.reg.Register(stationID, s)
	if err == nil && reg.Accepted {
		s.authenticated.Store(true)
		err = s.enqueue(frame)
	}
	s.sendMu.Unlock()
	if err != nil {
		return err
	}
	if !reg.Accepted {
		metricsx.IncStationConnection(ReasonRejected)
		s.rejectHandshake(ctx, env, "station already connected", ReasonRejected)
		return nil
	}

	s.transition(ctx, workflow.SessionAuthenticated)
	outcome := "accepted"
	if reg.ReplacedPrevious {
		outcome = "replaced"
	}
	metricsx.IncStationConnection(outcome)
	metricsx.SetStationsConnected(s.hub.reg.Count())
	s.log.Info(ctx, "station_connected", "station connected",
		slog.Bool("replaced_previous", reg.ReplacedPrevious),
		slog.String("client_version", s.clientVersion),
	)
	s.hub.bus.StationConnected(ctx, notify.ConnectionEvent{
		StationID:        stationID,
		ConnectionID:     s.id,
		RemoteAddr:       s.remoteAddr,
		ClientVersion:    s.clientVersion,
		ReplacedPrevious: reg.ReplacedPrevious,
		ConnectedAt:      s.connectedAt,
		At:               s.connectedAt,
	})
	return nil
}

func (s *Session) rejectHandshake(ctx context.Context, req envelope.Envelope, message string, label string) {
	if label == ReasonAuthFailed {
		metricsx.IncStationConnection(ReasonAuthFailed)
	}
	if req.StationID == "" {
		req.StationID = "unknown"
	}
	if result, err := envelope.Reply(req, envelope.TypeAuthResult, envelope.AuthResultPayload{
		Success:    false,
		Message:    message,
		ServerTime: time.Now().UTC(),
	}); err == nil {
		if frame, err := envelope.Encode(result); err == nil {
			_ = s.enqueue(frame)
		}
	}
	s.log.Info(ctx, "station_rejected", "station handshake rejected",
		slog.String("station_id", req.StationID),
		slog.String("reason", message),
	)
	s.closeWith(websocket.ClosePolicyViolation, label, message)
}

// handleFrame dispatches one frame from an authenticated station and
// reports whether the read loop should stop.
func (s *Session) handleFrame(ctx context.Context, data []byte) bool {
	env, err := envelope.Decode(data)
	if err != nil {
		return s.protocolError(ctx, err)
	}
	if env.StationID != s.stationID {
		return s.protocolError(ctx, fmt.Errorf("frame for station %q on connection for %q", env.StationID, s.stationID))
	}
	s.protocolErrors = 0
	metricsx.IncFrameReceived(env.Type)
	now := time.Now().UTC()

	switch env.Type {
	case envelope.TypePing:
		s.lastHeartbeat.Store(now.UnixNano())
		if pong, err := envelope.Reply(env, envelope.TypePong, nil); err == nil {
			if err := s.Send(pong); err != nil {
				s.log.Warn(ctx, "pong_failed", "failed to queue pong", logx.Err("ERR_STATION_BUSY", err)...)
			}
		}
		s.hub.bus.StationHeartbeat(ctx, notify.ConnectionEvent{
			StationID:    s.stationID,
			ConnectionID: s.id,
			RemoteAddr:   s.remoteAddr,
			ConnectedAt:  s.connectedAt,
			At:           now,
		})
	case envelope.TypeNowPlayingUpdate:
		// An empty update means nothing is playing.
		payload := env.Payload
		if !env.HasPayload() {
			payload = idleNowPlaying
		}
		s.nowPlaying.Store(&registry.Cached{Payload: payload, UpdatedAt: now})
		s.hub.bus.NowPlayingChanged(ctx, notify.StateEvent{StationID: s.stationID, ConnectionID: s.id, Payload: payload, At: now})
	case envelope.TypeQueueUpdate:
		payload := env.Payload
		if !env.HasPayload() {
			payload = emptyQueue
		}
		s.queue.Store(&registry.Cached{Payload: payload, UpdatedAt: now})
		s.hub.bus.QueueChanged(ctx, notify.StateEvent{StationID: s.stationID, ConnectionID: s.id, Payload: payload, At: now})
	default:
		if env.CorrelationID != "" && s.hub.corr.Resolve(env) {
			return false
		}
		s.log.Debug(ctx, "frame_ignored", "no handler for frame",
			slog.String("type", env.Type),
			slog.String("correlation_id", env.CorrelationID),
		)
	}
	return false
}

func (s *Session) protocolError(ctx context.Context, err error) bool {
	metricsx.IncProtocolError()
	s.protocolErrors++
	s.log.Warn(ctx, "protocol_error", "dropped invalid frame",
		slog.Int("consecutive", s.protocolErrors),
		slog.String("error_code", "ERR_PROTOCOL"),
		slog.String("error", err.Error()),
	)
	if reply, rerr := envelope.New(envelope.TypeError, s.stationID, envelope.ErrorPayload{Code: "ERR_PROTOCOL", Message: err.Error()}); rerr == nil {
		_ = s.Send(reply)
	}
	if s.protocolErrors >= s.hub.opts.ProtocolErrorLimit {
		s.closeWith(websocket.CloseProtocolError, ReasonProtocolErrors, "too many protocol errors")
		return true
	}
	return false
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case frame := <-s.out:
			if err := s.write(frame); err != nil {
				s.closeWith(websocket.CloseAbnormalClosure, ReasonWriteError, err.Error())
				_ = s.conn.Close()
				return
			}
		case <-s.closed:
			s.flush()
			info := s.closeInfo
			deadline := time.Now().Add(s.hub.opts.WriteTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(info.code, truncateReason(info.detail)), deadline)
			_ = s.conn.Close()
			return
		}
	}
}

func (s *Session) flush() {
	for {
		select {
		case frame := <-s.out:
			if err := s.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// finish runs once on the read loop after it exits.
func (s *Session) finish(ctx context.Context, readErr error) {
	if readErr != nil {
		switch {
		case isTimeout(readErr):
			s.closeWith(websocket.CloseGoingAway, ReasonHeartbeatTimeout, "heartbeat timeout")
		case websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			s.closeWith(websocket.CloseNormalClosure, ReasonClosedByStation, "closed by station")
		default:
			s.closeWith(websocket.CloseAbnormalClosure, ReasonReadError, readErr.Error())
		}
	} else {
		s.closeWith(websocket.CloseNormalClosure, ReasonInternal, "session ended")
	}
	<-s.writerDone
	_ = s.conn.Close()

	info := s.closeInfo
	s.transition(ctx, workflow.SessionClosing)
	if s.authenticated.Load() {
		s.hub.reg.Unregister(s.stationID, s)
		failed := s.hub.corr.FailConnection(s.id)
		metricsx.SetStationsConnected(s.hub.reg.Count())
		metricsx.IncStationDisconnect(info.label)
		s.log.Info(ctx, "station_disconnected", "station disconnected",
			slog.String("reason", info.label),
			slog.String("detail", info.detail),
			slog.Int("failed_requests", failed),
			slog.Int64("connected_ms", time.Since(s.connectedAt).Milliseconds()),
		)
		s.hub.bus.StationDisconnected(ctx, notify.ConnectionEvent{
			StationID:    s.stationID,
			ConnectionID: s.id,
			RemoteAddr:   s.remoteAddr,
			Reason:       info.label,
			ConnectedAt:  s.connectedAt,
			At:           time.Now().UTC(),
		})
	}
	s.transition(ctx, workflow.SessionClosed)
	s.hub.untrack(s)
}

func (s *Session) transition(ctx context.Context, to string) {
	ev, err := s.state.Transition(to)
	if err != nil {
		s.log.Warn(ctx, "session_transition_invalid", err.Error())
		return
	}
	if ev != "" {
		s.log.Debug(ctx, ev, "session state changed", slog.String("state", to))
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Close frame payloads are limited to 125 bytes, two of which hold the code.
func truncateReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}

var _ registry.Connection = (*Session)(nil)
