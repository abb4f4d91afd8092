// Package stationclient speaks the station side of the relay protocol. It is
// used by the station simulator and by end-to-end tests.
package stationclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"station-relay/relay/internal/envelope"
	"station-relay/shared/logx"
)

var (
	ErrRejected  = errors.New("relay rejected station")
	ErrNotOpen   = errors.New("station client is not connected")
	ErrHandshake = errors.New("unexpected handshake reply")
)

// Handler answers one relay request. It runs on the read loop, so requests
// are handled in the order the relay sent them.
type Handler func(ctx context.Context, c *Client, req envelope.Envelope)

type Options struct {
	URL           string
	StationID     string
	Token         string
	ClientVersion string
	// PingInterval overrides the interval announced in auth.result. Negative
	// disables pings.
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
	Logger           logx.Logger
}

// Client is one authenticated connection to the relay. Reconnecting means
// creating a new Client.
type Client struct {
	opts     Options
	log      logx.Logger
	handlers map[string]Handler

	conn    *websocket.Conn
	writeMu sync.Mutex
	auth    envelope.AuthResultPayload

	seq       atomic.Int64
	pongs     atomic.Int64
	shutdown  atomic.Pointer[envelope.ShutdownPayload]
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func New(opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "stationclient/1.0"
	}
	return &Client{
		opts:     opts,
		log:      opts.Logger.With(slog.String("station_id", opts.StationID)),
		handlers: map[string]Handler{},
		done:     make(chan struct{}),
	}
}

// Handle registers h for requests of msgType. It must be called before
// Connect.
func (c *Client) Handle(msgType string, h Handler) {
	c.handlers[msgType] = h
}

// Connect dials the relay and authenticates. On success the read and ping
// loops run until the socket closes or ctx is done.
func (c *Client) Connect(ctx context.Context) (envelope.AuthResultPayload, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return envelope.AuthResultPayload{}, fmt.Errorf("dial relay: %w", err)
	}
	c.conn = conn

	result, err := c.authenticate()
	if err != nil {
		_ = conn.Close()
		c.finish(err)
		return result, err
	}
	c.auth = result

	go c.readLoop(ctx)
	if interval := c.pingInterval(); interval > 0 {
		go c.pingLoop(ctx, interval)
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	c.log.Info(ctx, "station_client_connected", "connected to relay",
		slog.String("connection_id", result.ConnectionID),
		slog.Int("heartbeat_interval_seconds", result.HeartbeatIntervalSeconds),
	)
	return result, nil
}

func (c *Client) authenticate() (envelope.AuthResultPayload, error) {
	req, err := envelope.NewRequest(envelope.TypeAuthenticate, c.opts.StationID, envelope.AuthenticatePayload{
		StationID:     c.opts.StationID,
		StationToken:  c.opts.Token,
		ClientVersion: c.opts.ClientVersion,
	})
	if err != nil {
		return envelope.AuthResultPayload{}, err
	}
	if err := c.Send(req); err != nil {
		return envelope.AuthResultPayload{}, err
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return envelope.AuthResultPayload{}, fmt.Errorf("read auth result: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	resp, err := envelope.Decode(data)
	if err != nil {
		return envelope.AuthResultPayload{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if resp.Type != envelope.TypeAuthResult {
		return envelope.AuthResultPayload{}, fmt.Errorf("%w: got %s", ErrHandshake, resp.Type)
	}
	result, ok := envelope.GetPayload[envelope.AuthResultPayload](resp)
	if !ok {
		return envelope.AuthResultPayload{}, fmt.Errorf("%w: bad auth.result payload", ErrHandshake)
	}
	if !result.Success {
		return result, fmt.Errorf("%w: %s", ErrRejected, result.Message)
	}
	return result, nil
}

func (c *Client) pingInterval() time.Duration {
	if c.opts.PingInterval != 0 {
		return c.opts.PingInterval
	}
	return time.Duration(c.auth.HeartbeatIntervalSeconds) * time.Second
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		env, err := envelope.Decode(data)
		if err != nil {
			c.log.Warn(ctx, "station_client_bad_frame", "dropped frame from relay", slog.String("error", err.Error()))
			continue
		}

		switch env.Type {
		case envelope.TypePong:
			c.pongs.Add(1)
		case envelope.TypeShutdown:
			p, _ := envelope.GetPayload[envelope.ShutdownPayload](env)
			c.shutdown.Store(&p)
			c.log.Info(ctx, "station_client_shutdown", "relay is shutting down",
				slog.String("reason", p.Reason),
				slog.Int("reconnect_after_seconds", p.ReconnectAfterSeconds),
			)
		case envelope.TypeError:
			p, _ := envelope.GetPayload[envelope.ErrorPayload](env)
			c.log.Warn(ctx, "station_client_relay_error", p.Message, slog.String("error_code", p.Code))
		default:
			h, ok := c.handlers[env.Type]
			if !ok {
				c.log.Debug(ctx, "station_client_unhandled", "no handler for frame", slog.String("type", env.Type))
				if env.CorrelationID != "" {
					if reply, err := envelope.ErrorReply(env, "ERR_UNSUPPORTED", "unsupported request "+env.Type); err == nil {
						_ = c.Send(reply)
					}
				}
				continue
			}
			h(ctx, c, env)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.log.Warn(ctx, "station_client_ping_failed", "ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Ping sends one system.ping with an increasing sequence number.
func (c *Client) Ping() error {
	env, err := envelope.NewRequest(envelope.TypePing, c.opts.StationID, envelope.PingPayload{Sequence: c.seq.Add(1)})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Send writes env as-is. Writes are serialized; gorilla allows a single
// concurrent writer.
func (c *Client) Send(env envelope.Envelope) error {
	if c.conn == nil {
		return ErrNotOpen
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Reply answers req with msgType, echoing its correlation id.
func (c *Client) Reply(req envelope.Envelope, msgType string, payload any) error {
	env, err := envelope.Reply(req, msgType, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// ReplyError answers req with a system.error frame.
func (c *Client) ReplyError(req envelope.Envelope, code string, message string) error {
	env, err := envelope.ErrorReply(req, code, message)
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Client) UpdateNowPlaying(p envelope.NowPlayingPayload) error {
	env, err := envelope.New(envelope.TypeNowPlayingUpdate, c.opts.StationID, p)
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Client) UpdateQueue(p envelope.QueueStatePayload) error {
	env, err := envelope.New(envelope.TypeQueueUpdate, c.opts.StationID, p)
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Client) ConnectionID() string { return c.auth.ConnectionID }

// Pongs is the number of system.pong frames received.
func (c *Client) Pongs() int64 { return c.pongs.Load() }

// Shutdown returns the system.shutdown notice, if the relay sent one.
func (c *Client) Shutdown() (envelope.ShutdownPayload, bool) {
	p := c.shutdown.Load()
	if p == nil {
		return envelope.ShutdownPayload{}, false
	}
	return *p, true
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It is only valid after Done.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close sends a normal close frame and tears down the socket.
func (c *Client) Close() error {
	if c.conn == nil {
		return ErrNotOpen
	}
	c.finish(nil)
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "station closing"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}
