// Package correlator pairs requests sent to stations with the responses that
// come back asynchronously on the same socket.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"station-relay/relay/internal/envelope"
	"station-relay/relay/internal/registry"
	"station-relay/shared/logx"
	"station-relay/shared/metricsx"
	"station-relay/shared/observability"
)

const DefaultTimeout = 10 * time.Second

var (
	ErrStationOffline       = errors.New("station offline")
	ErrTimeout              = errors.New("station response timeout")
	ErrConnectionLost       = errors.New("station connection lost")
	ErrDuplicateCorrelation = errors.New("correlation id already pending")
)

// Directory resolves a station id to its live connection.
type Directory interface {
	Lookup(stationID string) (registry.Connection, bool)
}

type Options struct {
	DefaultTimeout time.Duration
	Logger         logx.Logger
}

type Correlator struct {
	dir            Directory
	log            logx.Logger
	tracer         trace.Tracer
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending
}

// pending is resolved exactly once, by whichever goroutine removes it from
// the table.
type pending struct {
	stationID    string
	connectionID string
	expectedType string
	createdAt    time.Time

	once sync.Once
	done chan struct{}
	resp envelope.Envelope
	err  error
}

func (p *pending) resolve(resp envelope.Envelope, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

func New(dir Directory, opts Options) *Correlator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Correlator{
		dir:            dir,
		log:            opts.Logger,
		tracer:         observability.Tracer(),
		defaultTimeout: opts.DefaultTimeout,
		pending:        map[string]*pending{},
	}
}

// SendAndWait sends req to the station and blocks until a response of
// expectedType (or system.error) with the same correlation id arrives, the
// timeout elapses, the connection drops, or ctx is done. An offline station
// fails immediately without sending anything.
func (c *Correlator) SendAndWait(ctx context.Context, stationID string, req envelope.Envelope, expectedType string, timeout time.Duration) (envelope.Envelope, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "correlator.send_and_wait", trace.WithAttributes(
		attribute.String("relay.station_id", stationID),
		attribute.String("relay.request_type", req.Type),
		attribute.String("relay.expected_type", expectedType),
	))
	defer span.End()

	resp, err := c.sendAndWait(ctx, stationID, req, expectedType, timeout)
	outcome := outcomeFor(resp, err)
	metricsx.ObserveStationRequest(req.Type, outcome, time.Since(start))
	span.SetAttributes(attribute.String("relay.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (c *Correlator) sendAndWait(ctx context.Context, stationID string, req envelope.Envelope, expectedType string, timeout time.Duration) (envelope.Envelope, error) {
	conn, ok := c.dir.Lookup(stationID)
	if !ok {
		return envelope.Envelope{}, ErrStationOffline
	}
	if req.StationID != stationID {
		req = req.WithStationID(stationID)
	}
	if req.CorrelationID == "" {
		req = req.WithCorrelationID(uuid.NewString())
	}
	id := req.CorrelationID

	p := &pending{
		stationID:    stationID,
		connectionID: conn.ID(),
		expectedType: expectedType,
		createdAt:    time.Now(),
		done:         make(chan struct{}),
	}
	if err := c.add(id, p); err != nil {
		return envelope.Envelope{}, err
	}

	if err := conn.Send(req); err != nil {
		c.remove(id, p)
		return envelope.Envelope{}, translateSendError(err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		if c.remove(id, p) {
			p.resolve(envelope.Envelope{}, ErrTimeout)
		}
	case <-ctx.Done():
		if c.remove(id, p) {
			p.resolve(envelope.Envelope{}, ctx.Err())
		}
	}
	<-p.done
	return p.resp, p.err
}

// Send delivers env without waiting for a reply.
func (c *Correlator) Send(ctx context.Context, stationID string, env envelope.Envelope) error {
	_, span := c.tracer.Start(ctx, "correlator.send", trace.WithAttributes(
		attribute.String("relay.station_id", stationID),
		attribute.String("relay.request_type", env.Type),
	))
	defer span.End()

	conn, ok := c.dir.Lookup(stationID)
	if !ok {
		metricsx.ObserveStationRequest(env.Type, "offline", 0)
		return ErrStationOffline
	}
	if env.StationID != stationID {
		env = env.WithStationID(stationID)
	}
	if err := conn.Send(env); err != nil {
		err = translateSendError(err)
		metricsx.ObserveStationRequest(env.Type, outcomeFor(envelope.Envelope{}, err), 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	metricsx.ObserveStationRequest(env.Type, "sent", 0)
	return nil
}

// Resolve completes the pending request matching env. Unknown correlation
// ids, other stations and unexpected types are dropped and reported false.
func (c *Correlator) Resolve(env envelope.Envelope) bool {
	if env.CorrelationID == "" {
		return false
	}
	c.mu.Lock()
	p, ok := c.pending[env.CorrelationID]
	if !ok || p.stationID != env.StationID || (env.Type != p.expectedType && env.Type != envelope.TypeError) {
		c.mu.Unlock()
		c.log.Debug(context.Background(), "response_dropped", "response did not match a pending request",
			slog.String("station_id", env.StationID),
			slog.String("correlation_id", env.CorrelationID),
			slog.String("type", env.Type),
		)
		return false
	}
	delete(c.pending, env.CorrelationID)
	n := len(c.pending)
	c.mu.Unlock()

	metricsx.SetPendingRequests(n)
	p.resolve(env, nil)
	return true
}

// FailConnection resolves every request sent over connectionID as lost and
// returns how many there were.
func (c *Correlator) FailConnection(connectionID string) int {
	c.mu.Lock()
	var failed []*pending
	for id, p := range c.pending {
		if p.connectionID == connectionID {
			failed = append(failed, p)
			delete(c.pending, id)
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	metricsx.SetPendingRequests(n)
	for _, p := range failed {
		p.resolve(envelope.Envelope{}, ErrConnectionLost)
	}
	return len(failed)
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) add(id string, p *pending) error {
	c.mu.Lock()
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, id)
	}
	c.pending[id] = p
	n := len(c.pending)
	c.mu.Unlock()
	metricsx.SetPendingRequests(n)
	return nil
}

func (c *Correlator) remove(id string, p *pending) bool {
	c.mu.Lock()
	cur, ok := c.pending[id]
	if !ok || cur != p {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	metricsx.SetPendingRequests(n)
	return true
}

func translateSendError(err error) error {
	if errors.Is(err, registry.ErrConnectionClosed) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return fmt.Errorf("send to station: %w", err)
}

func outcomeFor(resp envelope.Envelope, err error) string {
	switch {
	case err == nil && resp.IsError():
		return "station_error"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStationOffline):
		return "offline"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "lost"
	case errors.Is(err, registry.ErrSendQueueFull):
		return "busy"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
