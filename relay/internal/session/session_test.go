package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-relay/relay/internal/correlator"
	"station-relay/relay/internal/envelope"
	"station-relay/relay/internal/notify"
	"station-relay/relay/internal/registry"
	"station-relay/shared/authx"
	"station-relay/shared/logx"
)

type testRelay struct {
	hub    *Hub
	reg    *registry.Registry
	corr   *correlator.Correlator
	bus    *notify.Bus
	server *httptest.Server
}

func newTestRelay(t *testing.T, opts Options, regOpts registry.Options) *testRelay {
	t.Helper()
	reg := registry.New(regOpts)
	corr := correlator.New(reg, correlator.Options{DefaultTimeout: time.Second})
	bus := notify.NewBus()
	auth := authx.NewStationAuthenticator(map[string]string{"WXYZ-FM": "secret", "KQED": "other"})
	hub := NewHub(logx.Nop(), auth, reg, corr, bus, opts)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
	})
	return &testRelay{hub: hub, reg: reg, corr: corr, bus: bus, server: srv}
}

func (r *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(r.server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env envelope.Envelope) {
	t.Helper()
	data, err := envelope.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Decode(data)
	require.NoError(t, err)
	return env
}

func authenticate(t *testing.T, conn *websocket.Conn, stationID string, token string) envelope.AuthResultPayload {
	t.Helper()
	req, err := envelope.NewRequest(envelope.TypeAuthenticate, stationID, envelope.AuthenticatePayload{
		StationID:     stationID,
		StationToken:  token,
		ClientVersion: "test/1.0",
	})
	require.NoError(t, err)
	writeEnvelope(t, conn, req)
	resp := readEnvelope(t, conn)
	require.Equal(t, envelope.TypeAuthResult, resp.Type)
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)
	result, ok := envelope.GetPayload[envelope.AuthResultPayload](resp)
	require.True(t, ok)
	return result
}

// expectClosed reads until the relay closes the socket and returns the close
// error, skipping any data frames still in flight.
func expectClosed(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if assert.ErrorAs(t, err, &ce) {
			return ce
		}
		return nil
	}
}

func TestHandshakeRegistersStation(t *testing.T) {
	r := newTestRelay(t, Options{HeartbeatInterval: 15 * time.Second}, registry.Options{})
	conn := r.dial(t)

	result := authenticate(t, conn, "WXYZ-FM", "secret")
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.ConnectionID)
	assert.Equal(t, 15, result.HeartbeatIntervalSeconds)
	assert.WithinDuration(t, time.Now(), result.ServerTime, 5*time.Second)

	got, ok := r.reg.Lookup("WXYZ-FM")
	require.True(t, ok)
	assert.Equal(t, result.ConnectionID, got.ID())
	snap := got.Snapshot()
	assert.Equal(t, "test/1.0", snap.ClientVersion)
	assert.False(t, snap.HasNowPlaying)
}

func TestInvalidTokenRejectedAndClosed(t *testing.T) {
	r := newTestRelay(t, Options{}, registry.Options{})
	conn := r.dial(t)

	result := authenticate(t, conn, "WXYZ-FM", "wrong")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Message)

	ce := expectClosed(t, conn)
	require.NotNil(t, ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	_, ok := r.reg.Lookup("WXYZ-FM")
	assert.False(t, ok)
}

func TestFirstFrameMustAuthenticate(t *testing.T) {
	r := newTestRelay(t, Options{}, registry.Options{})
	conn := r.dial(t)

	ping, err := envelope.New(envelope.TypePing, "WXYZ-FM", nil)
	require.NoError(t, err)
	writeEnvelope(t, conn, ping)

	resp := readEnvelope(t, conn)
	require.Equal(t, envelope.TypeAuthResult, resp.Type)
	result, _ := envelope.GetPayload[envelope.AuthResultPayload](resp)
	assert.False(t, result.Success)
	expectClosed(t, conn)
}

func TestAuthTimeoutClosesSocket(t *testing.T) {
	r := newTestRelay(t, Options{AuthTimeout: 100 * time.Millisecond}, registry.Options{})
	conn := r.dial(t)

	start := time.Now()
	ce := expectClosed(t, conn)
	require.NotNil(t, ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Eventually(t, func() bool { return r.hub.Sessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestPingGetsPongWithCorrelation(t *testing.T) {
	r := newTestRelay(t, Options{}, registry.Options{})
	conn := r.dial(t)
	authenticate(t, conn, "WXYZ-FM", "secret")

	ping, err := envelope.NewRequest(envelope.TypePing, "WXYZ-FM", envelope.PingPayload{Sequence: 7})
	require.NoError(t, err)
	writeEnvelope(t, conn, ping)

	pong := readEnvelope(t, conn)
	assert.Equal(t, envelope.TypePong, pong.Type)
	assert.Equal(t, ping.CorrelationID, pong.CorrelationID)
	assert.Equal(t, "WXYZ-FM", pong.StationID)
}

type heartbeatRecorder struct {
	mu           sync.Mutex
	disconnected []notify.ConnectionEvent
	connected    int
}

func (h *heartbeatRecorder) StationConnected(context.Context, notify.ConnectionEvent) {
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
}

func (h *heartbeatRecorder) StationDisconnected(_ context.Context, ev notify.ConnectionEvent) {
	h.mu.Lock()
	h.disconnected = append(h.disconnected, ev)
	h.mu.Unlock()
}

func (h *heartbeatRecorder) StationHeartbeat(context.Context, notify.ConnectionEvent) {}

func (h *heartbeatRecorder) reasons() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.disconnected))
	for _, ev := range h.disconnected {
		out = append(out, ev.Reason)
	}
	return out
}

func TestHeartbeatTimeoutUnregistersAndFailsPending(t *testing.T) {
	r := newTestRelay(t, Options{HeartbeatTimeout: 200 * time.Millisecond}, registry.Options{})
	rec := &heartbeatRecorder{}
	r.bus.Connections.Subscribe(rec)

	conn := r.dial(t)
	authenticate(t, conn, "WXYZ-FM", "secret")

	errCh := make(chan error, 1)
	go func() {
		req, _ := envelope.NewRequest(envelope.TypeLibrarySearch, "WXYZ-FM", envelope.LibrarySearchPayload{Query: "q"})
		_, err := r.corr.SendAndWait(context.Background(), "WXYZ-FM", req, envelope.TypeLibrarySearchResult, 10*time.Second)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, correlator.ErrConnectionLost)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request did not resolve after heartbeat timeout")
	}
	_, ok := r.reg.Lookup("WXYZ-FM")
	assert.False(t, ok)
	require.Eventually(t, func() bool { return len(rec.reasons()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{ReasonHeartbeatTimeout}, rec.reasons())
}

func TestAnyFrameKeepsConnectionAlive(t *testing.T) {
	r := newTestRelay(t, Options{HeartbeatTimeout: 300 * time.Millisecond}, registry.Options{})
	conn := r.dial(t)
	authenticate(t, conn, "WXYZ-FM", "secret")

	for i := 0; i < 5; i++ {
		time.Sleep(100 * time.Millisecond)
		ping, _ := envelope.New(envelope.TypePing, "WXYZ-FM", nil)
		writeEnvelope(t, conn, ping)
		assert.Equal(t, envelope.TypePong, readEnvelope(t, conn).Type)
	}
	_, ok := r.reg.Lookup("WXYZ-FM")
	assert.True(t, ok)
}

func TestStateUpdatesAreCached(t *testing.T) {
	r := newTestRelay(t, Options{}, registry.Options{})
	conn := r.dial(t)
	authenticate(t, conn, "WXYZ-FM", "secret")

	np, err := envelope.New(envelope.TypeNowPlayingUpdate, "WXYZ-FM", envelope.NowPlayingPayload{IsPlaying: true, Title: "Blue in Green"})
	require.NoError(t, err)
	writeEnvelope(t, conn, np)
	q, err := envelope.New(envelope.TypeQueueUpdate, "WXYZ-FM", envelope.QueueStatePayload{Items: []envelope.QueueItem{{Position: 1, TrackID: "t1"}}})
	require.NoError(t, err)
	writeEnvelope(t, conn, q)

	c, ok := r.reg.Lookup("WXYZ-FM")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, hasNP := c.NowPlaying()
		_, hasQ := c.QueueState()
		return hasNP && hasQ
	}, time.Second, 10*time.Millisecond)

	cached, _ := c.NowPlaying()
	assert.JSONEq(t, `{"isPlaying":true,"title":"Blue in Green"}`, string(cached.Payload))
	assert.False(t, cached.UpdatedAt.IsZero())
}

func TestResponsesReachCorrelator(t *testing.T) {
	r := newTestRelay(t, Options{}, registry.Options{})
	conn := r.dial(t)
	authenticate(t, conn, "WXYZ-FM", "secret")

	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := envelope.Decode(data)
		if err != nil {
			return
		}
		reply, _ := envelope.Reply(req, envelope.TypeQueueAddResult, envelope.QueueAddResultPayload{Success: true, Position: 3})
		frame, _ := envelope.Encode(reply)
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}()

	req, _ := envelope.NewRequest(envelope.TypeQueueAdd, "WXYZ-FM", envelope.QueueAddPayload{TrackID: "abc"})
	resp, err := r.corr.SendAndWait(context.Background(), "WXYZ-FM", req, envelope.TypeQueueAddResult, 2*time.Second)
	require.NoError(t, err)
	p, ok := envelope.GetPayload[envelope.QueueAddResultPayload](resp)
	require.True(t, ok)
	assert.Equal(t, 3, p.Position)
}

func TestSecondConnectionSupersedesFirst(t *testing.T) {
	r := newTestRelay(t, Options{}, registry.Options{})
	rec := &heartbeatRecorder{}
	r.bus.Connections.Subscribe(rec)

	first := r.dial(t)
	firstResult := authenticate(t, first, "WXYZ-FM", "secret")
	second := r.dial(t)
	secondResult := authenticate(t, second, "WXYZ-FM", "secret")
	require.True(t, secondResult.Success)

	ce := expectClosed(t, first)
	require.NotNil(t, ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)

	got, ok := r.reg.Lookup("WXYZ-FM")
	require.True(t, ok)
	assert.Equal(t, secondResult.ConnectionID, got.ID())
	assert.NotEqual(t, firstResult.ConnectionID, got.ID())

	require.Eventually(t, func() bool { return len(rec.reasons()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, ReasonSuperseded, rec.reasons()[0])
	// The superseded session's cleanup must not unregister its replacement.
	_, ok = r.reg.Lookup("WXYZ-FM")
	assert.True(t, ok)
}

func TestRejectPolicyRefusesSecondConnection(t *testing.T) {
	r := newTestRelay(t, Options{}, registry.Options{Policy: registry.PolicyReject})
	first := r.dial(t)
	require.True(t, authenticate(t, first, "WXYZ-FM", "secret").Success)

	second := r.dial(t)
	result := authenticate(t, second, "WXYZ-FM", "secret")
	assert.False(t, result.Success)
	expectClosed(t, second)

	got, ok := r.reg.Lookup("WXYZ-FM")
	require.True(t, ok)
	assert.Equal(t, 1, r.reg.Count())
	assert.NotNil(t, got)
}

func TestRepeatedProtocolErrorsCloseConnection(t *testing.T) {
	r := newTestRelay(t, Options{ProtocolErrorLimit: 3}, registry.Options{})
	conn := r.dial(t)
	authenticate(t, conn, "WXYZ-FM", "secret")

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	}
	ce := expectClosed(t, conn)
	require.NotNil(t, ce)
	assert.Equal(t, websocket.CloseProtocolError, ce.Code)
	require.Eventually(t, func() bool {
		_, ok := r.reg.Lookup("WXYZ-FM")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSingleProtocolErrorKeepsConnection(t *testing.T) {
	r := newTestRelay(t, Options{}, registry.Options{})
	conn := r.dial(t)
	authenticate(t, conn, "WXYZ-FM", "secret")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	errFrame := readEnvelope(t, conn)
	assert.Equal(t, envelope.TypeError, errFrame.Type)

	other, _ := envelope.New(envelope.TypePing, "KQED", nil)
	writeEnvelope(t, conn, other)
	assert.Equal(t, envelope.TypeError, readEnvelope(t, conn).Type)

	ping, _ := envelope.New(envelope.TypePing, "WXYZ-FM", nil)
	writeEnvelope(t, conn, ping)
	assert.Equal(t, envelope.TypePong, readEnvelope(t, conn).Type)
}

func TestShutdownNotifiesStations(t *testing.T) {
	r := newTestRelay(t, Options{}, registry.Options{})
	conn := r.dial(t)
	authenticate(t, conn, "WXYZ-FM", "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.hub.Shutdown(ctx))

	msg := readEnvelope(t, conn)
	assert.Equal(t, envelope.TypeShutdown, msg.Type)
	ce := expectClosed(t, conn)
	require.NotNil(t, ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, 0, r.reg.Count())
	assert.Equal(t, 0, r.hub.Sessions())
}

type closeCountingRegistry struct {
	*registry.Registry
	closeAll atomic.Int32
}

func (r *closeCountingRegistry) CloseAll(reason string) int {
	r.closeAll.Add(1)
	return r.Registry.CloseAll(reason)
}

func TestShutdownClosesRegisteredAndPendingSessions(t *testing.T) {
	reg := &closeCountingRegistry{Registry: registry.New(registry.Options{})}
	auth := authx.NewStationAuthenticator(map[string]string{"WXYZ-FM": "secret"})
	hub := NewHub(logx.Nop(), auth, reg, correlator.New(reg, correlator.Options{}), notify.NewBus(), Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	r := &testRelay{hub: hub, reg: reg.Registry, server: srv}

	registered := r.dial(t)
	authenticate(t, registered, "WXYZ-FM", "secret")
	pending := r.dial(t)
	require.Eventually(t, func() bool { return hub.Sessions() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	assert.Equal(t, int32(1), reg.closeAll.Load())
	for _, conn := range []*websocket.Conn{registered, pending} {
		ce := expectClosed(t, conn)
		require.NotNil(t, ce)
		assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	}
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 0, hub.Sessions())
}

func TestSendQueueFull(t *testing.T) {
	h := NewHub(logx.Nop(), nil, nil, nil, nil, Options{SendQueueSize: 1})
	s := newSession(h, nil, "127.0.0.1")
	env, _ := envelope.New(envelope.TypeQueueSkip, "WXYZ-FM", nil)

	require.NoError(t, s.Send(env))
	assert.ErrorIs(t, s.Send(env), registry.ErrSendQueueFull)

	s.Close("test")
	assert.ErrorIs(t, s.Send(env), registry.ErrConnectionClosed)
}
