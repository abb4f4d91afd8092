package notify

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"station-relay/shared/logx"
)

type countingObserver struct {
	connected    atomic.Int32
	disconnected atomic.Int32
	heartbeats   atomic.Int32
}

func (o *countingObserver) StationConnected(context.Context, ConnectionEvent) {
	o.connected.Add(1)
}

func (o *countingObserver) StationDisconnected(context.Context, ConnectionEvent) {
	o.disconnected.Add(1)
}

func (o *countingObserver) StationHeartbeat(context.Context, ConnectionEvent) {
	o.heartbeats.Add(1)
}

type panickingObserver struct{}

func (panickingObserver) NowPlayingChanged(context.Context, StateEvent) {
	panic("boom")
}

func (panickingObserver) QueueChanged(context.Context, StateEvent) {
	panic("boom")
}

type recordingState struct {
	mu     sync.Mutex
	events []StateEvent
}

func (o *recordingState) NowPlayingChanged(_ context.Context, ev StateEvent) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingState) QueueChanged(context.Context, StateEvent) {}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	obs := &countingObserver{}
	unsubscribe := bus.Connections.Subscribe(obs)
	assert.Equal(t, 1, bus.Connections.Len())

	bus.StationConnected(context.Background(), ConnectionEvent{StationID: "S"})
	bus.StationHeartbeat(context.Background(), ConnectionEvent{StationID: "S"})
	unsubscribe()
	unsubscribe()
	bus.StationDisconnected(context.Background(), ConnectionEvent{StationID: "S"})

	assert.Equal(t, int32(1), obs.connected.Load())
	assert.Equal(t, int32(1), obs.heartbeats.Load())
	assert.Equal(t, int32(0), obs.disconnected.Load())
	assert.Equal(t, 0, bus.Connections.Len())
}

func TestPanickingObserverDoesNotStopOthers(t *testing.T) {
	var logs bytes.Buffer
	bus := NewBus()
	bus.Log = logx.NewWithWriter(&logs, "relay", "test", "", "info")
	rec := &recordingState{}
	bus.State.Subscribe(panickingObserver{})
	bus.State.Subscribe(rec)

	assert.NotPanics(t, func() {
		bus.NowPlayingChanged(context.Background(), StateEvent{StationID: "S"})
	})
	assert.Len(t, rec.events, 1)
	assert.Contains(t, logs.String(), `"event":"observer_panic"`)
	assert.Contains(t, logs.String(), "notify.panickingObserver")
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	var h Hub[func()]
	calls := 0
	var unsubscribe func()
	unsubscribe = h.Subscribe(func() {
		calls++
		unsubscribe()
	})
	h.Subscribe(func() { calls++ })

	h.Each(func(fn func()) { fn() })
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, h.Len())
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.StationConnected(context.Background(), ConnectionEvent{})
		bus.QueueChanged(context.Background(), StateEvent{})
	})
}

func TestConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Connections.Subscribe(&countingObserver{})
			unsub()
		}()
		go func() {
			defer wg.Done()
			bus.StationConnected(context.Background(), ConnectionEvent{StationID: "S"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.Connections.Len())
}
