// Package notify fans station lifecycle and state changes out to observers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"station-relay/shared/logx"
	"station-relay/shared/metricsx"
)

// Hub is a set of observers of one kind. Subscribe and unsubscribe are O(1);
// publishing walks a copy taken under the lock, so observers may
// (un)subscribe from inside a callback.
type Hub[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]T
}

// Subscribe registers o and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (h *Hub[T]) Subscribe(o T) func() {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = map[uint64]T{}
	}
	h.next++
	id := h.next
	h.subs[id] = o
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Each calls fn for every observer subscribed at the time of the call.
func (h *Hub[T]) Each(fn func(T)) {
	h.mu.RLock()
	snapshot := make([]T, 0, len(h.subs))
	for _, o := range h.subs {
		snapshot = append(snapshot, o)
	}
	h.mu.RUnlock()

	for _, o := range snapshot {
		fn(o)
	}
}

type ConnectionEvent struct {
	StationID        string
	ConnectionID     string
	RemoteAddr       string
	ClientVersion    string
	Reason           string
	ReplacedPrevious bool
	ConnectedAt      time.Time
	At               time.Time
}

type ConnectionObserver interface {
	StationConnected(ctx context.Context, ev ConnectionEvent)
	StationDisconnected(ctx context.Context, ev ConnectionEvent)
	StationHeartbeat(ctx context.Context, ev ConnectionEvent)
}

// StateEvent carries the raw payload of a now_playing.update or
// queue.update frame.
type StateEvent struct {
	StationID    string
	ConnectionID string
	Payload      json.RawMessage
	At           time.Time
}

type StateObserver interface {
	NowPlayingChanged(ctx context.Context, ev StateEvent)
	QueueChanged(ctx context.Context, ev StateEvent)
}

// Bus groups the relay's observer hubs. Observers run on the publishing
// goroutine (a station's read loop) and must not block.
type Bus struct {
	Connections Hub[ConnectionObserver]
	State       Hub[StateObserver]

	// Log receives recovered observer panics. The zero value discards.
	Log logx.Logger
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) StationConnected(ctx context.Context, ev ConnectionEvent) {
	if b == nil {
		return
	}
	b.Connections.Each(func(o ConnectionObserver) { b.safely(ctx, o, func() { o.StationConnected(ctx, ev) }) })
}

func (b *Bus) StationDisconnected(ctx context.Context, ev ConnectionEvent) {
	if b == nil {
		return
	}
	b.Connections.Each(func(o ConnectionObserver) { b.safely(ctx, o, func() { o.StationDisconnected(ctx, ev) }) })
}

func (b *Bus) StationHeartbeat(ctx context.Context, ev ConnectionEvent) {
	if b == nil {
		return
	}
	b.Connections.Each(func(o ConnectionObserver) { b.safely(ctx, o, func() { o.StationHeartbeat(ctx, ev) }) })
}

func (b *Bus) NowPlayingChanged(ctx context.Context, ev StateEvent) {
	if b == nil {
		return
	}
	b.State.Each(func(o StateObserver) { b.safely(ctx, o, func() { o.NowPlayingChanged(ctx, ev) }) })
}

func (b *Bus) QueueChanged(ctx context.Context, ev StateEvent) {
	if b == nil {
		return
	}
	b.State.Each(func(o StateObserver) { b.safely(ctx, o, func() { o.QueueChanged(ctx, ev) }) })
}

// A misbehaving observer must not take down the station's read loop.
func (b *Bus) safely(ctx context.Context, observer any, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			metricsx.IncSinkFailure("observer_panic")
			b.Log.Error(ctx, "observer_panic", "observer panicked",
				slog.String("error_code", "ERR_INTERNAL"),
				slog.String("observer", fmt.Sprintf("%T", observer)),
				slog.String("panic", fmt.Sprint(v)),
			)
		}
	}()
	fn()
}
