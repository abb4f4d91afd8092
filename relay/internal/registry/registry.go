// Package registry tracks which authenticated station connections are live.
// It is the single source of truth for whether a station is reachable.
package registry

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"station-relay/relay/internal/envelope"
)

const (
	PolicySupersede = "supersede"
	PolicyReject    = "reject"
)

const ReasonSuperseded = "superseded by a newer connection"

var (
	ErrInvalidConnection = errors.New("registry: station id and connection are required")

	// Returned by Connection.Send.
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
)

// Connection is the registry's non-owning view of a station socket. Close
// must not call back into the registry synchronously.
type Connection interface {
	ID() string
	StationID() string
	Send(env envelope.Envelope) error
	Close(reason string)
	Snapshot() Snapshot
	NowPlaying() (Cached, bool)
	QueueState() (Cached, bool)
}

// Cached is the last state payload a station pushed unsolicited.
type Cached struct {
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// Snapshot is a point-in-time copy of a connection's status.
type Snapshot struct {
	StationID       string    `json:"stationId"`
	ConnectionID    string    `json:"connectionId"`
	RemoteAddr      string    `json:"remoteAddr,omitempty"`
	ClientVersion   string    `json:"clientVersion,omitempty"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	HasNowPlaying   bool      `json:"hasNowPlaying"`
	HasQueue        bool      `json:"hasQueue"`
}

type RegisterResult struct {
	Accepted         bool
	ReplacedPrevious bool
}

type Options struct {
	MaxConnectionsPerStation int
	Policy                   string
}

type Registry struct {
	mu        sync.RWMutex
	byStation map[string][]Connection
	max       int
	policy    string
}

func New(opts Options) *Registry {
	if opts.MaxConnectionsPerStation <= 0 {
		opts.MaxConnectionsPerStation = 1
	}
	if opts.Policy != PolicyReject {
		opts.Policy = PolicySupersede
	}
	return &Registry{
		byStation: map[string][]Connection{},
		max:       opts.MaxConnectionsPerStation,
		policy:    opts.Policy,
	}
}

// Register adds conn for stationID. When the station is at capacity the
// supersede policy evicts and closes the oldest connections; the reject
// policy refuses conn. Evicted connections are closed after the lock is
// released, so a lookup never sees more than the allowed connections.
func (r *Registry) Register(stationID string, conn Connection) (RegisterResult, error) {
	if stationID == "" || conn == nil {
		return RegisterResult{}, ErrInvalidConnection
	}

	r.mu.Lock()
	current := r.byStation[stationID]
	for _, c := range current {
		if c == conn {
			r.mu.Unlock()
			return RegisterResult{Accepted: true}, nil
		}
	}
	if len(current) >= r.max && r.policy == PolicyReject {
		r.mu.Unlock()
		return RegisterResult{Accepted: false}, nil
	}
	var evicted []Connection
	if overflow := len(current) - r.max + 1; overflow > 0 {
		evicted = append(evicted, current[:overflow]...)
		current = current[overflow:]
	}
	next := make([]Connection, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, conn)
	r.byStation[stationID] = next
	r.mu.Unlock()

	for _, old := range evicted {
		old.Close(ReasonSuperseded)
	}
	return RegisterResult{Accepted: true, ReplacedPrevious: len(evicted) > 0}, nil
}

// Unregister removes conn. It reports false, and changes nothing, when conn
// is not currently registered for stationID (e.g. it was already superseded).
func (r *Registry) Unregister(stationID string, conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.byStation[stationID]
	for i, c := range current {
		if c != conn {
			continue
		}
		if len(current) == 1 {
			delete(r.byStation, stationID)
			return true
		}
		next := make([]Connection, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		r.byStation[stationID] = next
		return true
	}
	return false
}

// Lookup returns the newest connection for stationID.
func (r *Registry) Lookup(stationID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current := r.byStation[stationID]
	if len(current) == 0 {
		return nil, false
	}
	return current[len(current)-1], true
}

// List returns snapshots ordered by station id, then connection time.
func (r *Registry) List() []Snapshot {
	conns := r.all()
	out := make([]Snapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.byStation {
		n += len(conns)
	}
	return n
}

func (r *Registry) Stations() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byStation))
	for id := range r.byStation {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll closes every registered connection. Connections remove
// themselves as their sessions wind down.
func (r *Registry) CloseAll(reason string) int {
	conns := r.all()
	for _, c := range conns {
		c.Close(reason)
	}
	return len(conns)
}

func (r *Registry) all() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.byStation))
	for _, conns := range r.byStation {
		out = append(out, conns...)
	}
	return out
}
