package sinks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"station-relay/relay/internal/notify"
	"station-relay/shared/cachex"
	"station-relay/shared/lockx"
	"station-relay/shared/logx"
)

// PresenceInfo is stored next to the presence lease so other relay instances
// and operators can see where a station is connected.
type PresenceInfo struct {
	StationID     string    `json:"stationId"`
	ConnectionID  string    `json:"connectionId"`
	Instance      string    `json:"instance"`
	RemoteAddr    string    `json:"remoteAddr,omitempty"`
	ClientVersion string    `json:"clientVersion,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

type PresenceStore interface {
	Take(ctx context.Context, stationID string, ttl time.Duration) (*lockx.Lease, error)
	Renew(ctx context.Context, lease *lockx.Lease) error
	Release(ctx context.Context, lease *lockx.Lease) error
	Describe(ctx context.Context, info PresenceInfo, ttl time.Duration) error
	Forget(ctx context.Context, stationID string) error
}

// RedisPresenceStore keeps one lease key and one info key per station.
type RedisPresenceStore struct {
	cache *cachex.Client
}

func NewRedisPresenceStore(cache *cachex.Client) *RedisPresenceStore {
	return &RedisPresenceStore{cache: cache}
}

func (s *RedisPresenceStore) Take(ctx context.Context, stationID string, ttl time.Duration) (*lockx.Lease, error) {
	return lockx.Take(ctx, s.cache.Client(), s.cache.Key("presence", stationID), ttl)
}

func (s *RedisPresenceStore) Renew(ctx context.Context, lease *lockx.Lease) error {
	return lockx.Renew(ctx, s.cache.Client(), lease)
}

func (s *RedisPresenceStore) Release(ctx context.Context, lease *lockx.Lease) error {
	return lockx.Release(ctx, s.cache.Client(), lease)
}

func (s *RedisPresenceStore) Describe(ctx context.Context, info PresenceInfo, ttl time.Duration) error {
	return s.cache.SetJSON(ctx, s.cache.Key("presence", info.StationID, "info"), info, ttl)
}

func (s *RedisPresenceStore) Forget(ctx context.Context, stationID string) error {
	return s.cache.Delete(ctx, s.cache.Key("presence", stationID, "info"))
}

type presenceEntry struct {
	lease     *lockx.Lease
	info      PresenceInfo
	renewedAt time.Time
}

// Presence publishes which stations this instance holds. Leases are renewed on
// heartbeats, at most every third of the TTL.
type Presence struct {
	store    PresenceStore
	instance string
	ttl      time.Duration
	log      logx.Logger
	worker   *worker
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*presenceEntry
}

func NewPresence(store PresenceStore, instance string, ttl time.Duration, log logx.Logger) *Presence {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &Presence{
		store:    store,
		instance: instance,
		ttl:      ttl,
		log:      log,
		worker:   newWorker("presence", log, 0, 0),
		now:      time.Now,
		entries:  map[string]*presenceEntry{},
	}
}

func (p *Presence) StationConnected(_ context.Context, ev notify.ConnectionEvent) {
	info := PresenceInfo{
		StationID:     ev.StationID,
		ConnectionID:  ev.ConnectionID,
		Instance:      p.instance,
		RemoteAddr:    ev.RemoteAddr,
		ClientVersion: ev.ClientVersion,
		ConnectedAt:   ev.ConnectedAt,
		LastSeenAt:    ev.At,
	}
	p.worker.submit(func(ctx context.Context) error {
		lease, err := p.store.Take(ctx, info.StationID, p.ttl)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.entries[info.StationID] = &presenceEntry{lease: lease, info: info, renewedAt: p.now()}
		p.mu.Unlock()
		return p.store.Describe(ctx, info, p.ttl)
	})
}

func (p *Presence) StationHeartbeat(_ context.Context, ev notify.ConnectionEvent) {
	p.mu.Lock()
	e, ok := p.entries[ev.StationID]
	due := ok && e.info.ConnectionID == ev.ConnectionID && p.now().Sub(e.renewedAt) >= p.ttl/3
	if due {
		e.renewedAt = p.now()
	}
	p.mu.Unlock()
	if !due {
		return
	}

	lease := e.lease
	stationID := ev.StationID
	seen := ev.At
	p.worker.submit(func(ctx context.Context) error {
		err := p.store.Renew(ctx, lease)
		if errors.Is(err, lockx.ErrLeaseLost) {
			p.log.Warn(ctx, "presence_lost", "presence lease taken over", slog.String("station_id", stationID))
			p.mu.Lock()
			if cur, ok := p.entries[stationID]; ok && cur.lease == lease {
				delete(p.entries, stationID)
			}
			p.mu.Unlock()
			return nil
		}
		if err != nil {
			return err
		}
		p.mu.Lock()
		info := e.info
		info.LastSeenAt = seen
		e.info = info
		p.mu.Unlock()
		return p.store.Describe(ctx, info, p.ttl)
	})
}

func (p *Presence) StationDisconnected(_ context.Context, ev notify.ConnectionEvent) {
	p.mu.Lock()
	e, ok := p.entries[ev.StationID]
	if ok && e.info.ConnectionID == ev.ConnectionID {
		delete(p.entries, ev.StationID)
	} else {
		ok = false
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	lease := e.lease
	p.worker.submit(func(ctx context.Context) error {
		// Only clear the info key while the lease is still ours.
		if err := p.store.Renew(ctx, lease); err != nil {
			if errors.Is(err, lockx.ErrLeaseLost) {
				return nil
			}
			return err
		}
		if err := p.store.Release(ctx, lease); err != nil {
			return err
		}
		return p.store.Forget(ctx, ev.StationID)
	})
}

// Held returns the stations this instance currently holds a lease for.
func (p *Presence) Held() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for id := range p.entries {
		out = append(out, id)
	}
	return out
}

// Close drains queued work, then releases every remaining lease.
func (p *Presence) Close(ctx context.Context) error {
	err := p.worker.close(ctx)

	p.mu.Lock()
	entries := p.entries
	p.entries = map[string]*presenceEntry{}
	p.mu.Unlock()

	for id, e := range entries {
		if rerr := p.store.Release(ctx, e.lease); rerr != nil && err == nil {
			err = rerr
		}
		if ferr := p.store.Forget(ctx, id); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}
