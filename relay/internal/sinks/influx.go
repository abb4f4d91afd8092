package sinks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"station-relay/relay/internal/envelope"
	"station-relay/relay/internal/notify"
)

const (
	measurementPlays       = "station_plays"
	measurementConnections = "station_connections"
)

type PointWriter interface {
	Enqueue(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// InfluxPlays records one point per track start and one per connect or
// disconnect. Repeated now_playing updates for the same track are ignored.
type InfluxPlays struct {
	w PointWriter

	mu      sync.Mutex
	current map[string]string
}

func NewInfluxPlays(w PointWriter) *InfluxPlays {
	return &InfluxPlays{w: w, current: map[string]string{}}
}

func (p *InfluxPlays) StationConnected(_ context.Context, ev notify.ConnectionEvent) {
	p.w.Enqueue(measurementConnections,
		map[string]string{"station_id": ev.StationID, "event": "connected"},
		map[string]any{"connection_id": ev.ConnectionID, "replaced_previous": ev.ReplacedPrevious},
		ev.At,
	)
}

func (p *InfluxPlays) StationDisconnected(_ context.Context, ev notify.ConnectionEvent) {
	p.mu.Lock()
	delete(p.current, ev.StationID)
	p.mu.Unlock()

	var connected float64
	if !ev.ConnectedAt.IsZero() {
		connected = ev.At.Sub(ev.ConnectedAt).Seconds()
	}
	p.w.Enqueue(measurementConnections,
		map[string]string{"station_id": ev.StationID, "event": "disconnected", "reason": ev.Reason},
		map[string]any{"connection_id": ev.ConnectionID, "connected_seconds": connected},
		ev.At,
	)
}

func (p *InfluxPlays) StationHeartbeat(context.Context, notify.ConnectionEvent) {}

func (p *InfluxPlays) NowPlayingChanged(_ context.Context, ev notify.StateEvent) {
	var np envelope.NowPlayingPayload
	if err := json.Unmarshal(ev.Payload, &np); err != nil {
		return
	}

	p.mu.Lock()
	prev := p.current[ev.StationID]
	if !np.IsPlaying || np.TrackID == "" {
		delete(p.current, ev.StationID)
		p.mu.Unlock()
		return
	}
	p.current[ev.StationID] = np.TrackID
	p.mu.Unlock()
	if prev == np.TrackID {
		return
	}

	ts := ev.At
	if np.StartedAt != nil && !np.StartedAt.IsZero() {
		ts = *np.StartedAt
	}
	p.w.Enqueue(measurementPlays,
		map[string]string{"station_id": ev.StationID, "track_id": np.TrackID},
		map[string]any{
			"title":            np.Title,
			"artist":           np.Artist,
			"album":            np.Album,
			"duration_seconds": np.DurationSeconds,
		},
		ts,
	)
}

func (p *InfluxPlays) QueueChanged(context.Context, notify.StateEvent) {}
