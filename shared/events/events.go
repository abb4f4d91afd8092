package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StationEvent is the record published to the station event feed.
type StationEvent struct {
	EventID      uuid.UUID       `json:"eventId"`
	OccurredAt   time.Time       `json:"occurredAt"`
	StationID    string          `json:"stationId"`
	ConnectionID string          `json:"connectionId,omitempty"`
	EventType    string          `json:"eventType"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

const (
	TypeStationConnected    = "station.connected"
	TypeStationDisconnected = "station.disconnected"
	TypeNowPlaying          = "station.now_playing"
	TypeQueueUpdated        = "station.queue_updated"
)

const TopicStationEvents = "relay.station.events"

func New(eventType string, stationID string, connectionID string, payload json.RawMessage, at time.Time) StationEvent {
	if at.IsZero() {
		at = time.Now()
	}
	return StationEvent{
		EventID:      uuid.New(),
		OccurredAt:   at.UTC(),
		StationID:    stationID,
		ConnectionID: connectionID,
		EventType:    eventType,
		Payload:      payload,
	}
}

// Headers are attached to the Kafka message so consumers can route without
// decoding the body.
func (e StationEvent) Headers() map[string]string {
	return map[string]string{
		"event_type": e.EventType,
		"station_id": e.StationID,
	}
}
