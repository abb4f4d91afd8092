package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"station-relay/relay/internal/notify"
	"station-relay/shared/events"
	"station-relay/shared/logx"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type connectionDetails struct {
	RemoteAddr       string `json:"remoteAddr,omitempty"`
	ClientVersion    string `json:"clientVersion,omitempty"`
	Reason           string `json:"reason,omitempty"`
	ReplacedPrevious bool   `json:"replacedPrevious,omitempty"`
}

// KafkaEvents publishes station lifecycle and state changes to the station
// event topic, keyed by station id so one station's events stay ordered.
type KafkaEvents struct {
	pub    Publisher
	topic  string
	worker *worker
}

func NewKafkaEvents(pub Publisher, topic string, log logx.Logger) *KafkaEvents {
	if topic == "" {
		topic = events.TopicStationEvents
	}
	return &KafkaEvents{pub: pub, topic: topic, worker: newWorker("kafka_events", log, 0, 0)}
}

func (k *KafkaEvents) StationConnected(_ context.Context, ev notify.ConnectionEvent) {
	k.publishConnection(events.TypeStationConnected, ev)
}

func (k *KafkaEvents) StationDisconnected(_ context.Context, ev notify.ConnectionEvent) {
	k.publishConnection(events.TypeStationDisconnected, ev)
}

func (k *KafkaEvents) StationHeartbeat(context.Context, notify.ConnectionEvent) {}

func (k *KafkaEvents) NowPlayingChanged(_ context.Context, ev notify.StateEvent) {
	k.publish(events.New(events.TypeNowPlaying, ev.StationID, ev.ConnectionID, ev.Payload, ev.At))
}

func (k *KafkaEvents) QueueChanged(_ context.Context, ev notify.StateEvent) {
	k.publish(events.New(events.TypeQueueUpdated, ev.StationID, ev.ConnectionID, ev.Payload, ev.At))
}

func (k *KafkaEvents) publishConnection(eventType string, ev notify.ConnectionEvent) {
	details, err := json.Marshal(connectionDetails{
		RemoteAddr:       ev.RemoteAddr,
		ClientVersion:    ev.ClientVersion,
		Reason:           ev.Reason,
		ReplacedPrevious: ev.ReplacedPrevious,
	})
	if err != nil {
		return
	}
	k.publish(events.New(eventType, ev.StationID, ev.ConnectionID, details, ev.At))
}

func (k *KafkaEvents) publish(e events.StationEvent) bool {
	return k.worker.submit(func(ctx context.Context) error {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode station event: %w", err)
		}
		return k.pub.Publish(ctx, k.topic, []byte(e.StationID), value, e.Headers())
	})
}

func (k *KafkaEvents) Close(ctx context.Context) error {
	return k.worker.close(ctx)
}
