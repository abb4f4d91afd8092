// Package envelope implements the JSON envelope that wraps every message
// exchanged between the relay and its stations.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ProtocolVersion = "1.0"

const (
	TypeAuthenticate = "auth.authenticate"
	TypeAuthResult   = "auth.result"

	TypePing     = "system.ping"
	TypePong     = "system.pong"
	TypeShutdown = "system.shutdown"
	TypeError    = "system.error"

	TypeNowPlayingUpdate   = "now_playing.update"
	TypeNowPlayingRequest  = "now_playing.request"
	TypeNowPlayingResponse = "now_playing.response"

	TypeQueueUpdate    = "queue.update"
	TypeQueueRequest   = "queue.request"
	TypeQueueResponse  = "queue.response"
	TypeQueueAdd       = "queue.add"
	TypeQueueAddResult = "queue.add_result"
	TypeQueueRemove    = "queue.remove"
	TypeQueueClear     = "queue.clear"
	TypeQueueSkip      = "queue.skip"

	TypeLibrarySearch       = "library.search"
	TypeLibrarySearchResult = "library.search_result"

	TypeSongRequest       = "request.song"
	TypeSongRequestResult = "request.song_result"
)

var (
	ErrMalformed        = errors.New("malformed envelope")
	ErrMissingType      = errors.New("envelope type is required")
	ErrMissingStationID = errors.New("envelope stationId is required")
)

// ParseError is returned by Decode. Kind is one of ErrMalformed,
// ErrMissingType or ErrMissingStationID.
type ParseError struct {
	Kind  error
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
	}
	return e.Kind.Error()
}

func (e *ParseError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// Envelope is a value type. Payload bytes are copied on construction and the
// With* helpers return modified copies.
type Envelope struct {
	Type          string
	Version       string
	StationID     string
	CorrelationID string
	Timestamp     time.Time
	Payload       json.RawMessage
}

type wireEnvelope struct {
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	StationID     string          `json:"stationId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     json.RawMessage `json:"timestamp,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// New marshals payload (nil means no payload) into a fresh envelope stamped
// with the current protocol version and time.
func New(msgType string, stationID string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      msgType,
		Version:   ProtocolVersion,
		StationID: stationID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// NewRequest is New plus a generated correlation id.
func NewRequest(msgType string, stationID string, payload any) (Envelope, error) {
	env, err := New(msgType, stationID, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.CorrelationID = uuid.NewString()
	return env, nil
}

// Reply builds a response to req, echoing its station id and correlation id.
func Reply(req Envelope, msgType string, payload any) (Envelope, error) {
	env, err := New(msgType, req.StationID, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.CorrelationID = req.CorrelationID
	return env, nil
}

// ErrorReply builds a system.error response to req.
func ErrorReply(req Envelope, code string, message string) (Envelope, error) {
	return Reply(req, TypeError, ErrorPayload{Code: code, Message: message})
}

func (e Envelope) WithCorrelationID(id string) Envelope {
	e.Payload = cloneRaw(e.Payload)
	e.CorrelationID = id
	return e
}

func (e Envelope) WithStationID(id string) Envelope {
	e.Payload = cloneRaw(e.Payload)
	e.StationID = id
	return e
}

func (e Envelope) HasPayload() bool {
	return !isNullRaw(e.Payload)
}

func (e Envelope) IsError() bool {
	return e.Type == TypeError
}

func Encode(e Envelope) ([]byte, error) {
	w := wireEnvelope{
		Type:          e.Type,
		Version:       e.Version,
		StationID:     e.StationID,
		CorrelationID: e.CorrelationID,
		Payload:       e.Payload,
	}
	if w.Version == "" {
		w.Version = ProtocolVersion
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	w.Timestamp = json.RawMessage(`"` + ts.UTC().Format(time.RFC3339Nano) + `"`)
	if isNullRaw(w.Payload) {
		w.Payload = nil
	}
	return json.Marshal(w)
}

// Decode parses a wire frame. Field names match case-insensitively, unknown
// fields are ignored, and only a missing type or stationId (or invalid
// JSON) is an error.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, &ParseError{Kind: ErrMalformed, Cause: errors.New("frame is not a json object")}
	}
	var w wireEnvelope
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Envelope{}, &ParseError{Kind: ErrMalformed, Cause: err}
	}
	w.Type = strings.TrimSpace(w.Type)
	w.StationID = strings.TrimSpace(w.StationID)
	if w.Type == "" {
		return Envelope{}, &ParseError{Kind: ErrMissingType}
	}
	if w.StationID == "" {
		return Envelope{}, &ParseError{Kind: ErrMissingStationID}
	}

	env := Envelope{
		Type:          w.Type,
		Version:       strings.TrimSpace(w.Version),
		StationID:     w.StationID,
		CorrelationID: w.CorrelationID,
		Timestamp:     parseTimestamp(w.Timestamp),
	}
	if env.Version == "" {
		env.Version = ProtocolVersion
	}
	if !isNullRaw(w.Payload) {
		env.Payload = cloneRaw(w.Payload)
	}
	return env, nil
}

// GetPayload decodes the payload into T. It reports false when the payload
// is absent, null, or does not fit T.
func GetPayload[T any](e Envelope) (T, bool) {
	var out T
	if isNullRaw(e.Payload) {
		return out, false
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		var zero T
		return zero, false
	}
	return out, true
}

// IsResponseType reports whether t is a reply to an earlier request.
func IsResponseType(t string) bool {
	switch t {
	case TypeAuthResult, TypePong, TypeError:
		return true
	}
	return strings.HasSuffix(t, ".response") || strings.HasSuffix(t, "_result") || strings.HasSuffix(t, ".result")
}

func parseTimestamp(raw json.RawMessage) time.Time {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.9999999", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if isNullRaw(p) {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid json", ErrMalformed)
		}
		return cloneRaw(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if isNullRaw(b) {
		return nil, nil
	}
	return b, nil
}

func isNullRaw(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
