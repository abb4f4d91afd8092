package envelope

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSearchLimit   = 25
	MaxSearchLimit       = 100
	maxQueryLength       = 200
	maxRequesterLength   = 100
	maxRequestMessageLen = 500
)

// ValidationError reports a request payload field the relay refuses to
// forward to a station.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type AuthenticatePayload struct {
	StationID     string `json:"stationId"`
	StationToken  string `json:"stationToken"`
	ClientVersion string `json:"clientVersion,omitempty"`
}

type AuthResultPayload struct {
	Success                  bool      `json:"success"`
	Message                  string    `json:"message,omitempty"`
	ServerTime               time.Time `json:"serverTime"`
	ConnectionID             string    `json:"connectionId,omitempty"`
	HeartbeatIntervalSeconds int       `json:"heartbeatIntervalSeconds,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ShutdownPayload struct {
	Reason                string `json:"reason"`
	ReconnectAfterSeconds int    `json:"reconnectAfterSeconds,omitempty"`
}

type PingPayload struct {
	Sequence int64 `json:"sequence,omitempty"`
}

type NowPlayingPayload struct {
	IsPlaying       bool       `json:"isPlaying"`
	TrackID         string     `json:"trackId,omitempty"`
	Title           string     `json:"title,omitempty"`
	Artist          string     `json:"artist,omitempty"`
	Album           string     `json:"album,omitempty"`
	DurationSeconds float64    `json:"durationSeconds,omitempty"`
	ElapsedSeconds  float64    `json:"elapsedSeconds,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	ArtworkURL      string     `json:"artworkUrl,omitempty"`
}

type QueueItem struct {
	Position        int     `json:"position"`
	TrackID         string  `json:"trackId"`
	Title           string  `json:"title,omitempty"`
	Artist          string  `json:"artist,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	RequestedBy     string  `json:"requestedBy,omitempty"`
}

type QueueStatePayload struct {
	Items                []QueueItem `json:"items"`
	TotalDurationSeconds float64     `json:"totalDurationSeconds"`
}

type QueueAddPayload struct {
	TrackID     string `json:"trackId"`
	Position    *int   `json:"position,omitempty"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

func (p *QueueAddPayload) Validate() error {
	p.TrackID = strings.TrimSpace(p.TrackID)
	if p.TrackID == "" {
		return &ValidationError{Field: "trackId", Message: "trackId is required"}
	}
	if p.Position != nil && *p.Position < 0 {
		return &ValidationError{Field: "position", Message: "position must be >= 0"}
	}
	return nil
}

type QueueAddResultPayload struct {
	Success  bool   `json:"success"`
	Position int    `json:"position,omitempty"`
	Message  string `json:"message,omitempty"`
}

type QueueRemovePayload struct {
	Position int `json:"position"`
}

type LibrarySearchPayload struct {
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Validate trims the query and clamps paging to the supported range.
func (p *LibrarySearchPayload) Validate() error {
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return &ValidationError{Field: "query", Message: "query is required"}
	}
	if len(p.Query) > maxQueryLength {
		return &ValidationError{Field: "query", Message: fmt.Sprintf("query must be at most %d characters", maxQueryLength)}
	}
	if p.Offset < 0 {
		return &ValidationError{Field: "offset", Message: "offset must be >= 0"}
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultSearchLimit
	case p.Limit > MaxSearchLimit:
		p.Limit = MaxSearchLimit
	}
	return nil
}

type TrackSummary struct {
	TrackID         string  `json:"trackId"`
	Title           string  `json:"title"`
	Artist          string  `json:"artist,omitempty"`
	Album           string  `json:"album,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

type LibrarySearchResultPayload struct {
	Tracks []TrackSummary `json:"tracks"`
	Total  int            `json:"total"`
}

type SongRequestPayload struct {
	TrackID       string `json:"trackId"`
	RequesterName string `json:"requesterName,omitempty"`
	Message       string `json:"message,omitempty"`
}

func (p *SongRequestPayload) Validate() error {
	p.TrackID = strings.TrimSpace(p.TrackID)
	p.RequesterName = strings.TrimSpace(p.RequesterName)
	if p.TrackID == "" {
		return &ValidationError{Field: "trackId", Message: "trackId is required"}
	}
	if len(p.RequesterName) > maxRequesterLength {
		return &ValidationError{Field: "requesterName", Message: fmt.Sprintf("requesterName must be at most %d characters", maxRequesterLength)}
	}
	if len(p.Message) > maxRequestMessageLen {
		return &ValidationError{Field: "message", Message: fmt.Sprintf("message must be at most %d characters", maxRequestMessageLen)}
	}
	return nil
}

type SongRequestResultPayload struct {
	Accepted bool   `json:"accepted"`
	Position int    `json:"position,omitempty"`
	Message  string `json:"message,omitempty"`
}

// IdleNowPlaying is reported for a station that has not sent any
// now_playing.update yet.
func IdleNowPlaying() NowPlayingPayload {
	return NowPlayingPayload{IsPlaying: false}
}

func EmptyQueue() QueueStatePayload {
	return QueueStatePayload{Items: []QueueItem{}}
}
