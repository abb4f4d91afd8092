package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry records one REST command that reached, or was refused on the
// way to, a station.
type AuditEntry struct {
	AuditID    uuid.UUID
	OccurredAt time.Time
	ClientID   string
	Action     string
	StationID  *string
	RequestID  string
	Method     string
	Path       string
	StatusCode int
	DurationMS int64
	ClientIP   string
	UserAgent  string
	Details    []byte
}
