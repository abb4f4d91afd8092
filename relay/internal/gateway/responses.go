package gateway

import (
	"encoding/json"
	"time"

	"station-relay/relay/internal/models"
	"station-relay/relay/internal/registry"
)

type healthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Version  string `json:"version,omitempty"`
	Stations int    `json:"stations"`
}

type tokenResponse struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ExpiresIn   int64     `json:"expiresIn"`
	Permissions []string  `json:"permissions"`
}

type stationListResponse struct {
	Stations []registry.Snapshot `json:"stations"`
	Count    int                 `json:"count"`
}

type stationStatusResponse struct {
	Online bool `json:"online"`
	registry.Snapshot
}

type acceptedResponse struct {
	Status    string `json:"status"`
	StationID string `json:"stationId"`
	Type      string `json:"type"`
}

type auditEntryResponse struct {
	AuditID    string          `json:"auditId"`
	OccurredAt time.Time       `json:"occurredAt"`
	ClientID   string          `json:"clientId,omitempty"`
	Action     string          `json:"action"`
	RequestID  string          `json:"requestId,omitempty"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	StatusCode int             `json:"statusCode"`
	DurationMS int64           `json:"durationMs"`
	Details    json.RawMessage `json:"details,omitempty"`
}

type auditListResponse struct {
	StationID string               `json:"stationId"`
	Entries   []auditEntryResponse `json:"entries"`
}

func auditEntryFromModel(e models.AuditEntry) auditEntryResponse {
	out := auditEntryResponse{
		AuditID:    e.AuditID.String(),
		OccurredAt: e.OccurredAt,
		ClientID:   e.ClientID,
		Action:     e.Action,
		RequestID:  e.RequestID,
		Method:     e.Method,
		Path:       e.Path,
		StatusCode: e.StatusCode,
		DurationMS: e.DurationMS,
	}
	if len(e.Details) > 0 {
		out.Details = json.RawMessage(e.Details)
	}
	return out
}
