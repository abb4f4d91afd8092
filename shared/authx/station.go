package authx

import (
	"crypto/subtle"
	"strings"
)

// StationAuthenticator checks station credentials presented during the socket
// handshake against the configured per-station token table.
type StationAuthenticator struct {
	tokens map[string]string
}

func NewStationAuthenticator(tokens map[string]string) *StationAuthenticator {
	copied := make(map[string]string, len(tokens))
	for id, tok := range tokens {
		id = strings.TrimSpace(id)
		if id == "" || tok == "" {
			continue
		}
		copied[id] = tok
	}
	return &StationAuthenticator{tokens: copied}
}

// Authenticate reports ErrInvalidCredentials for unknown stations and wrong
// tokens alike.
func (a *StationAuthenticator) Authenticate(stationID string, token string) error {
	if a == nil || stationID == "" || token == "" {
		return ErrInvalidCredentials
	}
	want, ok := a.tokens[stationID]
	if !ok {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

func (a *StationAuthenticator) Known(stationID string) bool {
	if a == nil {
		return false
	}
	_, ok := a.tokens[stationID]
	return ok
}
