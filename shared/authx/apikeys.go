package authx

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"station-relay/shared/config"
)

// APIKeys maps static REST API keys to caller identities.
type APIKeys struct {
	entries []apiKeyEntry
}

type apiKeyEntry struct {
	digest   [32]byte
	identity Identity
}

func NewAPIKeys(keys []config.APIKey) *APIKeys {
	out := &APIKeys{entries: make([]apiKeyEntry, 0, len(keys))}
	for _, k := range keys {
		key := strings.TrimSpace(k.Key)
		if key == "" || strings.TrimSpace(k.ClientID) == "" {
			continue
		}
		name := k.Name
		if name == "" {
			name = k.ClientID
		}
		out.entries = append(out.entries, apiKeyEntry{
			digest: sha256.Sum256([]byte(key)),
			identity: Identity{
				ClientID:    k.ClientID,
				Name:        name,
				Permissions: ParsePermissions(k.Permissions),
				Source:      "api_key",
			},
		})
	}
	return out
}

// Lookup compares digests in constant time and scans every entry.
func (a *APIKeys) Lookup(key string) (Identity, error) {
	key = strings.TrimSpace(key)
	if a == nil || key == "" {
		return Identity{}, ErrInvalidCredentials
	}
	digest := sha256.Sum256([]byte(key))
	var (
		found Identity
		ok    bool
	)
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			found, ok = e.identity, true
		}
	}
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	return found, nil
}

func (a *APIKeys) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}
