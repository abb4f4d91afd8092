package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"station-relay/relay/internal/models"
	"station-relay/shared/authx"
	"station-relay/shared/httpx"
	"station-relay/shared/logx"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditEntry) error
}

// AuditMiddleware records mutating calls and refused credentials. It wraps
// AuthMiddleware so rejections made there are seen; the identity auth
// resolves is handed back through the request context. Writes happen off
// the request path.
type AuditMiddleware struct {
	Enabled bool
	Repo    AuditWriter
	Logger  logx.Logger
	Skip    func(*http.Request) bool
	Timeout time.Duration
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Repo == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		slot := &identitySlot{}
		r = r.WithContext(context.WithValue(r.Context(), identitySlotKey{}, slot))
		next.ServeHTTP(srw, r)

		if !shouldAudit(r, srw.statusCode) {
			return
		}

		entry := models.AuditEntry{
			AuditID:    uuid.New(),
			OccurredAt: time.Now().UTC(),
			Action:     actionForRequest(r, srw.statusCode),
			StationID:  stationFromPath(r.URL.Path),
			RequestID:  httpx.RequestIDFromContext(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: srw.statusCode,
			DurationMS: time.Since(start).Milliseconds(),
			ClientIP:   httpx.ClientIP(r),
			UserAgent:  strings.TrimSpace(r.UserAgent()),
			Details:    auditDetails(srw.statusCode),
		}
		if slot.set {
			entry.ClientID = slot.id.ClientID
		} else if id, ok := authx.IdentityFromContext(r.Context()); ok {
			entry.ClientID = id.ClientID
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := m.Repo.WriteAuditLog(ctx, []models.AuditEntry{entry}); err != nil {
				m.Logger.Warn(context.Background(), "audit_write_failed", "audit write failed",
					slog.String("error_code", "ERR_INTERNAL"),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
}

type identitySlotKey struct{}

type identitySlot struct {
	id  authx.Identity
	set bool
}

// noteIdentity tells an enclosing AuditMiddleware who the caller is.
func noteIdentity(ctx context.Context, id authx.Identity) {
	if slot, ok := ctx.Value(identitySlotKey{}).(*identitySlot); ok {
		slot.id = id
		slot.set = true
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func shouldAudit(r *http.Request, statusCode int) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	return r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch || r.Method == http.MethodDelete
}

func actionForRequest(r *http.Request, statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "auth_failed"
	case http.StatusForbidden:
		return "forbidden"
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(path, "/auth/token"):
		return "token_issue"
	case strings.HasSuffix(path, "/library/search"):
		return "library_search"
	case strings.HasSuffix(path, "/queue/add"):
		return "queue_add"
	case strings.HasSuffix(path, "/queue/skip"):
		return "queue_skip"
	case strings.HasSuffix(path, "/requests"):
		return "song_request"
	case r.Method == http.MethodDelete && strings.HasSuffix(path, "/queue"):
		return "queue_clear"
	case r.Method == http.MethodDelete:
		return "queue_remove"
	}
	return strings.ToLower(r.Method)
}

func auditDetails(statusCode int) []byte {
	b, err := json.Marshal(map[string]any{"status_code": statusCode})
	if err != nil {
		return nil
	}
	return b
}

// stationFromPath extracts {id} from /api/v1/stations/{id}/...
func stationFromPath(path string) *string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "v1" || parts[2] != "stations" {
		return nil
	}
	id := strings.TrimSpace(parts[3])
	if id == "" {
		return nil
	}
	return &id
}
