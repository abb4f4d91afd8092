package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"station-relay/relay/internal/correlator"
	"station-relay/relay/internal/envelope"
	"station-relay/relay/internal/registry"
	"station-relay/shared/httpx"
)

// StatusClientClosedRequest is the nginx convention for a caller that gave
// up before the relay answered.
const StatusClientClosedRequest = 499

// writeRelayError is the single place relay errors become HTTP responses.
func (g *Gateway) writeRelayError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *envelope.ValidationError
	switch {
	case errors.As(err, &verr):
		httpx.WriteError(w, r, http.StatusBadRequest, "ERR_VALIDATION", verr.Message, map[string]any{"field": verr.Field})
	case errors.Is(err, correlator.ErrStationOffline):
		httpx.WriteError(w, r, http.StatusNotFound, "ERR_STATION_OFFLINE", "station is not connected", nil)
	case errors.Is(err, correlator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, r, http.StatusGatewayTimeout, "ERR_TIMEOUT", "station did not respond in time", nil)
	case errors.Is(err, correlator.ErrConnectionLost):
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "ERR_STATION_DISCONNECTED", "station disconnected before responding", nil)
	case errors.Is(err, registry.ErrSendQueueFull):
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "ERR_STATION_BUSY", "station is not keeping up, retry later", nil)
	case errors.Is(err, context.Canceled):
		// Nobody reads this response, but request logs and audit should not
		// see a 200.
		g.log.Debug(r.Context(), "request_canceled", "client canceled request",
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("path", r.URL.Path),
		)
		httpx.WriteError(w, r, StatusClientClosedRequest, "ERR_CLIENT_CLOSED", "client closed request", nil)
	default:
		g.log.Error(r.Context(), "request_failed", "unexpected relay error",
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error_code", "ERR_INTERNAL"),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "ERR_INTERNAL", "internal server error", nil)
	}
}

// writeStationError passes a station's system.error reply through as 400.
func (g *Gateway) writeStationError(w http.ResponseWriter, r *http.Request, resp envelope.Envelope) {
	p, _ := envelope.GetPayload[envelope.ErrorPayload](resp)
	code := strings.TrimSpace(p.Code)
	if code == "" {
		code = "ERR_STATION"
	}
	msg := p.Message
	if msg == "" {
		msg = "station rejected the request"
	}
	httpx.WriteError(w, r, http.StatusBadRequest, code, msg, p.Details)
}

func parsePosition(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, &envelope.ValidationError{Field: "position", Message: "position must be an integer"}
	}
	if n < 0 {
		return 0, &envelope.ValidationError{Field: "position", Message: "position must be >= 0"}
	}
	return n, nil
}
