// Package gateway exposes connected stations over REST. Each handler
// authorizes the caller, finds the station's connection and either answers
// from the cached snapshot or relays a request over the socket.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"station-relay/relay/internal/envelope"
	"station-relay/relay/internal/middleware"
	"station-relay/relay/internal/models"
	"station-relay/relay/internal/registry"
	"station-relay/shared/authx"
	"station-relay/shared/httpx"
	"station-relay/shared/logx"
	"station-relay/shared/metricsx"
)

const defaultMaxBodyBytes = 64 << 10

type Directory interface {
	Lookup(stationID string) (registry.Connection, bool)
	List() []registry.Snapshot
	Count() int
}

type Requester interface {
	SendAndWait(ctx context.Context, stationID string, req envelope.Envelope, expectedType string, timeout time.Duration) (envelope.Envelope, error)
	Send(ctx context.Context, stationID string, env envelope.Envelope) error
}

type TokenIssuer interface {
	Issue(id authx.Identity) (string, time.Time, error)
}

type AuditReader interface {
	RecentForStation(ctx context.Context, stationID string, limit int) ([]models.AuditEntry, error)
}

type Options struct {
	ServiceName    string
	Version        string
	Logger         logx.Logger
	Directory      Directory
	Requester      Requester
	Tokens         TokenIssuer
	Audit          AuditReader
	StationTimeout time.Duration
	MaxBodyBytes   int64
	// RequestLimit wraps the public song request route.
	RequestLimit func(http.Handler) http.Handler
}

type Gateway struct {
	opts Options
	log  logx.Logger
}

func New(opts Options) *Gateway {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RequestLimit == nil {
		opts.RequestLimit = func(next http.Handler) http.Handler { return next }
	}
	return &Gateway{opts: opts, log: opts.Logger}
}

// Register mounts every REST route on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metricsx.InstrumentRoute(pattern, h))
	}
	fn := func(f http.HandlerFunc) http.Handler { return f }

	route("GET /health", fn(g.health))
	route("POST /api/v1/auth/token", fn(g.issueToken))

	route("GET /api/v1/stations", middleware.Require(authx.PermRead, fn(g.listStations)))
	route("GET /api/v1/stations/{id}", middleware.Require(authx.PermRead, fn(g.stationStatus)))
	route("GET /api/v1/stations/{id}/now-playing", fn(g.nowPlaying))
	route("GET /api/v1/stations/{id}/queue", fn(g.queue))

	route("POST /api/v1/stations/{id}/library/search", middleware.Require(authx.PermSearch, fn(g.librarySearch)))
	route("POST /api/v1/stations/{id}/queue/add", middleware.Require(authx.PermQueue, fn(g.queueAdd)))
	route("POST /api/v1/stations/{id}/requests", g.opts.RequestLimit(fn(g.songRequest)))

	route("POST /api/v1/stations/{id}/queue/skip", middleware.Require(authx.PermAdmin, fn(g.queueSkip)))
	route("DELETE /api/v1/stations/{id}/queue/{position}", middleware.Require(authx.PermAdmin, fn(g.queueRemove)))
	route("DELETE /api/v1/stations/{id}/queue", middleware.Require(authx.PermAdmin, fn(g.queueClear)))

	if g.opts.Audit != nil {
		route("GET /api/v1/stations/{id}/audit", middleware.Require(authx.PermAdmin, fn(g.stationAudit)))
	}
}

func stationID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("id"))
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Service:  g.opts.ServiceName,
		Version:  g.opts.Version,
		Stations: g.opts.Directory.Count(),
	})
}

func (g *Gateway) issueToken(w http.ResponseWriter, r *http.Request) {
	id, ok := authx.IdentityFromContext(r.Context())
	if !ok || id.Source != "api_key" {
		httpx.WriteError(w, r, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "an API key is required to issue tokens", nil)
		return
	}
	if g.opts.Tokens == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "ERR_INTERNAL", "token issuing is not configured", nil)
		return
	}
	token, expires, err := g.opts.Tokens.Issue(id)
	if err != nil {
		g.writeRelayError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expires,
		ExpiresIn:   int64(time.Until(expires).Seconds()),
		Permissions: id.PermissionNames(),
	})
}

func (g *Gateway) listStations(w http.ResponseWriter, r *http.Request) {
	stations := g.opts.Directory.List()
	if stations == nil {
		stations = []registry.Snapshot{}
	}
	httpx.WriteJSON(w, http.StatusOK, stationListResponse{Stations: stations, Count: len(stations)})
}

func (g *Gateway) stationStatus(w http.ResponseWriter, r *http.Request) {
	conn, ok := g.lookup(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stationStatusResponse{Online: true, Snapshot: conn.Snapshot()})
}

func (g *Gateway) nowPlaying(w http.ResponseWriter, r *http.Request) {
	if isLive(r) {
		if !g.authorize(w, r, authx.PermRead) {
			return
		}
		g.roundTrip(w, r, envelope.TypeNowPlayingRequest, nil, envelope.TypeNowPlayingResponse)
		return
	}
	conn, ok := g.lookup(w, r)
	if !ok {
		return
	}
	cached, ok := conn.NowPlaying()
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, envelope.IdleNowPlaying())
		return
	}
	httpx.WriteRawJSON(w, http.StatusOK, cached.Payload)
}

func (g *Gateway) queue(w http.ResponseWriter, r *http.Request) {
	if isLive(r) {
		if !g.authorize(w, r, authx.PermRead) {
			return
		}
		g.roundTrip(w, r, envelope.TypeQueueRequest, nil, envelope.TypeQueueResponse)
		return
	}
	conn, ok := g.lookup(w, r)
	if !ok {
		return
	}
	cached, ok := conn.QueueState()
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, envelope.EmptyQueue())
		return
	}
	httpx.WriteRawJSON(w, http.StatusOK, cached.Payload)
}

func (g *Gateway) librarySearch(w http.ResponseWriter, r *http.Request) {
	var body envelope.LibrarySearchPayload
	if !g.decode(w, r, &body) {
		return
	}
	if err := body.Validate(); err != nil {
		g.writeRelayError(w, r, err)
		return
	}
	g.roundTrip(w, r, envelope.TypeLibrarySearch, body, envelope.TypeLibrarySearchResult)
}

func (g *Gateway) queueAdd(w http.ResponseWriter, r *http.Request) {
	var body envelope.QueueAddPayload
	if !g.decode(w, r, &body) {
		return
	}
	if err := body.Validate(); err != nil {
		g.writeRelayError(w, r, err)
		return
	}
	if body.RequestedBy == "" {
		if id, ok := authx.IdentityFromContext(r.Context()); ok {
			body.RequestedBy = id.Name
		}
	}
	g.roundTrip(w, r, envelope.TypeQueueAdd, body, envelope.TypeQueueAddResult)
}

func (g *Gateway) songRequest(w http.ResponseWriter, r *http.Request) {
	var body envelope.SongRequestPayload
	if !g.decode(w, r, &body) {
		return
	}
	if err := body.Validate(); err != nil {
		g.writeRelayError(w, r, err)
		return
	}
	g.roundTrip(w, r, envelope.TypeSongRequest, body, envelope.TypeSongRequestResult)
}

func (g *Gateway) queueSkip(w http.ResponseWriter, r *http.Request) {
	g.fireAndForget(w, r, envelope.TypeQueueSkip, nil)
}

func (g *Gateway) queueRemove(w http.ResponseWriter, r *http.Request) {
	position, err := parsePosition(r.PathValue("position"))
	if err != nil {
		g.writeRelayError(w, r, err)
		return
	}
	g.fireAndForget(w, r, envelope.TypeQueueRemove, envelope.QueueRemovePayload{Position: position})
}

func (g *Gateway) queueClear(w http.ResponseWriter, r *http.Request) {
	g.fireAndForget(w, r, envelope.TypeQueueClear, nil)
}

func (g *Gateway) stationAudit(w http.ResponseWriter, r *http.Request) {
	id := stationID(r)
	entries, err := g.opts.Audit.RecentForStation(r.Context(), id, 50)
	if err != nil {
		g.writeRelayError(w, r, err)
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryFromModel(e))
	}
	httpx.WriteJSON(w, http.StatusOK, auditListResponse{StationID: id, Entries: out})
}

// roundTrip relays one request to the station and writes its reply payload
// verbatim.
func (g *Gateway) roundTrip(w http.ResponseWriter, r *http.Request, msgType string, payload any, expectedType string) {
	id := stationID(r)
	req, err := envelope.NewRequest(msgType, id, payload)
	if err != nil {
		g.writeRelayError(w, r, err)
		return
	}
	resp, err := g.opts.Requester.SendAndWait(r.Context(), id, req, expectedType, g.opts.StationTimeout)
	if err != nil {
		g.writeRelayError(w, r, err)
		return
	}
	if resp.IsError() {
		g.writeStationError(w, r, resp)
		return
	}
	httpx.WriteRawJSON(w, http.StatusOK, resp.Payload)
}

func (g *Gateway) fireAndForget(w http.ResponseWriter, r *http.Request, msgType string, payload any) {
	id := stationID(r)
	env, err := envelope.New(msgType, id, payload)
	if err != nil {
		g.writeRelayError(w, r, err)
		return
	}
	if err := g.opts.Requester.Send(r.Context(), id, env); err != nil {
		g.writeRelayError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", StationID: id, Type: msgType})
}

func (g *Gateway) lookup(w http.ResponseWriter, r *http.Request) (registry.Connection, bool) {
	conn, ok := g.opts.Directory.Lookup(stationID(r))
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "ERR_STATION_OFFLINE", "station is not connected", nil)
		return nil, false
	}
	return conn, true
}

func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request, p authx.Permission) bool {
	id, ok := authx.IdentityFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "authentication required", nil)
		return false
	}
	if !middleware.Allowed(id, p) {
		httpx.WriteError(w, r, http.StatusForbidden, "ERR_FORBIDDEN", "missing permission: "+string(p), nil)
		return false
	}
	return true
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httpx.DecodeJSON(r, v, g.opts.MaxBodyBytes); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "ERR_VALIDATION", err.Error(), nil)
		return false
	}
	return true
}

func isLive(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("live"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
