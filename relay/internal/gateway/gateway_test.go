package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-relay/relay/internal/correlator"
	"station-relay/relay/internal/envelope"
	"station-relay/relay/internal/middleware"
	"station-relay/relay/internal/notify"
	"station-relay/relay/internal/registry"
	"station-relay/relay/internal/session"
	"station-relay/relay/internal/stationclient"
	"station-relay/shared/authx"
	"station-relay/shared/config"
	"station-relay/shared/httpx"
	"station-relay/shared/logx"
)

const testStation = "WXYZ-FM"

type relayEnv struct {
	server *httptest.Server
	reg    *registry.Registry
	corr   *correlator.Correlator
	hub    *session.Hub
}

func newRelayEnv(t *testing.T, stationTimeout time.Duration) *relayEnv {
	t.Helper()
	reg := registry.New(registry.Options{})
	corr := correlator.New(reg, correlator.Options{DefaultTimeout: stationTimeout})
	hub := session.NewHub(logx.Nop(), authx.NewStationAuthenticator(map[string]string{testStation: "secret"}), reg, corr, notify.NewBus(), session.Options{})

	issuer, err := authx.NewTokenIssuer("test-secret", "station-relay", "relay-api", time.Hour, 0)
	require.NoError(t, err)
	gw := New(Options{
		ServiceName:    "relay",
		Version:        "test",
		Logger:         logx.Nop(),
		Directory:      reg,
		Requester:      corr,
		Tokens:         issuer,
		StationTimeout: stationTimeout,
		RequestLimit: middleware.RateLimitMiddleware{
			Limiter: middleware.NewIPRateLimiter(0.001, 3, time.Minute),
			Scope:   "requests",
		}.Wrap,
	})

	mux := http.NewServeMux()
	gw.Register(mux)
	var api http.Handler = httpx.WrapServeMux(mux, httpx.NotFound())
	api = middleware.AuthMiddleware{
		APIKeys: authx.NewAPIKeys([]config.APIKey{
			{Key: "reader-key", ClientID: "reader", Permissions: []string{"read"}},
			{Key: "search-key", ClientID: "searcher", Permissions: []string{"read", "search"}},
			{Key: "dj-key", ClientID: "dj", Name: "DJ Ada", Permissions: []string{"read", "queue"}},
			{Key: "ops-key", ClientID: "ops", Permissions: []string{"admin"}},
		}),
		Tokens: issuer,
	}.Wrap(api)
	api = httpx.WithRequestID(api)

	root := http.NewServeMux()
	root.Handle("/ws/station", hub)
	root.Handle("/", api)
	srv := httptest.NewServer(root)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
	})
	return &relayEnv{server: srv, reg: reg, corr: corr, hub: hub}
}

func (e *relayEnv) connectStation(t *testing.T, setup func(c *stationclient.Client)) *stationclient.Client {
	t.Helper()
	c := stationclient.New(stationclient.Options{
		URL:          "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/station",
		StationID:    testStation,
		Token:        "secret",
		PingInterval: -1,
	})
	if setup != nil {
		setup(c)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_, err := c.Connect(ctx)
	require.NoError(t, err)
	return c
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) json(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(r.body, &out), string(r.body))
	return out
}

func (e *relayEnv) call(t *testing.T, method string, path string, apiKey string, body any) apiResponse {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return apiResponse{status: resp.StatusCode, body: data}
}

func TestScenarioA_NowPlayingDefaultsToIdle(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	env.connectStation(t, nil)

	_, ok := env.reg.Lookup(testStation)
	require.True(t, ok)

	resp := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM/now-playing", "", nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, false, resp.json(t)["isPlaying"])

	q := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM/queue", "", nil)
	require.Equal(t, http.StatusOK, q.status)
	assert.JSONEq(t, `{"items":[],"totalDurationSeconds":0}`, string(q.body))
}

func TestScenarioB_QueueAddReturnsStationReply(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	var requestedBy atomic.Value
	env.connectStation(t, func(c *stationclient.Client) {
		c.Handle(envelope.TypeQueueAdd, func(_ context.Context, c *stationclient.Client, req envelope.Envelope) {
			p, _ := envelope.GetPayload[envelope.QueueAddPayload](req)
			requestedBy.Store(p.RequestedBy)
			_ = c.Reply(req, envelope.TypeQueueAddResult, envelope.QueueAddResultPayload{Success: true, Position: 3})
		})
	})

	resp := env.call(t, http.MethodPost, "/api/v1/stations/WXYZ-FM/queue/add", "dj-key", map[string]any{"trackId": "abc"})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	assert.JSONEq(t, `{"success":true,"position":3}`, string(resp.body))
	assert.Equal(t, "DJ Ada", requestedBy.Load())
}

func TestScenarioC_SilentStationTimesOut(t *testing.T) {
	env := newRelayEnv(t, 200*time.Millisecond)
	env.connectStation(t, func(c *stationclient.Client) {
		c.Handle(envelope.TypeQueueAdd, func(context.Context, *stationclient.Client, envelope.Envelope) {})
	})

	start := time.Now()
	resp := env.call(t, http.MethodPost, "/api/v1/stations/WXYZ-FM/queue/add", "dj-key", map[string]any{"trackId": "abc"})
	require.Equal(t, http.StatusGatewayTimeout, resp.status)
	assert.Equal(t, "ERR_TIMEOUT", resp.json(t)["error"])
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, env.corr.Pending())
}

func TestScenarioD_UnknownStationIsOffline(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	var calls atomic.Int32
	env.connectStation(t, func(c *stationclient.Client) {
		c.Handle(envelope.TypeSongRequest, func(context.Context, *stationclient.Client, envelope.Envelope) {
			calls.Add(1)
		})
	})

	resp := env.call(t, http.MethodPost, "/api/v1/stations/UNKNOWN/requests", "", map[string]any{"trackId": "abc", "requesterName": "Sam"})
	require.Equal(t, http.StatusNotFound, resp.status)
	body := resp.json(t)
	assert.Equal(t, "ERR_STATION_OFFLINE", body["error"])
	assert.NotEmpty(t, body["requestId"])
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, env.corr.Pending())
}

func TestScenarioE_ConcurrentSearchesCorrelateIndependently(t *testing.T) {
	env := newRelayEnv(t, 3*time.Second)
	var (
		mu   sync.Mutex
		held []envelope.Envelope
	)
	env.connectStation(t, func(c *stationclient.Client) {
		c.Handle(envelope.TypeLibrarySearch, func(_ context.Context, c *stationclient.Client, req envelope.Envelope) {
			mu.Lock()
			held = append(held, req)
			batch := held
			if len(batch) == 2 {
				held = nil
			}
			mu.Unlock()
			if len(batch) < 2 {
				return
			}
			// Answer in reverse submission order.
			for i := len(batch) - 1; i >= 0; i-- {
				p, _ := envelope.GetPayload[envelope.LibrarySearchPayload](batch[i])
				_ = c.Reply(batch[i], envelope.TypeLibrarySearchResult, envelope.LibrarySearchResultPayload{
					Tracks: []envelope.TrackSummary{{TrackID: "id-" + p.Query, Title: p.Query}},
					Total:  1,
				})
			}
		})
	})

	queries := []string{"coltrane", "monk"}
	results := make([]apiResponse, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			results[i] = env.call(t, http.MethodPost, "/api/v1/stations/WXYZ-FM/library/search", "search-key", map[string]any{"query": q})
		}(i, q)
	}
	wg.Wait()

	for i, q := range queries {
		require.Equal(t, http.StatusOK, results[i].status, string(results[i].body))
		var payload envelope.LibrarySearchResultPayload
		require.NoError(t, json.Unmarshal(results[i].body, &payload))
		require.Len(t, payload.Tracks, 1)
		assert.Equal(t, q, payload.Tracks[0].Title)
	}
}

func TestCachedStateAfterUpdates(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	c := env.connectStation(t, nil)
	require.NoError(t, c.UpdateNowPlaying(envelope.NowPlayingPayload{IsPlaying: true, TrackID: "t1", Title: "Naima"}))

	require.Eventually(t, func() bool {
		resp := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM/now-playing", "", nil)
		return resp.status == http.StatusOK && strings.Contains(string(resp.body), "Naima")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEmptyUpdatesResetToDefaults(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	c := env.connectStation(t, nil)
	require.NoError(t, c.UpdateNowPlaying(envelope.NowPlayingPayload{IsPlaying: true, TrackID: "t1", Title: "Naima"}))
	require.NoError(t, c.UpdateQueue(envelope.QueueStatePayload{
		Items:                []envelope.QueueItem{{Position: 0, TrackID: "t2", Title: "Blue in Green"}},
		TotalDurationSeconds: 337,
	}))
	require.Eventually(t, func() bool {
		resp := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM/queue", "", nil)
		return strings.Contains(string(resp.body), "Blue in Green")
	}, 2*time.Second, 20*time.Millisecond)

	for _, msgType := range []string{envelope.TypeNowPlayingUpdate, envelope.TypeQueueUpdate} {
		msg, err := envelope.New(msgType, testStation, nil)
		require.NoError(t, err)
		require.NoError(t, c.Send(msg))
	}

	require.Eventually(t, func() bool {
		resp := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM/queue", "", nil)
		return resp.status == http.StatusOK && !strings.Contains(string(resp.body), "Blue in Green")
	}, 2*time.Second, 20*time.Millisecond)
	q := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM/queue", "", nil)
	assert.JSONEq(t, `{"items":[],"totalDurationSeconds":0}`, string(q.body))

	np := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM/now-playing", "", nil)
	require.Equal(t, http.StatusOK, np.status)
	body := np.json(t)
	assert.Equal(t, false, body["isPlaying"])
	assert.NotContains(t, string(np.body), "Naima")
}

func TestLiveReadsRequireIdentity(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	station := stationclient.NewStation(stationclient.DemoLibrary())
	station.Add(envelope.QueueAddPayload{TrackID: "trk-003"})
	env.connectStation(t, station.Install)

	anon := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM/queue?live=true", "", nil)
	assert.Equal(t, http.StatusUnauthorized, anon.status)

	live := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM/queue?live=true", "reader-key", nil)
	require.Equal(t, http.StatusOK, live.status, string(live.body))
	var q envelope.QueueStatePayload
	require.NoError(t, json.Unmarshal(live.body, &q))
	require.Len(t, q.Items, 1)
	assert.Equal(t, "trk-003", q.Items[0].TrackID)

	np := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM/now-playing?live=1", "reader-key", nil)
	require.Equal(t, http.StatusOK, np.status)
	assert.Equal(t, false, np.json(t)["isPlaying"])
}

func TestOfflineReads(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	for _, path := range []string{"/api/v1/stations/NOPE/now-playing", "/api/v1/stations/NOPE/queue"} {
		resp := env.call(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusNotFound, resp.status, path)
		assert.Equal(t, "ERR_STATION_OFFLINE", resp.json(t)["error"])
	}
	status := env.call(t, http.MethodGet, "/api/v1/stations/NOPE", "reader-key", nil)
	assert.Equal(t, http.StatusNotFound, status.status)
}

func TestPermissions(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	env.connectStation(t, nil)

	cases := []struct {
		name   string
		method string
		path   string
		key    string
		body   any
		want   int
	}{
		{"list needs identity", http.MethodGet, "/api/v1/stations", "", nil, http.StatusUnauthorized},
		{"search needs search", http.MethodPost, "/api/v1/stations/WXYZ-FM/library/search", "reader-key", map[string]any{"query": "x"}, http.StatusForbidden},
		{"queue add needs queue", http.MethodPost, "/api/v1/stations/WXYZ-FM/queue/add", "search-key", map[string]any{"trackId": "x"}, http.StatusForbidden},
		{"skip needs admin", http.MethodPost, "/api/v1/stations/WXYZ-FM/queue/skip", "dj-key", nil, http.StatusForbidden},
		{"bad key", http.MethodGet, "/api/v1/stations/WXYZ-FM/now-playing", "wrong", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.call(t, tc.method, tc.path, tc.key, tc.body)
			assert.Equal(t, tc.want, resp.status, string(resp.body))
		})
	}
}

func TestAdminCommandsAreFireAndForget(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	station := stationclient.NewStation(stationclient.DemoLibrary())
	station.Add(envelope.QueueAddPayload{TrackID: "trk-001"})
	station.Add(envelope.QueueAddPayload{TrackID: "trk-002"})
	station.Add(envelope.QueueAddPayload{TrackID: "trk-003"})
	env.connectStation(t, station.Install)

	resp := env.call(t, http.MethodDelete, "/api/v1/stations/WXYZ-FM/queue/1", "ops-key", nil)
	require.Equal(t, http.StatusAccepted, resp.status, string(resp.body))
	assert.Equal(t, envelope.TypeQueueRemove, resp.json(t)["type"])
	require.Eventually(t, func() bool { return len(station.Queue().Items) == 2 }, time.Second, 10*time.Millisecond)

	resp = env.call(t, http.MethodPost, "/api/v1/stations/WXYZ-FM/queue/skip", "ops-key", nil)
	require.Equal(t, http.StatusAccepted, resp.status)
	require.Eventually(t, func() bool { return station.NowPlaying().IsPlaying }, time.Second, 10*time.Millisecond)

	resp = env.call(t, http.MethodDelete, "/api/v1/stations/WXYZ-FM/queue", "ops-key", nil)
	require.Equal(t, http.StatusAccepted, resp.status)
	require.Eventually(t, func() bool { return len(station.Queue().Items) == 0 }, time.Second, 10*time.Millisecond)

	bad := env.call(t, http.MethodDelete, "/api/v1/stations/WXYZ-FM/queue/-2", "ops-key", nil)
	assert.Equal(t, http.StatusBadRequest, bad.status)
	assert.Equal(t, "ERR_VALIDATION", bad.json(t)["error"])

	offline := env.call(t, http.MethodPost, "/api/v1/stations/NOPE/queue/skip", "ops-key", nil)
	assert.Equal(t, http.StatusNotFound, offline.status)
}

func TestValidationAndStationErrors(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	env.connectStation(t, func(c *stationclient.Client) {
		c.Handle(envelope.TypeSongRequest, func(_ context.Context, c *stationclient.Client, req envelope.Envelope) {
			_ = c.ReplyError(req, "ERR_REQUESTS_CLOSED", "requests are closed tonight")
		})
	})

	resp := env.call(t, http.MethodPost, "/api/v1/stations/WXYZ-FM/queue/add", "dj-key", map[string]any{"trackId": "  "})
	require.Equal(t, http.StatusBadRequest, resp.status)
	body := resp.json(t)
	assert.Equal(t, "ERR_VALIDATION", body["error"])
	assert.Equal(t, map[string]any{"field": "trackId"}, body["details"])

	resp = env.call(t, http.MethodPost, "/api/v1/stations/WXYZ-FM/library/search", "search-key", nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = env.call(t, http.MethodPost, "/api/v1/stations/WXYZ-FM/requests", "", map[string]any{"trackId": "trk-001"})
	require.Equal(t, http.StatusBadRequest, resp.status)
	body = resp.json(t)
	assert.Equal(t, "ERR_REQUESTS_CLOSED", body["error"])
	assert.Equal(t, "requests are closed tonight", body["message"])
}

func TestConnectionLostMidRequest(t *testing.T) {
	env := newRelayEnv(t, 3*time.Second)
	env.connectStation(t, func(c *stationclient.Client) {
		c.Handle(envelope.TypeLibrarySearch, func(context.Context, *stationclient.Client, envelope.Envelope) {
			go func() { _ = c.Close() }()
		})
	})

	resp := env.call(t, http.MethodPost, "/api/v1/stations/WXYZ-FM/library/search", "search-key", map[string]any{"query": "x"})
	require.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.Equal(t, "ERR_STATION_DISCONNECTED", resp.json(t)["error"])
}

func TestSongRequestsAreRateLimited(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	station := stationclient.NewStation(stationclient.DemoLibrary())
	env.connectStation(t, station.Install)

	first := env.call(t, http.MethodPost, "/api/v1/stations/WXYZ-FM/requests", "", map[string]any{"trackId": "trk-004", "requesterName": "Sam"})
	require.Equal(t, http.StatusOK, first.status, string(first.body))
	assert.Equal(t, true, first.json(t)["accepted"])

	var last apiResponse
	for i := 0; i < 3; i++ {
		last = env.call(t, http.MethodPost, "/api/v1/stations/WXYZ-FM/requests", "", map[string]any{"trackId": "trk-005"})
	}
	assert.Equal(t, http.StatusTooManyRequests, last.status)
	assert.Equal(t, "ERR_RATE_LIMITED", last.json(t)["error"])
}

func TestTokenIssueAndBearerUse(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	env.connectStation(t, nil)

	resp := env.call(t, http.MethodPost, "/api/v1/auth/token", "reader-key", nil)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	body := resp.json(t)
	token, _ := body["accessToken"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "Bearer", body["tokenType"])

	denied := env.call(t, http.MethodPost, "/api/v1/auth/token", "", nil)
	assert.Equal(t, http.StatusUnauthorized, denied.status)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/stations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	var list struct {
		Stations []registry.Snapshot `json:"stations"`
		Count    int                 `json:"count"`
	}
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, testStation, list.Stations[0].StationID)
}

func TestStationStatusAndHealth(t *testing.T) {
	env := newRelayEnv(t, 2*time.Second)
	c := env.connectStation(t, nil)

	status := env.call(t, http.MethodGet, "/api/v1/stations/WXYZ-FM", "reader-key", nil)
	require.Equal(t, http.StatusOK, status.status)
	body := status.json(t)
	assert.Equal(t, true, body["online"])
	assert.Equal(t, c.ConnectionID(), body["connectionId"])

	health := env.call(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, health.status)
	hb := health.json(t)
	assert.Equal(t, "ok", hb["status"])
	assert.Equal(t, float64(1), hb["stations"])

	missing := env.call(t, http.MethodGet, "/api/v1/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.status)
	assert.Equal(t, "ERR_NOT_FOUND", missing.json(t)["error"])
}

func TestCanceledRequestIsNotReportedAsSuccess(t *testing.T) {
	g := New(Options{Logger: logx.Nop()})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/stations/WXYZ-FM/queue/add", nil)
	rec := httptest.NewRecorder()

	g.writeRelayError(rec, req, fmt.Errorf("await reply: %w", context.Canceled))

	assert.Equal(t, StatusClientClosedRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ERR_CLIENT_CLOSED", body["error"])
}
