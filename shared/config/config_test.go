package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	env := map[string]string{
		"PORT":                        "9090",
		"HEARTBEAT_TIMEOUT_SECONDS":   "45",
		"CONNECTION_REPLACE_POLICY":   "reject",
		"STATION_TOKENS":              "WXYZ-FM=secret1, KQED=secret2",
		"API_KEYS":                    "k1:wp-plugin:read|search,k2:admin-tool:admin",
		"CORS_ALLOWED_ORIGINS":        "https://a.example, https://b.example",
		"OTEL_EXPORTER_OTLP_INSECURE": "false",
		"RATE_LIMIT_RPS":              "1.5",
	}
	cfg := Default("relay", 8080)
	var problems []Problem
	applyEnv(&cfg, func(k string) string { return env[k] }, &problems)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.HTTPPort != 9090 || cfg.HeartbeatTimeoutSec != 45 || cfg.ReplacePolicy != ReplacePolicyReject {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.StationTokens["WXYZ-FM"] != "secret1" || cfg.StationTokens["KQED"] != "secret2" {
		t.Fatalf("unexpected station tokens: %#v", cfg.StationTokens)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0].ClientID != "wp-plugin" || len(cfg.APIKeys[0].Permissions) != 2 {
		t.Fatalf("unexpected api keys: %#v", cfg.APIKeys)
	}
	if cfg.APIKeys[1].Name != "admin-tool" {
		t.Fatalf("expected name to default to client id, got %q", cfg.APIKeys[1].Name)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.OtelInsecure || cfg.RateLimitRPS != 1.5 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default("relay", 8080)
	var problems []Problem
	applyEnv(&cfg, func(k string) string {
		if k == "SEND_QUEUE_SIZE" {
			return "lots"
		}
		return ""
	}, &problems)
	if len(problems) != 1 || problems[0].Field != "SEND_QUEUE_SIZE" {
		t.Fatalf("expected SEND_QUEUE_SIZE problem, got %#v", problems)
	}
	if cfg.SendQueueSize != 64 {
		t.Fatalf("expected default to survive, got %d", cfg.SendQueueSize)
	}
}

func TestLoadReadsConfigFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")
	body := `{
		"ENV": "test",
		"station_request_timeout_ms": 2500,
		"STATION_TOKENS": {"WXYZ-FM": "from-file"},
		"API_KEYS": [{"key": "k1", "clientId": "widget", "permissions": ["READ", "search"]}],
		"JWT_SECRET": "file-secret"
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("ENV", "")
	t.Setenv("MAX_CONNECTIONS_PER_STATION", "2")

	cfg, problems := Load("relay", 8080)
	for _, p := range problems {
		t.Fatalf("unexpected problem: %#v", p)
	}
	if cfg.StationRequestTimeout != 2500*time.Millisecond {
		t.Fatalf("expected file timeout, got %s", cfg.StationRequestTimeout)
	}
	if cfg.MaxConnectionsPerStation != 2 {
		t.Fatalf("expected env override, got %d", cfg.MaxConnectionsPerStation)
	}
	if cfg.StationTokens["WXYZ-FM"] != "from-file" {
		t.Fatalf("unexpected tokens: %#v", cfg.StationTokens)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0].Permissions[0] != "read" {
		t.Fatalf("unexpected api keys: %#v", cfg.APIKeys)
	}
}

func TestValidateFallsBackOnInvalidValues(t *testing.T) {
	cfg := Default("relay", 8080)
	cfg.ReplacePolicy = "newest"
	cfg.HTTPPort = 70000
	cfg.HeartbeatIntervalSec = 120
	cfg.StationTokens = map[string]string{"A": "t"}
	cfg.JWTSecret = "s"
	var problems []Problem
	validate(&cfg, 8080, &problems)

	fields := map[string]bool{}
	for _, p := range problems {
		fields[p.Field] = true
	}
	for _, f := range []string{"CONNECTION_REPLACE_POLICY", "HTTP_PORT", "HEARTBEAT_INTERVAL_SECONDS"} {
		if !fields[f] {
			t.Fatalf("expected problem for %s, got %#v", f, problems)
		}
	}
	if cfg.ReplacePolicy != ReplacePolicySupersede || cfg.HTTPPort != 8080 {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
}

func TestStationIDsSorted(t *testing.T) {
	cfg := Config{StationTokens: map[string]string{"b": "1", "a": "2", "c": "3"}}
	ids := cfg.StationIDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Fatalf("unexpected order: %#v", ids)
	}
}
