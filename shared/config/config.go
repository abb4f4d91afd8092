package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	ReplacePolicySupersede = "supersede"
	ReplacePolicyReject    = "reject"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIKey is one entry of the static REST credential table.
type APIKey struct {
	Key         string   `json:"key"`
	ClientID    string   `json:"clientId"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	StationRequestTimeoutMS  int
	StationRequestTimeout    time.Duration
	HeartbeatTimeoutSec      int
	HeartbeatIntervalSec     int
	AuthTimeoutSec           int
	MaxConnectionsPerStation int
	ReplacePolicy            string
	MaxMessageBytes          int
	SendQueueSize            int
	WriteTimeoutMS           int
	ProtocolErrorLimit       int

	StationTokens map[string]string
	APIKeys       []APIKey

	JWTSecret        string
	JWTIssuer        string
	JWTAudience      string
	JWTExpirationMin int
	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	JWTClockSkewSec  int

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	PresenceTTLSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	AuditEnabled     bool

	KafkaBrokers     []string
	KafkaClientID    string
	KafkaEventsTopic string
	KafkaRetryMax    int
	KafkaWriteMS     int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Default(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, os.Getenv, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	return cfg, problems
}

// Default returns the configuration used before any file or environment
// override is applied.
func Default(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:              serviceName,
		HTTPPort:                 httpPort,
		LogLevel:                 "info",
		RequestTimeoutMS:         30000,
		RequestTimeout:           30 * time.Second,
		StationRequestTimeoutMS:  10000,
		StationRequestTimeout:    10 * time.Second,
		HeartbeatTimeoutSec:      90,
		HeartbeatIntervalSec:     30,
		AuthTimeoutSec:           10,
		MaxConnectionsPerStation: 1,
		ReplacePolicy:            ReplacePolicySupersede,
		MaxMessageBytes:          1 << 20,
		SendQueueSize:            64,
		WriteTimeoutMS:           10000,
		ProtocolErrorLimit:       5,
		StationTokens:            map[string]string{},
		JWTIssuer:                "station-relay",
		JWTAudience:              "station-relay-api",
		JWTExpirationMin:         60,
		JWKSTTLSeconds:           300,
		JWTClockSkewSec:          60,
		RateLimitRPS:             0.2,
		RateLimitBurst:           3,
		PresenceTTLSec:           180,
		DBMaxConns:               10,
		DBMinConns:               1,
		DBConnMaxIdleSec:         300,
		DBConnMaxLifeSec:         1800,
		KafkaEventsTopic:         "relay.station.events",
		KafkaRetryMax:            5,
		KafkaWriteMS:             5000,
		InfluxTimeoutMS:          5000,
		OtelInsecure:             true,
		OtelSampleRatio:          1.0,
	}
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	positive := func(field string, v *int, fallback int) {
		if *v <= 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be > 0"})
			*v = fallback
		}
	}
	nonNegative := func(field string, v *int, fallback int) {
		if *v < 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be >= 0"})
			*v = fallback
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	positive("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 30000)
	positive("STATION_REQUEST_TIMEOUT_MS", &cfg.StationRequestTimeoutMS, 10000)
	positive("HEARTBEAT_TIMEOUT_SECONDS", &cfg.HeartbeatTimeoutSec, 90)
	positive("HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatIntervalSec, 30)
	positive("AUTH_TIMEOUT_SECONDS", &cfg.AuthTimeoutSec, 10)
	positive("MAX_CONNECTIONS_PER_STATION", &cfg.MaxConnectionsPerStation, 1)
	positive("MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes, 1<<20)
	positive("SEND_QUEUE_SIZE", &cfg.SendQueueSize, 64)
	positive("WRITE_TIMEOUT_MS", &cfg.WriteTimeoutMS, 10000)
	positive("PROTOCOL_ERROR_LIMIT", &cfg.ProtocolErrorLimit, 5)
	positive("JWT_EXPIRATION_MINUTES", &cfg.JWTExpirationMin, 60)
	positive("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, 300)
	nonNegative("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 60)
	positive("RATE_LIMIT_BURST", &cfg.RateLimitBurst, 3)
	positive("PRESENCE_TTL_SECONDS", &cfg.PresenceTTLSec, 180)
	nonNegative("REDIS_DB", &cfg.RedisDB, 0)
	positive("DB_MAX_CONNS", &cfg.DBMaxConns, 10)
	nonNegative("DB_MIN_CONNS", &cfg.DBMinConns, 1)
	positive("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 300)
	positive("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1800)
	nonNegative("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 5)
	positive("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 5000)
	positive("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 5000)

	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.HeartbeatIntervalSec >= cfg.HeartbeatTimeoutSec {
		*problems = append(*problems, Problem{Field: "HEARTBEAT_INTERVAL_SECONDS", Message: "HEARTBEAT_INTERVAL_SECONDS must be < HEARTBEAT_TIMEOUT_SECONDS"})
	}
	cfg.ReplacePolicy = strings.ToLower(strings.TrimSpace(cfg.ReplacePolicy))
	if cfg.ReplacePolicy != ReplacePolicySupersede && cfg.ReplacePolicy != ReplacePolicyReject {
		*problems = append(*problems, Problem{Field: "CONNECTION_REPLACE_POLICY", Message: "CONNECTION_REPLACE_POLICY must be supersede or reject"})
		cfg.ReplacePolicy = ReplacePolicySupersede
	}
	if cfg.RateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = 0.2
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
	if len(cfg.StationTokens) == 0 {
		*problems = append(*problems, Problem{Field: "STATION_TOKENS", Message: "no station tokens configured; stations cannot authenticate"})
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		*problems = append(*problems, Problem{Field: "JWT_SECRET", Message: "JWT_SECRET is required to issue bearer tokens"})
	}
	for i, k := range cfg.APIKeys {
		if strings.TrimSpace(k.Key) == "" || strings.TrimSpace(k.ClientID) == "" {
			*problems = append(*problems, Problem{Field: "API_KEYS", Message: fmt.Sprintf("entry %d requires key and clientId", i)})
		}
	}

	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	cfg.StationRequestTimeout = time.Duration(cfg.StationRequestTimeoutMS) * time.Millisecond
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutSec) * time.Second
}

func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c Config) JWTExpiration() time.Duration {
	return time.Duration(c.JWTExpirationMin) * time.Minute
}

func (c Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSec) * time.Second
}

// StationIDs returns the configured station ids in stable order.
func (c Config) StationIDs() []string {
	ids := make([]string, 0, len(c.StationTokens))
	for id := range c.StationTokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

type settingKind int

const (
	kindString settingKind = iota
	kindInt
	kindBool
	kindFloat
	kindCSV
)

type setting struct {
	key  string
	kind settingKind
	str  *string
	num  *int
	flag *bool
	f    *float64
	list *[]string
}

func (c *Config) settings() []setting {
	s := func(key string, p *string) setting { return setting{key: key, kind: kindString, str: p} }
	i := func(key string, p *int) setting { return setting{key: key, kind: kindInt, num: p} }
	b := func(key string, p *bool) setting { return setting{key: key, kind: kindBool, flag: p} }
	f := func(key string, p *float64) setting { return setting{key: key, kind: kindFloat, f: p} }
	l := func(key string, p *[]string) setting { return setting{key: key, kind: kindCSV, list: p} }

	return []setting{
		s("ENV", &c.Env),
		s("SERVICE_NAME", &c.ServiceName),
		i("HTTP_PORT", &c.HTTPPort),
		s("LOG_LEVEL", &c.LogLevel),
		i("REQUEST_TIMEOUT_MS", &c.RequestTimeoutMS),
		i("STATION_REQUEST_TIMEOUT_MS", &c.StationRequestTimeoutMS),
		i("HEARTBEAT_TIMEOUT_SECONDS", &c.HeartbeatTimeoutSec),
		i("HEARTBEAT_INTERVAL_SECONDS", &c.HeartbeatIntervalSec),
		i("AUTH_TIMEOUT_SECONDS", &c.AuthTimeoutSec),
		i("MAX_CONNECTIONS_PER_STATION", &c.MaxConnectionsPerStation),
		s("CONNECTION_REPLACE_POLICY", &c.ReplacePolicy),
		i("MAX_MESSAGE_BYTES", &c.MaxMessageBytes),
		i("SEND_QUEUE_SIZE", &c.SendQueueSize),
		i("WRITE_TIMEOUT_MS", &c.WriteTimeoutMS),
		i("PROTOCOL_ERROR_LIMIT", &c.ProtocolErrorLimit),
		s("JWT_SECRET", &c.JWTSecret),
		s("JWT_ISSUER", &c.JWTIssuer),
		s("JWT_AUDIENCE", &c.JWTAudience),
		i("JWT_EXPIRATION_MINUTES", &c.JWTExpirationMin),
		s("OIDC_ISSUER", &c.OIDCIssuer),
		s("OIDC_AUDIENCE", &c.OIDCAudience),
		s("OIDC_JWKS_URL", &c.OIDCJWKSURL),
		i("JWKS_CACHE_TTL_SECONDS", &c.JWKSTTLSeconds),
		i("JWT_CLOCK_SKEW_SECONDS", &c.JWTClockSkewSec),
		l("CORS_ALLOWED_ORIGINS", &c.CORSAllowedOrigins),
		f("RATE_LIMIT_RPS", &c.RateLimitRPS),
		i("RATE_LIMIT_BURST", &c.RateLimitBurst),
		s("REDIS_ADDR", &c.RedisAddr),
		s("REDIS_PASSWORD", &c.RedisPassword),
		i("REDIS_DB", &c.RedisDB),
		i("PRESENCE_TTL_SECONDS", &c.PresenceTTLSec),
		s("DATABASE_URL", &c.DatabaseURL),
		i("DB_MAX_CONNS", &c.DBMaxConns),
		i("DB_MIN_CONNS", &c.DBMinConns),
		i("DB_CONN_MAX_IDLE_SECONDS", &c.DBConnMaxIdleSec),
		i("DB_CONN_MAX_LIFETIME_SECONDS", &c.DBConnMaxLifeSec),
		b("AUDIT_ENABLED", &c.AuditEnabled),
		l("KAFKA_BROKERS", &c.KafkaBrokers),
		s("KAFKA_CLIENT_ID", &c.KafkaClientID),
		s("KAFKA_EVENTS_TOPIC", &c.KafkaEventsTopic),
		i("KAFKA_RETRY_MAX", &c.KafkaRetryMax),
		i("KAFKA_WRITE_TIMEOUT_MS", &c.KafkaWriteMS),
		s("INFLUX_URL", &c.InfluxURL),
		s("INFLUX_TOKEN", &c.InfluxToken),
		s("INFLUX_ORG", &c.InfluxOrg),
		s("INFLUX_BUCKET", &c.InfluxBucket),
		i("INFLUX_TIMEOUT_MS", &c.InfluxTimeoutMS),
		b("OTEL_ENABLED", &c.OtelEnabled),
		s("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OtelEndpoint),
		b("OTEL_EXPORTER_OTLP_INSECURE", &c.OtelInsecure),
		f("OTEL_SAMPLE_RATIO", &c.OtelSampleRatio),
	}
}

func (st setting) apply(v any, problems *[]Problem) {
	switch st.kind {
	case kindString:
		if s, ok := v.(string); ok {
			*st.str = strings.TrimSpace(s)
		} else {
			*problems = append(*problems, Problem{Field: st.key, Message: st.key + " must be a string"})
		}
	case kindInt:
		if n, ok := asInt(v); ok {
			*st.num = n
		} else {
			*problems = append(*problems, Problem{Field: st.key, Message: st.key + " must be an integer"})
		}
	case kindBool:
		switch t := v.(type) {
		case bool:
			*st.flag = t
		case string:
			if b, ok := asBool(t); ok {
				*st.flag = b
			} else {
				*problems = append(*problems, Problem{Field: st.key, Message: st.key + " must be a boolean"})
			}
		default:
			*problems = append(*problems, Problem{Field: st.key, Message: st.key + " must be a boolean"})
		}
	case kindFloat:
		if f, ok := asFloat(v); ok {
			*st.f = f
		} else {
			*problems = append(*problems, Problem{Field: st.key, Message: st.key + " must be a number"})
		}
	case kindCSV:
		switch t := v.(type) {
		case string:
			*st.list = parseCSV(t)
		case []any:
			*st.list = parseAnyCSV(t)
		default:
			*problems = append(*problems, Problem{Field: st.key, Message: st.key + " must be a list"})
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	settings := cfg.settings()
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "STATION_TOKENS", "STATIONS":
			applyStationTokens(cfg, v, problems)
			continue
		case "API_KEYS":
			applyAPIKeys(cfg, v, problems)
			continue
		}
		for _, st := range settings {
			if st.key == key {
				st.apply(v, problems)
				break
			}
		}
	}
}

func applyEnv(cfg *Config, getenv func(string) string, problems *[]Problem) {
	for _, st := range cfg.settings() {
		raw := strings.TrimSpace(getenv(st.key))
		if raw == "" && st.key == "HTTP_PORT" {
			raw = strings.TrimSpace(getenv("PORT"))
		}
		if raw == "" {
			continue
		}
		st.apply(raw, problems)
	}
	if v := strings.TrimSpace(getenv("STATION_TOKENS")); v != "" {
		applyStationTokens(cfg, v, problems)
	}
	if v := strings.TrimSpace(getenv("API_KEYS")); v != "" {
		applyAPIKeys(cfg, v, problems)
	}
}

// applyStationTokens accepts either a JSON object {"stationId": "token"} or
// a "stationId=token,stationId2=token2" string.
func applyStationTokens(cfg *Config, v any, problems *[]Problem) {
	if cfg.StationTokens == nil {
		cfg.StationTokens = map[string]string{}
	}
	switch t := v.(type) {
	case map[string]any:
		for id, tok := range t {
			s, ok := tok.(string)
			id = strings.TrimSpace(id)
			if !ok || id == "" || strings.TrimSpace(s) == "" {
				*problems = append(*problems, Problem{Field: "STATION_TOKENS", Message: fmt.Sprintf("invalid token entry for station %q", id)})
				continue
			}
			cfg.StationTokens[id] = strings.TrimSpace(s)
		}
	case string:
		for _, pair := range parseCSV(t) {
			id, tok, ok := strings.Cut(pair, "=")
			id, tok = strings.TrimSpace(id), strings.TrimSpace(tok)
			if !ok || id == "" || tok == "" {
				*problems = append(*problems, Problem{Field: "STATION_TOKENS", Message: "STATION_TOKENS entries must be stationId=token"})
				continue
			}
			cfg.StationTokens[id] = tok
		}
	default:
		*problems = append(*problems, Problem{Field: "STATION_TOKENS", Message: "STATION_TOKENS must be an object or string"})
	}
}

// applyAPIKeys accepts either a JSON list of APIKey objects or a
// "key:clientId:perm|perm,..." string.
func applyAPIKeys(cfg *Config, v any, problems *[]Problem) {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			obj, ok := item.(map[string]any)
			if !ok {
				*problems = append(*problems, Problem{Field: "API_KEYS", Message: "API_KEYS entries must be objects"})
				continue
			}
			key := APIKey{}
			for k, raw := range obj {
				switch strings.ToLower(strings.TrimSpace(k)) {
				case "key":
					key.Key, _ = raw.(string)
				case "clientid", "client_id":
					key.ClientID, _ = raw.(string)
				case "name":
					key.Name, _ = raw.(string)
				case "permissions":
					switch p := raw.(type) {
					case []any:
						key.Permissions = parseAnyCSV(p)
					case string:
						key.Permissions = parseCSV(p)
					}
				}
			}
			cfg.APIKeys = append(cfg.APIKeys, normalizeAPIKey(key))
		}
	case string:
		for _, entry := range parseCSV(t) {
			parts := strings.SplitN(entry, ":", 3)
			if len(parts) < 2 {
				*problems = append(*problems, Problem{Field: "API_KEYS", Message: "API_KEYS entries must be key:clientId[:perm|perm]"})
				continue
			}
			key := APIKey{Key: parts[0], ClientID: parts[1]}
			if len(parts) == 3 {
				key.Permissions = strings.Split(parts[2], "|")
			}
			cfg.APIKeys = append(cfg.APIKeys, normalizeAPIKey(key))
		}
	default:
		*problems = append(*problems, Problem{Field: "API_KEYS", Message: "API_KEYS must be a list or string"})
	}
}

func normalizeAPIKey(k APIKey) APIKey {
	k.Key = strings.TrimSpace(k.Key)
	k.ClientID = strings.TrimSpace(k.ClientID)
	k.Name = strings.TrimSpace(k.Name)
	if k.Name == "" {
		k.Name = k.ClientID
	}
	perms := make([]string, 0, len(k.Permissions))
	for _, p := range k.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			perms = append(perms, p)
		}
	}
	k.Permissions = perms
	return k
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
