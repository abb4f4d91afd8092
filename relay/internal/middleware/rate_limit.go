package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"station-relay/shared/authx"
	"station-relay/shared/httpx"
	"station-relay/shared/logx"
)

// Limiter decides whether one more request for key fits the budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitMiddleware keys requests by authenticated client id, falling back
// to the client IP. When the primary limiter errors (e.g. Redis is down) the
// fallback decides instead.
type RateLimitMiddleware struct {
	Limiter  Limiter
	Fallback Limiter
	Scope    string
	Logger   logx.Logger
	Skip     func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := rateLimitKey(r)
		if m.Scope != "" {
			key = m.Scope + ":" + key
		}
		ok, err := m.Limiter.Allow(r.Context(), key)
		if err != nil {
			m.Logger.Warn(r.Context(), "rate_limit_unavailable", "rate limiter failed, using fallback",
				slog.String("error_code", "ERR_INTERNAL"),
				slog.String("error", err.Error()),
			)
			ok = true
			if m.Fallback != nil {
				ok, _ = m.Fallback.Allow(r.Context(), key)
			}
		}
		if !ok {
			httpx.WriteError(w, r, http.StatusTooManyRequests, "ERR_RATE_LIMITED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) string {
	if id, ok := authx.IdentityFromContext(r.Context()); ok && id.ClientID != "" {
		return "client:" + id.ClientID
	}
	ip := httpx.ClientIP(r)
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// IPRateLimiter is an in-process token bucket per key.
type IPRateLimiter struct {
	mu      sync.Mutex
	rps     float64
	burst   float64
	ttl     time.Duration
	clients map[string]*clientTokens
	now     func() time.Time
}

type clientTokens struct {
	tokens   float64
	lastSeen time.Time
}

func NewIPRateLimiter(rps float64, burst int, ttl time.Duration) *IPRateLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 5
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &IPRateLimiter{
		rps:     rps,
		burst:   float64(burst),
		ttl:     ttl,
		clients: make(map[string]*clientTokens),
		now:     time.Now,
	}
}

func (l *IPRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanup(now)

	client, ok := l.clients[key]
	if !ok {
		l.clients[key] = &clientTokens{
			tokens:   l.burst - 1,
			lastSeen: now,
		}
		return true, nil
	}

	elapsed := now.Sub(client.lastSeen).Seconds()
	client.tokens += elapsed * l.rps
	if client.tokens > l.burst {
		client.tokens = l.burst
	}
	client.lastSeen = now
	if client.tokens < 1 {
		return false, nil
	}
	client.tokens -= 1
	return true, nil
}

func (l *IPRateLimiter) cleanup(now time.Time) {
	for key, client := range l.clients {
		if now.Sub(client.lastSeen) > l.ttl {
			delete(l.clients, key)
		}
	}
}

// A fixed window counter: the first hit in a window sets its expiry.
const windowScript = `
local n = redis.call("incr", KEYS[1])
if n == 1 then
	redis.call("pexpire", KEYS[1], ARGV[1])
end
return n
`

// RedisRateLimiter shares the budget across relay instances. It allows
// burst requests per window of burst/rps seconds.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, prefix string, rps float64, burst int) *RedisRateLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 5
	}
	window := time.Duration(math.Ceil(float64(burst)/rps*1000)) * time.Millisecond
	if window < time.Second {
		window = time.Second
	}
	return &RedisRateLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(burst),
		window: window,
		now:    time.Now,
	}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Eval(ctx, windowScript, []string{l.windowKey(key)}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n <= l.limit, nil
}

// windowKey is <prefix>:<key>:<window number>.
func (l *RedisRateLimiter) windowKey(key string) string {
	slot := strconv.FormatInt(l.now().UnixMilli()/l.window.Milliseconds(), 10)
	if l.prefix == "" {
		return key + ":" + slot
	}
	return strings.TrimSuffix(l.prefix, ":") + ":" + key + ":" + slot
}
