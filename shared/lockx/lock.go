package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Scripts only touch the key while it still carries the lease token, so a
// relay instance never clobbers a lease another instance took over.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

var ErrLeaseLost = errors.New("lease no longer held")

type Lease struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Take sets key to a fresh token unconditionally (last writer wins) and
// returns the lease.
func Take(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lease, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	if err := client.Set(ctx, key, token, ttl).Err(); err != nil {
		return nil, err
	}
	return &Lease{Key: key, Token: token, TTL: ttl}, nil
}

// Renew extends the lease TTL. ErrLeaseLost means the key expired or was
// taken by another holder.
func Renew(ctx context.Context, client *redis.Client, lease *Lease) error {
	if client == nil {
		return errors.New("redis client not initialized")
	}
	if lease == nil {
		return errors.New("lease is nil")
	}
	n, err := client.Eval(ctx, renewScript, []string{lease.Key}, lease.Token, lease.TTL.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func Release(ctx context.Context, client *redis.Client, lease *Lease) error {
	if client == nil {
		return errors.New("redis client not initialized")
	}
	if lease == nil {
		return errors.New("lease is nil")
	}
	return client.Eval(ctx, releaseScript, []string{lease.Key}, lease.Token).Err()
}
