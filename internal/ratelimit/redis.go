package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// fixedWindowScript checks before incrementing so a denied request never
// consumes quota. The window starts with the first INCR and expires with
// the key.
const fixedWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current >= limit then
    local ttl = redis.call("PTTL", key)
    if ttl < 0 then
        ttl = window
    end
    return {0, ttl}
end

local n = redis.call("INCR", key)
if n == 1 then
    redis.call("PEXPIRE", key, window)
end
return {1, limit - n}
`

// RedisLimiter is a fixed-window limiter shared by every process that
// talks to the same Redis.
type RedisLimiter struct {
	client redis.Scripter
	script *redis.Script
	prefix string
	limits map[string]Limit
	def    Limit
}

// NewRedisLimiter creates a limiter storing windows under prefix.
func NewRedisLimiter(client redis.Scripter, prefix string, def Limit, limits map[string]Limit) *RedisLimiter {
	if def.Requests <= 0 || def.Window <= 0 {
		def = DefaultLimit
	}
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		prefix: prefix,
		limits: limits,
		def:    def,
	}
}

// NewRedisLimiterFromURL connects to Redis and verifies the connection.
func NewRedisLimiterFromURL(ctx context.Context, url string, def Limit, limits map[string]Limit) (*RedisLimiter, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, eris.Wrap(err, "ratelimit: parse redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, eris.Wrap(err, "ratelimit: redis ping")
	}
	return NewRedisLimiter(client, "", def, limits), client, nil
}

func (r *RedisLimiter) limitFor(key string) Limit {
	if l, ok := r.limits[key]; ok && l.Requests > 0 && l.Window > 0 {
		return l
	}
	return r.def
}

// Allow atomically checks and increments the window for key.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	lim := r.limitFor(key)
	res, err := r.script.Run(ctx, r.client,
		[]string{r.prefix + key},
		lim.Requests,
		lim.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, eris.Wrapf(err, "ratelimit: redis allow %s", key)
	}
	if len(res) != 2 {
		return Decision{}, eris.Errorf("ratelimit: unexpected script result %v", res)
	}

	if res[0] == 0 {
		wait := time.Duration(res[1]) * time.Millisecond
		return Decision{Allowed: false, WaitTime: wait, ResetAt: time.Now().Add(wait)}, nil
	}
	return Decision{Allowed: true, Remaining: int(res[1])}, nil
}
