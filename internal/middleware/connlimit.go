package middleware

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	connLimitKeyPrefix = "connlimit:"
	connLimitWindow    = 60 * time.Second
)

var connLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    return 0
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

return 1
`)

// ConnLimiter bounds websocket connection attempts per organization token
// per minute, protecting the relay from reconnect storms. Redis failures
// fail open: a broken limiter must not take down connectivity.
type ConnLimiter struct {
	client *redis.Client
	limit  int
}

func NewConnLimiter(client *redis.Client, limit int) *ConnLimiter {
	return &ConnLimiter{client: client, limit: limit}
}

func (l *ConnLimiter) Allow(ctx context.Context, orgToken string) bool {
	if l.limit <= 0 || orgToken == "" {
		return true
	}

	key := connLimitKeyPrefix + orgToken
	now := time.Now().Unix()

	allowed, err := connLimitScript.Run(
		ctx, l.client, []string{key},
		now, int64(connLimitWindow.Seconds()), l.limit,
	).Int64()
	if err != nil {
		log.Warn().Err(err).Str("orgToken", orgToken).Msg("connection limit check failed, allowing request")
		return true
	}

	return allowed == 1
}
