package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/pkg/response"
)

const rateLimitPrefix = "ratelimit:"

// WindowCounter counts hits on key and forgets them after window.
type WindowCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter implements WindowCounter with INCR and PEXPIRE so every
// instance shares the same budget.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Hit implements WindowCounter.
func (r *RedisCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// windowKey buckets hits by client and window start, so expiry only cleans
// up. It also returns how long until the bucket closes.
func windowKey(scope, client string, window time.Duration, now time.Time) (string, time.Duration) {
	size := window.Milliseconds()
	bucket := now.UnixMilli() / size
	reset := time.Duration((bucket+1)*size-now.UnixMilli()) * time.Millisecond
	return rateLimitPrefix + scope + ":" + client + ":" + strconv.FormatInt(bucket, 10), reset
}

// RateLimit allows limit requests per client IP and window. Requests over the
// budget get 429. Counter errors let the request through.
func RateLimit(counter WindowCounter, scope string, limit int, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if counter == nil || limit <= 0 || window <= 0 {
			c.Next()
			return
		}
		key, reset := windowKey(scope, c.ClientIP(), window, time.Now())
		count, err := counter.Hit(c.Request.Context(), key, window)
		if err != nil {
			logger.Warn("rate limit counter unavailable", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}
		resetSec := strconv.Itoa(int((reset + time.Second - 1) / time.Second))
		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("RateLimit-Limit", strconv.Itoa(limit))
		c.Header("RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Header("RateLimit-Reset", resetSec)
		if count > int64(limit) {
			logger.Warn("rate limit exceeded",
				zap.String("scope", scope),
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.FullPath()))
			c.Header("Retry-After", resetSec)
			response.TooManyRequests(c, "too many requests, please try again later")
			return
		}
		c.Next()
	}
}
