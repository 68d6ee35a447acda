package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockcoop/settlement-gateway/pkg/logger"
	"github.com/blockcoop/settlement-gateway/pkg/redis"
)

var ErrRateLimited = errors.New("rate limit exceeded")

type Config struct {
	// MaxPerPhone bounds STK pushes per phone number inside Window.
	MaxPerPhone int
	// MaxPerIP bounds initiation requests per client address inside Window.
	MaxPerIP int
	Window   time.Duration

	PhoneKeyPrefix string
	IPKeyPrefix    string
}

func DefaultConfig() Config {
	return Config{
		MaxPerPhone:    3,
		MaxPerIP:       10,
		Window:         time.Minute,
		PhoneKeyPrefix: "rl:phone:",
		IPKeyPrefix:    "rl:ip:",
	}
}

// Limiter is a fixed-window counter on redis. Each first hit in a window
// creates the key with an expiry; the window resets itself when the key
// expires. Counting is best-effort: a redis outage does not block payments.
type Limiter struct {
	redis  redis.RedisAdapter
	config Config
}

func NewLimiter(redisAdapter redis.RedisAdapter, config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &Limiter{
		redis:  redisAdapter,
		config: config,
	}
}

// AllowPhone checks and counts an initiation attempt for a phone number.
func (l *Limiter) AllowPhone(ctx context.Context, phone string) error {
	return l.allow(ctx, l.config.PhoneKeyPrefix+phone, l.config.MaxPerPhone)
}

// AllowIP checks and counts an initiation attempt for a client address.
func (l *Limiter) AllowIP(ctx context.Context, ip string) error {
	return l.allow(ctx, l.config.IPKeyPrefix+ip, l.config.MaxPerIP)
}

func (l *Limiter) allow(ctx context.Context, key string, limit int) error {
	if limit <= 0 {
		return nil
	}

	count, err := l.redis.Incr(key)
	if err != nil {
		logger.Warn("Rate limit counter unavailable, allowing request", "key", key, "error", err)
		return nil
	}
	if count == 1 {
		if err := l.redis.Expire(key, l.config.Window); err != nil {
			logger.Warn("Failed to set rate limit window", "key", key, "error", err)
		}
	}

	if count > int64(limit) {
		return fmt.Errorf("%w: %d requests in %s", ErrRateLimited, count, l.config.Window)
	}
	return nil
}

// Remaining reports how many attempts are left in the current phone window.
func (l *Limiter) Remaining(ctx context.Context, phone string) (int, error) {
	data, err := l.redis.Get(l.config.PhoneKeyPrefix + phone)
	if err != nil {
		if err == redis.NilError {
			return l.config.MaxPerPhone, nil
		}
		return 0, err
	}

	used := 0
	fmt.Sscanf(string(data), "%d", &used)
	remaining := l.config.MaxPerPhone - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
