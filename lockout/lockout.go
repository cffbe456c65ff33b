// Package lockout tracks failed authentication attempts in a shared Redis
// store and enforces temporary lockout. Counters are keyed per identifier
// (an email or an origin address) so that the same tracker covers both
// targeted credential stuffing and distributed attempts from one origin.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/patternforge/authcore/common"
)

// Config tunes lockout behavior.
type Config struct {
	// Threshold is the failure count at which an identifier locks. Default 5.
	Threshold int
	// Window is the sliding TTL applied to the counter. Each recorded
	// failure refreshes it. Default 15 minutes.
	Window time.Duration
	// Prefix namespaces the Redis keys. Default "lockout".
	Prefix string
}

func (c *Config) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Window <= 0 {
		c.Window = 15 * time.Minute
	}
	if c.Prefix == "" {
		c.Prefix = "lockout"
	}
}

// Tracker counts failures and answers lockout checks. Safe for concurrent
// use; increments and TTL refreshes are pipelined so concurrent callers
// cannot under-count.
type Tracker struct {
	redis  redis.UniversalClient
	config Config
}

// New returns a Tracker backed by the given Redis client.
func New(client redis.UniversalClient, cfg Config) *Tracker {
	cfg.applyDefaults()
	return &Tracker{redis: client, config: cfg}
}

// RecordFailure atomically increments the identifier's counter and refreshes
// the TTL window. Returns the current count.
func (t *Tracker) RecordFailure(ctx context.Context, identifier string) (int64, error) {
	pipe := t.redis.TxPipeline()
	incr := pipe.Incr(ctx, t.key(identifier))
	pipe.Expire(ctx, t.key(identifier), t.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	return incr.Val(), nil
}

// IsLocked reports whether the identifier has reached the failure threshold.
func (t *Tracker) IsLocked(ctx context.Context, identifier string) (bool, error) {
	count, err := t.redis.Get(ctx, t.key(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	return count >= int64(t.config.Threshold), nil
}

// AnyLocked reports whether any of the identifiers is locked. Used by login,
// which blocks when either the email or the origin address is locked.
func (t *Tracker) AnyLocked(ctx context.Context, identifiers ...string) (bool, error) {
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		locked, err := t.IsLocked(ctx, id)
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
	}
	return false, nil
}

// Reset clears the counters for the given identifiers. Called on successful
// authentication.
func (t *Tracker) Reset(ctx context.Context, identifiers ...string) error {
	keys := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		if id != "" {
			keys = append(keys, t.key(id))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := t.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	return nil
}

// Failures returns the current counter for an identifier. Missing keys read
// as zero.
func (t *Tracker) Failures(ctx context.Context, identifier string) (int64, error) {
	count, err := t.redis.Get(ctx, t.key(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	return count, nil
}

func (t *Tracker) key(identifier string) string {
	return t.config.Prefix + ":" + identifier
}
