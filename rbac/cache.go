package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/patternforge/authcore/store"
)

const defaultCacheTTL = 5 * time.Minute

// Cache is a TTL-bounded projection of resolved permission sets, keyed by
// (principal, organization). The credential store stays the authority of
// record; every entry here can be discarded at any moment.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewCache wraps a Redis client. A zero ttl selects the five-minute default.
func NewCache(client redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl, prefix: "perm"}
}

func (c *Cache) key(userID, orgID string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, userID, orgID)
}

// Get returns the cached permission set and whether an entry was present.
func (c *Cache) Get(ctx context.Context, userID, orgID string) ([]store.Permission, bool, error) {
	raw, err := c.client.Get(ctx, c.key(userID, orgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("permission cache get: %w", err)
	}
	var perms []store.Permission
	if err := json.Unmarshal(raw, &perms); err != nil {
		// A corrupt entry is indistinguishable from a miss.
		return nil, false, nil
	}
	return perms, true, nil
}

// Set stores the permission set with the cache TTL.
func (c *Cache) Set(ctx context.Context, userID, orgID string, perms []store.Permission) error {
	raw, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("permission cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(userID, orgID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("permission cache set: %w", err)
	}
	return nil
}

// Invalidate removes the entry for one (principal, organization) pair.
func (c *Cache) Invalidate(ctx context.Context, userID, orgID string) error {
	if err := c.client.Del(ctx, c.key(userID, orgID)).Err(); err != nil {
		return fmt.Errorf("permission cache invalidate: %w", err)
	}
	return nil
}

// InvalidateOrganization removes every cached entry scoped to the
// organization, walking the keyspace with SCAN so large caches do not stall
// the server the way KEYS would.
func (c *Cache) InvalidateOrganization(ctx context.Context, orgID string) error {
	return c.deletePattern(ctx, fmt.Sprintf("%s:*:%s", c.prefix, orgID))
}

func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("permission cache bulk delete: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("permission cache scan: %w", err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("permission cache bulk delete: %w", err)
		}
	}
	return nil
}
