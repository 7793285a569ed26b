// Package mfec implements the memory-fronted external cache: a local
// freecache tier in front of a caller-supplied external key/value store.
// Hits are served locally; misses are coalesced behind a per-key named
// lock so that concurrent callers for the same key cost at most one
// external round-trip.
package mfec

import (
	"context"
	"fmt"
	"time"

	"github.com/coocood/freecache"
	"github.com/rs/zerolog/log"

	"github.com/stumble/regencache/clock"
	"github.com/stumble/regencache/lockset"
)

// ExternalCache is any store capable of string get/set with TTL and a
// prefix read.
type ExternalCache interface {
	// StringSet upserts value under key with an absolute TTL.
	StringSet(ctx context.Context, key, value string, ttl time.Duration) error
	// StringGetWithExpiry returns the stored value and its remaining TTL.
	// ok is false if the key is absent.
	StringGetWithExpiry(ctx context.Context, key string) (value string, remaining time.Duration, ok bool, err error)
	// GetStringStart returns the first length bytes of the stored value
	// (or the whole value if shorter). ok is false if the key is absent.
	GetStringStart(ctx context.Context, key string, length int) (value string, ok bool, err error)
}

// DefaultLocalCacheBytes is freecache's minimum usable segment size and
// a reasonable default for a per-process front tier.
const DefaultLocalCacheBytes = 16 * 1024 * 1024

// Cache is the memory-fronted external cache.
type Cache struct {
	keyspace string
	external ExternalCache
	local    *freecache.Cache
	locks    *lockset.Set
}

// New constructs a Cache. locks is shared with the rest of a
// RegenerativeCacheManager instance so named-lock entries for the same
// key across components collapse into one table.
func New(keyspace string, external ExternalCache, locks *lockset.Set, localCacheBytes int) *Cache {
	if localCacheBytes <= 0 {
		localCacheBytes = DefaultLocalCacheBytes
	}
	return &Cache{
		keyspace: keyspace,
		external: external,
		local:    freecache.NewCache(localCacheBytes),
		locks:    locks,
	}
}

// ItemKey returns the composite external-store key for key:
// "MemoryFrontedExternalCache:{keyspace}:Item:{key}".
func (c *Cache) ItemKey(key string) string {
	return fmt.Sprintf("MemoryFrontedExternalCache:%s:Item:%s", c.keyspace, key)
}

// Set writes value into the local TTL cache and the external store.
// Local-cache failures are swallowed (they only degrade hit rate);
// external-store errors propagate.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	storeKey := c.ItemKey(key)

	if err := c.setLocal(storeKey, value, ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("mfec: failed to populate local cache, serving external-store only")
	}

	if err := c.external.StringSet(ctx, storeKey, value, ttl); err != nil {
		return fmt.Errorf("mfec: external StringSet(%s): %w", storeKey, err)
	}
	return nil
}

// Get reads key, serving a local hit immediately. On a local miss it
// acquires a per-key named lock (indefinite wait), re-checks local under
// that lock, then performs a single external round-trip on behalf of
// every waiter. The remaining TTL returned by the external store is
// adjusted for wall-clock time spent in the external call; Get never
// returns a value whose adjusted remaining lifetime is <= 0.
func (c *Cache) Get(ctx context.Context, key string) (value string, hit bool, err error) {
	storeKey := c.ItemKey(key)

	if v, ok := c.getLocal(storeKey); ok {
		return v, true, nil
	}

	h := c.locks.TryAcquire(lockKeyFor(storeKey), lockset.Wait)
	defer h.Release()

	if v, ok := c.getLocal(storeKey); ok {
		return v, true, nil
	}

	startedAt := clock.Now()
	v, ttl, ok, err := c.external.StringGetWithExpiry(ctx, storeKey)
	if err != nil {
		return "", false, fmt.Errorf("mfec: external StringGetWithExpiry(%s): %w", storeKey, err)
	}
	if !ok {
		return "", false, nil
	}

	elapsed := clock.Now().Sub(startedAt)
	remaining := ttl - elapsed
	if remaining <= 0 {
		return "", false, nil
	}

	if err := c.setLocal(storeKey, v, remaining); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("mfec: failed to backfill local cache after external read")
	}
	return v, true, nil
}

// GetPrefix returns at most the first n bytes of the value stored under
// key. It is best-effort and never writes through to the local cache:
// it is used to peek at a codec-encoded creation timestamp without
// paying for the full payload.
func (c *Cache) GetPrefix(ctx context.Context, key string, n int) (value string, hit bool, err error) {
	storeKey := c.ItemKey(key)

	if v, ok := c.getLocal(storeKey); ok {
		if len(v) > n {
			v = v[:n]
		}
		return v, true, nil
	}

	v, ok, err := c.external.GetStringStart(ctx, storeKey, n)
	if err != nil {
		return "", false, fmt.Errorf("mfec: external GetStringStart(%s): %w", storeKey, err)
	}
	return v, ok, nil
}

// RemoveLocal drops only the in-process copy of key, forcing the next
// Get to re-fetch from the external store. Used when a peer's successful
// regeneration notification arrives over the fan-out bus.
func (c *Cache) RemoveLocal(key string) {
	c.local.Del([]byte(c.ItemKey(key)))
}

func (c *Cache) getLocal(storeKey string) (string, bool) {
	v, err := c.local.Get([]byte(storeKey))
	if err != nil {
		return "", false
	}
	return string(v), true
}

// setLocal stores value locally with the given ttl. Sub-second TTLs are
// rounded up to one second rather than silently dropped, since freecache
// treats an expireSeconds of 0 as "never expire".
func (c *Cache) setLocal(storeKey, value string, ttl time.Duration) error {
	seconds := int(ttl.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return c.local.Set([]byte(storeKey), []byte(value), seconds)
}

func lockKeyFor(storeKey string) string {
	return "mfec:" + storeKey
}
