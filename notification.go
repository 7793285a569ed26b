package regencache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stumble/regencache/mfec"
)

// ExternalCache is the remote key/value store backing the memory-fronted
// cache.
type ExternalCache = mfec.ExternalCache

// DistributedLock is a scoped handle on an acquired distributed lock. It
// releases the lock when Release is called; the lock also auto-expires
// after the expiry passed to CreateLock regardless of liveness.
type DistributedLock interface {
	Release(ctx context.Context) error
}

// DistributedLockFactory grants farm-wide mutual exclusion. CreateLock
// returns a nil handle (and nil error) if the lock could not be acquired
// - that is not itself an error condition.
type DistributedLockFactory interface {
	CreateLock(ctx context.Context, lockKey string, expiry time.Duration) (DistributedLock, error)
}

// FanOutBus is non-durable, at-least-once pub/sub used to broadcast
// regeneration results across the farm. Subscribe must not return until
// the subscription is live.
type FanOutBus interface {
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

// TraceWriter is an optional tracing sink for regeneration events.
// Implementations must be fast and non-blocking.
type TraceWriter interface {
	Write(message string)
}

type noopTraceWriter struct{}

func (noopTraceWriter) Write(string) {}

// Notification is the wire format for a regeneration result, exchanged
// both over the fan-out bus and within the correlated-await manager.
type Notification struct {
	Success   bool   `json:"Success"`
	Key       string `json:"Key"`
	Exception string `json:"Exception,omitempty"`
	Sender    string `json:"Sender"`
}

// AwaitKey implements awaiter.Keyed.
func (n Notification) AwaitKey() string { return n.Key }

func encodeNotification(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

func decodeNotification(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, fmt.Errorf("regencache: malformed notification: %w", err)
	}
	return n, nil
}

// topicName and the lock-key helpers below define this package's key
// namespaces; the item-key namespace is owned by mfec.Cache
// (MemoryFrontedExternalCache:...).

func topicName(keyspace string) string {
	return fmt.Sprintf("RegenerativeCacheManager:ResultNotification:%s", keyspace)
}

func globalLockKey(keyspace, key string) string {
	return fmt.Sprintf("RegenerativeCacheManager:RegenerateIfNotUnderway:%s:%s", keyspace, key)
}

func localLockKey(keyspace, instanceID, key string) string {
	return fmt.Sprintf("RegenerativeCacheManager:regen:%s:%s:%s", keyspace, instanceID, key)
}
