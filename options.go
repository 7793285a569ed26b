package regencache

import (
	"time"

	"github.com/stumble/regencache/mfec"
	"github.com/stumble/regencache/trigger"
)

// Default tunables for regeneration scheduling and local caching.
const (
	DefaultCacheExpiryTolerance     = 30 * time.Second
	DefaultFarmClockTolerance       = 15 * time.Second
	DefaultMinimumForwardScheduling = trigger.DefaultMinimumForwardScheduling
	DefaultTriggerDelay             = trigger.DefaultTriggerDelay
	DefaultLocalCacheBytes          = mfec.DefaultLocalCacheBytes
)

type config struct {
	cacheExpiryTolerance     time.Duration
	farmClockTolerance       time.Duration
	minimumForwardScheduling time.Duration
	triggerDelay             time.Duration
	localCacheBytes          int
	trace                    TraceWriter
	metrics                  *Metrics
	instanceID               string
	hostname                 string
}

func defaultConfig() config {
	return config{
		cacheExpiryTolerance:     DefaultCacheExpiryTolerance,
		farmClockTolerance:       DefaultFarmClockTolerance,
		minimumForwardScheduling: DefaultMinimumForwardScheduling,
		triggerDelay:             DefaultTriggerDelay,
		localCacheBytes:          DefaultLocalCacheBytes,
		trace:                    noopTraceWriter{},
	}
}

// Option configures a Manager at construction time.
type Option func(*config)

// WithCacheExpiryTolerance overrides the slack added to an entry's
// external TTL beyond the regeneration interval (default 30s).
func WithCacheExpiryTolerance(d time.Duration) Option {
	return func(c *config) { c.cacheExpiryTolerance = d }
}

// WithFarmClockTolerance overrides the assumed bound on inter-node clock
// skew (default 15s).
func WithFarmClockTolerance(d time.Duration) Option {
	return func(c *config) { c.farmClockTolerance = d }
}

// WithMinimumForwardScheduling overrides the STM floor on how close to
// "now" a new trigger may fire (default 5s).
func WithMinimumForwardScheduling(d time.Duration) Option {
	return func(c *config) { c.minimumForwardScheduling = d }
}

// WithTriggerDelay overrides the STM's post-target slack (default 1s).
func WithTriggerDelay(d time.Duration) Option {
	return func(c *config) { c.triggerDelay = d }
}

// WithLocalCacheBytes overrides the size of the per-process freecache
// segment backing the memory-fronted external cache.
func WithLocalCacheBytes(n int) Option {
	return func(c *config) { c.localCacheBytes = n }
}

// WithTraceWriter installs a tracing sink. Implementations must be fast
// and non-blocking; the default is a no-op.
func WithTraceWriter(w TraceWriter) Option {
	return func(c *config) { c.trace = w }
}

// WithMetrics installs a Metrics bundle for this Manager to report
// against. The caller owns registration (see Metrics.Register).
func WithMetrics(m *Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithInstanceID overrides the random instance identifier otherwise
// generated at construction time. Mostly useful for tests that want a
// deterministic local_sender_id / local-lock prefix.
func WithInstanceID(id string) Option {
	return func(c *config) { c.instanceID = id }
}

// WithHostname overrides the hostname component of local_sender_id.
func WithHostname(h string) Option {
	return func(c *config) { c.hostname = h }
}
