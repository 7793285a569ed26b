package regencache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors a Manager reports against:
// GetOrAdd result path, generation latency, lock contention and
// notification traffic.
type Metrics struct {
	Hits              *prometheus.CounterVec
	GenerationLatency *prometheus.HistogramVec
	LockOutcomes      *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	Errors            *prometheus.CounterVec
}

const (
	hitSourceLocal     = "local"
	hitSourceExternal  = "external"
	hitSourceGenerated = "generated"

	lockScopeLocal       = "local"
	lockScopeDistributed = "distributed"
	lockOutcomeAcquired  = "acquired"
	lockOutcomeBusy      = "busy"

	notificationDirectionPublished = "published"
	notificationDirectionReceived  = "received"

	errorWhenGenerate   = "generate"
	errorWhenPublish    = "publish"
	errorWhenLock       = "lock"
	errorWhenExternal   = "external"
	errorWhenNotifyDrop = "malformed_notification"
)

// generationLatencyBucketsMs covers generate callbacks from about a
// millisecond up to roughly sixteen seconds.
var generationLatencyBucketsMs = []float64{
	1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384,
}

// NewMetrics builds a fresh Metrics bundle namespaced by appName. The
// caller is responsible for registering (and, on shutdown,
// unregistering) the collectors with a prometheus.Registerer; Manager
// never registers metrics itself so embedding applications keep full
// control of their registry.
func NewMetrics(appName string) *Metrics {
	hitLabels := []string{"source"}
	lockLabels := []string{"scope", "outcome"}
	notifyLabels := []string{"direction", "success"}
	errLabels := []string{"when"}

	return &Metrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_regencache_hit_total", appName),
			Help: "GetOrAdd results by path: local (cached value returned with no new trigger, read from either cache tier), external (cached value returned while arming a new trigger), or generated on a miss.",
		}, hitLabels),
		GenerationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_regencache_generation_latency_ms", appName),
			Help:    "Time spent inside the generate callback, in milliseconds.",
			Buckets: generationLatencyBucketsMs,
		}, []string{}),
		LockOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_regencache_lock_total", appName),
			Help: "Lock acquisition attempts by scope (local/distributed) and outcome (acquired/busy).",
		}, lockLabels),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_regencache_notification_total", appName),
			Help: "Regeneration result notifications by direction and success.",
		}, notifyLabels),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_regencache_error_total", appName),
			Help: "Internal errors by origin.",
		}, errLabels),
	}
}

// Register registers every collector in m with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Hits, m.GenerationLatency, m.LockOutcomes, m.Notifications, m.Errors} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes every collector in m from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	for _, c := range []prometheus.Collector{m.Hits, m.GenerationLatency, m.LockOutcomes, m.Notifications, m.Errors} {
		reg.Unregister(c)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
