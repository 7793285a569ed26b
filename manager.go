package regencache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	uuid "github.com/satori/go.uuid"

	"github.com/stumble/regencache/awaiter"
	"github.com/stumble/regencache/clock"
	"github.com/stumble/regencache/codec"
	"github.com/stumble/regencache/lockset"
	"github.com/stumble/regencache/mfec"
	"github.com/stumble/regencache/trigger"
)

// GenerateFunc is the consumer-supplied expensive computation. ctx is
// the context the triggering GetOrAdd call was made with for a
// foreground (cache-miss) regeneration, or the Manager's own background
// context for a scheduled one.
type GenerateFunc func(ctx context.Context) (string, error)

// Manager is the regenerative cache manager: the single embedding point
// for this library.
type Manager struct {
	keyspace   string
	instanceID string
	senderID   string
	topic      string

	cacheExpiryTolerance     time.Duration
	farmClockTolerance       time.Duration
	triggerDelay             time.Duration
	minimumForwardScheduling time.Duration

	mfec  *mfec.Cache
	cam   *awaiter.Manager[Notification]
	stm   *trigger.Manager
	locks *lockset.Set

	distLock DistributedLockFactory
	bus      FanOutBus
	trace    TraceWriter
	metrics  *Metrics
}

// New constructs a Manager for the given keyspace - a string shared by
// every node cooperating on the same data, and distinct from unrelated
// users of the same external store/lock/bus. Construction subscribes to
// this keyspace's fan-out topic before returning.
func New(
	ctx context.Context,
	keyspace string,
	external ExternalCache,
	distLock DistributedLockFactory,
	bus FanOutBus,
	opts ...Option,
) (*Manager, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	instanceID := cfg.instanceID
	if instanceID == "" {
		instanceID = uuid.NewV4().String()
	}
	hostname := cfg.hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "unknown-host"
		}
	}

	locks := lockset.New()
	m := &Manager{
		keyspace:                 keyspace,
		instanceID:               instanceID,
		senderID:                 fmt.Sprintf("%s-%s-%s", hostname, keyspace, instanceID),
		topic:                    topicName(keyspace),
		cacheExpiryTolerance:     cfg.cacheExpiryTolerance,
		farmClockTolerance:       cfg.farmClockTolerance,
		triggerDelay:             cfg.triggerDelay,
		minimumForwardScheduling: cfg.minimumForwardScheduling,
		mfec:                     mfec.New(keyspace, external, locks, cfg.localCacheBytes),
		cam:                      awaiter.New[Notification](locks),
		stm: trigger.New(trigger.Config{
			MinimumForwardScheduling: cfg.minimumForwardScheduling,
			TriggerDelay:             cfg.triggerDelay,
		}),
		locks:    locks,
		distLock: distLock,
		bus:      bus,
		trace:    cfg.trace,
		metrics:  cfg.metrics,
	}

	if err := bus.Subscribe(ctx, m.topic, m.handleNotification); err != nil {
		m.stm.Close()
		return nil, newError(BusError, "", err, "failed to subscribe to regeneration topic")
	}
	return m, nil
}

// Close stops the scheduled-trigger manager's background goroutine. It
// does not unsubscribe from the bus; callers that own the FanOutBus
// connection are responsible for tearing it down.
func (m *Manager) Close() {
	m.stm.Close()
}

func (m *Manager) handleNotification(payload []byte) {
	n, err := decodeNotification(payload)
	if err != nil {
		log.Warn().Err(err).Str("keyspace", m.keyspace).Msg("regencache: dropping malformed bus notification")
		m.countError(errorWhenNotifyDrop)
		return
	}
	m.countNotification(notificationDirectionReceived, n.Success)

	if n.Success && n.Sender != m.senderID {
		// Drop the local copy before releasing awaiters, so an awaiter
		// that wakes up below and immediately re-reads never observes a
		// stale local value.
		m.mfec.RemoveLocal(n.Key)
	}
	m.cam.Notify(n)
}

// GetOrAdd returns the current value for key, generating it if absent,
// racing at most one generation across the whole farm per interval.
func (m *Manager) GetOrAdd(
	ctx context.Context,
	key string,
	generate GenerateFunc,
	inactiveRetention time.Duration,
	interval time.Duration,
) (string, error) {
	triggerRequired := inactiveRetention > interval

	triggerExisted := false
	if triggerRequired {
		triggerExisted = m.stm.UpdateLastActivity(key)
	}

	raw, hit, err := m.mfec.Get(ctx, key)
	if err != nil {
		m.countError(errorWhenExternal)
		return "", newError(ExternalStoreError, key, err, "")
	}

	var cachedCreatedAt time.Time
	var cachedValue string
	cached := false
	if hit {
		ts, payload, derr := codec.Decode(raw)
		if derr != nil {
			log.Warn().Err(derr).Str("key", key).Msg("regencache: dropping malformed cache entry")
		} else {
			cachedCreatedAt, cachedValue, cached = ts, payload, true
		}
	}

	if (!triggerRequired || triggerExisted) && cached {
		m.countHit(hitSourceLocal)
		return cachedValue, nil
	}

	if triggerRequired && !triggerExisted && cached {
		m.countHit(hitSourceExternal)
		m.armTrigger(key, generate, inactiveRetention, interval, cachedCreatedAt, nil)
		return cachedValue, nil
	}

	a := m.cam.CreateAwaiter(key)
	defer a.Release()

	if err := m.regenerateIfNotUnderway(ctx, key, generate, interval, false); err != nil {
		return "", err
	}

	msg, err := a.Wait(ctx)
	if err != nil {
		return "", err
	}
	if !msg.Success {
		return "", newError(GenerationFailed, key, nil, msg.Exception)
	}

	raw2, hit2, err := m.mfec.Get(ctx, key)
	if err != nil {
		m.countError(errorWhenExternal)
		return "", newError(ExternalStoreError, key, err, "")
	}
	if !hit2 {
		return "", newError(GenerationRaced, key, nil, "")
	}
	ts2, payload2, derr := codec.Decode(raw2)
	if derr != nil {
		return "", newError(ExternalStoreError, key, derr, "malformed entry after regeneration")
	}

	m.countHit(hitSourceGenerated)
	if triggerRequired {
		m.armTrigger(key, generate, inactiveRetention, interval, ts2, nil)
	}
	return payload2, nil
}

func (m *Manager) armTrigger(
	key string,
	generate GenerateFunc,
	inactiveRetention time.Duration,
	interval time.Duration,
	prevCallbackStartUTC time.Time,
	lastActive *time.Time,
) {
	callback := func(ctx context.Context, _ time.Time) {
		m.regenerateIfNotUnderway(ctx, key, generate, interval, true)
	}
	m.stm.EnsureScheduled(key, callback, inactiveRetention, interval, prevCallbackStartUTC, lastActive, "")
}

// regenerateIfNotUnderway runs generate at most once across the farm for
// key, skipping the call entirely if another node (or this one) already
// has a fresh result or is already generating. It returns a
// LockServiceError if the distributed lock service fails; every other
// outcome is reported to awaiters through a notification.
func (m *Manager) regenerateIfNotUnderway(
	ctx context.Context,
	key string,
	generate GenerateFunc,
	interval time.Duration,
	isBackground bool,
) (lockErr error) {
	if isBackground {
		if fresh, known := m.isFresh(ctx, key, interval); known && fresh {
			return
		}
	}

	localHandle := m.locks.TryAcquire(localLockKey(m.keyspace, m.instanceID, key), 0)
	if !localHandle.IsLocked() {
		m.countLock(lockScopeLocal, lockOutcomeBusy)
		return
	}
	defer localHandle.Release()
	m.countLock(lockScopeLocal, lockOutcomeAcquired)

	distHandle, err := m.distLock.CreateLock(ctx, globalLockKey(m.keyspace, key), interval)
	if err != nil {
		log.Err(err).Str("key", key).Msg("regencache: distributed lock service error")
		m.countError(errorWhenLock)
		return newError(LockServiceError, key, err, "")
	}
	if distHandle == nil {
		m.countLock(lockScopeDistributed, lockOutcomeBusy)
		return
	}
	m.countLock(lockScopeDistributed, lockOutcomeAcquired)
	defer func() {
		if err := distHandle.Release(ctx); err != nil {
			log.Err(err).Str("key", key).Msg("regencache: failed to release distributed lock")
		}
	}()

	if fresh, known := m.isFresh(ctx, key, interval); known && fresh {
		m.publishSuccess(ctx, key)
		return
	}

	m.trace.Write(fmt.Sprintf("regencache: generating key=%q background=%v", key, isBackground))
	startedAt := clock.Now()
	value, err := generate(ctx)
	if m.metrics != nil {
		m.metrics.GenerationLatency.WithLabelValues().Observe(float64(clock.Now().Sub(startedAt).Milliseconds()))
	}
	if err != nil {
		m.countError(errorWhenGenerate)
		m.publishFailure(ctx, key, err)
		return
	}

	elapsed := clock.Now().Sub(startedAt)
	if elapsed > interval-m.farmClockTolerance {
		log.Warn().Str("key", key).Dur("elapsed", elapsed).Dur("interval", interval).
			Msg("regencache: generation took longer than the safe margin; the farm may cache-miss next cycle")
	}

	encoded := codec.Encode(startedAt, value)
	if err := m.mfec.Set(ctx, key, encoded, interval+m.cacheExpiryTolerance); err != nil {
		m.countError(errorWhenExternal)
		m.publishFailure(ctx, key, err)
		return
	}

	m.publishSuccess(ctx, key)
}

// isFresh peeks the creation timestamp of the stored entry (if any)
// without fetching its payload, and reports whether it is still due to
// stay valid for at least farm_clock_tolerance + trigger_delay longer.
// known is false if there was nothing to peek at or it could not be
// decoded, in which case the caller must not skip generation.
func (m *Manager) isFresh(ctx context.Context, key string, interval time.Duration) (fresh bool, known bool) {
	prefix, hit, err := m.mfec.GetPrefix(ctx, key, 50)
	if err != nil || !hit {
		return false, false
	}
	createdAt, err := codec.DecodeTimestamp(prefix)
	if err != nil {
		return false, false
	}
	due := createdAt.Add(interval).Add(-(m.farmClockTolerance + m.triggerDelay))
	return due.After(clock.Now()), true
}

func (m *Manager) publishSuccess(ctx context.Context, key string) {
	m.publish(ctx, Notification{Success: true, Key: key, Sender: m.senderID})
}

func (m *Manager) publishFailure(ctx context.Context, key string, cause error) {
	m.publish(ctx, Notification{Success: false, Key: key, Exception: cause.Error(), Sender: m.senderID})
}

// publish notifies local awaiters before publishing to the bus: local
// awaiters are cheaper to release than a round trip to the bus, so doing
// so first minimizes worst-case local wakeup latency.
func (m *Manager) publish(ctx context.Context, n Notification) {
	m.cam.Notify(n)

	payload, err := encodeNotification(n)
	if err != nil {
		log.Err(err).Str("key", n.Key).Msg("regencache: failed to marshal notification")
		return
	}
	if err := m.bus.Publish(ctx, m.topic, payload); err != nil {
		log.Err(err).Str("key", n.Key).Msg("regencache: failed to publish regeneration notification")
		m.countError(errorWhenPublish)
		return
	}
	m.countNotification(notificationDirectionPublished, n.Success)
}

func (m *Manager) countHit(source string) {
	if m.metrics != nil {
		m.metrics.Hits.WithLabelValues(source).Inc()
	}
}

func (m *Manager) countLock(scope, outcome string) {
	if m.metrics != nil {
		m.metrics.LockOutcomes.WithLabelValues(scope, outcome).Inc()
	}
}

func (m *Manager) countNotification(direction string, success bool) {
	if m.metrics != nil {
		m.metrics.Notifications.WithLabelValues(direction, boolLabel(success)).Inc()
	}
}

func (m *Manager) countError(when string) {
	if m.metrics != nil {
		m.metrics.Errors.WithLabelValues(when).Inc()
	}
}
