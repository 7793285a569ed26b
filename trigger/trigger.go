// Package trigger implements the scheduled-trigger manager: a per-key
// background callback that fires once per interval while the key is
// still "active", self-perpetuating until the inactive-retention window
// elapses.
//
// Entries are held in a min-heap keyed by target callback time and
// popped by a single background goroutine, rather than relying on a
// per-key timer or a TTL map with an eviction callback: one goroutine
// scales to many scheduled keys without per-key OS-timer overhead, and
// it already wakes at the earliest due time with no separate "force
// probe" timer needed.
package trigger

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/stumble/regencache/clock"
)

// State is a key's position in the trigger lifecycle:
// Absent -> Scheduled -> {Firing -> [Absent|Scheduled]}.
type State int

const (
	Absent State = iota
	Scheduled
	Firing
)

// entry is one key's scheduled trigger.
type entry struct {
	key                string
	lastActive         time.Time
	targetCallbackTime time.Time
	inactiveRetention  time.Duration
	interval           time.Duration
	traceID            string
	callback           func(ctx context.Context, lastActive time.Time)

	heapIndex int
}

// pq is a min-heap of *entry ordered by targetCallbackTime.
type pq []*entry

func (p pq) Len() int            { return len(p) }
func (p pq) Less(i, j int) bool  { return p[i].targetCallbackTime.Before(p[j].targetCallbackTime) }
func (p pq) Swap(i, j int)       { p[i], p[j] = p[j], p[i]; p[i].heapIndex = i; p[j].heapIndex = j }
func (p *pq) Push(x interface{}) {
	e := x.(*entry)
	e.heapIndex = len(*p)
	*p = append(*p, e)
}
func (p *pq) Pop() interface{} {
	old := *p
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*p = old[:n-1]
	return e
}

// Manager is the scheduled-trigger manager.
type Manager struct {
	minimumForwardScheduling time.Duration
	triggerDelay             time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	queue   pq

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the two tunables forwarded from the top-level cache
// manager.
type Config struct {
	// MinimumForwardScheduling floors how close to "now" a new trigger
	// may fire, preventing unbounded recursion if generation
	// consistently exceeds the interval. Default 5s.
	MinimumForwardScheduling time.Duration
	// TriggerDelay is slack added after the target time before the
	// background loop considers an entry due. Default 1s.
	TriggerDelay time.Duration
}

const (
	DefaultMinimumForwardScheduling = 5 * time.Second
	DefaultTriggerDelay             = 1 * time.Second
)

// New constructs a Manager and starts its background goroutine. Close
// must be called to stop it.
func New(cfg Config) *Manager {
	if cfg.MinimumForwardScheduling <= 0 {
		cfg.MinimumForwardScheduling = DefaultMinimumForwardScheduling
	}
	if cfg.TriggerDelay <= 0 {
		cfg.TriggerDelay = DefaultTriggerDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		minimumForwardScheduling: cfg.MinimumForwardScheduling,
		triggerDelay:             cfg.TriggerDelay,
		entries:                  make(map[string]*entry),
		wake:                     make(chan struct{}, 1),
		ctx:                      ctx,
		cancel:                   cancel,
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Close stops the background goroutine. Pending triggers are discarded;
// schedules are not durable across restarts.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// EnsureScheduled arms a trigger for key if one is not already scheduled.
// If a trigger already exists for key, this is a no-op and returns
// false. Otherwise it
// computes target = prevCallbackStartUTC + interval (clamped forward by
// MinimumForwardScheduling), inserts T(key), and returns true.
//
// lastActive defaults to clock.Now() if nil - used on first arm. When the
// trigger expires, callback receives the entry's lastActive as of that
// moment and the re-armed trigger carries that same value forward, so a
// background fire never extends the trigger's life by itself.
func (m *Manager) EnsureScheduled(
	key string,
	callback func(ctx context.Context, lastActive time.Time),
	inactiveRetention time.Duration,
	interval time.Duration,
	prevCallbackStartUTC time.Time,
	lastActive *time.Time,
	traceID string,
) bool {
	m.mu.Lock()
	if _, exists := m.entries[key]; exists {
		m.mu.Unlock()
		return false
	}

	now := clock.Now()
	target := prevCallbackStartUTC.Add(interval)
	if floor := now.Add(m.minimumForwardScheduling); target.Before(floor) {
		target = floor
	}

	la := now
	if lastActive != nil {
		la = *lastActive
	}

	e := &entry{
		key:                 key,
		lastActive:          la,
		targetCallbackTime:  target,
		inactiveRetention:   inactiveRetention,
		interval:            interval,
		traceID:             traceID,
		callback:            callback,
	}
	m.entries[key] = e
	heap.Push(&m.queue, e)
	m.mu.Unlock()

	m.nudge()
	return true
}

// UpdateLastActivity bumps key's last-active time to now if a trigger
// currently exists for key, returning whether it did. last-active is
// monotonically non-decreasing while the trigger exists.
func (m *Manager) UpdateLastActivity(key string) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	now := clock.Now()
	if now.After(e.lastActive) {
		e.lastActive = now
	}
	m.mu.Unlock()
	return true
}

// State reports Scheduled while key has a queued trigger and Absent
// otherwise, for observability and tests. Firing is never reported: an
// expired entry leaves the queue before its expiry logic runs, so the key
// reads as Absent until the re-arm, if any, has completed.
func (m *Manager) State(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return Scheduled
	}
	return Absent
}

func (m *Manager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d := m.nextWait()
		resetTimer(timer, d)

		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
			m.fireDue()
		case <-m.wake:
		}
	}
}

// maxPoll bounds how long the background loop ever sleeps between
// re-checking what's due, even when the heap says the next entry is far
// out. This keeps the loop responsive to a clock source that can jump
// (tests use clock.SetNowFunc to simulate elapsed time without sleeping
// in wall time) instead of oversleeping past a target that moved.
const maxPoll = 50 * time.Millisecond

func (m *Manager) nextWait() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return maxPoll
	}
	d := m.queue[0].targetCallbackTime.Add(m.triggerDelay).Sub(clock.Now())
	if d < 0 {
		d = 0
	}
	if d > maxPoll {
		d = maxPoll
	}
	return d
}

// fireDue pops every entry whose (target + delay) has passed and, for
// each, runs the expiry logic.
func (m *Manager) fireDue() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		top := m.queue[0]
		if top.targetCallbackTime.Add(m.triggerDelay).After(clock.Now()) {
			m.mu.Unlock()
			return
		}
		heap.Pop(&m.queue)
		delete(m.entries, top.key)
		m.mu.Unlock()

		m.handleExpired(top)
	}
}

// handleExpired runs when a trigger reaches its target time: if the key
// is still within its inactive-retention window, re-arm one interval after
// targetCallbackTime (clamped forward by MinimumForwardScheduling, carrying
// lastActive forward unchanged) and invoke the callback asynchronously.
// Otherwise the schedule dies without invoking the callback; the next
// GetOrAdd for this key re-arms it from scratch.
func (m *Manager) handleExpired(e *entry) {
	now := clock.Now()
	if now.Before(e.lastActive.Add(e.inactiveRetention)) {
		la := e.lastActive
		m.EnsureScheduled(e.key, e.callback, e.inactiveRetention, e.interval, e.targetCallbackTime, &la, e.traceID)
		go e.callback(m.ctx, e.lastActive)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
