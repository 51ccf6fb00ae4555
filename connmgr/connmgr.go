/*
Package connmgr bounds the number of live realtime subscriptions.

Every listener a facade opens is registered here with its unsubscribe
function. The manager keeps at most MaxConnections of them alive: a new
registration past the cap evicts the least recently active one, a periodic
sweep closes the ones idle for longer than InactiveTimeout, and
PriorityCleanup sheds the low-value typing and presence listeners on demand.
Whatever ends a connection, its unsubscribe function runs exactly once.
*/
package connmgr

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/krisalay/client-cache/clock"
	"github.com/krisalay/client-cache/eviction"
	"github.com/krisalay/client-cache/types"
)

// Category classifies a connection by what it listens to.
type Category string

const (
	Messages      Category = "messages"
	Status        Category = "status"
	Typing        Category = "typing"
	Presence      Category = "presence"
	Notifications Category = "notifications"
	Documents     Category = "documents"
)

// Reason says why a connection was closed. It labels logs and metrics.
type Reason string

const (
	ReasonRemoved  Reason = "removed"
	ReasonReplaced Reason = "replaced"
	ReasonScope    Reason = "scope"
	ReasonIdle     Reason = "idle"
	ReasonCapacity Reason = "capacity"
	ReasonPriority Reason = "priority"
	ReasonClosed   Reason = "closed"
)

type Config struct {
	MaxConnections  int
	InactiveTimeout time.Duration
	SweepInterval   time.Duration

	// SubscribeRate and SubscribeBurst throttle how fast new listeners are opened.
	// A zero rate disables the throttle.
	SubscribeRate  float64
	SubscribeBurst int
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:  10,
		InactiveTimeout: 5 * time.Minute,
		SweepInterval:   time.Minute,
	}
}

type record struct {
	key          string
	scopeID      string
	category     Category
	gen          uint64
	registeredAt time.Time
	lastActivity time.Time
	unsubscribe  func()
	once         sync.Once
}

// Stats is a snapshot of the live connections.
type Stats struct {
	Total        int              `json:"total"`
	Max          int              `json:"max"`
	ByCategory   map[Category]int `json:"by_category"`
	ByScope      map[string]int   `json:"by_scope"`
	OldestActive time.Time        `json:"oldest_activity,omitempty"`
	NewestActive time.Time        `json:"newest_activity,omitempty"`
}

type Manager struct {
	cfg     Config
	clock   clock.Clock
	metrics types.Metrics
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	records map[string]*record
	recency *eviction.Recency
	gen     uint64
	closed  bool
}

func New(cfg Config, clk clock.Clock, metrics types.Metrics, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.InactiveTimeout <= 0 {
		cfg.InactiveTimeout = def.InactiveTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.SubscribeRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubscribeRate), max(cfg.SubscribeBurst, 1))
	}

	return &Manager{
		cfg:     cfg,
		clock:   clk,
		metrics: metrics,
		logger:  logger.With().Str("component", "connmgr").Logger(),
		limiter: limiter,
		records: make(map[string]*record),
		recency: eviction.NewRecency(),
	}
}

/*
Register adds a live connection and returns its generation.

Registering a key that is already live closes the old connection first. When
the manager is at capacity, the connection with the oldest activity is closed
to make room. Both of those unsubscribe calls happen after the manager's lock
is released, so an unsubscribe function may call back into the manager.

After Close, Register unsubscribes immediately and returns 0.
*/
func (m *Manager) Register(key string, unsubscribe func(), scopeID string, category Category) uint64 {
	now := m.clock.Now()
	var closing []closeReq

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.finish([]closeReq{{rec: &record{key: key, unsubscribe: unsubscribe}, reason: ReasonClosed}})
		return 0
	}
	if old, ok := m.records[key]; ok {
		m.dropLocked(old)
		closing = append(closing, closeReq{rec: old, reason: ReasonReplaced})
	}
	for len(m.records) >= m.cfg.MaxConnections {
		oldest, ok := m.recency.Oldest()
		if !ok {
			break
		}
		victim := m.records[oldest]
		m.dropLocked(victim)
		closing = append(closing, closeReq{rec: victim, reason: ReasonCapacity})
	}

	m.gen++
	rec := &record{
		key:          key,
		scopeID:      scopeID,
		category:     category,
		gen:          m.gen,
		registeredAt: now,
		lastActivity: now,
		unsubscribe:  unsubscribe,
	}
	m.records[key] = rec
	m.recency.Touch(key)
	n := len(m.records)
	m.mu.Unlock()

	m.metrics.Connections(n)
	m.logger.Debug().Str("key", key).Str("category", string(category)).Str("scope", scopeID).Int("live", n).Msg("connection registered")
	m.finish(closing)
	return rec.gen
}

// Touch marks key as active now. It reports whether key is live.
func (m *Manager) Touch(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return false
	}
	rec.lastActivity = m.clock.Now()
	m.recency.Touch(key)
	return true
}

// Remove closes key. It reports whether key was live.
func (m *Manager) Remove(key string) bool {
	m.mu.Lock()
	rec, ok := m.records[key]
	if ok {
		m.dropLocked(rec)
	}
	m.mu.Unlock()

	if ok {
		m.finish([]closeReq{{rec: rec, reason: ReasonRemoved}})
	}
	return ok
}

/*
Release closes key only if it is still the registration identified by gen.

A listener that fails reports itself with Release; if its key was registered
again in the meantime, the newer connection is left alone.
*/
func (m *Manager) Release(key string, gen uint64) bool {
	m.mu.Lock()
	rec, ok := m.records[key]
	ok = ok && rec.gen == gen
	if ok {
		m.dropLocked(rec)
	}
	m.mu.Unlock()

	if ok {
		m.finish([]closeReq{{rec: rec, reason: ReasonRemoved}})
	}
	return ok
}

// RemoveByScope closes every connection of scopeID and returns how many were closed.
func (m *Manager) RemoveByScope(scopeID string) int {
	return m.removeWhere(ReasonScope, func(r *record) bool { return r.scopeID == scopeID })
}

// Sweep closes every connection idle for longer than InactiveTimeout.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	n := m.removeWhere(ReasonIdle, func(r *record) bool {
		return now.Sub(r.lastActivity) > m.cfg.InactiveTimeout
	})
	if n > 0 {
		m.logger.Debug().Int("closed", n).Msg("idle connections swept")
	}
	return n
}

// PriorityCleanup closes every typing and presence connection.
func (m *Manager) PriorityCleanup() int {
	n := m.removeWhere(ReasonPriority, func(r *record) bool {
		return r.category == Typing || r.category == Presence
	})
	m.logger.Info().Int("closed", n).Msg("priority cleanup")
	return n
}

func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key]
	return ok
}

// Keys returns the live keys, sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.records))
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Total:      len(m.records),
		Max:        m.cfg.MaxConnections,
		ByCategory: make(map[Category]int),
		ByScope:    make(map[string]int),
	}
	for _, r := range m.records {
		st.ByCategory[r.category]++
		if r.scopeID != "" {
			st.ByScope[r.scopeID]++
		}
	}
	if k, ok := m.recency.Oldest(); ok {
		st.OldestActive = m.records[k].lastActivity
	}
	if k, ok := m.recency.Newest(); ok {
		st.NewestActive = m.records[k].lastActivity
	}
	return st
}

// Wait blocks until opening one more listener is within the subscribe rate.
func (m *Manager) Wait(ctx context.Context) error {
	return m.limiter.Wait(ctx)
}

/*
Serve runs the idle sweep every SweepInterval until ctx is done.
It implements suture.Service.
*/
func (m *Manager) Serve(ctx context.Context) error {
	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return m.clock.AfterFunc(m.cfg.SweepInterval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	timer := arm()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-tick:
			m.Sweep()
			timer = arm()
		}
	}
}

func (m *Manager) String() string { return "connection-sweeper" }

// Close unsubscribes every connection. Later registrations are closed immediately.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	var closing []closeReq
	for _, r := range m.records {
		closing = append(closing, closeReq{rec: r, reason: ReasonClosed})
	}
	m.records = make(map[string]*record)
	m.recency = eviction.NewRecency()
	m.mu.Unlock()

	m.finish(closing)
	m.metrics.Connections(0)
}

type closeReq struct {
	rec    *record
	reason Reason
}

func (m *Manager) removeWhere(reason Reason, match func(*record) bool) int {
	m.mu.Lock()
	var closing []closeReq
	for _, r := range m.records {
		if match(r) {
			closing = append(closing, closeReq{rec: r, reason: reason})
		}
	}
	for _, c := range closing {
		m.dropLocked(c.rec)
	}
	m.mu.Unlock()

	m.finish(closing)
	return len(closing)
}

func (m *Manager) dropLocked(r *record) {
	delete(m.records, r.key)
	m.recency.Remove(r.key)
}

// finish runs the unsubscribe functions. It must be called without m.mu held.
func (m *Manager) finish(closing []closeReq) {
	if len(closing) == 0 {
		return
	}
	for _, c := range closing {
		m.unsubscribe(c.rec, c.reason)
		m.metrics.ConnectionClosed(string(c.reason))
	}
	m.metrics.Connections(m.Len())
}

func (m *Manager) unsubscribe(r *record, reason Reason) {
	r.once.Do(func() {
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error().Str("key", r.key).Str("reason", string(reason)).Str("panic", fmt.Sprint(p)).Msg("unsubscribe panicked")
			}
		}()
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		m.logger.Debug().Str("key", r.key).Str("reason", string(reason)).Msg("connection closed")
	})
}
