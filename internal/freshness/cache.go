// Package freshness is the per-process read-through cache that sits in front
// of every slow or rate-limited upstream. Each key holds at most one entry
// and at most one running fetch; concurrent callers for the same key share
// that fetch, and a failed refresh falls back to the last known value.
package freshness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ara-campus/ara/internal/result"
	"github.com/ara-campus/ara/pkg/config"
	"github.com/ara-campus/ara/pkg/metrics"
)

// FetchFunc produces a fresh value for a key. It must honour ctx.
type FetchFunc func(ctx context.Context) result.Result

// Outcome labels how a lookup was served.
type Outcome string

const (
	OutcomeHit         Outcome = "hit"
	OutcomeMiss        Outcome = "miss"
	OutcomeCoalesced   Outcome = "coalesced"
	OutcomeStale       Outcome = "stale"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeAbandoned   Outcome = "abandoned"
)

type Options struct {
	// FetchTimeout bounds every underlying fetch independently of callers.
	FetchTimeout time.Duration
	// MaxStale is how long past its TTL an entry is kept for fallback.
	MaxStale      time.Duration
	SweepInterval time.Duration
	Metrics       *metrics.Metrics
	// Now overrides the clock in tests.
	Now func() time.Time
}

// OptionsFromConfig maps the cache section of the config.
func OptionsFromConfig(cfg config.CacheConfig, m *metrics.Metrics) Options {
	return Options{
		FetchTimeout:  cfg.FetchTimeout,
		MaxStale:      cfg.MaxStale,
		SweepInterval: cfg.SweepInterval,
		Metrics:       m,
	}
}

type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Coalesced int64 `json:"coalesced"`
	Stale     int64 `json:"stale_served"`
	Abandoned int64 `json:"abandoned"`
	Entries   int   `json:"entries"`
	InFlight  int   `json:"in_flight"`
}

type entry struct {
	value     result.Result
	fetchedAt time.Time
	ttl       time.Duration
}

func (e *entry) fresh(now time.Time) bool {
	return now.Sub(e.fetchedAt) < e.ttl
}

func (e *entry) expired(now time.Time, maxStale time.Duration) bool {
	return now.Sub(e.fetchedAt) >= e.ttl+maxStale
}

// call is the record of a running fetch. done is closed exactly once, after
// value is set.
type call struct {
	done        chan struct{}
	value       result.Result
	subscribers int
}

// slot owns everything the cache knows about one key. All fields are guarded
// by mu; a dead slot has been removed from the map and must not be used.
type slot struct {
	mu       sync.Mutex
	entry    *entry
	inflight *call
	dead     bool
}

type Cache struct {
	slots  sync.Map // Key -> *slot
	opts   Options
	logger *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
	stale     atomic.Int64
	abandoned atomic.Int64
}

func New(opts Options) *Cache {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 2500 * time.Millisecond
	}
	if opts.MaxStale < 0 {
		opts.MaxStale = 0
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		opts:   opts,
		logger: slog.Default().With("component", "freshness-cache"),
	}
}

// GetOrFetch returns the cached value for key if it is younger than ttl.
// Otherwise it joins the running fetch for key, or starts one. The fetch
// runs detached from ctx under the cache's own FetchTimeout, so a caller
// whose ctx ends stops waiting without cancelling it for everyone else.
//
// A failed fetch is served as Degraded from the last known value while that
// value is within MaxStale, and as Unavailable otherwise. A caller that gives
// up waiting gets the same fallback with reason timeout.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) result.Result {
	for {
		s := c.slot(key)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		now := c.opts.Now()
		if e := s.entry; e != nil {
			if e.fresh(now) {
				value := e.value.Clone()
				s.mu.Unlock()
				c.hits.Add(1)
				c.observe(key, OutcomeHit)
				return value
			}
			if e.expired(now, c.opts.MaxStale) {
				s.entry = nil
			}
		}
		if cl := s.inflight; cl != nil {
			cl.subscribers++
			s.mu.Unlock()
			c.coalesced.Add(1)
			c.observe(key, OutcomeCoalesced)
			return c.wait(ctx, key, s, cl)
		}
		cl := &call{done: make(chan struct{}), subscribers: 1}
		s.inflight = cl
		s.mu.Unlock()

		c.misses.Add(1)
		c.observe(key, OutcomeMiss)
		go c.run(ctx, key, s, cl, ttl, fetch)
		return c.wait(ctx, key, s, cl)
	}
}

// run performs the single fetch for cl and publishes its outcome.
func (c *Cache) run(parent context.Context, key Key, s *slot, cl *call, ttl time.Duration, fetch FetchFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.opts.FetchTimeout)
	defer cancel()

	start := c.opts.Now()
	res := c.invoke(ctx, key, fetch)
	if res.Status == result.StatusUnavailable && res.Reason == result.ReasonNone {
		res.Reason = result.ReasonNetworkFailure
	}

	s.mu.Lock()
	now := c.opts.Now()
	var out result.Result
	switch res.Status {
	case result.StatusOK:
		s.entry = &entry{value: res.Clone(), fetchedAt: now, ttl: ttl}
		out = res
	case result.StatusDegraded:
		out = res
	default:
		if e := s.entry; e != nil && !e.expired(now, c.opts.MaxStale) {
			out = e.value.AsStale(res.Reason)
		} else {
			out = res
		}
	}
	cl.value = out
	s.inflight = nil
	close(cl.done)
	waiting := cl.subscribers
	s.mu.Unlock()

	c.logger.Debug("fetch complete",
		"key", key.String(),
		"status", out.Status.String(),
		"reason", string(out.Reason),
		"subscribers", waiting,
		"took", now.Sub(start),
	)
	switch {
	case out.IsDegraded():
		c.stale.Add(1)
		c.observe(key, OutcomeStale)
	case out.IsUnavailable():
		c.observe(key, OutcomeUnavailable)
	}
}

// invoke calls fetch but never waits past ctx, even if fetch ignores it. A
// panicking fetch is reported as Unavailable instead of leaving subscribers
// blocked.
func (c *Cache) invoke(ctx context.Context, key Key, fetch FetchFunc) result.Result {
	ch := make(chan result.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("fetch panicked", "key", key.String(), "panic", fmt.Sprint(r))
				ch <- result.Unavailable(result.ReasonMalformedResponse)
			}
		}()
		ch <- fetch(ctx)
	}()
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		c.logger.Warn("fetch exceeded cache deadline", "key", key.String(), "timeout", c.opts.FetchTimeout)
		return result.Unavailable(result.ReasonTimeout)
	}
}

func (c *Cache) wait(ctx context.Context, key Key, s *slot, cl *call) result.Result {
	select {
	case <-cl.done:
		return cl.value.Clone()
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// done is closed under s.mu, so a result published while ctx ended is
	// still seen here.
	select {
	case <-cl.done:
		return cl.value.Clone()
	default:
	}
	cl.subscribers--
	c.abandoned.Add(1)
	c.observe(key, OutcomeAbandoned)
	if e := s.entry; e != nil && !e.expired(c.opts.Now(), c.opts.MaxStale) {
		return e.value.AsStale(result.ReasonTimeout)
	}
	return result.Unavailable(result.ReasonTimeout)
}

func (c *Cache) slot(key Key) *slot {
	if v, ok := c.slots.Load(key); ok {
		return v.(*slot)
	}
	v, _ := c.slots.LoadOrStore(key, &slot{})
	return v.(*slot)
}

// Invalidate drops the stored value for key. A running fetch is unaffected
// and will store its result when it completes.
func (c *Cache) Invalidate(key Key) {
	v, ok := c.slots.Load(key)
	if !ok {
		return
	}
	s := v.(*slot)
	s.mu.Lock()
	s.entry = nil
	s.mu.Unlock()
}

// InvalidateSource drops every stored value of one source.
func (c *Cache) InvalidateSource(source string) int {
	n := 0
	c.slots.Range(func(k, v any) bool {
		if k.(Key).Source() != source {
			return true
		}
		s := v.(*slot)
		s.mu.Lock()
		if s.entry != nil {
			s.entry = nil
			n++
		}
		s.mu.Unlock()
		return true
	})
	return n
}

// Purge drops every stored value.
func (c *Cache) Purge() int {
	n := 0
	c.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.entry != nil {
			s.entry = nil
			n++
		}
		s.mu.Unlock()
		return true
	})
	c.logger.Info("cache purged", "entries", n)
	return n
}

// Sweep removes slots whose entry is past MaxStale and that have no running
// fetch. It returns the number of slots removed.
func (c *Cache) Sweep() int {
	now := c.opts.Now()
	removed := 0
	live := 0
	c.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.inflight == nil && (s.entry == nil || s.entry.expired(now, c.opts.MaxStale)) {
			s.dead = true
			s.entry = nil
			c.slots.CompareAndDelete(k, s)
			removed++
		} else if s.entry != nil {
			live++
		}
		s.mu.Unlock()
		return true
	})
	if m := c.opts.Metrics; m != nil {
		m.CacheEntries.Set(float64(live))
	}
	if removed > 0 {
		c.logger.Debug("swept expired keys", "removed", removed, "remaining", live)
	}
	return removed
}

// StartSweeper runs Sweep every SweepInterval until ctx ends.
func (c *Cache) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Stale:     c.stale.Load(),
		Abandoned: c.abandoned.Load(),
	}
	c.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.entry != nil {
			st.Entries++
		}
		if s.inflight != nil {
			st.InFlight++
		}
		s.mu.Unlock()
		return true
	})
	return st
}

func (c *Cache) observe(key Key, outcome Outcome) {
	if m := c.opts.Metrics; m != nil {
		m.CacheLookupsTotal.WithLabelValues(key.Source(), string(outcome)).Inc()
	}
}
