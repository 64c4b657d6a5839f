// Package executor pools constructed execution engines per chatbot.
package executor

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/chative/agent-runtime/internal/agent/model"
	logx "github.com/chative/agent-runtime/pkg/logger"
	"github.com/chative/agent-runtime/pkg/telemetry"
)

// Executor is a cached runtime object that holds provider-side resources.
type Executor interface {
	Disconnect() error
}

// BuildFunc constructs the executor of a chatbot from its current configuration.
type BuildFunc[E Executor] func(ctx context.Context, chatbotID string) (E, error)

type entry[E Executor] struct {
	chatbotID    string
	executor     E
	lastActivity time.Time
	elem         *list.Element
}

// Cache is an LRU of executors with an inactivity TTL. Lookups never return
// an entry idle longer than the TTL; such entries are disconnected and rebuilt.
type Cache[E Executor] struct {
	mu      sync.Mutex
	entries map[string]*entry[E]
	lru     *list.List // front = most recently used
	// gen is bumped by Invalidate so in-flight builds are not cached.
	gen map[string]uint64

	build    BuildFunc[E]
	ttl      time.Duration
	capacity int
	interval time.Duration
	clock    clockwork.Clock
	sf       singleflight.Group
	log      zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type Option func(*options)

type options struct {
	clock clockwork.Clock
}

func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

func NewCache[E Executor](build BuildFunc[E], cfg model.ExecutorConfig, opts ...Option) *Cache[E] {
	o := options{clock: clockwork.NewRealClock()}
	for _, fn := range opts {
		fn(&o)
	}
	return &Cache[E]{
		entries:  make(map[string]*entry[E]),
		lru:      list.New(),
		gen:      make(map[string]uint64),
		build:    build,
		ttl:      cfg.InactivityTTL,
		capacity: cfg.MaxEntries,
		interval: cfg.SweepInterval,
		clock:    o.clock,
		log:      logx.Component("executor"),
		stop:     make(chan struct{}),
	}
}

// GetOrBuild returns the cached executor, refreshing its activity timestamp,
// or builds, caches and returns a new one. Build errors are not cached.
func (c *Cache[E]) GetOrBuild(ctx context.Context, chatbotID string) (E, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "executor.get_or_build")
	defer span.End()
	span.SetAttributes(attribute.String("chatbot.id", chatbotID))

	if ex, ok := c.lookup(chatbotID); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return ex, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	v, err, _ := c.sf.Do(chatbotID, func() (any, error) {
		if ex, ok := c.lookup(chatbotID); ok {
			return ex, nil
		}
		for {
			c.mu.Lock()
			gen := c.gen[chatbotID]
			c.mu.Unlock()

			ex, err := c.build(ctx, chatbotID)
			if err != nil {
				return nil, err
			}
			if c.insert(chatbotID, ex, gen) {
				return ex, nil
			}
			// invalidated while building: the result reflects stale configuration
			c.log.Debug().Str("chatbot_id", chatbotID).Msg("Executor invalidated during build - rebuilding")
			if err := ex.Disconnect(); err != nil {
				c.log.Warn().Err(err).Str("chatbot_id", chatbotID).Msg("Error disconnecting executor")
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	})
	if err != nil {
		telemetry.RecordError(span, err)
		c.log.Error().Err(err).Str("chatbot_id", chatbotID).Msg("Error building executor")
		var zero E
		return zero, err
	}
	return v.(E), nil
}

// lookup is the atomic get-and-touch. Expired entries are disconnected and
// removed before reporting a miss.
func (c *Cache[E]) lookup(chatbotID string) (E, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero E
	e, ok := c.entries[chatbotID]
	if !ok {
		return zero, false
	}
	now := c.clock.Now()
	if c.expired(e, now) {
		c.log.Debug().Str("chatbot_id", chatbotID).Msg("Executor idle past TTL - rebuilding")
		c.evictLocked(e)
		return zero, false
	}
	e.lastActivity = now
	c.lru.MoveToFront(e.elem)
	return e.executor, true
}

// insert caches ex unless the chatbot was invalidated since gen was read.
func (c *Cache[E]) insert(chatbotID string, ex E, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[chatbotID] != gen {
		return false
	}
	if old, ok := c.entries[chatbotID]; ok {
		c.evictLocked(old)
	}
	for c.capacity > 0 && len(c.entries) >= c.capacity {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*entry[E])
		c.log.Debug().Str("chatbot_id", victim.chatbotID).Msg("Executor cache full - evicting least recently used")
		c.evictLocked(victim)
	}
	e := &entry[E]{chatbotID: chatbotID, executor: ex, lastActivity: c.clock.Now()}
	e.elem = c.lru.PushFront(e)
	c.entries[chatbotID] = e
	return true
}

// evictLocked disconnects, then removes. Disconnect failures are logged only.
func (c *Cache[E]) evictLocked(e *entry[E]) {
	if err := e.executor.Disconnect(); err != nil {
		c.log.Warn().Err(err).Str("chatbot_id", e.chatbotID).Msg("Error disconnecting executor")
	}
	c.lru.Remove(e.elem)
	delete(c.entries, e.chatbotID)
}

func (c *Cache[E]) expired(e *entry[E], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.lastActivity) >= c.ttl
}

// Invalidate forces a rebuild on next use.
func (c *Cache[E]) Invalidate(chatbotID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[chatbotID]++
	if e, ok := c.entries[chatbotID]; ok {
		c.evictLocked(e)
	}
}

// Sweep removes every entry idle longer than the TTL and returns how many.
func (c *Cache[E]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[E])
		if c.expired(e, now) {
			c.evictLocked(e)
			n++
		}
		el = prev
	}
	if n > 0 {
		c.log.Debug().Int("evicted", n).Int("remaining", len(c.entries)).Msg("Executor sweep")
	}
	return n
}

func (c *Cache[E]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Start runs the periodic sweep until Shutdown.
func (c *Cache[E]) Start() {
	if c.interval <= 0 {
		return
	}
	ticker := c.clock.NewTicker(c.interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.Chan():
				c.Sweep()
			}
		}
	}()
}

// Shutdown stops the sweeper and disconnects every cached executor.
func (c *Cache[E]) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.evictLocked(e)
	}
}
