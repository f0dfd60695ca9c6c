// Package urlcache implements a bounded TTL cache for resolved URLs with
// request coalescing. Resolving an obfuscated provider URL is expensive and
// hits an external site, so bursts of identical requests must share a single
// upstream resolution and stale URLs must eventually re-resolve.
package urlcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Options struct {
	// MaxResolved bounds the number of cached values. Inserting beyond the
	// bound evicts the oldest-inserted entry.
	MaxResolved int
	// MaxPending bounds the number of in-flight resolutions. Starting one
	// beyond the bound detaches the oldest pending resolution - its waiters
	// then each resolve on their own.
	MaxPending int
}

func NewOptions(maxResolved, maxPending int) Options {
	return Options{
		MaxResolved: maxResolved,
		MaxPending:  maxPending,
	}
}

var DefaultOptions = Options{
	MaxResolved: 500,
	MaxPending:  100,
}

type entry struct {
	key       string
	value     string
	expiresAt time.Time
	timer     *time.Timer
	elem      *list.Element
}

type pendingResolve struct {
	key string
	// done is closed once the fetch finished, successfully or not
	done chan struct{}
	// evicted is closed when the pending entry was pushed out by MaxPending,
	// telling the waiters to resolve independently
	evicted chan struct{}
	value   string
	err     error
	waiters int
	cancel  context.CancelFunc
	elem    *list.Element
}

// Cache is a bounded key->URL store with per-entry TTL and single-flight
// coalescing. All methods are safe for concurrent use.
type Cache struct {
	mu           sync.Mutex
	entries      map[string]*entry
	order        *list.List // *entry, oldest-inserted at the front
	pending      map[string]*pendingResolve
	pendingOrder *list.List // *pendingResolve, oldest at the front
	maxResolved  int
	maxPending   int
	logger       *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Cache {
	if opts.MaxResolved <= 0 {
		opts.MaxResolved = DefaultOptions.MaxResolved
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultOptions.MaxPending
	}
	c := &Cache{
		entries:      map[string]*entry{},
		order:        list.New(),
		pending:      map[string]*pendingResolve{},
		pendingOrder: list.New(),
		maxResolved:  opts.MaxResolved,
		maxPending:   opts.MaxPending,
		logger:       logger,
	}
	return c
}

// Get returns the cached value for the key if it exists and isn't expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[key]
	if !found || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

// Put inserts a value with the given TTL. Re-insertion cancels and replaces
// any existing expiration. When the cache is at capacity the oldest-inserted
// entry is evicted and its expiration timer cancelled, so a timer firing
// after its key has been replaced is a no-op.
func (c *Cache) Put(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, value, ttl)
}

// put requires c.mu to be held.
func (c *Cache) put(key, value string, ttl time.Duration) {
	if old, found := c.entries[key]; found {
		old.timer.Stop()
		c.order.Remove(old.elem)
		delete(c.entries, key)
	} else if len(c.entries) >= c.maxResolved {
		oldestElem := c.order.Front()
		oldest := oldestElem.Value.(*entry)
		oldest.timer.Stop()
		c.order.Remove(oldestElem)
		delete(c.entries, oldest.key)
		c.logger.Debug("Evicted oldest cache entry", zap.String("key", oldest.key))
	}

	e := &entry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	e.elem = c.order.PushBack(e)
	e.timer = time.AfterFunc(ttl, func() {
		c.expire(e)
	})
	c.entries[key] = e
}

// expire removes the entry when its timer fires. The identity check makes
// timer fires after eviction or replacement a no-op.
func (c *Cache) expire(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, found := c.entries[e.key]; found && current == e {
		c.order.Remove(e.elem)
		delete(c.entries, e.key)
	}
}

// Len returns the number of cached (possibly expired but not yet collected)
// entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ResolveOnce returns the cached value for the key, or joins an in-flight
// resolution for it, or runs fetch exactly once and caches its result.
// Fetch errors are surfaced to all coalesced waiters and not cached.
//
// Cancellation of a waiter doesn't cancel the shared fetch as long as another
// waiter remains; cancellation of the last waiter cancels the fetch.
func (c *Cache) ResolveOnce(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (string, error)) (string, error) {
	c.mu.Lock()

	if e, found := c.entries[key]; found && !time.Now().After(e.expiresAt) {
		value := e.value
		c.mu.Unlock()
		return value, nil
	}

	if p, found := c.pending[key]; found {
		p.waiters++
		c.mu.Unlock()
		return c.wait(ctx, key, ttl, p, fetch)
	}

	// No cached value and nothing in flight - this caller becomes the fetcher.
	// The fetch gets its own context so that one waiter's cancellation doesn't
	// kill the resolution for everyone else; the refcount in detach decides
	// when the fetch itself is cancelled.
	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pendingResolve{
		key:     key,
		done:    make(chan struct{}),
		evicted: make(chan struct{}),
		waiters: 1,
		cancel:  cancel,
	}
	if len(c.pending) >= c.maxPending {
		oldestElem := c.pendingOrder.Front()
		oldest := oldestElem.Value.(*pendingResolve)
		c.pendingOrder.Remove(oldestElem)
		delete(c.pending, oldest.key)
		close(oldest.evicted)
		c.logger.Warn("Pending resolutions at capacity, detaching oldest", zap.String("key", oldest.key))
	}
	p.elem = c.pendingOrder.PushBack(p)
	c.pending[key] = p
	c.mu.Unlock()

	go func() {
		value, err := fetch(fetchCtx)
		cancel()
		c.mu.Lock()
		if current, found := c.pending[key]; found && current == p {
			c.pendingOrder.Remove(p.elem)
			delete(c.pending, key)
			if err == nil {
				c.put(key, value, ttl)
			}
		}
		p.value, p.err = value, err
		c.mu.Unlock()
		close(p.done)
	}()

	return c.wait(ctx, key, ttl, p, fetch)
}

// wait blocks until the shared resolution completes, the waiter's context is
// cancelled, or the pending entry got pushed out by MaxPending (in which case
// the waiter resolves on its own).
func (c *Cache) wait(ctx context.Context, key string, ttl time.Duration, p *pendingResolve, fetch func(context.Context) (string, error)) (string, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-p.evicted:
		// Detached: resolve independently with the waiter's own context
		value, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		c.Put(key, value, ttl)
		return value, nil
	case <-ctx.Done():
		c.detach(key, p)
		return "", ctx.Err()
	}
}

// detach unregisters a cancelled waiter. The last waiter leaving cancels the
// shared fetch and removes the pending entry.
func (c *Cache) detach(key string, p *pendingResolve) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.waiters--
	if p.waiters > 0 {
		return
	}
	p.cancel()
	if current, found := c.pending[key]; found && current == p {
		c.pendingOrder.Remove(p.elem)
		delete(c.pending, key)
	}
}

// Item is one cache entry in its persistable form.
type Item struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}

// Items returns a snapshot of all non-expired entries, for persisting the
// cache across restarts.
func (c *Cache) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	items := make([]Item, 0, len(c.entries))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if now.After(e.expiresAt) {
			continue
		}
		items = append(items, Item{Key: e.key, Value: e.value, ExpiresAt: e.expiresAt})
	}
	return items
}

// LoadItems re-inserts persisted entries, skipping the expired ones.
func (c *Cache) LoadItems(items []Item) {
	now := time.Now()
	for _, item := range items {
		ttl := item.ExpiresAt.Sub(now)
		if ttl <= 0 {
			continue
		}
		c.Put(item.Key, item.Value, ttl)
	}
}

// Teardown cancels every outstanding expiration timer and in-flight fetch.
func (c *Cache) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.timer.Stop()
	}
	for _, p := range c.pending {
		p.cancel()
	}
}
