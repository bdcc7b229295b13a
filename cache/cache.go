// Package cache provides the in-process TTL cache for list metadata.
// List existence and membership are read on every HTTP request and most
// ingestions, while the underlying rows change rarely; the cache keeps
// those lookups off the store's read pool.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/logger"
	"github.com/ietf-svn-conversion/mailarch/pkg/metrics"
)

// ListSource is the store surface the cache loads from.
type ListSource interface {
	GetList(ctx context.Context, name string) (*db.EmailList, error)
	ListNames(ctx context.Context) ([]string, error)
	Members(ctx context.Context, name string) ([]string, error)
}

type entry struct {
	list      *db.EmailList
	names     []string
	members   []string
	negative  bool
	expiresAt time.Time
}

// ListCache caches list records, the list-name inventory and private
// list membership with positive and negative TTLs. Concurrent misses on
// the same key collapse into one store load.
type ListCache struct {
	source      ListSource
	mu          sync.RWMutex
	entries     map[string]*entry
	positiveTTL time.Duration
	negativeTTL time.Duration
	maxSize     int

	sfGroup singleflight.Group

	stopCleanup    chan struct{}
	cleanupStopped chan struct{}
	stopOnce       sync.Once
}

func New(source ListSource, cfg *config.CacheConfig) (*ListCache, error) {
	positiveTTL, err := cfg.GetTTL()
	if err != nil {
		return nil, err
	}
	negativeTTL, err := cfg.GetNegativeTTL()
	if err != nil {
		return nil, err
	}

	c := &ListCache{
		source:         source,
		entries:        make(map[string]*entry),
		positiveTTL:    positiveTTL,
		negativeTTL:    negativeTTL,
		maxSize:        cfg.GetMaxSize(),
		stopCleanup:    make(chan struct{}),
		cleanupStopped: make(chan struct{}),
	}
	go c.cleanupLoop()

	logger.Info("CACHE: list cache initialized",
		"positive_ttl", positiveTTL, "negative_ttl", negativeTTL, "max_size", c.maxSize)
	return c, nil
}

// GetList returns the cached list record, loading it on a miss.
// Unknown lists are cached negatively so repeated probes for garbage
// names stay cheap; they keep returning consts.ErrListNotFound.
func (c *ListCache) GetList(ctx context.Context, name string) (*db.EmailList, error) {
	key := "list/" + name
	if e, ok := c.lookup(key); ok {
		if e.negative {
			return nil, consts.ErrListNotFound
		}
		return e.list, nil
	}

	v, err, _ := c.sfGroup.Do(key, func() (any, error) {
		list, err := c.source.GetList(ctx, name)
		if errors.Is(err, consts.ErrListNotFound) {
			c.store(key, &entry{negative: true}, c.negativeTTL)
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		c.store(key, &entry{list: list}, c.positiveTTL)
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*db.EmailList), nil
}

// ListNames returns the cached inventory of list names.
func (c *ListCache) ListNames(ctx context.Context) ([]string, error) {
	const key = "names"
	if e, ok := c.lookup(key); ok {
		return e.names, nil
	}

	v, err, _ := c.sfGroup.Do(key, func() (any, error) {
		names, err := c.source.ListNames(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, &entry{names: names}, c.positiveTTL)
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Members returns the cached membership of a private list.
func (c *ListCache) Members(ctx context.Context, name string) ([]string, error) {
	key := "members/" + name
	if e, ok := c.lookup(key); ok {
		return e.members, nil
	}

	v, err, _ := c.sfGroup.Do(key, func() (any, error) {
		members, err := c.source.Members(ctx, name)
		if err != nil {
			return nil, err
		}
		c.store(key, &entry{members: members}, c.positiveTTL)
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Invalidate drops cached state for one list and the name inventory.
// Membership sync and list administration call this after writes.
func (c *ListCache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, "list/"+name)
	delete(c.entries, "members/"+name)
	delete(c.entries, "names")
	c.mu.Unlock()
}

func (c *ListCache) lookup(key string) (*entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		metrics.LookupCacheMisses.Inc()
		return nil, false
	}
	metrics.LookupCacheHits.Inc()
	return e, true
}

func (c *ListCache) store(key string, e *entry, ttl time.Duration) {
	e.expiresAt = time.Now().Add(ttl)
	c.mu.Lock()
	if len(c.entries) >= c.maxSize {
		c.evictExpiredLocked()
	}
	if len(c.entries) < c.maxSize {
		c.entries[key] = e
	}
	c.mu.Unlock()
}

func (c *ListCache) evictExpiredLocked() {
	now := time.Now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *ListCache) cleanupLoop() {
	defer close(c.cleanupStopped)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked()
			c.mu.Unlock()
		}
	}
}

// Stop halts the background cleanup goroutine.
func (c *ListCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
		<-c.cleanupStopped
	})
}
