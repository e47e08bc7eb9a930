package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"clipsync/metrics"
	"clipsync/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU holds parsed item metadata keyed by storage key. Metadata objects are
// written once, so an entry is valid for as long as its ETag matches.
type LRU struct {
	c   *lru.Cache[string, entry]
	mu  sync.Mutex
	now func() time.Time
}
type entry struct {
	item *domain.Item
	etag string
	exp  time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, now: time.Now}, nil
}

// Get returns a copy of the cached item when key is present, unexpired and
// was stored with the same etag. An empty etag matches any entry.
func (l *LRU) Get(ctx context.Context, key, etag string) *domain.Item {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.c.Get(key)
	if !ok {
		metrics.CacheMisses.Inc()
		return nil
	}
	if l.now().After(e.exp) || (etag != "" && e.etag != etag) {
		l.c.Remove(key)
		metrics.CacheMisses.Inc()
		return nil
	}
	metrics.CacheHits.Inc()
	return e.item.Clone()
}
func (l *LRU) Set(ctx context.Context, key, etag string, it *domain.Item, ttl time.Duration) {
	if it == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(key, entry{
		item: it.Clone(),
		etag: etag,
		exp:  l.now().Add(ttl),
	})
}
func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(key)
}
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
