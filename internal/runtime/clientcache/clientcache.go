// Package clientcache shares transport clients between processors and
// publishers that target the same connection and resource.
package clientcache

import (
	"errors"
	"io"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// Key identifies a cached client.
type Key struct {
	Connection string
	Resource   string
}

func (k Key) String() string {
	return k.Connection + "/" + k.Resource
}

type entry[V any] struct {
	once  sync.Once
	value V
	err   error
	ready atomic.Bool
}

// Cache is a lookup-or-create map of clients. Builders run at most once per
// key at a time; a failed build is evicted so a later Get retries it.
type Cache[V any] struct {
	entries sync.Map // Key -> *entry[V]

	mu     sync.Mutex
	closed bool
}

func New[V any]() *Cache[V] {
	return &Cache[V]{}
}

// Get returns the cached value for key, building it on first access.
// Concurrent first callers share one build.
func (c *Cache[V]) Get(key Key, build func() (V, error)) (V, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		var zero V
		return zero, ErrClosed
	}

	actual, _ := c.entries.LoadOrStore(key, &entry[V]{})
	e := actual.(*entry[V])
	e.once.Do(func() {
		e.value, e.err = build()
		e.ready.Store(e.err == nil)
	})
	if e.err != nil {
		c.entries.CompareAndDelete(key, e)
		var zero V
		return zero, e.err
	}
	return e.value, nil
}

// Len reports the number of successfully built entries.
func (c *Cache[V]) Len() int {
	n := 0
	c.entries.Range(func(_, value any) bool {
		if value.(*entry[V]).ready.Load() {
			n++
		}
		return true
	})
	return n
}

// Keys returns the cached keys sorted by connection then resource.
func (c *Cache[V]) Keys() []Key {
	var keys []Key
	c.entries.Range(func(key, _ any) bool {
		keys = append(keys, key.(Key))
		return true
	})
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Connection != keys[j].Connection {
			return keys[i].Connection < keys[j].Connection
		}
		return keys[i].Resource < keys[j].Resource
	})
	return keys
}

// Close closes every distinct cached value that implements io.Closer exactly
// once and empties the cache. Later Gets fail with ErrClosed.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	seen := make(map[io.Closer]struct{})
	var errs []error
	for _, key := range c.Keys() {
		value, ok := c.entries.LoadAndDelete(key)
		if !ok {
			continue
		}
		e := value.(*entry[V])
		e.once.Do(func() { e.err = ErrClosed })
		if e.err != nil {
			continue
		}
		closer, ok := any(e.value).(io.Closer)
		if !ok {
			continue
		}
		if reflect.TypeOf(closer).Comparable() {
			if _, dup := seen[closer]; dup {
				continue
			}
			seen[closer] = struct{}{}
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("busflow: client cache is closed")
