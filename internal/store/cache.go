package store

import (
	"hash/fnv"
	"sync"
)

const cacheShards = 16

// cacheTable is a lock-striped map keyed by entity id. It is safe for concurrent readers
// and writers; the Store's writer lock decides the order in which writes land.
type cacheTable[T any] struct {
	shards [cacheShards]cacheShard[T]
}

type cacheShard[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func newCacheTable[T any]() *cacheTable[T] {
	c := &cacheTable[T]{}
	for i := range c.shards {
		c.shards[i].items = make(map[string]T)
	}
	return c
}

func (c *cacheTable[T]) shard(id string) *cacheShard[T] {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &c.shards[h.Sum32()%cacheShards]
}

func (c *cacheTable[T]) get(id string) (T, bool) {
	s := c.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

func (c *cacheTable[T]) put(id string, v T) {
	s := c.shard(id)
	s.mu.Lock()
	s.items[id] = v
	s.mu.Unlock()
}

func (c *cacheTable[T]) delete(id string) {
	s := c.shard(id)
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

// each calls fn for every entry until fn returns false. Each shard is read-locked only
// while it is being walked.
func (c *cacheTable[T]) each(fn func(id string, v T) bool) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for id, v := range s.items {
			if !fn(id, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

func (c *cacheTable[T]) len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// replace swaps the whole contents for items.
func (c *cacheTable[T]) replace(items map[string]T) {
	fresh := newCacheTable[T]()
	for id, v := range items {
		fresh.shard(id).items[id] = v
	}
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.items = fresh.shards[i].items
		s.mu.Unlock()
	}
}
