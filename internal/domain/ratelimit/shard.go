package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const numShards = 64

// shard is one partition of the sharded map. Each shard holds an LRU so the
// total number of tracked keys stays bounded; evicting a key is equivalent
// to that key having been idle.
type shard[V any] struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, V]
}

// shardedMap is a concurrent map split into fixed shards so traffic from
// unrelated clients does not serialise on one lock.
type shardedMap[V any] struct {
	shards [numShards]*shard[V]
}

// newShardedMap creates a sharded map bounded to maxKeys entries overall.
func newShardedMap[V any](maxKeys int) *shardedMap[V] {
	perShard := maxKeys / numShards
	if perShard < 1 {
		perShard = 1
	}
	m := &shardedMap[V]{}
	for i := range m.shards {
		cache, err := simplelru.NewLRU[string, V](perShard, nil)
		if err != nil {
			// Only reachable with a non-positive size.
			panic(err)
		}
		m.shards[i] = &shard[V]{entries: cache}
	}
	return m
}

func (m *shardedMap[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%numShards]
}

// withEntry runs fn with the shard locked, handing it the current value (or
// the zero value when absent) and whether it existed. fn returns the value to
// store, or keep=false to delete the key.
func (m *shardedMap[V]) withEntry(key string, fn func(v V, ok bool) (V, bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries.Get(key)
	next, keep := fn(v, ok)
	if keep {
		s.entries.Add(key, next)
	} else if ok {
		s.entries.Remove(key)
	}
}

// remove deletes a key. Returns whether it existed.
func (m *shardedMap[V]) remove(key string) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Remove(key)
}

// len returns the total number of tracked keys across all shards.
func (m *shardedMap[V]) len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += s.entries.Len()
		s.mu.Unlock()
	}
	return n
}

// deleteFunc removes every entry for which fn returns true.
func (m *shardedMap[V]) deleteFunc(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mu.Lock()
		for _, k := range s.entries.Keys() {
			if v, ok := s.entries.Peek(k); ok && fn(k, v) {
				s.entries.Remove(k)
			}
		}
		s.mu.Unlock()
	}
}
