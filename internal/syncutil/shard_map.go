// Package syncutil contains concurrency-safe containers.
package syncutil

import (
	"hash/maphash"
	"iter"
	"maps"
	"sync"
)

// ShardMap is a thread-safe map that spreads keys over several
// independently locked shards to reduce lock contention.
type ShardMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards []*shard[K, V]
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// DefaultShards is the number of shards used when none is specified.
const DefaultShards = 32

// NewShardMap creates a new [ShardMap] with n shards.
// If n is not positive, [DefaultShards] is used.
func NewShardMap[K comparable, V any](n int) *ShardMap[K, V] {
	if n <= 0 {
		n = DefaultShards
	}
	shards := make([]*shard[K, V], n)
	for i := range shards {
		shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return &ShardMap[K, V]{
		seed:   maphash.MakeSeed(),
		shards: shards,
	}
}

func (m *ShardMap[K, V]) shard(key K) *shard[K, V] {
	return m.shards[maphash.Comparable(m.seed, key)%uint64(len(m.shards))]
}

// Set adds or updates a key-value pair.
func (m *ShardMap[K, V]) Set(key K, value V) {
	s := m.shard(key)
	s.Lock()
	s.items[key] = value
	s.Unlock()
}

// SetIfAbsent stores the value only if the key is not present yet.
// It returns the value stored under the key and whether the value was stored.
func (m *ShardMap[K, V]) SetIfAbsent(key K, value V) (V, bool) {
	s := m.shard(key)
	s.Lock()
	defer s.Unlock()
	if cur, ok := s.items[key]; ok {
		return cur, false
	}
	s.items[key] = value
	return value, true
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	s := m.shard(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.items[key]
	return val, ok
}

// Del removes a key-value pair by key.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	s := m.shard(key)
	s.Lock()
	defer s.Unlock()
	val, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return val, ok
}

// DelFunc removes the key only if fn reports true for the stored value.
func (m *ShardMap[K, V]) DelFunc(key K, fn func(V) bool) bool {
	s := m.shard(key)
	s.Lock()
	defer s.Unlock()
	val, ok := s.items[key]
	if !ok || !fn(val) {
		return false
	}
	delete(s.items, key)
	return true
}

// Has checks if a key exists.
func (m *ShardMap[K, V]) Has(key K) bool {
	s := m.shard(key)
	s.RLock()
	_, ok := s.items[key]
	s.RUnlock()
	return ok
}

// Size returns the total number of items in the map.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for _, s := range m.shards {
		s.RLock()
		size += len(s.items)
		s.RUnlock()
	}
	return size
}

// Items returns an iterator over a snapshot of every shard.
// The map may be modified while iterating.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, s := range m.shards {
			s.RLock()
			items := maps.Clone(s.items)
			s.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
