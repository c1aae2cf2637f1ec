// Package skipstore is an ordered, skip-list-backed implementation of
// diskwal/store.Store, generic over any ordered key type. Unlike memstore
// it keeps keys sorted, so a caller can range over them after recovery.
package skipstore

import (
	"cmp"
	"math/rand"
)

const maxHeight = 16

type node[K cmp.Ordered, V any] struct {
	key   K
	value V
	next  []*node[K, V]
}

// Store is a probabilistic, sorted in-memory key-value store. It
// implements diskwal/store.Store[K, V]; Flush and FlushChange are no-ops
// beyond bookkeeping since the store has no backing medium of its own
// besides the process's memory, but they're still distinguished so the
// log engines exercise exactly the calls they would against a real
// durable store.
type Store[K cmp.Ordered, V any] struct {
	height int
	head   *node[K, V]
	count  int
	rng    *rand.Rand
	durableCount int
}

// New returns an empty Store. seed controls the level-selection RNG so
// tests can be deterministic.
func New[K cmp.Ordered, V any](seed int64) *Store[K, V] {
	var zeroK K
	var zeroV V
	return &Store[K, V]{
		height: 1,
		head:   &node[K, V]{key: zeroK, value: zeroV, next: make([]*node[K, V], maxHeight)},
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (s *Store[K, V]) roll() int {
	h := 1
	for s.rng.Intn(2) == 1 && h < maxHeight {
		h++
	}
	return h
}

func (s *Store[K, V]) search(key K, update []*node[K, V]) *node[K, V] {
	cur := s.head
	for lvl := s.height - 1; lvl >= 0; lvl-- {
		for cur.next[lvl] != nil && cur.next[lvl].key < key {
			cur = cur.next[lvl]
		}
		if update != nil {
			update[lvl] = cur
		}
	}
	if cur.next[0] != nil && cur.next[0].key == key {
		return cur.next[0]
	}
	return nil
}

// Get returns the value stored for key, if present.
func (s *Store[K, V]) Get(key K) (V, bool) {
	n := s.search(key, nil)
	if n == nil {
		var zero V
		return zero, false
	}
	return n.value, true
}

// Update inserts or overwrites key's value.
func (s *Store[K, V]) Update(key K, value V) {
	update := make([]*node[K, V], maxHeight)
	existing := s.search(key, update)
	if existing != nil {
		existing.value = value
		return
	}

	height := s.roll()
	if height > s.height {
		for i := s.height; i < height; i++ {
			update[i] = s.head
		}
		s.height = height
	}
	n := &node[K, V]{key: key, value: value, next: make([]*node[K, V], height)}
	for i := 0; i < height; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
	s.count++
}

// Remove deletes key, if present.
func (s *Store[K, V]) Remove(key K) {
	update := make([]*node[K, V], maxHeight)
	existing := s.search(key, update)
	if existing == nil {
		return
	}
	for lvl := 0; lvl < len(existing.next); lvl++ {
		if update[lvl].next[lvl] == existing {
			update[lvl].next[lvl] = existing.next[lvl]
		}
	}
	s.count--
}

// Flush marks every current entry durable. The in-memory skip list has no
// separate durable tier, so this only records the current entry count
// internally; Len reports the live count, not this one.
func (s *Store[K, V]) Flush() error {
	s.durableCount = s.count
	return nil
}

// FlushChange inserts key with value if key is absent. A key that is
// already present keeps its current value, since the live and durable
// views are the same skip list.
func (s *Store[K, V]) FlushChange(key K, value V) error {
	if _, ok := s.Get(key); !ok {
		s.Update(key, value)
	}
	return nil
}

// Len returns the number of keys currently stored.
func (s *Store[K, V]) Len() int {
	return s.count
}

// Range calls f for every key in ascending order, stopping early if f
// returns false.
func (s *Store[K, V]) Range(f func(key K, value V) bool) {
	for n := s.head.next[0]; n != nil; n = n.next[0] {
		if !f(n.key, n.value) {
			return
		}
	}
}
