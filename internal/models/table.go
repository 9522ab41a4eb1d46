package models

import (
	"sort"
	"sync"
)

// Table is a map guarded by a read/write lock. Readers receive copies.
type Table[K comparable, V any] struct {
	mu   sync.RWMutex
	rows map[K]V
}

func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{rows: make(map[K]V)}
}

func (t *Table[K, V]) Set(k K, v V) {
	t.mu.Lock()
	t.rows[k] = v
	t.mu.Unlock()
}

func (t *Table[K, V]) Get(k K) (V, bool) {
	t.mu.RLock()
	v, ok := t.rows[k]
	t.mu.RUnlock()
	return v, ok
}

// Update applies fn to the row under the write lock. fn receives the zero
// value and false when the row is absent.
func (t *Table[K, V]) Update(k K, fn func(V, bool) V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.rows[k]
	t.rows[k] = fn(v, ok)
}

func (t *Table[K, V]) Delete(k K) {
	t.mu.Lock()
	delete(t.rows, k)
	t.mu.Unlock()
}

// Replace swaps the whole content in one step.
func (t *Table[K, V]) Replace(rows map[K]V) {
	next := make(map[K]V, len(rows))
	for k, v := range rows {
		next[k] = v
	}
	t.mu.Lock()
	t.rows = next
	t.mu.Unlock()
}

func (t *Table[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

func (t *Table[K, V]) Snapshot() map[K]V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[K]V, len(t.rows))
	for k, v := range t.rows {
		out[k] = v
	}
	return out
}

// Values returns the rows ordered by less.
func (t *Table[K, V]) Values(less func(a, b V) bool) []V {
	t.mu.RLock()
	out := make([]V, 0, len(t.rows))
	for _, v := range t.rows {
		out = append(out, v)
	}
	t.mu.RUnlock()
	if less != nil {
		sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out
}
