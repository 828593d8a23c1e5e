package storage

import (
	"slices"
	"sync"

	"github.com/google/btree"
)

type entry struct {
	key   string
	value []byte
}

func lessEntry(a, b entry) bool {
	return a.key < b.key
}

// Memory is a Store kept in memory, iteration happens in key order.
type Memory struct {
	lk sync.RWMutex
	t  *btree.BTreeG[entry]
}

func NewMemory() *Memory {
	return &Memory{
		t: btree.NewG(16, lessEntry),
	}
}

func (m *Memory) Commit(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	m.t.ReplaceOrInsert(entry{key: key, value: slices.Clone(value)})
	return nil
}

func (m *Memory) Read(key string) ([]byte, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	e, ok := m.t.Get(entry{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(e.value), nil
}

func (m *Memory) Remove(key string) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if _, ok := m.t.Delete(entry{key: key}); !ok {
		return ErrNotFound
	}
	return nil
}

// Iterate works on a snapshot so fn may call back into the store.
func (m *Memory) Iterate(fn func(key string, value []byte) error) error {
	m.lk.RLock()
	snapshot := make([]entry, 0, m.t.Len())
	m.t.Ascend(func(e entry) bool {
		snapshot = append(snapshot, e)
		return true
	})
	m.lk.RUnlock()

	for _, e := range snapshot {
		if err := fn(e.key, slices.Clone(e.value)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Len() int {
	m.lk.RLock()
	defer m.lk.RUnlock()
	return m.t.Len()
}
