package storage

import (
	"os"
	"sort"
	"sync"

	sgame "github.com/silarsis/serverless-game-sub003"
)

// MemHash is an in-memory KV used by tests and by deployments that don't
// want durability.
type MemHash struct {
	mutex sync.RWMutex
	m     map[string][]byte
}

func NewMemHash() *MemHash {
	return &MemHash{m: map[string][]byte{}}
}

func (h *MemHash) Get(k string) ([]byte, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	v, found := h.m[k]
	if !found {
		return nil, sgame.WithStack(os.ErrNotExist)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (h *MemHash) Set(k string, v []byte) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	cp := make([]byte, len(v))
	copy(cp, v)
	h.m[k] = cp
	return nil
}

func (h *MemHash) Del(k string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.m, k)
	return nil
}

func (h *MemHash) Each(f func(k string, v []byte) (bool, error)) error {
	for _, k := range h.sortedKeys() {
		v, err := h.Get(k)
		if err != nil {
			continue
		}
		cont, err := f(k, v)
		if err != nil {
			return sgame.WithStack(err)
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (h *MemHash) Close() error {
	return nil
}

func (h *MemHash) sortedKeys() []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	keys := make([]string, 0, len(h.m))
	for k := range h.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MemTree adds ordered First to MemHash, matching the tree databases the
// deferred queue runs on.
type MemTree struct {
	*MemHash
}

func NewMemTree() *MemTree {
	return &MemTree{NewMemHash()}
}

func (t *MemTree) First() (string, []byte, error) {
	keys := t.sortedKeys()
	if len(keys) == 0 {
		return "", nil, sgame.WithStack(os.ErrNotExist)
	}
	v, err := t.Get(keys[0])
	if err != nil {
		return "", nil, sgame.WithStack(err)
	}
	return keys[0], v, nil
}
