// Package dbm wraps tkrzw hash and tree databases behind the small key-value
// surface the record store and deferred queue need.
package dbm

import (
	"fmt"
	"os"
	"sync"

	"github.com/estraier/tkrzw-go"
	sgame "github.com/silarsis/serverless-game-sub003"
)

type Hash struct {
	dbm   *tkrzw.DBM
	mutex *sync.RWMutex
}

func (h *Hash) Get(k string) ([]byte, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	b, stat := h.dbm.Get(k)
	if stat.GetCode() == tkrzw.StatusNotFoundError {
		return nil, sgame.WithStack(os.ErrNotExist)
	} else if !stat.IsOK() {
		return nil, sgame.WithStack(stat)
	}
	return b, nil
}

func (h *Hash) Set(k string, v []byte) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if stat := h.dbm.Set(k, v, true); !stat.IsOK() {
		return sgame.WithStack(stat)
	}
	return nil
}

func (h *Hash) Del(k string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if stat := h.dbm.Remove(k); stat.GetCode() == tkrzw.StatusNotFoundError {
		return nil
	} else if !stat.IsOK() {
		return sgame.WithStack(stat)
	}
	return nil
}

func (h *Hash) Each(f func(k string, v []byte) (bool, error)) error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	iter := h.dbm.MakeIterator()
	defer iter.Destruct()
	for stat := iter.First(); stat.IsOK(); stat = iter.Next() {
		k, v, stat := iter.Get()
		if stat.GetCode() == tkrzw.StatusNotFoundError {
			return nil
		} else if !stat.IsOK() {
			return sgame.WithStack(stat)
		}
		cont, err := f(string(k), v)
		if err != nil {
			return sgame.WithStack(err)
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (h *Hash) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if stat := h.dbm.Close(); !stat.IsOK() {
		return sgame.WithStack(stat)
	}
	return nil
}

// Tree is a lexically ordered database; the deferred queue relies on First
// returning the smallest key.
type Tree struct {
	*Hash
}

func (t *Tree) First() (string, []byte, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	iter := t.dbm.MakeIterator()
	defer iter.Destruct()
	if stat := iter.First(); !stat.IsOK() {
		return "", nil, sgame.WithStack(stat)
	}
	k, v, stat := iter.Get()
	if stat.GetCode() == tkrzw.StatusNotFoundError {
		return "", nil, sgame.WithStack(os.ErrNotExist)
	} else if !stat.IsOK() {
		return "", nil, sgame.WithStack(stat)
	}
	return string(k), v, nil
}

func OpenHash(path string) (*Hash, error) {
	dbm := tkrzw.NewDBM()
	stat := dbm.Open(fmt.Sprintf("%s.tkh", path), true, map[string]string{
		"update_mode":      "UPDATE_APPENDING",
		"record_comp_mode": "RECORD_COMP_NONE",
		"restore_mode":     "RESTORE_SYNC|RESTORE_NO_SHORTCUTS|RESTORE_WITH_HARDSYNC",
	})
	if !stat.IsOK() {
		return nil, sgame.WithStack(stat)
	}
	return &Hash{dbm, &sync.RWMutex{}}, nil
}

func OpenTree(path string) (*Tree, error) {
	dbm := tkrzw.NewDBM()
	stat := dbm.Open(fmt.Sprintf("%s.tkt", path), true, map[string]string{
		"update_mode":      "UPDATE_APPENDING",
		"record_comp_mode": "RECORD_COMP_NONE",
		"key_comparator":   "LexicalKeyComparator",
	})
	if !stat.IsOK() {
		return nil, sgame.WithStack(stat)
	}
	return &Tree{&Hash{dbm, &sync.RWMutex{}}}, nil
}
