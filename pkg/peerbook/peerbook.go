package peerbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/0xphantomotr/ndchat/pkg/types"
)

var ErrNotFound = errors.New("peerbook: not found")

const keyPrefix = "peer:"

type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key []byte, value []byte) error
	Delete(key []byte) error
	// Scan calls fn for every key with the given prefix.
	Scan(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Book is the list of hosts this node dials, kept in a Store so it survives
// restarts. Only peer endpoints are stored.
type Book struct {
	mu    sync.RWMutex
	store Store
	cache map[uuid.UUID]types.Host
}

func New(store Store) (*Book, error) {
	b := &Book{store: store, cache: make(map[uuid.UUID]types.Host)}
	err := store.Scan([]byte(keyPrefix), func(key, value []byte) error {
		var h types.Host
		if err := json.Unmarshal(value, &h); err != nil {
			return fmt.Errorf("decode peer %s: %w", key, err)
		}
		b.cache[h.ID] = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	return b, nil
}

func peerKey(id uuid.UUID) []byte {
	return []byte(keyPrefix + id.String())
}

func (b *Book) Put(h types.Host) error {
	if err := h.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal peer %s: %w", h.ID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.Set(peerKey(h.ID), payload); err != nil {
		return fmt.Errorf("persist peer %s: %w", h.ID, err)
	}
	b.cache[h.ID] = h
	return nil
}

func (b *Book) Get(id uuid.UUID) (types.Host, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.cache[id]
	if !ok {
		return types.Host{}, ErrNotFound
	}
	return h, nil
}

func (b *Book) Delete(id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cache[id]; !ok {
		return ErrNotFound
	}
	if err := b.store.Delete(peerKey(id)); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete peer %s: %w", id, err)
	}
	delete(b.cache, id)
	return nil
}

// List returns all stored hosts ordered by name.
func (b *Book) List() []types.Host {
	b.mu.RLock()
	hosts := make([]types.Host, 0, len(b.cache))
	for _, h := range b.cache {
		hosts = append(hosts, h)
	}
	b.mu.RUnlock()

	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Name != hosts[j].Name {
			return hosts[i].Name < hosts[j].Name
		}
		return hosts[i].ID.String() < hosts[j].ID.String()
	})
	return hosts
}

func (b *Book) Close() error {
	return b.store.Close()
}

// Open returns a book backed by badger at path, or by memory when path is
// empty.
func Open(path string) (*Book, error) {
	var store Store = NewMemoryStore()
	if path != "" {
		bs, err := NewBadgerStore(path)
		if err != nil {
			return nil, err
		}
		store = bs
	}
	book, err := New(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return book, nil
}
