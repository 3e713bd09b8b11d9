//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// Package store provides the durable key-value blob storage used by hubs to
// persist their history log.
package store

import (
	"context"
	"sync"

	"github.com/session-hub/backend/internal/model"
)

// Store is an opaque blob store. Get returns model.ErrNotFound when no blob
// exists under key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, blob []byte) error
}

// Prefixed scopes every key of st under prefix, giving each hub instance its
// own key space.
func Prefixed(st Store, prefix string) Store {
	return prefixed{st: st, prefix: prefix}
}

type prefixed struct {
	st     Store
	prefix string
}

func (p prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.st.Get(ctx, p.prefix+key)
}

func (p prefixed) Put(ctx context.Context, key string, blob []byte) error {
	return p.st.Put(ctx, p.prefix+key, blob)
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.blobs[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, blob []byte) error {
	cp := make([]byte, len(blob))
	copy(cp, blob)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = cp
	return nil
}
