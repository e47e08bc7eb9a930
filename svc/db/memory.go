package db

import (
	"bytes"
	"context"
	"io"
	"sync"

	"clipsync/pkg/domain"

	"github.com/pkg/errors"
)

// Memory keeps items in process. It backs tests and local development.
type Memory struct {
	mu    sync.RWMutex
	items map[string]map[string]*memEntry
}
type memEntry struct {
	item    *domain.Item
	content []byte
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]map[string]*memEntry)}
}
func (m *Memory) Name() string { return "memory" }
func (m *Memory) List(ctx context.Context, owner string) ([]*domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Item, 0, len(m.items[owner]))
	for _, e := range m.items[owner] {
		out = append(out, e.item.Clone())
	}
	return out, nil
}
func (m *Memory) Put(ctx context.Context, it *domain.Item, content io.Reader, size int64) error {
	if it == nil || it.OwnerID == "" || it.ID == "" {
		return errors.New("item owner and id are required")
	}
	data, err := readExactly(content, size)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.items[it.OwnerID]
	if !ok {
		byID = make(map[string]*memEntry)
		m.items[it.OwnerID] = byID
	}
	byID[it.ID] = &memEntry{item: it.Clone(), content: data}
	return nil
}
func (m *Memory) Open(ctx context.Context, owner, id string) (*domain.Item, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[owner][id]
	if !ok {
		return nil, nil, domain.ErrItemNotFound
	}
	return e.item.Clone(), io.NopCloser(bytes.NewReader(e.content)), nil
}
func (m *Memory) Delete(ctx context.Context, owner, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items[owner], id)
	if len(m.items[owner]) == 0 {
		delete(m.items, owner)
	}
	return nil
}
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// readExactly reads size bytes from r and fails if r holds more or less.
// A negative size reads to EOF.
func readExactly(r io.Reader, size int64) ([]byte, error) {
	if r == nil {
		return nil, errors.New("content reader is nil")
	}
	if size < 0 {
		data, err := io.ReadAll(r)
		return data, errors.Wrap(err, "read content")
	}
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return nil, errors.Wrap(err, "read content")
	}
	if int64(len(data)) != size {
		return nil, errors.Errorf("content length mismatch: declared %d, read %d", size, len(data))
	}
	return data, nil
}
