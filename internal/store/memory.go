package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"coursecal/internal/model"
)

type nsKey struct {
	namespace string
	key       string
}

// Memory is an in-process Store. It does not survive restarts and is meant
// for dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	records map[nsKey]model.Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[nsKey]model.Record)}
}

func (m *Memory) Get(ctx context.Context, namespace, key string) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[nsKey{namespace, key}]
	if !ok {
		return model.Record{}, fmt.Errorf("event_map %s/%s: %w", namespace, key, model.ErrNotFound)
	}
	return rec, nil
}

func (m *Memory) List(ctx context.Context, namespace string) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Record, 0)
	for k, rec := range m.records {
		if k.namespace == namespace {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Update(ctx context.Context, namespace, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := nsKey{namespace, key}
	var cur *model.Record
	if rec, ok := m.records[k]; ok {
		cur = &rec
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.records, k)
		return nil
	}
	rec := *next
	rec.Namespace, rec.Key = namespace, key
	m.records[k] = rec
	return nil
}

func (m *Memory) Put(ctx context.Context, rec model.Record) error {
	return m.Update(ctx, rec.Namespace, rec.Key, func(*model.Record) (*model.Record, error) {
		return &rec, nil
	})
}

func (m *Memory) Delete(ctx context.Context, namespace, key string) error {
	return m.Update(ctx, namespace, key, func(*model.Record) (*model.Record, error) {
		return nil, nil
	})
}

func (m *Memory) Close() error { return nil }
