// Package store holds the event_map: for every identity key the core has
// synced, the remote event id and the fingerprint of the content last put
// there. It is the only durable state the sync core owns.
package store

import (
	"context"

	"coursecal/internal/model"
)

// UpdateFunc receives the current record (nil when absent) and returns the
// record to persist. Returning nil removes the record. It is an alias so
// backends can implement Store without importing this package.
type UpdateFunc = func(cur *model.Record) (*model.Record, error)

// Store is the Remote State Cache. Implementations are safe for concurrent
// use; Update is an atomic read-then-write for one (namespace, key).
type Store interface {
	// Get returns model.ErrNotFound when no record exists.
	Get(ctx context.Context, namespace, key string) (model.Record, error)
	// List returns every record of a namespace ordered by key.
	List(ctx context.Context, namespace string) ([]model.Record, error)
	Update(ctx context.Context, namespace, key string, fn UpdateFunc) error
	Put(ctx context.Context, rec model.Record) error
	// Delete is idempotent.
	Delete(ctx context.Context, namespace, key string) error
	Close() error
}
