// Package storetest is a behavioral suite every store.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursecal/internal/model"
	"coursecal/internal/store"
)

// Run exercises s. Each subtest uses its own namespace, so s may be shared.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	ns := func(t *testing.T) string { return "ns-" + t.Name() }
	synced := time.Date(2024, 1, 8, 14, 0, 0, 123000000, time.UTC)

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, ns(t), "nope")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("put get list delete", func(t *testing.T) {
		n := ns(t)
		for _, k := range []string{"b", "a", "c"} {
			require.NoError(t, s.Put(ctx, model.Record{Namespace: n, Key: k, RemoteID: "r-" + k, Fingerprint: "fp", LastSyncedAt: synced}))
		}
		require.NoError(t, s.Put(ctx, model.Record{Namespace: n + "-other", Key: "a", RemoteID: "x", Fingerprint: "fp", LastSyncedAt: synced}))

		got, err := s.Get(ctx, n, "a")
		require.NoError(t, err)
		assert.Equal(t, "r-a", got.RemoteID)
		assert.True(t, synced.Equal(got.LastSyncedAt))

		list, err := s.List(ctx, n)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].Key, list[1].Key, list[2].Key})

		require.NoError(t, s.Delete(ctx, n, "b"))
		require.NoError(t, s.Delete(ctx, n, "b"))
		list, err = s.List(ctx, n)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("list empty namespace", func(t *testing.T) {
		list, err := s.List(ctx, ns(t))
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)
	})

	t.Run("put overwrites", func(t *testing.T) {
		n := ns(t)
		require.NoError(t, s.Put(ctx, model.Record{Namespace: n, Key: "k", RemoteID: "r1", Fingerprint: "f1", LastSyncedAt: synced}))
		require.NoError(t, s.Put(ctx, model.Record{Namespace: n, Key: "k", RemoteID: "r1", Fingerprint: "f2", LastSyncedAt: synced}))

		got, err := s.Get(ctx, n, "k")
		require.NoError(t, err)
		assert.Equal(t, "f2", got.Fingerprint)
	})

	t.Run("update create modify remove", func(t *testing.T) {
		n := ns(t)
		err := s.Update(ctx, n, "k", func(cur *model.Record) (*model.Record, error) {
			assert.Nil(t, cur)
			return &model.Record{RemoteID: "r1", Fingerprint: "f1", LastSyncedAt: synced}, nil
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, n, "k")
		require.NoError(t, err)
		assert.Equal(t, n, got.Namespace)
		assert.Equal(t, "k", got.Key)

		err = s.Update(ctx, n, "k", func(cur *model.Record) (*model.Record, error) {
			require.NotNil(t, cur)
			next := *cur
			next.Fingerprint = "f2"
			return &next, nil
		})
		require.NoError(t, err)
		got, err = s.Get(ctx, n, "k")
		require.NoError(t, err)
		assert.Equal(t, "f2", got.Fingerprint)

		require.NoError(t, s.Update(ctx, n, "k", func(*model.Record) (*model.Record, error) { return nil, nil }))
		_, err = s.Get(ctx, n, "k")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("update error leaves record untouched", func(t *testing.T) {
		n := ns(t)
		require.NoError(t, s.Put(ctx, model.Record{Namespace: n, Key: "k", RemoteID: "r1", Fingerprint: "f1", LastSyncedAt: synced}))

		boom := errors.New("boom")
		err := s.Update(ctx, n, "k", func(*model.Record) (*model.Record, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, n, "k")
		require.NoError(t, err)
		assert.Equal(t, "f1", got.Fingerprint)
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		n := ns(t)
		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Update(ctx, n, "counter", func(cur *model.Record) (*model.Record, error) {
					count := 0
					if cur != nil {
						fmt.Sscanf(cur.Fingerprint, "%d", &count)
					}
					return &model.Record{RemoteID: "r", Fingerprint: fmt.Sprint(count + 1), LastSyncedAt: synced}, nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, n, "counter")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(writers), got.Fingerprint)
	})
}
