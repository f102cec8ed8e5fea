package queue

import (
	"context"
	"testing"
	"time"

	"fluentsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	item := &models.QueueItem{ID: "a", Headers: map[string]string{"X": "1"}, Timestamp: time.UnixMilli(1)}
	require.NoError(t, store.Put(ctx, item))

	t.Run("StoresCopies", func(t *testing.T) {
		item.Headers["X"] = "mutated"
		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "1", got.Headers["X"])

		got.Retries = 9
		again, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 0, again.Retries)
	})

	t.Run("NetSet", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, &models.QueueItem{ID: "b"}))
		require.NoError(t, store.Put(ctx, &models.QueueItem{ID: "b", Retries: 1}))
		require.NoError(t, store.Put(ctx, &models.QueueItem{ID: "c"}))
		require.NoError(t, store.Delete(ctx, "c"))
		require.NoError(t, store.Delete(ctx, "missing"))

		all, err := store.GetAll(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids(all))
	})

	t.Run("MoveToFailed", func(t *testing.T) {
		current, err := store.Get(ctx, "b")
		require.NoError(t, err)
		current.Retries = 5
		require.NoError(t, store.MoveToFailed(ctx, current, "network down"))

		_, err = store.Get(ctx, "b")
		assert.ErrorIs(t, err, models.ErrItemNotFound)

		failed, err := store.ListFailed(ctx)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, 5, failed[0].Retries)
		assert.Equal(t, "network down", failed[0].Error)

		require.NoError(t, store.ClearFailed(ctx))
		failed, err = store.ListFailed(ctx)
		require.NoError(t, err)
		assert.Empty(t, failed)
	})
}
