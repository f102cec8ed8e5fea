package database

import (
	"context"
	"io"
	"testing"
	"time"

	"fluentsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem(id string, priority models.Priority, ts int64) *models.QueueItem {
	return &models.QueueItem{
		ID:             id,
		URL:            "https://api.example.test/progress",
		Method:         "POST",
		Headers:        map[string]string{"Content-Type": "application/json"},
		Body:           `{"wpm":120}`,
		IdempotencyKey: "key-" + id,
		Priority:       priority,
		Timestamp:      time.UnixMilli(ts),
	}
}

func TestQueueCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := newItem("a", models.PriorityHigh, 100)
	require.NoError(t, db.Put(ctx, item))

	got, err := db.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, item.URL, got.URL)
	assert.Equal(t, item.Headers, got.Headers)
	assert.Equal(t, item.Body, got.Body)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	assert.Equal(t, int64(100), got.Timestamp.UnixMilli())

	// overwrite by id
	item.Retries = 3
	require.NoError(t, db.Put(ctx, item))
	got, err = db.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Retries)

	all, err := db.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.Delete(ctx, "a"))
	_, err = db.Get(ctx, "a")
	assert.ErrorIs(t, err, models.ErrItemNotFound)

	// deleting an absent id is not an error
	assert.NoError(t, db.Delete(ctx, "a"))
}

func TestGetAllReflectsNetSet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, db.Put(ctx, newItem(id, models.PriorityNormal, int64(i))))
	}
	require.NoError(t, db.Put(ctx, newItem("b", models.PriorityLow, 10)))
	require.NoError(t, db.Delete(ctx, "c"))
	require.NoError(t, db.Delete(ctx, "zzz"))

	all, err := db.GetAll(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(all))
	for _, it := range all {
		ids = append(ids, it.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b", "d"}, ids)
}

func TestPutDefaultsPriority(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := newItem("p", "", 1)
	item.Headers = nil
	require.NoError(t, db.Put(ctx, item))

	got, err := db.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, got.Priority)
	assert.Nil(t, got.Headers)
}

func TestMoveToFailed(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := newItem("x", models.PriorityNormal, 50)
	item.Retries = 5
	require.NoError(t, db.Put(ctx, item))

	require.NoError(t, db.MoveToFailed(ctx, item, "HTTP 503: Service Unavailable"))

	_, err := db.Get(ctx, "x")
	assert.ErrorIs(t, err, models.ErrItemNotFound)

	failed, err := db.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "x", failed[0].ID)
	assert.Equal(t, 5, failed[0].Retries)
	assert.Equal(t, "HTTP 503: Service Unavailable", failed[0].Error)
	assert.False(t, failed[0].FailedAt.IsZero())
	assert.Equal(t, item.Headers, failed[0].Headers)

	// repeating the move keeps a single failed record
	require.NoError(t, db.MoveToFailed(ctx, item, "again"))
	failed, err = db.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "again", failed[0].Error)

	require.NoError(t, db.ClearFailed(ctx))
	failed, err = db.ListFailed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestMoveToFailedRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := newItem("r", models.PriorityNormal, 1)
	require.NoError(t, db.Put(ctx, item))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, db.MoveToFailed(cancelled, item, "boom"))

	_, err := db.Get(ctx, "r")
	assert.NoError(t, err, "item must stay pending when the move does not commit")
	failed, err := db.ListFailed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestQueueErrorPaths(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	db.Close()

	ctx := context.Background()
	item := newItem("e", models.PriorityNormal, 1)

	assert.Error(t, db.Put(ctx, item))
	_, err = db.Get(ctx, "e")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrItemNotFound)
	_, err = db.GetAll(ctx)
	assert.Error(t, err)
	assert.Error(t, db.Delete(ctx, "e"))
	assert.Error(t, db.MoveToFailed(ctx, item, "x"))
	_, err = db.ListFailed(ctx)
	assert.Error(t, err)
	assert.Error(t, db.ClearFailed(ctx))
	assert.Error(t, db.Put(ctx, &models.QueueItem{}))
}
