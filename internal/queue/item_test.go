package queue

import (
	"testing"
	"time"

	"fluentsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewItem(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)

	t.Run("Defaults", func(t *testing.T) {
		item, err := NewItem("https://api.example.test/sessions", "post", withClock(func() time.Time { return fixed }))
		require.NoError(t, err)
		assert.NotEmpty(t, item.ID)
		assert.NotEmpty(t, item.IdempotencyKey)
		assert.NotEqual(t, item.ID, item.IdempotencyKey)
		assert.Equal(t, "POST", item.Method)
		assert.Equal(t, models.PriorityNormal, item.Priority)
		assert.Equal(t, 0, item.Retries)
		assert.Equal(t, fixed, item.Timestamp)
	})

	t.Run("Options", func(t *testing.T) {
		item, err := NewItem("http://localhost:3000/api/results", "PUT",
			WithPriority(models.PriorityHigh),
			WithHeaders(map[string]string{"Content-Type": "application/json"}),
			WithBody(`{"accuracy":97}`),
			WithIdempotencyKey("client-key"),
		)
		require.NoError(t, err)
		assert.Equal(t, models.PriorityHigh, item.Priority)
		assert.Equal(t, "client-key", item.IdempotencyKey)
		assert.Equal(t, `{"accuracy":97}`, item.Body)
		assert.Equal(t, "application/json", item.Headers["Content-Type"])
	})

	t.Run("UniqueIDs", func(t *testing.T) {
		a, err := NewItem("https://x.test/a", "POST")
		require.NoError(t, err)
		b, err := NewItem("https://x.test/a", "POST")
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := NewItem("/relative/path", "POST")
		assert.Error(t, err)
		_, err = NewItem("ftp://x.test/a", "POST")
		assert.Error(t, err)
		_, err = NewItem("https://x.test/a", "TRACE")
		assert.Error(t, err)
		_, err = NewItem("https://x.test/a", "POST", WithPriority("urgent"))
		assert.Error(t, err)
	})
}

func TestSort(t *testing.T) {
	item := func(id string, p models.Priority, ts int64) *models.QueueItem {
		return &models.QueueItem{ID: id, Priority: p, Timestamp: time.UnixMilli(ts)}
	}

	t.Run("PriorityThenTimestamp", func(t *testing.T) {
		items := []*models.QueueItem{
			item("item3", models.PriorityNormal, 200),
			item("item2", models.PriorityNormal, 50),
			item("item1", models.PriorityHigh, 100),
		}
		Sort(items)
		assert.Equal(t, []string{"item1", "item2", "item3"}, ids(items))
	})

	t.Run("AllHighBeforeNormalBeforeLow", func(t *testing.T) {
		items := []*models.QueueItem{
			item("l1", models.PriorityLow, 1),
			item("n2", models.PriorityNormal, 20),
			item("h2", models.PriorityHigh, 300),
			item("n1", models.PriorityNormal, 10),
			item("h1", models.PriorityHigh, 200),
			item("l0", models.PriorityLow, 0),
		}
		Sort(items)
		assert.Equal(t, []string{"h1", "h2", "n1", "n2", "l0", "l1"}, ids(items))
	})

	t.Run("UnknownPriorityRanksAsNormal", func(t *testing.T) {
		items := []*models.QueueItem{
			item("low", models.PriorityLow, 0),
			item("unknown", "", 5),
			item("normal", models.PriorityNormal, 1),
		}
		Sort(items)
		assert.Equal(t, []string{"normal", "unknown", "low"}, ids(items))
	})
}

func ids(items []*models.QueueItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
