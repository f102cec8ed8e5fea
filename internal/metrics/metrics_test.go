package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		ObserveSyncPass(250 * time.Millisecond)
		IncCache("network-first", "hit")
	})
}

func TestSyncCounters(t *testing.T) {
	before := testutil.ToFloat64(syncItems.WithLabelValues(ResultFailed))
	IncSyncItem(ResultFailed)
	IncSyncItem(ResultFailed)
	assert.Equal(t, before+2, testutil.ToFloat64(syncItems.WithLabelValues(ResultFailed)))

	SetPending(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(pendingItems))
}
