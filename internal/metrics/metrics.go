package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fluentsync"

// Item outcomes of a sync pass.
const (
	ResultSynced = "synced"
	ResultRetry  = "retry"
	ResultFailed = "failed"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Completed drain passes over the offline queue.",
		},
	)

	syncPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Wall time of a drain pass, including backoff waits.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	syncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Replayed queue items by outcome.",
		},
		[]string{"result"},
	)

	pendingItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending_items",
			Help:      "Pending items seen at the start of the last drain pass.",
		},
	)

	cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Intercepted GET requests by strategy and result.",
		},
		[]string{"strategy", "result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, syncPasses, syncPassDuration, syncItems, pendingItems, cacheRequests)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func ObserveSyncPass(elapsed time.Duration) {
	syncPasses.Inc()
	syncPassDuration.Observe(elapsed.Seconds())
}

func IncSyncItem(result string) {
	syncItems.WithLabelValues(result).Inc()
}

func SetPending(n int) {
	pendingItems.Set(float64(n))
}

func IncCache(strategy, result string) {
	cacheRequests.WithLabelValues(strategy, result).Inc()
}
