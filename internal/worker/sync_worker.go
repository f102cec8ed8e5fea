package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fluentsync/internal/domain"
	"fluentsync/internal/metrics"
	"fluentsync/internal/models"
	"fluentsync/internal/queue"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrSyncInProgress is returned by Drain while another pass is running.
var ErrSyncInProgress = errors.New("sync pass already in progress")

const defaultDeadLetterKey = "fluentsync:deadletter"

// HTTPDoer replays queued requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises a SyncWorker.
type Option func(*SyncWorker)

// WithRedis mirrors terminally failed items to a redis list.
func WithRedis(client *redis.Client, deadLetterKey string) Option {
	return func(w *SyncWorker) {
		w.redis = client
		if deadLetterKey != "" {
			w.deadLetterKey = deadLetterKey
		}
	}
}

// WithRescheduleDelay sets how long after a retryable failure the next pass is requested.
// Zero or negative disables rescheduling.
func WithRescheduleDelay(d time.Duration) Option {
	return func(w *SyncWorker) { w.rescheduleDelay = d }
}

// WithRequestTimeout bounds each replayed request. Zero leaves the client default.
func WithRequestTimeout(d time.Duration) Option {
	return func(w *SyncWorker) { w.requestTimeout = d }
}

func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(w *SyncWorker) { w.sleep = fn }
}

// SyncWorker drains the offline queue, replaying each item in priority order.
type SyncWorker struct {
	store         domain.QueueStore
	client        HTTPDoer
	notifier      domain.Broadcaster
	redis         *redis.Client
	retryPolicy   RetryPolicy
	deadLetterKey string
	logger        *zerolog.Logger

	rescheduleDelay time.Duration
	requestTimeout  time.Duration
	sleep           func(context.Context, time.Duration) error
	now             func() time.Time

	running  atomic.Bool
	triggers chan string

	mu         sync.Mutex
	retryTimer *time.Timer
	lastSync   *models.SyncResult
}

// NewSyncWorker builds a worker with sane defaults.
func NewSyncWorker(store domain.QueueStore, client HTTPDoer, notifier domain.Broadcaster, retry RetryPolicy, logger *zerolog.Logger, opts ...Option) *SyncWorker {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	w := &SyncWorker{
		store:         store,
		client:        client,
		notifier:      notifier,
		retryPolicy:   retry.withDefaults(),
		deadLetterKey: defaultDeadLetterKey,
		logger:        logger,
		sleep:         sleepContext,
		now:           time.Now,
		triggers:      make(chan string, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register requests a drain pass for tag. Requests made while one is already
// pending are coalesced.
func (w *SyncWorker) Register(tag string) {
	select {
	case w.triggers <- tag:
		w.logger.Debug().Str("tag", tag).Msg("sync registered")
	default:
	}
}

// Start consumes registered triggers until ctx is done.
func (w *SyncWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("sync worker started")
	defer w.logger.Info().Msg("sync worker stopped")
	defer w.stopRetryTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case tag := <-w.triggers:
			if tag != models.SyncTag {
				w.logger.Debug().Str("tag", tag).Msg("ignoring unknown sync tag")
				continue
			}
			if _, err := w.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn().Err(err).Msg("sync pass did not complete")
			}
		}
	}
}

// Drain runs one pass over a snapshot of the pending queue and broadcasts the
// summary. A cancelled ctx stops the pass before the next item; the partial
// summary is returned without being broadcast.
func (w *SyncWorker) Drain(ctx context.Context) (models.SyncSummary, error) {
	if !w.running.CompareAndSwap(false, true) {
		return models.SyncSummary{}, ErrSyncInProgress
	}
	defer w.running.Store(false)

	start := w.now()
	items, err := w.store.GetAll(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("load pending items, treating queue as empty")
		items = nil
	}

	summary := models.SyncSummary{Total: len(items)}
	metrics.SetPending(len(items))

	queue.Sort(items)
	for _, item := range items {
		if err := w.sleep(ctx, w.retryPolicy.Delay(item.Retries)); err != nil {
			return summary, err
		}

		switch w.process(ctx, item) {
		case metrics.ResultSynced:
			summary.Synced++
		case metrics.ResultFailed:
			summary.Failed++
		}

		if err := ctx.Err(); err != nil {
			return summary, err
		}
	}

	finished := w.now()
	metrics.ObserveSyncPass(finished.Sub(start))
	w.mu.Lock()
	w.lastSync = &models.SyncResult{SyncSummary: summary, FinishedAt: finished}
	w.mu.Unlock()

	w.logger.Info().
		Int("synced", summary.Synced).
		Int("failed", summary.Failed).
		Int("total", summary.Total).
		Msg("sync pass complete")

	if w.notifier != nil {
		w.notifier.Broadcast(summary.Message())
	}
	return summary, nil
}

// LastSync returns the most recent completed pass. ok is false until one has finished.
func (w *SyncWorker) LastSync() (result models.SyncResult, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastSync == nil {
		return models.SyncResult{}, false
	}
	return *w.lastSync, true
}

// Running reports whether a drain pass is in progress.
func (w *SyncWorker) Running() bool {
	return w.running.Load()
}

func (w *SyncWorker) process(ctx context.Context, item *models.QueueItem) string {
	log := w.logger.With().Str("item_id", item.ID).Str("method", item.Method).Str("url", item.URL).Logger()

	cause := w.replay(ctx, item)
	if ctx.Err() != nil {
		return ""
	}
	if cause == nil {
		if err := w.store.Delete(ctx, item.ID); err != nil {
			log.Error().Err(err).Msg("delete synced item")
		}
		metrics.IncSyncItem(metrics.ResultSynced)
		log.Debug().Msg("item synced")
		return metrics.ResultSynced
	}

	log.Warn().Err(cause).Int("retries", item.Retries).Msg("replay failed")
	result := w.retryOrFail(ctx, item, cause, log)
	metrics.IncSyncItem(result)
	return result
}

func (w *SyncWorker) replay(ctx context.Context, item *models.QueueItem) error {
	if w.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.requestTimeout)
		defer cancel()
	}

	var body io.Reader
	if item.Method != http.MethodGet && item.Body != "" {
		body = strings.NewReader(item.Body)
	}

	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(models.IdempotencyHeader, item.IdempotencyKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

// retryOrFail persists the incremented retry count from the stored record. A
// storage error leaves the record untouched for the next pass.
func (w *SyncWorker) retryOrFail(ctx context.Context, item *models.QueueItem, cause error, log zerolog.Logger) string {
	current, err := w.store.Get(ctx, item.ID)
	if err != nil {
		log.Error().Err(err).Msg("load item for retry increment")
		return metrics.ResultRetry
	}

	current.Retries++
	if current.Retries >= w.retryPolicy.MaxRetries {
		if err := w.store.MoveToFailed(ctx, current, cause.Error()); err != nil {
			log.Error().Err(err).Msg("move item to failed")
			return metrics.ResultRetry
		}
		log.Error().Int("retries", current.Retries).Msg("retry limit reached, item moved to failed")
		w.pushDeadLetter(ctx, current, cause)
		return metrics.ResultFailed
	}

	if err := w.store.Put(ctx, current); err != nil {
		log.Error().Err(err).Msg("persist retry increment")
		return metrics.ResultRetry
	}
	w.scheduleRetry()
	return metrics.ResultRetry
}

func (w *SyncWorker) scheduleRetry() {
	if w.rescheduleDelay <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.retryTimer != nil {
		return
	}
	w.retryTimer = time.AfterFunc(w.rescheduleDelay, func() {
		w.mu.Lock()
		w.retryTimer = nil
		w.mu.Unlock()
		w.Register(models.SyncTag)
	})
}

func (w *SyncWorker) stopRetryTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.retryTimer != nil {
		w.retryTimer.Stop()
		w.retryTimer = nil
	}
}

func (w *SyncWorker) pushDeadLetter(ctx context.Context, item *models.QueueItem, cause error) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(models.FailedItem{
		QueueItem: *item,
		Error:     cause.Error(),
		FailedAt:  w.now(),
	})
	if err != nil {
		w.logger.Error().Err(err).Str("item_id", item.ID).Msg("encode deadletter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Warn().Err(err).Str("item_id", item.ID).Msg("deadletter push")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
