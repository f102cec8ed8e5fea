package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"fluentsync/internal/domain"
	"fluentsync/internal/models"

	"github.com/rs/zerolog"
)

var _ domain.QueueStore = (*FailOpenStore)(nil)

// FailOpenStore wraps a durable store so an unavailable backend reads as an
// empty queue instead of an error. Only GetAll failures mark the backend down;
// after one the backend is not read again until the recheck interval has passed.
// Errors from other operations are returned to the caller unchanged.
type FailOpenStore struct {
	store     domain.QueueStore
	logger    *zerolog.Logger
	recheck   time.Duration
	now       func() time.Time
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailOpenStore(store domain.QueueStore, recheck time.Duration, logger *zerolog.Logger) *FailOpenStore {
	if recheck <= 0 {
		recheck = time.Minute
	}
	return &FailOpenStore{
		store:   store,
		logger:  logger,
		recheck: recheck,
		now:     time.Now,
	}
}

// Healthy reports whether the last call to the backend succeeded.
func (s *FailOpenStore) Healthy() bool {
	return !s.isDown.Load()
}

func (s *FailOpenStore) GetAll(ctx context.Context) ([]*models.QueueItem, error) {
	if s.isDown.Load() && s.now().Sub(time.Unix(0, s.lastCheck.Load())) < s.recheck {
		return nil, nil
	}
	items, err := s.store.GetAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.markDown(err, "get all")
		}
		return nil, nil
	}
	s.markUp()
	return items, nil
}

func (s *FailOpenStore) Put(ctx context.Context, item *models.QueueItem) error {
	return s.track(s.store.Put(ctx, item))
}

func (s *FailOpenStore) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	item, err := s.store.Get(ctx, id)
	if errors.Is(err, models.ErrItemNotFound) {
		s.markUp()
		return nil, err
	}
	return item, s.track(err)
}

func (s *FailOpenStore) Delete(ctx context.Context, id string) error {
	return s.track(s.store.Delete(ctx, id))
}

func (s *FailOpenStore) MoveToFailed(ctx context.Context, item *models.QueueItem, errMsg string) error {
	return s.track(s.store.MoveToFailed(ctx, item, errMsg))
}

func (s *FailOpenStore) ListFailed(ctx context.Context) ([]*models.FailedItem, error) {
	items, err := s.store.ListFailed(ctx)
	return items, s.track(err)
}

func (s *FailOpenStore) ClearFailed(ctx context.Context) error {
	return s.track(s.store.ClearFailed(ctx))
}

func (s *FailOpenStore) Close() error {
	return s.store.Close()
}

// track lets a successful call clear the down state early.
func (s *FailOpenStore) track(err error) error {
	if err == nil {
		s.markUp()
	}
	return err
}

func (s *FailOpenStore) markDown(err error, op string) {
	if !s.isDown.Swap(true) {
		s.logger.Error().Err(err).Str("op", op).Msg("queue storage unavailable, treating queue as empty")
	}
	s.lastCheck.Store(s.now().UnixNano())
}

func (s *FailOpenStore) markUp() {
	if s.isDown.Swap(false) {
		s.logger.Info().Msg("queue storage recovered")
	}
}
