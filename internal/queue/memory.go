package queue

import (
	"context"
	"sync"
	"time"

	"fluentsync/internal/models"
)

// MemoryStore keeps the pending and failed collections in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	pending map[string]*models.QueueItem
	failed  map[string]*models.FailedItem
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]*models.QueueItem),
		failed:  make(map[string]*models.FailedItem),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, item *models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[item.ID] = item.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.pending[id]
	if !ok {
		return nil, models.ErrItemNotFound
	}
	return item.Clone(), nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]*models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]*models.QueueItem, 0, len(s.pending))
	for _, item := range s.pending {
		items = append(items, item.Clone())
	}
	return items, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

func (s *MemoryStore) MoveToFailed(ctx context.Context, item *models.QueueItem, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[item.ID] = &models.FailedItem{
		QueueItem: *item.Clone(),
		Error:     errMsg,
		FailedAt:  s.now(),
	}
	delete(s.pending, item.ID)
	return nil
}

func (s *MemoryStore) ListFailed(ctx context.Context) ([]*models.FailedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]*models.FailedItem, 0, len(s.failed))
	for _, f := range s.failed {
		c := *f
		c.QueueItem = *f.QueueItem.Clone()
		items = append(items, &c)
	}
	return items, nil
}

func (s *MemoryStore) ClearFailed(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = make(map[string]*models.FailedItem)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
