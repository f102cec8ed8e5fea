package domain

import (
	"context"

	"fluentsync/internal/models"
)

// QueueStore persists pending and failed mutation records.
type QueueStore interface {
	Put(ctx context.Context, item *models.QueueItem) error
	Get(ctx context.Context, id string) (*models.QueueItem, error)
	GetAll(ctx context.Context) ([]*models.QueueItem, error)
	Delete(ctx context.Context, id string) error
	// MoveToFailed removes the item from the pending queue and records it as failed
	// in a single step.
	MoveToFailed(ctx context.Context, item *models.QueueItem, errMsg string) error
	ListFailed(ctx context.Context) ([]*models.FailedItem, error)
	ClearFailed(ctx context.Context) error
	Close() error
}

// ResponseCache stores GET responses in named namespaces.
type ResponseCache interface {
	// Match returns nil, nil on a miss.
	Match(ctx context.Context, namespace, key string) (*models.CachedResponse, error)
	Put(ctx context.Context, namespace, key string, resp *models.CachedResponse) error
	Namespaces(ctx context.Context) ([]string, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Broadcaster posts a message to every connected application instance.
type Broadcaster interface {
	Broadcast(msg models.ClientMessage)
}

// Syncer runs one drain pass over the offline queue.
type Syncer interface {
	Drain(ctx context.Context) (models.SyncSummary, error)
}

// SyncScheduler requests a future drain pass for a trigger tag.
type SyncScheduler interface {
	Register(tag string)
}
