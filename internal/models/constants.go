package models

import (
	"errors"
	"time"
)

const (
	// SyncTag is the trigger tag that starts a drain of the offline queue.
	SyncTag = "sync-queue"

	// IdempotencyHeader carries QueueItem.IdempotencyKey on every replay.
	IdempotencyHeader = "X-Idempotency-Key"
)

const (
	DefaultMaxRetries  = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitterRatio = 0.3

	// DefaultCachePrefix prefixes every cache namespace owned by the application.
	DefaultCachePrefix = "fluentfaster"
)

var ErrItemNotFound = errors.New("queue item not found")
