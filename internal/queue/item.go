package queue

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"fluentsync/internal/models"

	"github.com/google/uuid"
)

// ItemOptions configures a new queue item.
type ItemOptions struct {
	Priority       models.Priority
	Headers        map[string]string
	Body           string
	IdempotencyKey string
	Now            func() time.Time
}

// ItemOption is a functional option for NewItem.
type ItemOption func(*ItemOptions)

func WithPriority(p models.Priority) ItemOption {
	return func(o *ItemOptions) { o.Priority = p }
}

func WithHeaders(h map[string]string) ItemOption {
	return func(o *ItemOptions) { o.Headers = h }
}

func WithBody(body string) ItemOption {
	return func(o *ItemOptions) { o.Body = body }
}

// WithIdempotencyKey overrides the generated key, e.g. when the application
// already sent the request once with its own key.
func WithIdempotencyKey(key string) ItemOption {
	return func(o *ItemOptions) { o.IdempotencyKey = key }
}

func withClock(now func() time.Time) ItemOption {
	return func(o *ItemOptions) { o.Now = now }
}

var validMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// NewItem builds a validated pending item with a fresh id, idempotency key and timestamp.
func NewItem(rawURL, method string, opts ...ItemOption) (*models.QueueItem, error) {
	options := ItemOptions{Priority: models.PriorityNormal, Now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	if !validMethods[method] {
		return nil, fmt.Errorf("unsupported method %q", method)
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, errors.New("url must be absolute http(s)")
	}

	if options.Priority == "" {
		options.Priority = models.PriorityNormal
	}
	if !options.Priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", options.Priority)
	}

	key := strings.TrimSpace(options.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	return &models.QueueItem{
		ID:             uuid.NewString(),
		URL:            u.String(),
		Method:         method,
		Headers:        options.Headers,
		Body:           options.Body,
		IdempotencyKey: key,
		Priority:       options.Priority,
		Timestamp:      options.Now(),
		Retries:        0,
	}, nil
}

// Sort orders items for a sync pass: descending priority, then ascending timestamp.
// Items with equal priority and timestamp keep their relative order.
func Sort(items []*models.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
}
