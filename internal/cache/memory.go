package cache

import (
	"context"
	"sort"
	"sync"

	"fluentsync/internal/domain"
	"fluentsync/internal/models"
)

var _ domain.ResponseCache = (*MemoryCache)(nil)

// MemoryCache keeps cached responses in process memory, grouped by namespace.
type MemoryCache struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*models.CachedResponse
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{namespaces: make(map[string]map[string]*models.CachedResponse)}
}

func (c *MemoryCache) Match(ctx context.Context, namespace, key string) (*models.CachedResponse, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.namespaces[namespace][key]
	if !ok {
		return nil, nil
	}
	return copyResponse(entry), nil
}

func (c *MemoryCache) Put(ctx context.Context, namespace, key string, resp *models.CachedResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.namespaces[namespace]
	if !ok {
		ns = make(map[string]*models.CachedResponse)
		c.namespaces[namespace] = ns
	}
	ns[key] = copyResponse(resp)
	return nil
}

func (c *MemoryCache) Namespaces(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.namespaces))
	for name := range c.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *MemoryCache) DeleteNamespace(ctx context.Context, namespace string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.namespaces, namespace)
	return nil
}

func copyResponse(r *models.CachedResponse) *models.CachedResponse {
	c := *r
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}
