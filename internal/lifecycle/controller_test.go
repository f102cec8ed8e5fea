package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fluentsync/internal/cache"
	"fluentsync/internal/events"
	"fluentsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var manifest = []string{"/", "/manifest.json", "/icon.svg"}

func newOrigin(t *testing.T, missing string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == missing {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "content of "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSyncer) Drain(ctx context.Context) (models.SyncSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return models.SyncSummary{}, nil
}

func newController(t *testing.T, srv *httptest.Server, c *cache.MemoryCache, hub *events.Hub, version string, skip bool) *Controller {
	t.Helper()
	ctrl, err := NewController(Options{
		Version:     version,
		Origin:      srv.URL,
		Precache:    manifest,
		SkipWaiting: skip,
		Cache:       c,
		Client:      srv.Client(),
		Sessions:    hub,
		Syncer:      &fakeSyncer{},
	})
	require.NoError(t, err)
	return ctrl
}

func TestNewControllerValidation(t *testing.T) {
	_, err := NewController(Options{Cache: cache.NewMemoryCache()})
	assert.Error(t, err)

	_, err = NewController(Options{Version: "v1"})
	assert.Error(t, err)

	_, err = NewController(Options{Version: "v1", Cache: cache.NewMemoryCache(), Precache: []string{"/"}})
	assert.Error(t, err)

	_, err = NewController(Options{Version: "v1", Cache: cache.NewMemoryCache(), Origin: "not a url"})
	assert.Error(t, err)

	ctrl, err := NewController(Options{Version: "v1", Cache: cache.NewMemoryCache()})
	require.NoError(t, err)
	assert.Equal(t, "fluentfaster-v1", ctrl.StaticNamespace())
	assert.Equal(t, "fluentfaster-runtime-v1", ctrl.RuntimeNamespace())
	assert.Equal(t, StateNew, ctrl.State())
}

func TestInstallActivates(t *testing.T) {
	srv := newOrigin(t, "")
	c := cache.NewMemoryCache()
	hub := events.NewHub(nil)
	session := events.NewChanSession("tab-1", 4)
	hub.Register(session)
	ctx := context.Background()

	// leftovers from older deploys and an unrelated namespace
	stale := &models.CachedResponse{StatusCode: 200, Body: []byte("old")}
	require.NoError(t, c.Put(ctx, "fluentfaster-v0.9.0", "k", stale))
	require.NoError(t, c.Put(ctx, "fluentfaster-runtime-v0.9.0", "k", stale))
	require.NoError(t, c.Put(ctx, "other-app-v1", "k", stale))

	ctrl := newController(t, srv, c, hub, "v1.0.0", true)
	require.NoError(t, ctrl.Install(ctx))
	assert.Equal(t, StateActive, ctrl.State())

	for _, entry := range manifest {
		got, err := c.Match(ctx, "fluentfaster-v1.0.0", srv.URL+entry)
		require.NoError(t, err)
		require.NotNil(t, got, entry)
		assert.Equal(t, "content of "+entry, string(got.Body))
	}

	names, err := c.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fluentfaster-v1.0.0", "other-app-v1"}, names)

	assert.Equal(t, "v1.0.0", hub.Controller())
	msg := <-session.C
	assert.Equal(t, models.MessageSWUpdated, msg.Type)
	assert.Equal(t, "v1.0.0", msg.Version)
}

func TestInstallIsAllOrNothing(t *testing.T) {
	srv := newOrigin(t, "/icon.svg")
	c := cache.NewMemoryCache()
	ctx := context.Background()

	ctrl := newController(t, srv, c, events.NewHub(nil), "v1.0.0", true)
	err := ctrl.Install(ctx)
	require.Error(t, err)
	assert.Equal(t, StateRedundant, ctrl.State())

	names, err := c.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	assert.Error(t, ctrl.Install(ctx))
}

func TestWaitingVersionAndSkipWaiting(t *testing.T) {
	srv := newOrigin(t, "")
	c := cache.NewMemoryCache()
	hub := events.NewHub(nil)
	ctx := context.Background()

	ctrl := newController(t, srv, c, hub, "v2", false)
	assert.ErrorIs(t, ctrl.SkipWaiting(ctx), ErrNotWaiting)

	require.NoError(t, ctrl.Install(ctx))
	assert.Equal(t, StateInstalled, ctrl.State())
	assert.Empty(t, hub.Controller())

	require.NoError(t, ctrl.HandleMessage(ctx, models.ClientMessage{Type: models.MessageSkipWaiting}))
	assert.Equal(t, StateActive, ctrl.State())
	assert.Equal(t, "v2", hub.Controller())

	assert.ErrorIs(t, ctrl.SkipWaiting(ctx), ErrNotWaiting)
}

func TestHandleMessageSyncNow(t *testing.T) {
	syncer := &fakeSyncer{}
	ctrl, err := NewController(Options{Version: "v1", Cache: cache.NewMemoryCache(), Syncer: syncer})
	require.NoError(t, err)

	require.NoError(t, ctrl.HandleMessage(context.Background(), models.ClientMessage{Type: models.MessageSyncNow}))
	assert.Equal(t, 1, syncer.calls)

	err = ctrl.HandleMessage(context.Background(), models.ClientMessage{Type: "PING"})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestReplace(t *testing.T) {
	srv := newOrigin(t, "")
	c := cache.NewMemoryCache()
	hub := events.NewHub(nil)
	ctx := context.Background()

	v1 := newController(t, srv, c, hub, "v1", true)
	require.NoError(t, v1.Install(ctx))
	require.NoError(t, c.Put(ctx, v1.RuntimeNamespace(), "k", &models.CachedResponse{StatusCode: 200}))

	v2 := newController(t, srv, c, hub, "v2", true)
	require.NoError(t, v1.Replace(ctx, v2))

	assert.Equal(t, StatePurged, v1.State())
	assert.Equal(t, StateActive, v2.State())
	assert.Equal(t, "v2", hub.Controller())

	names, err := c.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fluentfaster-v2"}, names)
}

func TestReplaceFailureKeepsCurrent(t *testing.T) {
	good := newOrigin(t, "")
	bad := newOrigin(t, "/")
	c := cache.NewMemoryCache()
	hub := events.NewHub(nil)
	ctx := context.Background()

	v1 := newController(t, good, c, hub, "v1", true)
	require.NoError(t, v1.Install(ctx))

	v2 := newController(t, bad, c, hub, "v2", true)
	require.Error(t, v1.Replace(ctx, v2))

	assert.Equal(t, StateActive, v1.State())
	assert.Equal(t, StateRedundant, v2.State())
	assert.Equal(t, "v1", hub.Controller())
	got, err := c.Match(ctx, "fluentfaster-v1", good.URL+"/")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

type failingCache struct {
	*cache.MemoryCache
}

func (failingCache) Namespaces(ctx context.Context) ([]string, error) {
	return nil, errors.New("cache unavailable")
}

func TestActivateFailsWhenNamespacesUnavailable(t *testing.T) {
	ctrl, err := NewController(Options{Version: "v1", Cache: failingCache{cache.NewMemoryCache()}})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ctrl.Install(ctx))
	assert.Equal(t, StateInstalled, ctrl.State())
	assert.Error(t, ctrl.Activate(ctx))
	assert.Equal(t, StateInstalled, ctrl.State())
}
