package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"fluentsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// switchTransport fails every request while offline is set.
type switchTransport struct {
	offline atomic.Bool
	calls   atomic.Int32
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	if s.offline.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestClassify(t *testing.T) {
	i := NewInterceptor(nil, NewMemoryCache(), StaticNamespaces("p", "r"), DefaultRules(), nil)

	cases := []struct {
		name     string
		method   string
		url      string
		navigate bool
		want     Strategy
	}{
		{"post to api", http.MethodPost, "https://app.test/api/results", false, PassThrough},
		{"analytics host", http.MethodGet, "https://www.google-analytics.com/collect.js", false, PassThrough},
		{"vercel insights", http.MethodGet, "https://insights.vercel.app/script.js", false, PassThrough},
		{"navigation", http.MethodGet, "https://app.test/api/page", true, PassThrough},
		{"internal build asset", http.MethodGet, "https://app.test/_next/static/chunk.js", false, PassThrough},
		{"api", http.MethodGet, "https://app.test/api/data", false, NetworkFirst},
		{"api json", http.MethodGet, "https://app.test/api/lessons.json", false, NetworkFirst},
		{"script", http.MethodGet, "https://app.test/app.js", false, CacheFirst},
		{"upper case ext", http.MethodGet, "https://app.test/logo.PNG", false, CacheFirst},
		{"font", http.MethodGet, "https://app.test/fonts/inter.woff2", false, CacheFirst},
		{"data file", http.MethodGet, "https://app.test/manifest.json", false, CacheFirst},
		{"html page", http.MethodGet, "https://app.test/about", false, PassThrough},
		{"unknown ext", http.MethodGet, "https://app.test/archive.zip", false, PassThrough},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := newRequest(t, tc.method, tc.url)
			if tc.navigate {
				req.Header.Set("Sec-Fetch-Mode", "navigate")
			}
			assert.Equal(t, tc.want, i.Classify(req))
		})
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":"fresh"}`)
	}))
	defer srv.Close()

	transport := &switchTransport{}
	cache := NewMemoryCache()
	i := NewInterceptor(transport, cache, StaticNamespaces("fluentfaster-v1", "fluentfaster-runtime-v1"), DefaultRules(), nil)

	resp, err := i.RoundTrip(newRequest(t, http.MethodGet, srv.URL+"/api/data"))
	require.NoError(t, err)
	assert.Equal(t, `{"data":"fresh"}`, readBody(t, resp))

	stored, err := cache.Match(context.Background(), "fluentfaster-runtime-v1", srv.URL+"/api/data")
	require.NoError(t, err)
	require.NotNil(t, stored)

	transport.offline.Store(true)
	resp, err = i.RoundTrip(newRequest(t, http.MethodGet, srv.URL+"/api/data"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"data":"fresh"}`, readBody(t, resp))
	assert.Equal(t, int32(1), hits.Load())

	_, err = i.RoundTrip(newRequest(t, http.MethodGet, srv.URL+"/api/never-cached"))
	assert.Error(t, err)
}

func TestNetworkFirstCachesOnlyOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cache := NewMemoryCache()
	i := NewInterceptor(nil, cache, StaticNamespaces("p", "r"), DefaultRules(), nil)

	resp, err := i.RoundTrip(newRequest(t, http.MethodGet, srv.URL+"/api/created"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	stored, err := cache.Match(context.Background(), "r", srv.URL+"/api/created")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCacheFirstServesFromCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = io.WriteString(w, "console.log('v1')")
	}))
	defer srv.Close()

	transport := &switchTransport{}
	i := NewInterceptor(transport, NewMemoryCache(), StaticNamespaces("p", "r"), DefaultRules(), nil)

	resp, err := i.RoundTrip(newRequest(t, http.MethodGet, srv.URL+"/app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('v1')", readBody(t, resp))
	assert.Equal(t, int32(1), transport.calls.Load())

	resp, err = i.RoundTrip(newRequest(t, http.MethodGet, srv.URL+"/app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('v1')", readBody(t, resp))
	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestCacheFirstPrefersPrecache(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	key := "http://origin.test/icon.svg"
	require.NoError(t, cache.Put(ctx, "pre", key, &models.CachedResponse{StatusCode: 200, Body: []byte("precached")}))
	require.NoError(t, cache.Put(ctx, "run", key, &models.CachedResponse{StatusCode: 200, Body: []byte("runtime")}))

	transport := &switchTransport{}
	transport.offline.Store(true)
	i := NewInterceptor(transport, cache, StaticNamespaces("pre", "run"), DefaultRules(), nil)

	resp, err := i.RoundTrip(newRequest(t, http.MethodGet, key))
	require.NoError(t, err)
	assert.Equal(t, "precached", readBody(t, resp))
	assert.Zero(t, transport.calls.Load())
}

func TestCacheFirstMissOffline(t *testing.T) {
	transport := &switchTransport{}
	transport.offline.Store(true)
	i := NewInterceptor(transport, NewMemoryCache(), StaticNamespaces("p", "r"), DefaultRules(), nil)

	_, err := i.RoundTrip(newRequest(t, http.MethodGet, "http://origin.test/missing.css"))
	assert.Error(t, err)
}

type failingCache struct {
	*MemoryCache
}

func (failingCache) Put(ctx context.Context, namespace, key string, resp *models.CachedResponse) error {
	return errors.New("quota exceeded")
}

func TestCacheWriteFailureStillServes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "a{}")
	}))
	defer srv.Close()

	i := NewInterceptor(nil, failingCache{NewMemoryCache()}, StaticNamespaces("p", "r"), DefaultRules(), nil)
	resp, err := i.RoundTrip(newRequest(t, http.MethodGet, srv.URL+"/site.css"))
	require.NoError(t, err)
	assert.Equal(t, "a{}", readBody(t, resp))
}

func TestPassThroughNeverCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Method)
	}))
	defer srv.Close()

	cache := NewMemoryCache()
	i := NewInterceptor(nil, cache, StaticNamespaces("p", "r"), DefaultRules(), nil)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/results", nil)
	require.NoError(t, err)
	resp, err := i.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, "POST", readBody(t, resp))

	names, err := cache.Namespaces(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

type errAfterReader struct{}

func (errAfterReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

// truncatedTransport answers 200 with a body that breaks off after a prefix.
type truncatedTransport struct{}

func (truncatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Length": {"100"}},
		ContentLength: 100,
		Body:          io.NopCloser(io.MultiReader(strings.NewReader("partial"), errAfterReader{})),
		Request:       req,
	}, nil
}

func TestTruncatedBodyIsNotServed(t *testing.T) {
	ctx := context.Background()

	t.Run("CacheFirst", func(t *testing.T) {
		cache := NewMemoryCache()
		i := NewInterceptor(truncatedTransport{}, cache, StaticNamespaces("p", "r"), DefaultRules(), nil)

		resp, err := i.RoundTrip(newRequest(t, http.MethodGet, "https://app.test/app.js"))
		assert.Error(t, err)
		assert.Nil(t, resp)

		stored, err := cache.Match(ctx, "r", "https://app.test/app.js")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("NetworkFirstWithoutCopy", func(t *testing.T) {
		i := NewInterceptor(truncatedTransport{}, NewMemoryCache(), StaticNamespaces("p", "r"), DefaultRules(), nil)

		resp, err := i.RoundTrip(newRequest(t, http.MethodGet, "https://app.test/api/data"))
		assert.ErrorContains(t, err, "connection reset by peer")
		assert.Nil(t, resp)
	})

	t.Run("NetworkFirstFallsBack", func(t *testing.T) {
		cache := NewMemoryCache()
		require.NoError(t, cache.Put(ctx, "r", "https://app.test/api/data", &models.CachedResponse{StatusCode: http.StatusOK, Body: []byte(`{"data":"old"}`)}))
		i := NewInterceptor(truncatedTransport{}, cache, StaticNamespaces("p", "r"), DefaultRules(), nil)

		resp, err := i.RoundTrip(newRequest(t, http.MethodGet, "https://app.test/api/data"))
		require.NoError(t, err)
		assert.Equal(t, `{"data":"old"}`, readBody(t, resp))
	})
}
