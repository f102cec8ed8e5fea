package cache

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"fluentsync/internal/domain"
	"fluentsync/internal/metrics"
	"fluentsync/internal/models"

	"github.com/rs/zerolog"
)

// Strategy is how an intercepted request is served.
type Strategy int

const (
	PassThrough Strategy = iota
	NetworkFirst
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	default:
		return "pass-through"
	}
}

// Rules drive request classification.
type Rules struct {
	AnalyticsHosts   []string
	InternalPrefix   string
	APIPrefix        string
	StaticExtensions []string
}

func DefaultRules() Rules {
	return Rules{
		AnalyticsHosts:   []string{"vercel.app", "google-analytics", "googletagmanager"},
		InternalPrefix:   "/_next/",
		APIPrefix:        "/api/",
		StaticExtensions: []string{"js", "css", "png", "jpg", "jpeg", "gif", "svg", "ico", "woff", "woff2", "ttf", "eot", "json"},
	}
}

// NamespaceFunc returns the precache and runtime namespaces currently in use.
type NamespaceFunc func() (precache, runtime string)

// StaticNamespaces returns a NamespaceFunc with fixed names.
func StaticNamespaces(precache, runtime string) NamespaceFunc {
	return func() (string, string) { return precache, runtime }
}

// Interceptor is an http.RoundTripper that serves GET requests from a
// ResponseCache according to Rules. Everything else goes straight to next.
type Interceptor struct {
	next       http.RoundTripper
	cache      domain.ResponseCache
	namespaces NamespaceFunc
	rules      Rules
	extensions map[string]bool
	logger     *zerolog.Logger
}

func NewInterceptor(next http.RoundTripper, cache domain.ResponseCache, namespaces NamespaceFunc, rules Rules, logger *zerolog.Logger) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	extensions := make(map[string]bool, len(rules.StaticExtensions))
	for _, ext := range rules.StaticExtensions {
		extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &Interceptor{
		next:       next,
		cache:      cache,
		namespaces: namespaces,
		rules:      rules,
		extensions: extensions,
		logger:     logger,
	}
}

// Classify applies the rules in order; the first match wins.
func (i *Interceptor) Classify(req *http.Request) Strategy {
	if req.Method != http.MethodGet {
		return PassThrough
	}

	host := req.URL.Hostname()
	if host == "" {
		host = req.Host
	}
	for _, h := range i.rules.AnalyticsHosts {
		if h != "" && strings.Contains(host, h) {
			return PassThrough
		}
	}

	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return PassThrough
	}

	p := req.URL.Path
	if i.rules.InternalPrefix != "" && strings.HasPrefix(p, i.rules.InternalPrefix) {
		return PassThrough
	}
	if i.rules.APIPrefix != "" && strings.HasPrefix(p, i.rules.APIPrefix) {
		return NetworkFirst
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext != "" && i.extensions[ext] {
		return CacheFirst
	}
	return PassThrough
}

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	strategy := i.Classify(req)
	switch strategy {
	case NetworkFirst:
		return i.networkFirst(req)
	case CacheFirst:
		return i.cacheFirst(req)
	default:
		metrics.IncCache(strategy.String(), "network")
		return i.next.RoundTrip(req)
	}
}

func (i *Interceptor) networkFirst(req *http.Request) (*http.Response, error) {
	resp, err := i.next.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusOK {
		// a body cut off mid-read counts as a network failure
		err = i.store(req, resp)
	}
	if err == nil {
		metrics.IncCache(NetworkFirst.String(), "network")
		return resp, nil
	}

	if cached := i.match(req); cached != nil {
		i.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("network failed, serving cached copy")
		metrics.IncCache(NetworkFirst.String(), "fallback")
		return cached.Response(req), nil
	}
	metrics.IncCache(NetworkFirst.String(), "error")
	return nil, err
}

func (i *Interceptor) cacheFirst(req *http.Request) (*http.Response, error) {
	if cached := i.match(req); cached != nil {
		metrics.IncCache(CacheFirst.String(), "hit")
		return cached.Response(req), nil
	}

	resp, err := i.next.RoundTrip(req)
	if err != nil {
		metrics.IncCache(CacheFirst.String(), "error")
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if err := i.store(req, resp); err != nil {
			metrics.IncCache(CacheFirst.String(), "error")
			return nil, err
		}
	}
	metrics.IncCache(CacheFirst.String(), "miss")
	return resp, nil
}

// match looks in the precache namespace first, then the runtime one.
func (i *Interceptor) match(req *http.Request) *models.CachedResponse {
	precache, runtime := i.namespaces()
	key := RequestKey(req)
	for _, ns := range []string{precache, runtime} {
		if ns == "" {
			continue
		}
		cached, err := i.cache.Match(req.Context(), ns, key)
		if err != nil {
			i.logger.Warn().Err(err).Str("namespace", ns).Str("key", key).Msg("cache lookup failed")
			continue
		}
		if cached != nil {
			return cached
		}
	}
	return nil
}

// store copies resp into the runtime namespace. A body that cannot be read in
// full is returned as an error and resp is closed; cache write failures are
// logged only.
func (i *Interceptor) store(req *http.Request, resp *http.Response) error {
	_, runtime := i.namespaces()
	if runtime == "" {
		return nil
	}
	key := RequestKey(req)

	cached, err := models.NewCachedResponse(resp)
	if err != nil {
		_ = resp.Body.Close()
		i.logger.Warn().Err(err).Str("key", key).Msg("read response for cache")
		return fmt.Errorf("read response body: %w", err)
	}
	// the write outlives a cancelled client request
	ctx := context.WithoutCancel(req.Context())
	if err := i.cache.Put(ctx, runtime, key, cached); err != nil {
		i.logger.Warn().Err(err).Str("namespace", runtime).Str("key", key).Msg("cache write failed")
	}
	return nil
}

// RequestKey is the cache key for a GET request: its absolute URL without fragment.
func RequestKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	if u.Host == "" {
		u.Host = req.Host
	}
	return u.String()
}
