package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"fluentsync/internal/cache"
	"fluentsync/internal/domain"
	"fluentsync/internal/models"

	"github.com/rs/zerolog"
)

// State of a versioned deployment.
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActive     State = "active"
	StateSuperseded State = "superseded"
	StatePurged     State = "purged"
	StateRedundant  State = "redundant"
)

var (
	// ErrNotWaiting is returned by SkipWaiting when no installed version is waiting.
	ErrNotWaiting = errors.New("no installed version waiting to activate")
	// ErrUnknownMessage is returned by HandleMessage for unsupported message types.
	ErrUnknownMessage = errors.New("unknown message type")
)

// Claimer is the set of connected sessions a new version takes control of.
type Claimer interface {
	domain.Broadcaster
	Claim(version string)
}

// HTTPDoer fetches precache entries. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configure a Controller.
type Options struct {
	Version     string
	Prefix      string
	Origin      string
	Precache    []string
	SkipWaiting bool
	Cache       domain.ResponseCache
	Client      HTTPDoer
	Sessions    Claimer
	Syncer      domain.Syncer
	Logger      *zerolog.Logger
}

// Controller owns the cache namespaces of one deployed version.
type Controller struct {
	opts   Options
	origin *url.URL
	logger zerolog.Logger

	mu    sync.Mutex
	state State

	// handoff runs once activation is certain, before old namespaces are purged.
	handoff func()
}

func NewController(opts Options) (*Controller, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("version is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = models.DefaultCachePrefix
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}

	var origin *url.URL
	if opts.Origin != "" {
		u, err := url.Parse(opts.Origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid origin %q", opts.Origin)
		}
		origin = u
	}
	if origin == nil && len(opts.Precache) > 0 {
		return nil, errors.New("origin is required to precache entries")
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Controller{
		opts:   opts,
		origin: origin,
		logger: logger.With().Str("version", opts.Version).Logger(),
		state:  StateNew,
	}, nil
}

func (c *Controller) Version() string { return c.opts.Version }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StaticNamespace holds the precached entry points of this version.
func (c *Controller) StaticNamespace() string {
	return c.opts.Prefix + "-" + c.opts.Version
}

// RuntimeNamespace holds responses cached while serving this version.
func (c *Controller) RuntimeNamespace() string {
	return c.opts.Prefix + "-runtime-" + c.opts.Version
}

// Namespaces returns the precache and runtime namespace names.
func (c *Controller) Namespaces() (string, string) {
	return c.StaticNamespace(), c.RuntimeNamespace()
}

// Install fetches every precache entry and stores them together; if any
// fetch fails nothing is stored and the version becomes redundant.
func (c *Controller) Install(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNew {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot install from state %s", st)
	}
	c.state = StateInstalling
	c.mu.Unlock()

	c.logger.Info().Int("entries", len(c.opts.Precache)).Msg("installing")

	if err := c.precache(ctx); err != nil {
		c.setState(StateRedundant)
		c.logger.Error().Err(err).Msg("install failed")
		return fmt.Errorf("install %s: %w", c.opts.Version, err)
	}

	c.setState(StateInstalled)
	if c.opts.SkipWaiting {
		return c.Activate(ctx)
	}
	c.logger.Info().Msg("installed, waiting to activate")
	return nil
}

type fetched struct {
	key  string
	resp *models.CachedResponse
}

func (c *Controller) precache(ctx context.Context) error {
	entries := make([]fetched, 0, len(c.opts.Precache))
	for _, entry := range c.opts.Precache {
		ref, err := url.Parse(entry)
		if err != nil {
			return fmt.Errorf("precache entry %q: %w", entry, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin.ResolveReference(ref).String(), nil)
		if err != nil {
			return fmt.Errorf("precache entry %q: %w", entry, err)
		}

		resp, err := c.opts.Client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", entry, err)
		}
		cached, err := models.NewCachedResponse(resp)
		if err != nil {
			return fmt.Errorf("read %s: %w", entry, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("fetch %s: HTTP %d", entry, resp.StatusCode)
		}
		entries = append(entries, fetched{key: cache.RequestKey(req), resp: cached})
	}

	ns := c.StaticNamespace()
	for _, e := range entries {
		if err := c.opts.Cache.Put(ctx, ns, e.key, e.resp); err != nil {
			_ = c.opts.Cache.DeleteNamespace(ctx, ns)
			return fmt.Errorf("store %s: %w", e.key, err)
		}
	}
	return nil
}

// Activate deletes every namespace of this application that belongs to
// another version, claims all sessions and announces the new version.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateActive {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateInstalled {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot activate from state %s", st)
	}
	c.mu.Unlock()

	if c.handoff != nil {
		c.handoff()
	}
	if err := c.purgeForeign(ctx); err != nil {
		return err
	}

	c.setState(StateActive)
	if c.opts.Sessions != nil {
		c.opts.Sessions.Claim(c.opts.Version)
		c.opts.Sessions.Broadcast(models.UpdateMessage(c.opts.Version))
	}
	c.logger.Info().Msg("activated")
	return nil
}

func (c *Controller) purgeForeign(ctx context.Context) error {
	names, err := c.opts.Cache.Namespaces(ctx)
	if err != nil {
		return fmt.Errorf("list cache namespaces: %w", err)
	}
	static, runtime := c.Namespaces()
	for _, name := range names {
		if !strings.HasPrefix(name, c.opts.Prefix+"-") || name == static || name == runtime {
			continue
		}
		if err := c.opts.Cache.DeleteNamespace(ctx, name); err != nil {
			return fmt.Errorf("delete namespace %s: %w", name, err)
		}
		c.logger.Info().Str("namespace", name).Msg("deleted old cache")
	}
	return nil
}

// SkipWaiting activates an installed version without waiting.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	if c.State() != StateInstalled {
		return ErrNotWaiting
	}
	return c.Activate(ctx)
}

// HandleMessage reacts to SKIP_WAITING and SYNC_NOW.
func (c *Controller) HandleMessage(ctx context.Context, msg models.ClientMessage) error {
	switch msg.Type {
	case models.MessageSkipWaiting:
		return c.SkipWaiting(ctx)
	case models.MessageSyncNow:
		if c.opts.Syncer == nil {
			return errors.New("sync is not configured")
		}
		_, err := c.opts.Syncer.Drain(ctx)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Replace hands control to next. The current version is superseded while next
// installs and purged once next has activated; if next fails the current
// version stays active.
func (c *Controller) Replace(ctx context.Context, next *Controller) error {
	c.mu.Lock()
	if c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot replace from state %s", st)
	}
	c.state = StateSuperseded
	c.mu.Unlock()

	err := next.Install(ctx)
	if err == nil && next.State() == StateInstalled {
		err = next.Activate(ctx)
	}
	if err != nil {
		c.setState(StateActive)
		return err
	}

	c.setState(StatePurged)
	c.logger.Info().Str("next", next.Version()).Msg("superseded and purged")
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
