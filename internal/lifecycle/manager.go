package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"fluentsync/internal/models"

	"github.com/rs/zerolog"
)

// BuildFunc creates a controller for a version.
type BuildFunc func(version string) (*Controller, error)

// Manager tracks the controller currently serving and upgrades it when a new
// version is deployed.
type Manager struct {
	current atomic.Pointer[Controller]
	build   BuildFunc
	upgrade sync.Mutex
	logger  *zerolog.Logger
}

func NewManager(initial *Controller, build BuildFunc, logger *zerolog.Logger) *Manager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	m := &Manager{build: build, logger: logger}
	m.current.Store(initial)
	return m
}

func (m *Manager) Current() *Controller {
	return m.current.Load()
}

// Namespaces returns the namespaces of the current controller.
func (m *Manager) Namespaces() (string, string) {
	return m.Current().Namespaces()
}

func (m *Manager) HandleMessage(ctx context.Context, msg models.ClientMessage) error {
	return m.Current().HandleMessage(ctx, msg)
}

// Upgrade builds a controller for version and replaces the current one. The
// same version is a no-op. Callers see the new namespaces before the old ones
// are purged, so no write lands in a deleted namespace.
func (m *Manager) Upgrade(ctx context.Context, version string) error {
	m.upgrade.Lock()
	defer m.upgrade.Unlock()

	cur := m.Current()
	if cur.Version() == version {
		return nil
	}
	next, err := m.build(version)
	if err != nil {
		return fmt.Errorf("build controller for %s: %w", version, err)
	}
	next.handoff = func() { m.current.Store(next) }

	if err := m.activate(ctx, cur, next); err != nil {
		m.current.Store(cur)
		return err
	}

	m.current.Store(next)
	m.logger.Info().Str("from", cur.Version()).Str("to", version).Msg("version upgraded")
	return nil
}

func (m *Manager) activate(ctx context.Context, cur, next *Controller) error {
	if cur.State() == StateActive {
		return cur.Replace(ctx, next)
	}
	if err := next.Install(ctx); err != nil {
		return err
	}
	if next.State() == StateInstalled {
		return next.Activate(ctx)
	}
	return nil
}
