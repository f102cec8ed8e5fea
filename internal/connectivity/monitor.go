package connectivity

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Monitor probes a URL on an interval and calls onReconnect when the probe
// starts succeeding after having failed.
type Monitor struct {
	probeURL    string
	interval    time.Duration
	client      *http.Client
	onReconnect func()
	online      atomic.Bool
	logger      *zerolog.Logger
}

func NewMonitor(probeURL string, interval time.Duration, client *http.Client, onReconnect func(), logger *zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	m := &Monitor{
		probeURL:    probeURL,
		interval:    interval,
		client:      client,
		onReconnect: onReconnect,
		logger:      logger,
	}
	m.online.Store(true)
	return m
}

// Online reports the result of the last probe. It starts out true.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Start probes until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and returns whether the origin is reachable.
func (m *Monitor) Check(ctx context.Context) bool {
	up := m.probe(ctx)
	was := m.online.Swap(up)
	switch {
	case up && !was:
		m.logger.Info().Str("probe", m.probeURL).Msg("connectivity restored")
		if m.onReconnect != nil {
			m.onReconnect()
		}
	case !up && was:
		m.logger.Warn().Str("probe", m.probeURL).Msg("connectivity lost")
	}
	return up
}

// probe treats any HTTP response as reachable; only transport errors count as offline.
func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
