// Package health aggregates provider pool and session state into a single
// queryable snapshot, refreshed on a fixed interval.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainlens/indexer-go/provider"
	"github.com/chainlens/indexer-go/session"
)

// ProviderHealth exposes per-chain endpoint health.
type ProviderHealth interface {
	HealthSnapshot() map[string]provider.ChainHealth
}

// SessionCounter exposes session counts by lifecycle status.
type SessionCounter interface {
	CountByStatus() map[session.Status]int
}

// Overall health classification.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Snapshot is one aggregate health observation.
type Snapshot struct {
	Status    string                          `json:"status"`
	Chains    map[string]provider.ChainHealth `json:"chains"`
	Sessions  map[session.Status]int          `json:"sessions"`
	Timestamp time.Time                       `json:"timestamp"`
}

// Config holds monitor tuning knobs.
type Config struct {
	// Interval is how often the snapshot is refreshed.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() *Config {
	return &Config{Interval: 15 * time.Second}
}

// Monitor periodically samples the provider pool and session manager.
type Monitor struct {
	providers ProviderHealth
	sessions  SessionCounter
	config    *Config
	logger    *zap.Logger
	metrics   *session.Metrics

	mu   sync.RWMutex
	snap Snapshot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. A nil config uses defaults.
func NewMonitor(providers ProviderHealth, sessions SessionCounter, config *Config, logger *zap.Logger) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		providers: providers,
		sessions:  sessions,
		config:    config,
		logger:    logger.Named("health"),
		snap: Snapshot{
			Status:    StatusHealthy,
			Chains:    map[string]provider.ChainHealth{},
			Sessions:  map[session.Status]int{},
			Timestamp: time.Now().UTC(),
		},
	}
}

// SetMetrics attaches session metrics updated on every refresh. Optional.
func (m *Monitor) SetMetrics(metrics *session.Metrics) {
	m.metrics = metrics
}

// Start launches the sampling loop. An immediate first sample runs so the
// snapshot is populated before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.refresh()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refresh()
			}
		}
	}()
}

// Stop terminates the sampling loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Snapshot returns the latest aggregate observation.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Monitor) refresh() {
	chains := m.providers.HealthSnapshot()
	counts := m.sessions.CountByStatus()

	snap := Snapshot{
		Status:    classify(chains),
		Chains:    chains,
		Sessions:  counts,
		Timestamp: time.Now().UTC(),
	}

	m.mu.Lock()
	prev := m.snap.Status
	m.snap = snap
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateSessionCounts(counts)
	}

	if snap.Status != prev {
		m.logger.Warn("overall health changed",
			zap.String("from", prev),
			zap.String("to", snap.Status),
		)
	}
}

// classify derives the overall status: a chain with no healthy endpoints
// makes the process unhealthy, any unhealthy endpoint makes it degraded.
func classify(chains map[string]provider.ChainHealth) string {
	status := StatusHealthy
	for _, ch := range chains {
		if ch.Healthy == 0 && ch.Unhealthy > 0 {
			return StatusUnhealthy
		}
		if ch.Unhealthy > 0 {
			status = StatusDegraded
		}
	}
	return status
}
