package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chainlens/indexer-go/internal/testutil"
	"github.com/chainlens/indexer-go/provider"
	"github.com/chainlens/indexer-go/session"
)

type fakeProviders struct {
	mu   sync.Mutex
	snap map[string]provider.ChainHealth
}

func (f *fakeProviders) HealthSnapshot() map[string]provider.ChainHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeProviders) set(snap map[string]provider.ChainHealth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

type fakeSessions struct {
	counts map[session.Status]int
}

func (f *fakeSessions) CountByStatus() map[session.Status]int {
	return f.counts
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		chains map[string]provider.ChainHealth
		want   string
	}{
		{
			"no chains",
			map[string]provider.ChainHealth{},
			StatusHealthy,
		},
		{
			"all endpoints healthy",
			map[string]provider.ChainHealth{
				"ethereum": {Healthy: 2},
				"polygon":  {Healthy: 1},
			},
			StatusHealthy,
		},
		{
			"one endpoint down",
			map[string]provider.ChainHealth{
				"ethereum": {Healthy: 1, Unhealthy: 1},
			},
			StatusDegraded,
		},
		{
			"chain fully down",
			map[string]provider.ChainHealth{
				"ethereum": {Healthy: 1},
				"polygon":  {Healthy: 0, Unhealthy: 2},
			},
			StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.chains); got != tt.want {
				t.Errorf("classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMonitor_StartPopulatesSnapshotImmediately(t *testing.T) {
	providers := &fakeProviders{snap: map[string]provider.ChainHealth{
		"ethereum": {Healthy: 2, Unhealthy: 1},
	}}
	sessions := &fakeSessions{counts: map[session.Status]int{
		session.StatusBackfilling: 2,
		session.StatusLivePolling: 1,
	}}

	m := NewMonitor(providers, sessions, &Config{Interval: time.Hour}, testutil.NewTestLogger(t))
	m.Start(context.Background())
	defer m.Stop()

	snap := m.Snapshot()
	if snap.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", snap.Status)
	}
	if snap.Chains["ethereum"].Healthy != 2 {
		t.Errorf("ethereum healthy = %d, want 2", snap.Chains["ethereum"].Healthy)
	}
	if snap.Sessions[session.StatusBackfilling] != 2 {
		t.Errorf("backfilling sessions = %d, want 2", snap.Sessions[session.StatusBackfilling])
	}
	if snap.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestMonitor_RefreshTracksChanges(t *testing.T) {
	providers := &fakeProviders{snap: map[string]provider.ChainHealth{
		"ethereum": {Healthy: 1},
	}}
	sessions := &fakeSessions{counts: map[session.Status]int{}}

	m := NewMonitor(providers, sessions, &Config{Interval: 10 * time.Millisecond}, testutil.NewTestLogger(t))
	m.Start(context.Background())
	defer m.Stop()

	if got := m.Snapshot().Status; got != StatusHealthy {
		t.Fatalf("initial status = %q, want healthy", got)
	}

	providers.set(map[string]provider.ChainHealth{
		"ethereum": {Healthy: 0, Unhealthy: 1},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().Status == StatusUnhealthy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status = %q, want unhealthy after refresh", m.Snapshot().Status)
}

func TestMonitor_StopTerminatesLoop(t *testing.T) {
	providers := &fakeProviders{snap: map[string]provider.ChainHealth{}}
	sessions := &fakeSessions{counts: map[session.Status]int{}}

	m := NewMonitor(providers, sessions, &Config{Interval: time.Millisecond}, testutil.NewTestLogger(t))
	m.Start(context.Background())
	m.Stop()

	// A second Stop is a no-op.
	m.Stop()
}
