package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainlens/indexer-go/fetch"
	"github.com/chainlens/indexer-go/locator"
	"github.com/chainlens/indexer-go/tier"
	"github.com/chainlens/indexer-go/validate"
)

// Manager owns every indexing session in the process. One session exists per
// (user, contract, chain) combination: starting an already-active one returns
// the existing handle instead of a duplicate.
type Manager struct {
	sessions map[string]*Session
	mu       sync.Mutex
	closed   bool

	caller      fetch.Caller
	sink        TxSink
	checkpoints CheckpointStore
	publisher   Publisher
	validator   *validate.Validator
	config      *Config
	logger      *zap.Logger
	metrics     *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager. A nil config uses defaults.
func NewManager(
	caller fetch.Caller,
	sink TxSink,
	checkpoints CheckpointStore,
	publisher Publisher,
	validator *validate.Validator,
	config *Config,
	logger *zap.Logger,
) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:    make(map[string]*Session),
		caller:      caller,
		sink:        sink,
		checkpoints: checkpoints,
		publisher:   publisher,
		validator:   validator,
		config:      config,
		logger:      logger.Named("manager"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetMetrics attaches metrics propagated to every session started afterwards.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// Start launches (or resumes) the session for one (user, contract, chain)
// combination. If that session is already active its existing handle is
// returned; a terminal session is restarted from its checkpoint.
func (m *Manager) Start(userID string, contract common.Address, chain string, t tier.Tier) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}
	if chain == "" {
		return nil, fmt.Errorf("chain cannot be empty")
	}
	if !t.Valid() {
		return nil, fmt.Errorf("unknown subscription tier: %q", t)
	}

	id := ID(userID, contract, chain)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	if existing, ok := m.sessions[id]; ok && !existing.Status().Terminal() {
		m.logger.Debug("session already active", zap.String("sessionId", id))
		return existing, nil
	}

	cp, err := m.checkpoints.Load(id)
	switch {
	case err == nil:
		// Resume: keep the persisted position but refresh the tier, since
		// the subscription may have changed between runs.
		cp.Tier = t
	case errors.Is(err, ErrCheckpointNotFound):
		now := time.Now().UTC()
		cp = &Checkpoint{
			SessionID: id,
			UserID:    userID,
			Contract:  contract,
			Chain:     chain,
			Tier:      t,
			Status:    StatusInitializing,
			CreatedAt: now,
			UpdatedAt: now,
		}
	default:
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", id, err)
	}

	limits := t.Limits()
	fetcher := fetch.NewEVMFetcher(m.caller, &fetch.Config{DetailBatchSize: limits.DetailBatchSize}, m.logger)
	loc := locator.NewLocator(fetcher, m.logger)

	sess := NewSession(cp, fetcher, loc, m.validator, m.sink, m.checkpoints, m.publisher, m.config, m.logger)
	sess.SetMetrics(m.metrics)
	m.sessions[id] = sess

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sess.Run(m.ctx)
	}()

	m.logger.Info("session started",
		zap.String("sessionId", id),
		zap.String("tier", string(t)),
	)

	return sess, nil
}

// Get returns the session handle for an ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Stop requests a clean stop of a session. The checkpoint is kept.
func (m *Manager) Stop(sessionID string) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status().Terminal() {
		return ErrTerminal
	}
	sess.Stop()
	return nil
}

// Pause requests a pause of a session at its next chunk boundary.
func (m *Manager) Pause(sessionID string) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status().Terminal() {
		return ErrTerminal
	}
	sess.Pause()
	return nil
}

// Resume wakes a paused session.
func (m *Manager) Resume(sessionID string) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.Resume()
}

// Snapshot returns a copy of one session's checkpoint. Unknown in-memory
// sessions fall back to the checkpoint store, so stopped sessions remain
// queryable across restarts.
func (m *Manager) Snapshot(sessionID string) (Checkpoint, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return sess.Snapshot(), nil
	}

	cp, err := m.checkpoints.Load(sessionID)
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			return Checkpoint{}, ErrSessionNotFound
		}
		return Checkpoint{}, err
	}
	return *cp, nil
}

// List returns snapshots of every in-memory session.
func (m *Manager) List() []Checkpoint {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	cps := make([]Checkpoint, 0, len(sessions))
	for _, sess := range sessions {
		cps = append(cps, sess.Snapshot())
	}
	return cps
}

// CountByStatus returns the number of sessions per lifecycle status.
func (m *Manager) CountByStatus() map[Status]int {
	counts := make(map[Status]int)
	for _, cp := range m.List() {
		counts[cp.Status]++
	}
	return counts
}

// ShutdownAll pauses every active session, persists their checkpoints and
// waits for each goroutine to exit, bounded by ctx. After ShutdownAll no new
// sessions can start.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	m.logger.Info("shutting down all sessions", zap.Int("sessions", len(sessions)))

	for _, sess := range sessions {
		sess.shutdown()
	}

	var stuck []string
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			stuck = append(stuck, sess.ID())
		}
	}

	// Cancel as a backstop so sessions blocked inside an RPC call unwind;
	// they persist a paused checkpoint on the way out.
	m.cancel()
	m.wg.Wait()

	if len(stuck) > 0 {
		return fmt.Errorf("shutdown timed out waiting for sessions: %s", strings.Join(stuck, ", "))
	}

	m.logger.Info("all sessions shut down")
	return nil
}
