// Package session implements indexing sessions: the per-contract state
// machine that drives locate, plan, fetch, validate, persist and checkpoint,
// plus the manager that owns every running session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainlens/indexer-go/chunk"
	"github.com/chainlens/indexer-go/fetch"
	"github.com/chainlens/indexer-go/locator"
	"github.com/chainlens/indexer-go/progress"
	"github.com/chainlens/indexer-go/validate"
)

// DeploymentLocator finds the first block at which a contract had code.
type DeploymentLocator interface {
	FindDeploymentBlock(ctx context.Context, chain string, contract common.Address, currentBlock uint64) (uint64, error)
}

// TxSink persists fetched transaction records, keyed by hash.
type TxSink interface {
	PutTransactions(ctx context.Context, chain string, contract common.Address, records []*fetch.TransactionRecord) (int, error)
}

// Publisher pushes progress events to observers.
type Publisher interface {
	Publish(event progress.Event) bool
}

// Config holds session tuning knobs.
type Config struct {
	// ChunkSize is the number of blocks per backfill chunk.
	ChunkSize uint64 `yaml:"chunk_size"`

	// LivePollInterval is how often a caught-up session polls for new blocks.
	LivePollInterval time.Duration `yaml:"live_poll_interval"`

	// MaxChunkAttempts bounds retries of a failing chunk before the session
	// fails.
	MaxChunkAttempts int `yaml:"max_chunk_attempts"`

	// RetryBaseDelay is the first retry delay; it doubles per attempt.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// FallbackHistoryBlocks is the best-effort window used when the
	// deployment block cannot be located.
	FallbackHistoryBlocks uint64 `yaml:"fallback_history_blocks"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:             chunk.DefaultSize,
		LivePollInterval:      30 * time.Second,
		MaxChunkAttempts:      3,
		RetryBaseDelay:        time.Second,
		FallbackHistoryBlocks: 100_000,
	}
}

// Session drives the indexing of one (user, contract, chain) combination.
// All state mutations run on the session's own goroutine; control methods
// only post signals.
type Session struct {
	cp *Checkpoint
	mu sync.RWMutex

	fetcher     fetch.Fetcher
	locator     DeploymentLocator
	validator   *validate.Validator
	sink        TxSink
	checkpoints CheckpointStore
	publisher   Publisher
	config      *Config
	logger      *zap.Logger
	metrics     *Metrics

	pauseCh    chan struct{}
	resumeCh   chan struct{}
	stopCh     chan struct{}
	shutdownCh chan struct{}
	done       chan struct{}
}

// NewSession builds a session around a checkpoint. For a fresh session the
// checkpoint carries only identity and tier; for a resumed one it carries
// the persisted position. Run must be called exactly once.
func NewSession(
	cp *Checkpoint,
	fetcher fetch.Fetcher,
	loc DeploymentLocator,
	validator *validate.Validator,
	sink TxSink,
	checkpoints CheckpointStore,
	publisher Publisher,
	config *Config,
	logger *zap.Logger,
) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = chunk.DefaultSize
	}
	if config.MaxChunkAttempts <= 0 {
		config.MaxChunkAttempts = DefaultConfig().MaxChunkAttempts
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if config.LivePollInterval <= 0 {
		config.LivePollInterval = DefaultConfig().LivePollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cp:          cp,
		fetcher:     fetcher,
		locator:     loc,
		validator:   validator,
		sink:        sink,
		checkpoints: checkpoints,
		publisher:   publisher,
		config:      config,
		logger: logger.Named("session").With(
			zap.String("sessionId", cp.SessionID),
		),
		pauseCh:    make(chan struct{}, 1),
		resumeCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}, 1),
		shutdownCh: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// SetMetrics attaches session metrics. Must be called before Run.
func (s *Session) SetMetrics(m *Metrics) {
	s.metrics = m
}

// ID returns the composite session identifier.
func (s *Session) ID() string {
	return s.cp.SessionID
}

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cp.Status
}

// Snapshot returns a copy of the session's checkpoint.
func (s *Session) Snapshot() Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cp
}

// Pause requests a pause at the next chunk boundary.
func (s *Session) Pause() {
	signal(s.pauseCh)
}

// Resume wakes a paused session.
func (s *Session) Resume() error {
	if s.Status() != StatusPaused {
		return ErrNotPaused
	}
	signal(s.resumeCh)
	return nil
}

// Stop requests a clean stop at the next chunk boundary. The checkpoint is
// kept so a later start resumes from the same position.
func (s *Session) Stop() {
	signal(s.stopCh)
}

// shutdown requests the session to persist a paused checkpoint and exit its
// goroutine. Used by the manager during process shutdown.
func (s *Session) shutdown() {
	signal(s.shutdownCh)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run executes the session lifecycle until a terminal state, shutdown or
// context cancellation. Call in a goroutine.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	if err := s.initialize(ctx); err != nil {
		if ctx.Err() != nil {
			s.persistPaused("context cancelled during initialization")
			return
		}
		s.fail(fmt.Errorf("initialization failed: %w", err))
		return
	}

	if !s.backfill(ctx) {
		return
	}

	limits := s.cp.Tier.Limits()
	if !limits.LivePolling {
		s.finish(StopReasonCompleted)
		return
	}

	s.livePoll(ctx)
}

// initialize resolves head, deployment block and the backfill target, then
// persists the first checkpoint. A resumed session keeps its persisted
// position and only extends the target to the current head.
func (s *Session) initialize(ctx context.Context) error {
	s.setStatus(StatusInitializing, "resolving deployment block and plan")

	head, err := s.fetcher.BlockNumber(ctx, s.cp.Chain)
	if err != nil {
		return fmt.Errorf("failed to resolve chain head: %w", err)
	}

	s.mu.Lock()
	resuming := s.cp.TotalChunks > 0
	s.mu.Unlock()

	if resuming {
		s.mu.Lock()
		if head > s.cp.TargetBlock {
			s.cp.TargetBlock = head
		}
		s.mu.Unlock()
		s.logger.Info("resuming from checkpoint",
			zap.Uint64("lastConfirmedBlock", s.cp.LastConfirmedBlock),
			zap.Uint64("targetBlock", s.cp.TargetBlock),
			zap.Uint64("blocksFetched", s.cp.BlocksFetched),
		)
		return s.persist()
	}

	deployment, err := s.locator.FindDeploymentBlock(ctx, s.cp.Chain, s.cp.Contract, head)
	if err != nil {
		if errors.Is(err, locator.ErrNotDeployed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Degraded start: index a recent best-effort window instead of
		// refusing the session outright.
		deployment = 0
		if head > s.config.FallbackHistoryBlocks {
			deployment = head - s.config.FallbackHistoryBlocks
		}
		s.logger.Warn("deployment block search failed, using best-effort window",
			zap.Uint64("windowStart", deployment),
			zap.Error(err),
		)
	}

	limits := s.cp.Tier.Limits()
	start := limits.StartBlock(deployment, head)

	s.mu.Lock()
	s.cp.DeploymentBlock = deployment
	s.cp.StartBlock = start
	s.cp.TargetBlock = head
	s.cp.LastConfirmedBlock = 0
	s.cp.ChunkSize = s.config.ChunkSize
	s.mu.Unlock()

	s.logger.Info("session initialized",
		zap.Uint64("deploymentBlock", deployment),
		zap.Uint64("startBlock", start),
		zap.Uint64("targetBlock", head),
	)

	return s.persist()
}

// backfill processes the chunk plan. It returns true when the plan completed
// and the session should continue to live polling, false when the session
// reached a terminal state or exited for shutdown.
func (s *Session) backfill(ctx context.Context) bool {
	s.mu.RLock()
	planFrom := s.cp.StartBlock
	// CurrentChunkIndex is the resume marker: LastConfirmedBlock == 0 is
	// ambiguous for a plan starting at block 0.
	if s.cp.CurrentChunkIndex > 0 {
		planFrom = s.cp.LastConfirmedBlock + 1
	}
	target := s.cp.TargetBlock
	indexOffset := s.cp.CurrentChunkIndex
	s.mu.RUnlock()

	if planFrom > target {
		return true
	}

	chunks, err := chunk.Plan(planFrom, target, s.config.ChunkSize)
	if err != nil {
		s.fail(fmt.Errorf("chunk planning failed: %w", err))
		return false
	}
	for _, c := range chunks {
		c.Index += indexOffset
	}

	s.mu.Lock()
	s.cp.TotalChunks = indexOffset + len(chunks)
	s.mu.Unlock()

	s.setStatus(StatusBackfilling, fmt.Sprintf("backfilling %d chunks", len(chunks)))

	for _, c := range chunks {
		switch s.waitControl(ctx) {
		case controlProceed:
		case controlStop:
			s.finish(StopReasonRequested)
			return false
		case controlExit:
			return false
		}

		if s.budgetExhausted() {
			s.finish(StopReasonLimitReached)
			return false
		}

		if err := s.processChunk(ctx, c); err != nil {
			if ctx.Err() != nil {
				s.persistPaused("context cancelled mid-backfill")
				return false
			}
			s.fail(err)
			return false
		}
	}

	return true
}

// livePoll keeps a caught-up session synchronized with the chain head,
// fetching each delta as a synthetic chunk through the same pipeline.
func (s *Session) livePoll(ctx context.Context) {
	s.setStatus(StatusLivePolling, "history caught up, polling for new blocks")

	ticker := time.NewTicker(s.config.LivePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.persistPaused("context cancelled during live polling")
			return
		case <-s.shutdownCh:
			s.persistPaused("shutdown requested")
			return
		case <-s.stopCh:
			s.finish(StopReasonRequested)
			return
		case <-s.pauseCh:
			if !s.pausedWait(ctx) {
				return
			}
			s.setStatus(StatusLivePolling, "resumed live polling")
		case <-ticker.C:
		}

		head, err := s.fetcher.BlockNumber(ctx, s.cp.Chain)
		if err != nil {
			s.logger.Warn("head poll failed", zap.Error(err))
			continue
		}

		s.mu.RLock()
		last := s.cp.LastConfirmedBlock
		index := s.cp.TotalChunks
		s.mu.RUnlock()
		if head <= last {
			continue
		}

		if s.budgetExhausted() {
			s.finish(StopReasonLimitReached)
			return
		}

		c := &chunk.Chunk{Index: index, Start: last + 1, End: head, Status: chunk.StatusPending}
		s.mu.Lock()
		s.cp.TotalChunks = index + 1
		s.cp.TargetBlock = head
		s.mu.Unlock()

		if err := s.processChunk(ctx, c); err != nil {
			if ctx.Err() != nil {
				s.persistPaused("context cancelled during live polling")
				return
			}
			s.fail(err)
			return
		}
	}
}

// processChunk runs fetch, validate and persist for one chunk with retry and
// exponential backoff, then advances the checkpoint. The checkpoint only
// moves after the chunk is fully persisted.
func (s *Session) processChunk(ctx context.Context, c *chunk.Chunk) error {
	var (
		lastErr    error
		lastIssues []validate.Issue
	)

	for attempt := 1; attempt <= s.config.MaxChunkAttempts; attempt++ {
		c.Attempts = attempt
		lastIssues, lastErr = s.attemptChunk(ctx, c)
		if lastErr == nil && lastIssues == nil {
			return s.confirmChunk(c)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.Status = chunk.StatusFailed
		if lastErr != nil {
			c.LastErr = lastErr.Error()
		}
		s.logger.Warn("chunk attempt failed",
			zap.Int("chunkIndex", c.Index),
			zap.Int("attempt", attempt),
			zap.Int("issues", len(lastIssues)),
			zap.Error(lastErr),
		)
		if s.metrics != nil {
			s.metrics.ChunkRetries.WithLabelValues(s.cp.Chain).Inc()
		}

		if attempt < s.config.MaxChunkAttempts {
			delay := s.config.RetryBaseDelay * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return &ChunkError{
		Chunk:    c,
		Attempts: s.config.MaxChunkAttempts,
		Issues:   lastIssues,
		Err:      lastErr,
	}
}

func (s *Session) attemptChunk(ctx context.Context, c *chunk.Chunk) ([]validate.Issue, error) {
	c.Status = chunk.StatusFetching
	result, err := s.fetcher.FetchRange(ctx, s.cp.Chain, s.cp.Contract, c.Start, c.End)
	if err != nil {
		return nil, err
	}

	c.Status = chunk.StatusValidating
	if res := s.validator.Validate(c, result); !res.OK {
		return res.Issues, nil
	}

	inserted, err := s.sink.PutTransactions(ctx, s.cp.Chain, s.cp.Contract, result.Transactions)
	if err != nil {
		return nil, fmt.Errorf("failed to persist chunk: %w", err)
	}

	s.logger.Info("chunk persisted",
		zap.Int("chunkIndex", c.Index),
		zap.Uint64("start", c.Start),
		zap.Uint64("end", c.End),
		zap.Int("transactions", len(result.Transactions)),
		zap.Int("inserted", inserted),
		zap.Int("warnings", len(result.Warnings)),
	)
	if s.metrics != nil {
		s.metrics.TransactionsIndexed.WithLabelValues(s.cp.Chain).Add(float64(inserted))
	}

	return nil, nil
}

// confirmChunk advances and persists the checkpoint, then emits progress.
func (s *Session) confirmChunk(c *chunk.Chunk) error {
	c.Status = chunk.StatusPersisted

	s.mu.Lock()
	s.cp.LastConfirmedBlock = c.End
	s.cp.CurrentChunkIndex = c.Index + 1
	s.cp.BlocksFetched += c.Blocks()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return fmt.Errorf("failed to checkpoint chunk %d: %w", c.Index, err)
	}

	if s.metrics != nil {
		s.metrics.ChunksProcessed.WithLabelValues(s.cp.Chain).Inc()
	}

	s.emit(progress.EventProgress, fmt.Sprintf("chunk %d persisted, blocks [%d,%d]", c.Index, c.Start, c.End))
	return nil
}

type control int

const (
	controlProceed control = iota
	controlStop
	controlExit
)

// waitControl drains pending control signals at a chunk boundary. A pause
// blocks here until resume, stop, shutdown or cancellation.
func (s *Session) waitControl(ctx context.Context) control {
	select {
	case <-ctx.Done():
		s.persistPaused("context cancelled")
		return controlExit
	case <-s.shutdownCh:
		s.persistPaused("shutdown requested")
		return controlExit
	case <-s.stopCh:
		return controlStop
	case <-s.pauseCh:
		if !s.pausedWait(ctx) {
			return controlExit
		}
		s.setStatus(StatusBackfilling, "resumed")
		return controlProceed
	default:
		return controlProceed
	}
}

// pausedWait parks the session in the paused state until resume. Returns
// false when the session should exit its goroutine instead of continuing.
func (s *Session) pausedWait(ctx context.Context) bool {
	s.setStatus(StatusPaused, "paused")
	if err := s.persist(); err != nil {
		s.logger.Error("failed to persist paused checkpoint", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		return false
	case <-s.shutdownCh:
		return false
	case <-s.stopCh:
		s.finish(StopReasonRequested)
		return false
	case <-s.resumeCh:
		return true
	}
}

func (s *Session) budgetExhausted() bool {
	limits := s.cp.Tier.Limits()
	if limits.MaxBlocksPerMonth == 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cp.BlocksFetched >= limits.MaxBlocksPerMonth
}

// finish transitions to the terminal stopped state with a reason.
func (s *Session) finish(reason string) {
	s.mu.Lock()
	s.cp.Status = StatusStopped
	s.cp.StopReason = reason
	s.cp.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.logger.Error("failed to persist final checkpoint", zap.Error(err))
	}

	s.logger.Info("session stopped", zap.String("reason", reason))
	s.emit(progress.EventCompletion, "session stopped: "+reason)
}

// fail transitions to the terminal failed state, recording the cause.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.cp.Status = StatusFailed
	s.cp.LastError = err.Error()
	s.cp.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	if perr := s.persist(); perr != nil {
		s.logger.Error("failed to persist failed checkpoint", zap.Error(perr))
	}

	s.logger.Error("session failed", zap.Error(err))
	s.emit(progress.EventError, err.Error())
}

// persistPaused records a paused checkpoint on the way out of the goroutine.
func (s *Session) persistPaused(why string) {
	s.mu.Lock()
	if s.cp.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.cp.Status = StatusPaused
	s.cp.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.logger.Error("failed to persist paused checkpoint", zap.Error(err))
	}
	s.logger.Info("session paused", zap.String("reason", why))
	s.emit(progress.EventProgress, "session paused: "+why)
}

func (s *Session) setStatus(status Status, message string) {
	s.mu.Lock()
	s.cp.Status = status
	s.cp.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("session status changed", zap.String("status", string(status)))
	s.emit(progress.EventProgress, message)
}

func (s *Session) persist() error {
	s.mu.Lock()
	s.cp.UpdatedAt = time.Now().UTC()
	cp := *s.cp
	s.mu.Unlock()
	return s.checkpoints.Save(&cp)
}

func (s *Session) emit(typ progress.EventType, message string) {
	if s.publisher == nil {
		return
	}
	s.mu.RLock()
	event := progress.Event{
		Type:         typ,
		SessionID:    s.cp.SessionID,
		Status:       string(s.cp.Status),
		Progress:     s.cp.Progress(),
		CurrentChunk: s.cp.CurrentChunkIndex,
		TotalChunks:  s.cp.TotalChunks,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	}
	s.mu.RUnlock()
	s.publisher.Publish(event)
}
