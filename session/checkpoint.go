package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainlens/indexer-go/tier"
)

// Status represents the lifecycle state of an indexing session.
type Status string

const (
	// StatusInitializing means the session is resolving its deployment
	// block and chunk plan.
	StatusInitializing Status = "initializing"
	// StatusBackfilling means the session is processing its chunk plan.
	StatusBackfilling Status = "backfilling"
	// StatusLivePolling means history is caught up and the session polls
	// for new blocks.
	StatusLivePolling Status = "live-polling"
	// StatusPaused means the per-chunk loop is suspended without losing
	// position.
	StatusPaused Status = "paused"
	// StatusStopped is terminal: the session finished cleanly or was
	// stopped on request. The checkpoint remains for restart.
	StatusStopped Status = "stopped"
	// StatusFailed is terminal: a chunk exhausted its retries.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is one a session never leaves on its
// own (restart re-enters initializing from the checkpoint).
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Stop reasons recorded on clean termination.
const (
	StopReasonCompleted    = "completed"
	StopReasonRequested    = "requested"
	StopReasonLimitReached = "limit_reached"
)

// ID builds the composite session identifier for one
// (user, contract, chain) combination.
func ID(userID string, contract common.Address, chain string) string {
	return userID + ":" + chain + ":" + strings.ToLower(contract.Hex())
}

// Checkpoint is the durable state of one indexing session. It is owned
// exclusively by its session and written atomically after every chunk
// transition, so a crash mid-chunk resumes from the last fully persisted
// chunk, never a partial one.
type Checkpoint struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Contract  common.Address `json:"contractAddress"`
	Chain     string         `json:"chain"`
	Tier      tier.Tier      `json:"tier"`

	DeploymentBlock    uint64 `json:"deploymentBlock"`
	StartBlock         uint64 `json:"startBlock"`
	TargetBlock        uint64 `json:"targetBlock"`
	LastConfirmedBlock uint64 `json:"lastConfirmedBlock"`
	CurrentChunkIndex  int    `json:"currentChunkIndex"`
	TotalChunks        int    `json:"totalChunks"`
	ChunkSize          uint64 `json:"chunkSize"`

	// BlocksFetched accumulates fetched-block counts for budget
	// enforcement; it survives restarts so monthly limits hold.
	BlocksFetched uint64 `json:"blocksFetched"`

	Status     Status `json:"status"`
	StopReason string `json:"stopReason,omitempty"`
	LastError  string `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Progress returns the session's completion percentage over its planned
// range. CurrentChunkIndex == 0 means no chunk has been confirmed yet, so
// LastConfirmedBlock carries no position (a plan may start at block 0).
func (cp *Checkpoint) Progress() float64 {
	if cp.CurrentChunkIndex == 0 || cp.TargetBlock < cp.StartBlock {
		return 0
	}
	total := cp.TargetBlock - cp.StartBlock + 1
	if cp.LastConfirmedBlock < cp.StartBlock {
		return 0
	}
	done := cp.LastConfirmedBlock - cp.StartBlock + 1
	if done >= total {
		return 100
	}
	return float64(done) / float64(total) * 100
}

// CheckpointStore persists session checkpoints.
type CheckpointStore interface {
	// Save writes the checkpoint durably.
	Save(cp *Checkpoint) error

	// Load returns the checkpoint for a session ID, or ErrCheckpointNotFound.
	Load(sessionID string) (*Checkpoint, error)

	// List returns all stored checkpoints.
	List() ([]*Checkpoint, error)
}

// ErrCheckpointNotFound is returned when no checkpoint exists for a session.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// FileStore persists checkpoints as one JSON file per session, written via
// write-to-temp-then-rename with the previous version kept as .backup.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger.Named("checkpoint")}, nil
}

func (s *FileStore) path(sessionID string) string {
	// Session IDs contain ':' which is fine on POSIX filesystems but path
	// separators are not.
	name := strings.ReplaceAll(sessionID, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, name+".json")
}

// Save writes the checkpoint atomically: marshal to a temp file, fsync,
// preserve the previous version as .backup, then rename into place.
func (s *FileStore) Save(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", cp.SessionID, err)
	}

	final := s.path(cp.SessionID)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if _, err := os.Stat(final); err == nil {
		if err := os.Rename(final, final+".backup"); err != nil {
			return fmt.Errorf("failed to keep checkpoint backup: %w", err)
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	return nil
}

// Load reads a checkpoint, falling back to the .backup copy when the
// primary file is missing or corrupt.
func (s *FileStore) Load(sessionID string) (*Checkpoint, error) {
	final := s.path(sessionID)

	cp, err := readCheckpoint(final)
	if err == nil {
		return cp, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		// Fall through to backup: a crash between the two renames leaves
		// only the .backup file behind.
	} else {
		s.logger.Warn("checkpoint unreadable, trying backup",
			zap.String("sessionId", sessionID),
			zap.Error(err),
		)
	}

	cp, berr := readCheckpoint(final + ".backup")
	if berr == nil {
		return cp, nil
	}
	if errors.Is(err, os.ErrNotExist) && errors.Is(berr, os.ErrNotExist) {
		return nil, ErrCheckpointNotFound
	}
	return nil, fmt.Errorf("failed to load checkpoint %s: %w", sessionID, err)
}

// List returns all checkpoints in the directory, skipping unreadable files.
func (s *FileStore) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var cps []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		cp, err := readCheckpoint(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint",
				zap.String("file", name),
				zap.Error(err),
			)
			continue
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

// Delete removes a checkpoint and its backup.
func (s *FileStore) Delete(sessionID string) error {
	final := s.path(sessionID)
	if err := os.Remove(final); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if err := os.Remove(final + ".backup"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint backup: %w", err)
	}
	return nil
}

func readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &cp, nil
}
