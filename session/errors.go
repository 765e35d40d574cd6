package session

import (
	"errors"
	"fmt"

	"github.com/chainlens/indexer-go/chunk"
	"github.com/chainlens/indexer-go/validate"
)

var (
	// ErrSessionNotFound is returned for operations on unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotPaused is returned when resuming a session that is not paused.
	ErrNotPaused = errors.New("session is not paused")

	// ErrTerminal is returned for control operations on a session that has
	// already reached a terminal state.
	ErrTerminal = errors.New("session is in a terminal state")

	// ErrManagerClosed is returned when starting sessions after shutdown.
	ErrManagerClosed = errors.New("session manager is shut down")
)

// ChunkError records why a specific chunk could not be processed. It is
// what a terminal failed session carries: enough to fix the cause and
// restart without rescanning confirmed history.
type ChunkError struct {
	Chunk    *chunk.Chunk
	Attempts int
	Issues   []validate.Issue
	Err      error
}

// Error implements the error interface.
func (e *ChunkError) Error() string {
	if len(e.Issues) > 0 {
		return fmt.Sprintf("%s failed validation after %d attempts: %v", e.Chunk, e.Attempts, e.Issues)
	}
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Chunk, e.Attempts, e.Err)
}

// Unwrap returns the underlying fetch/persist error, if any.
func (e *ChunkError) Unwrap() error {
	return e.Err
}
