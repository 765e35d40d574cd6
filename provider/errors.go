package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChain is returned when the pool has no endpoints configured
	// for the requested chain.
	ErrUnknownChain = errors.New("unknown chain")

	// ErrNoEndpoints is returned when a chain is configured with an empty
	// endpoint list.
	ErrNoEndpoints = errors.New("no endpoints configured")

	// ErrPoolClosed is returned when calling a stopped pool.
	ErrPoolClosed = errors.New("provider pool closed")
)

// ExhaustedError is returned when every endpoint for a chain failed a call.
// It carries the last endpoint error for diagnostics.
type ExhaustedError struct {
	Chain   string
	Method  string
	Tried   int
	Skipped int
	LastErr error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("all providers exhausted for chain %s (method %s): %d unhealthy endpoints skipped",
			e.Chain, e.Method, e.Skipped)
	}
	return fmt.Sprintf("all providers exhausted for chain %s (method %s, tried %d): %v",
		e.Chain, e.Method, e.Tried, e.LastErr)
}

// Unwrap returns the last endpoint error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsExhausted reports whether err is a provider exhaustion error.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}
