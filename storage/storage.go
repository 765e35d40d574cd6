// Package storage persists the per-(contract, chain) transaction dataset.
// The store is append-only and keyed by transaction hash, so re-persisting a
// chunk (retry, or a boundary-block log counted by two chunks) is an
// idempotent upsert.
package storage

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainlens/indexer-go/fetch"
)

// Common errors
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("storage closed")
)

// TxReader provides read access to persisted transaction records.
type TxReader interface {
	// GetTransaction returns a record by hash.
	GetTransaction(ctx context.Context, chain string, contract common.Address, hash common.Hash) (*fetch.TransactionRecord, error)

	// HasTransaction checks whether a record exists.
	HasTransaction(ctx context.Context, chain string, contract common.Address, hash common.Hash) (bool, error)

	// GetTransactionsByRange returns records within the inclusive block
	// range, ordered by block number.
	GetTransactionsByRange(ctx context.Context, chain string, contract common.Address, fromBlock, toBlock uint64) ([]*fetch.TransactionRecord, error)

	// CountTransactions returns the number of records stored for the
	// (contract, chain) dataset.
	CountTransactions(ctx context.Context, chain string, contract common.Address) (uint64, error)
}

// TxWriter provides write access to persisted transaction records.
type TxWriter interface {
	// PutTransactions upserts records atomically, keyed by hash, and
	// returns how many were newly inserted (duplicates count as updates).
	PutTransactions(ctx context.Context, chain string, contract common.Address, records []*fetch.TransactionRecord) (inserted int, err error)
}

// TxStore combines read and write access to the transaction dataset.
type TxStore interface {
	TxReader
	TxWriter

	// Close closes the store and releases resources.
	Close() error
}

// Config holds storage configuration.
type Config struct {
	// Path to the database directory
	Path string

	// Cache size in MB (default: 64)
	Cache int

	// MaxOpenFiles is the maximum number of open files (default: 1000)
	MaxOpenFiles int

	// WriteBuffer size in MB (default: 32)
	WriteBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:         path,
		Cache:        64,
		MaxOpenFiles: 1000,
		WriteBuffer:  32,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("path cannot be empty")
	}
	if c.Cache < 0 {
		return errors.New("cache size cannot be negative")
	}
	if c.WriteBuffer < 0 {
		return errors.New("write buffer size cannot be negative")
	}
	return nil
}
