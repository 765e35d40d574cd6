package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainlens/indexer-go/fetch"
)

// PebbleStore implements TxStore using PebbleDB.
type PebbleStore struct {
	db     *pebble.DB
	config *Config
	logger *zap.Logger
	closed atomic.Bool
}

// NewPebbleStore opens (or creates) a PebbleDB-backed transaction store.
func NewPebbleStore(cfg *Config) (*PebbleStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cfg.Cache) << 20),
		MaxOpenFiles: cfg.MaxOpenFiles,
		MemTableSize: uint64(cfg.WriteBuffer) << 20,
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStore{
		db:     db,
		config: cfg,
		logger: zap.NewNop(),
	}, nil
}

// SetLogger sets the logger for the store.
func (s *PebbleStore) SetLogger(logger *zap.Logger) {
	s.logger = logger.Named("storage")
}

func (s *PebbleStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close closes the store and releases resources.
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}
	return s.db.Close()
}

// PutTransactions upserts records atomically, keyed by hash. Records whose
// hash already exists are overwritten in place, which is what makes chunk
// retries and boundary-block double counts idempotent.
func (s *PebbleStore) PutTransactions(ctx context.Context, chain string, contract common.Address, records []*fetch.TransactionRecord) (int, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	inserted := 0
	seen := make(map[common.Hash]struct{}, len(records))
	for _, record := range records {
		key := TxKey(chain, contract, record.Hash)

		// A hash repeated within this call is an update too; the pending
		// batch is not visible to has().
		_, dup := seen[record.Hash]
		seen[record.Hash] = struct{}{}
		if !dup {
			exists, err := s.has(key)
			if err != nil {
				return 0, err
			}
			if !exists {
				inserted++
			}
		}

		value, err := json.Marshal(record)
		if err != nil {
			return 0, fmt.Errorf("failed to encode record %s: %w", record.Hash.Hex(), err)
		}

		if err := batch.Set(key, value, nil); err != nil {
			return 0, fmt.Errorf("failed to batch record %s: %w", record.Hash.Hex(), err)
		}
		idxKey := BlockIndexKey(chain, contract, record.BlockNumber, record.Hash)
		if err := batch.Set(idxKey, nil, nil); err != nil {
			return 0, fmt.Errorf("failed to batch index for %s: %w", record.Hash.Hex(), err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	s.logger.Debug("transactions persisted",
		zap.String("chain", chain),
		zap.String("contract", contract.Hex()),
		zap.Int("records", len(records)),
		zap.Int("inserted", inserted),
	)

	return inserted, nil
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup failed: %w", err)
	}
	closer.Close()
	return true, nil
}

// GetTransaction returns a record by hash.
func (s *PebbleStore) GetTransaction(ctx context.Context, chain string, contract common.Address, hash common.Hash) (*fetch.TransactionRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(TxKey(chain, contract, hash))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", hash.Hex(), err)
	}
	defer closer.Close()

	var record fetch.TransactionRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", hash.Hex(), err)
	}
	return &record, nil
}

// HasTransaction checks whether a record exists.
func (s *PebbleStore) HasTransaction(ctx context.Context, chain string, contract common.Address, hash common.Hash) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}
	return s.has(TxKey(chain, contract, hash))
}

// GetTransactionsByRange returns records within the inclusive block range,
// ordered by block number via the secondary index.
func (s *PebbleStore) GetTransactionsByRange(ctx context.Context, chain string, contract common.Address, fromBlock, toBlock uint64) ([]*fetch.TransactionRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	start, end := BlockIndexRange(chain, contract, fromBlock, toBlock)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []*fetch.TransactionRecord
	for iter.First(); iter.Valid(); iter.Next() {
		hash, err := ParseBlockIndexKey(iter.Key())
		if err != nil {
			return nil, err
		}
		record, err := s.GetTransaction(ctx, chain, contract, hash)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}

	return records, nil
}

// CountTransactions returns the number of records stored for the dataset.
func (s *PebbleStore) CountTransactions(ctx context.Context, chain string, contract common.Address) (uint64, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, err
	}

	prefix := TxPrefix(chain, contract)
	end := append(append([]byte{}, prefix...), 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: end})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var count uint64
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterator error: %w", err)
	}
	return count, nil
}
