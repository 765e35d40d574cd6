// Package testutil provides helpers shared across package tests.
package testutil

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/chainlens/indexer-go/fetch"
)

// NewTestLogger creates a logger wired to the test's output.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}

// Hash builds a deterministic transaction hash from a seed.
func Hash(seed uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(seed))
}

// Record builds a transaction record at the given block, with a hash derived
// from the seed.
func Record(seed, block uint64) *fetch.TransactionRecord {
	return &fetch.TransactionRecord{
		Hash:        Hash(seed),
		BlockNumber: block,
		Timestamp:   time.Unix(1_700_000_000+int64(block), 0).UTC(),
		From:        common.BigToAddress(big.NewInt(int64(seed + 1))),
		Value:       big.NewInt(int64(seed) * 1000),
		GasUsed:     21_000,
		Success:     true,
	}
}

// Records builds n records at consecutive blocks starting at firstBlock,
// one per block, with seeds starting at firstSeed.
func Records(firstSeed, firstBlock uint64, n int) []*fetch.TransactionRecord {
	records := make([]*fetch.TransactionRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, Record(firstSeed+uint64(i), firstBlock+uint64(i)))
	}
	return records
}
