package fetch

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionRecord is one on-chain transaction relevant to a tracked
// contract, resolved from the logs it emitted. Hash is the unique key within
// a session's dataset; duplicates across chunk boundaries are deduplicated at
// persistence time by upserting on hash.
type TransactionRecord struct {
	Hash        common.Hash     `json:"hash"`
	BlockNumber uint64          `json:"blockNumber"`
	Timestamp   time.Time       `json:"timestamp"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to,omitempty"`
	Value       *big.Int        `json:"value"`
	GasUsed     uint64          `json:"gasUsed"`
	Success     bool            `json:"success"`

	// Events holds the raw log payloads that referenced this transaction.
	Events []json.RawMessage `json:"events,omitempty"`
}

// RangeResult is the outcome of fetching one block range for a contract.
type RangeResult struct {
	FromBlock    uint64
	ToBlock      uint64
	Transactions []*TransactionRecord

	// Warnings records transactions that were referenced by logs but whose
	// detail fetch failed. A chunk is not failed for one bad transaction;
	// the authoritative log query failing is a hard error instead.
	Warnings []string
}

// BlockNumbers returns the sorted-order block numbers referenced by the
// result, in the order transactions appear.
func (r *RangeResult) BlockNumbers() []uint64 {
	nums := make([]uint64, 0, len(r.Transactions))
	for _, tx := range r.Transactions {
		nums = append(nums, tx.BlockNumber)
	}
	return nums
}
