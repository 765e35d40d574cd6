// Package fetch implements the chain-aware contract data fetcher. It is
// event-first: one log query bounds the set of transactions that matter,
// then full detail is fetched only for that reduced set with bounded
// parallelism.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Caller executes a JSON-RPC call against a chain's provider pool.
type Caller interface {
	CallContext(ctx context.Context, chain string, result interface{}, method string, args ...interface{}) error
}

// Fetcher is the shared contract across chain families. The EVM family is
// the shipped implementation; account/ledger-style families differ in shape
// behind the same interface.
type Fetcher interface {
	// BlockNumber returns the chain's current head block number.
	BlockNumber(ctx context.Context, chain string) (uint64, error)

	// FetchRange returns the contract's transactions and events within the
	// inclusive block range [fromBlock, toBlock].
	FetchRange(ctx context.Context, chain string, contract common.Address, fromBlock, toBlock uint64) (*RangeResult, error)
}

// Config holds fetcher configuration.
type Config struct {
	// DetailBatchSize bounds parallel transaction-detail fetches.
	// Scales with subscription tier.
	DetailBatchSize int
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() *Config {
	return &Config{DetailBatchSize: 5}
}

// EVMFetcher fetches contract activity from EVM-family chains through the
// provider pool.
type EVMFetcher struct {
	caller Caller
	config *Config
	logger *zap.Logger
}

// NewEVMFetcher creates an EVM-family fetcher. A nil config uses defaults.
func NewEVMFetcher(caller Caller, config *Config, logger *zap.Logger) *EVMFetcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DetailBatchSize <= 0 {
		config.DetailBatchSize = DefaultConfig().DetailBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EVMFetcher{
		caller: caller,
		config: config,
		logger: logger.Named("fetch"),
	}
}

// BlockNumber returns the chain's current head block number.
func (f *EVMFetcher) BlockNumber(ctx context.Context, chain string) (uint64, error) {
	var head hexutil.Uint64
	if err := f.caller.CallContext(ctx, chain, &head, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	return uint64(head), nil
}

// CodeExists reports whether the contract has code at the given block.
// Used by the deployment block locator as its monotonic predicate.
func (f *EVMFetcher) CodeExists(ctx context.Context, chain string, contract common.Address, block uint64) (bool, error) {
	var code hexutil.Bytes
	err := f.caller.CallContext(ctx, chain, &code, "eth_getCode", contract, hexutil.Uint64(block).String())
	if err != nil {
		return false, fmt.Errorf("failed to get code at block %d: %w", block, err)
	}
	return len(code) > 0, nil
}

// rpcTransaction is the subset of eth_getTransactionByHash we decode.
type rpcTransaction struct {
	Hash        common.Hash     `json:"hash"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
}

// rpcReceipt is the subset of eth_getTransactionReceipt we decode.
type rpcReceipt struct {
	Status  hexutil.Uint64 `json:"status"`
	GasUsed hexutil.Uint64 `json:"gasUsed"`
}

// rpcHeader is the subset of eth_getBlockByNumber we decode.
type rpcHeader struct {
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// FetchRange queries logs filtered by contract and range, extracts the
// distinct transaction hashes those logs reference, then fetches full
// transaction and receipt detail for that set only. A single detail fetch
// failing drops that transaction with a recorded warning; the log query
// failing fails the whole range since it is authoritative for what must be
// captured.
func (f *EVMFetcher) FetchRange(ctx context.Context, chain string, contract common.Address, fromBlock, toBlock uint64) (*RangeResult, error) {
	if toBlock < fromBlock {
		return nil, fmt.Errorf("invalid range: toBlock %d < fromBlock %d", toBlock, fromBlock)
	}

	logs, err := f.fetchLogs(ctx, chain, contract, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("log query for [%d,%d] failed: %w", fromBlock, toBlock, err)
	}

	// Group raw log payloads per transaction, preserving first-seen order.
	logsByTx := make(map[common.Hash][]json.RawMessage, len(logs))
	order := make([]common.Hash, 0, len(logs))
	for i := range logs {
		hash := logs[i].TxHash
		if _, seen := logsByTx[hash]; !seen {
			order = append(order, hash)
		}
		raw, err := json.Marshal(&logs[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode log payload: %w", err)
		}
		logsByTx[hash] = append(logsByTx[hash], raw)
	}

	f.logger.Debug("log query complete",
		zap.String("chain", chain),
		zap.String("contract", contract.Hex()),
		zap.Uint64("fromBlock", fromBlock),
		zap.Uint64("toBlock", toBlock),
		zap.Int("logs", len(logs)),
		zap.Int("transactions", len(order)),
	)

	result := &RangeResult{FromBlock: fromBlock, ToBlock: toBlock}
	if len(order) == 0 {
		return result, nil
	}

	var (
		mu         sync.Mutex
		records    = make([]*TransactionRecord, 0, len(order))
		timestamps = newTimestampCache()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.DetailBatchSize)

	for _, hash := range order {
		hash := hash
		g.Go(func() error {
			record, err := f.fetchDetail(gctx, chain, hash, timestamps)
			if err != nil {
				// Context cancellation must abort the whole range, not be
				// recorded as a per-transaction warning.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.logger.Warn("transaction detail fetch failed, dropping from chunk",
					zap.String("chain", chain),
					zap.String("txHash", hash.Hex()),
					zap.Error(err),
				)
				mu.Lock()
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("tx %s dropped: %v", hash.Hex(), err))
				mu.Unlock()
				return nil
			}

			record.Events = logsByTx[hash]
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].BlockNumber != records[j].BlockNumber {
			return records[i].BlockNumber < records[j].BlockNumber
		}
		return records[i].Hash.Hex() < records[j].Hash.Hex()
	})
	result.Transactions = records

	return result, nil
}

func (f *EVMFetcher) fetchLogs(ctx context.Context, chain string, contract common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	filter := map[string]interface{}{
		"fromBlock": hexutil.Uint64(fromBlock).String(),
		"toBlock":   hexutil.Uint64(toBlock).String(),
		"address":   contract,
	}

	var logs []types.Log
	if err := f.caller.CallContext(ctx, chain, &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}
	return logs, nil
}

func (f *EVMFetcher) fetchDetail(ctx context.Context, chain string, hash common.Hash, timestamps *timestampCache) (*TransactionRecord, error) {
	var tx rpcTransaction
	if err := f.caller.CallContext(ctx, chain, &tx, "eth_getTransactionByHash", hash); err != nil {
		return nil, fmt.Errorf("transaction fetch: %w", err)
	}
	if tx.BlockNumber == nil {
		return nil, fmt.Errorf("transaction %s is pending", hash.Hex())
	}

	var receipt rpcReceipt
	if err := f.caller.CallContext(ctx, chain, &receipt, "eth_getTransactionReceipt", hash); err != nil {
		return nil, fmt.Errorf("receipt fetch: %w", err)
	}

	blockNumber := tx.BlockNumber.ToInt().Uint64()
	ts, err := timestamps.get(ctx, f, chain, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("block timestamp fetch: %w", err)
	}

	record := &TransactionRecord{
		Hash:        tx.Hash,
		BlockNumber: blockNumber,
		Timestamp:   ts,
		From:        tx.From,
		To:          tx.To,
		GasUsed:     uint64(receipt.GasUsed),
		Success:     receipt.Status == 1,
	}
	if tx.Value != nil {
		record.Value = tx.Value.ToInt()
	}

	return record, nil
}

// timestampCache deduplicates block header fetches within one range fetch;
// transactions cluster in the same blocks.
type timestampCache struct {
	mu    sync.Mutex
	byNum map[uint64]time.Time
}

func newTimestampCache() *timestampCache {
	return &timestampCache{byNum: make(map[uint64]time.Time)}
}

func (c *timestampCache) get(ctx context.Context, f *EVMFetcher, chain string, block uint64) (time.Time, error) {
	c.mu.Lock()
	if ts, ok := c.byNum[block]; ok {
		c.mu.Unlock()
		return ts, nil
	}
	c.mu.Unlock()

	var header rpcHeader
	err := f.caller.CallContext(ctx, chain, &header, "eth_getBlockByNumber", hexutil.Uint64(block).String(), false)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Unix(int64(header.Timestamp), 0).UTC()
	c.mu.Lock()
	c.byNum[block] = ts
	c.mu.Unlock()
	return ts, nil
}
