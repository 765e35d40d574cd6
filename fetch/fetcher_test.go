package fetch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap/zaptest"
)

func testHash(seed uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(seed))
}

// fakeCaller scripts JSON-RPC responses per method.
type fakeCaller struct {
	mu sync.Mutex

	head     uint64
	logs     []types.Log
	txs      map[common.Hash]rpcTransaction
	receipts map[common.Hash]rpcReceipt

	failLogs    bool
	failDetail  map[common.Hash]bool
	headerCalls int
	detailCalls int
}

func (f *fakeCaller) CallContext(ctx context.Context, chain string, result interface{}, method string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch method {
	case "eth_blockNumber":
		*result.(*hexutil.Uint64) = hexutil.Uint64(f.head)
	case "eth_getLogs":
		if f.failLogs {
			return errors.New("log query failed")
		}
		*result.(*[]types.Log) = f.logs
	case "eth_getTransactionByHash":
		hash := args[0].(common.Hash)
		f.detailCalls++
		if f.failDetail[hash] {
			return errors.New("transaction unavailable")
		}
		tx, ok := f.txs[hash]
		if !ok {
			return errors.New("unknown transaction")
		}
		*result.(*rpcTransaction) = tx
	case "eth_getTransactionReceipt":
		hash := args[0].(common.Hash)
		receipt, ok := f.receipts[hash]
		if !ok {
			return errors.New("unknown receipt")
		}
		*result.(*rpcReceipt) = receipt
	case "eth_getBlockByNumber":
		f.headerCalls++
		*result.(*rpcHeader) = rpcHeader{Timestamp: 1_700_000_000}
	default:
		return errors.New("unexpected method " + method)
	}
	return nil
}

var fetchContract = common.HexToAddress("0x00000000000000000000000000000000000000cc")

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		head:       1_000_000,
		txs:        make(map[common.Hash]rpcTransaction),
		receipts:   make(map[common.Hash]rpcReceipt),
		failDetail: make(map[common.Hash]bool),
	}
}

func (f *fakeCaller) addTx(seed, block uint64, logCount int) common.Hash {
	hash := testHash(seed)
	f.txs[hash] = rpcTransaction{
		Hash:        hash,
		BlockNumber: (*hexutil.Big)(hexutil.MustDecodeBig(hexutil.EncodeUint64(block))),
		From:        common.BigToAddress(common.Big1),
	}
	f.receipts[hash] = rpcReceipt{Status: 1, GasUsed: 21_000}
	for i := 0; i < logCount; i++ {
		f.logs = append(f.logs, types.Log{
			Address:     fetchContract,
			TxHash:      hash,
			BlockNumber: block,
			Index:       uint(i),
		})
	}
	return hash
}

func TestBlockNumber(t *testing.T) {
	caller := newFakeCaller()
	caller.head = 42_000

	f := NewEVMFetcher(caller, nil, zaptest.NewLogger(t))
	head, err := f.BlockNumber(context.Background(), "ethereum")
	if err != nil {
		t.Fatalf("BlockNumber failed: %v", err)
	}
	if head != 42_000 {
		t.Errorf("head = %d, want 42000", head)
	}
}

func TestFetchRange_EventFirst(t *testing.T) {
	caller := newFakeCaller()
	h1 := caller.addTx(1, 100, 2)
	h2 := caller.addTx(2, 105, 1)

	f := NewEVMFetcher(caller, &Config{DetailBatchSize: 1}, zaptest.NewLogger(t))
	result, err := f.FetchRange(context.Background(), "ethereum", fetchContract, 100, 110)
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}

	if len(result.Transactions) != 2 {
		t.Fatalf("transactions = %d, want 2", len(result.Transactions))
	}
	if result.Transactions[0].Hash != h1 || result.Transactions[1].Hash != h2 {
		t.Error("records not sorted by block number")
	}
	if len(result.Transactions[0].Events) != 2 {
		t.Errorf("tx1 events = %d, want 2", len(result.Transactions[0].Events))
	}
	if len(result.Transactions[1].Events) != 1 {
		t.Errorf("tx2 events = %d, want 1", len(result.Transactions[1].Events))
	}

	// Detail is fetched only for transactions the log query referenced.
	if caller.detailCalls != 2 {
		t.Errorf("detail calls = %d, want 2", caller.detailCalls)
	}
}

func TestFetchRange_DeduplicatesTransactionHashes(t *testing.T) {
	caller := newFakeCaller()
	caller.addTx(1, 100, 3) // three logs, one transaction

	f := NewEVMFetcher(caller, &Config{DetailBatchSize: 1}, zaptest.NewLogger(t))
	result, err := f.FetchRange(context.Background(), "ethereum", fetchContract, 100, 110)
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}

	if len(result.Transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(result.Transactions))
	}
	if caller.detailCalls != 1 {
		t.Errorf("detail calls = %d, want 1", caller.detailCalls)
	}
	if len(result.Transactions[0].Events) != 3 {
		t.Errorf("events = %d, want 3", len(result.Transactions[0].Events))
	}
}

func TestFetchRange_EmptyRange(t *testing.T) {
	caller := newFakeCaller()

	f := NewEVMFetcher(caller, nil, zaptest.NewLogger(t))
	result, err := f.FetchRange(context.Background(), "ethereum", fetchContract, 100, 110)
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}
	if len(result.Transactions) != 0 {
		t.Errorf("transactions = %d, want 0", len(result.Transactions))
	}
	if caller.detailCalls != 0 {
		t.Errorf("detail calls = %d, want 0", caller.detailCalls)
	}
}

func TestFetchRange_DroppedDetailRecordsWarning(t *testing.T) {
	caller := newFakeCaller()
	caller.addTx(1, 100, 1)
	h2 := caller.addTx(2, 101, 1)
	caller.failDetail[h2] = true

	f := NewEVMFetcher(caller, &Config{DetailBatchSize: 1}, zaptest.NewLogger(t))
	result, err := f.FetchRange(context.Background(), "ethereum", fetchContract, 100, 110)
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}

	if len(result.Transactions) != 1 {
		t.Fatalf("transactions = %d, want 1 (dropped tx excluded)", len(result.Transactions))
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(result.Warnings))
	}
}

func TestFetchRange_LogQueryFailureFailsRange(t *testing.T) {
	caller := newFakeCaller()
	caller.failLogs = true

	f := NewEVMFetcher(caller, nil, zaptest.NewLogger(t))
	if _, err := f.FetchRange(context.Background(), "ethereum", fetchContract, 100, 110); err == nil {
		t.Fatal("expected error when log query fails")
	}
}

func TestFetchRange_InvalidRange(t *testing.T) {
	f := NewEVMFetcher(newFakeCaller(), nil, zaptest.NewLogger(t))
	if _, err := f.FetchRange(context.Background(), "ethereum", fetchContract, 110, 100); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestFetchRange_TimestampCachedPerBlock(t *testing.T) {
	caller := newFakeCaller()
	caller.addTx(1, 100, 1)
	caller.addTx(2, 100, 1)
	caller.addTx(3, 100, 1)

	// Serialized detail fetches make the cache hit deterministic.
	f := NewEVMFetcher(caller, &Config{DetailBatchSize: 1}, zaptest.NewLogger(t))
	if _, err := f.FetchRange(context.Background(), "ethereum", fetchContract, 100, 110); err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}

	if caller.headerCalls != 1 {
		t.Errorf("header calls = %d, want 1 (same block shared)", caller.headerCalls)
	}
}

func TestCodeExists(t *testing.T) {
	caller := newFakeCaller()
	f := NewEVMFetcher(caller, nil, zaptest.NewLogger(t))

	// Unscripted method: the fake returns an error, CodeExists must wrap it.
	if _, err := f.CodeExists(context.Background(), "ethereum", fetchContract, 5); err == nil {
		t.Fatal("expected error from unscripted eth_getCode")
	}
}
