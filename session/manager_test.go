package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainlens/indexer-go/fetch"
	"github.com/chainlens/indexer-go/internal/testutil"
	"github.com/chainlens/indexer-go/tier"
	"github.com/chainlens/indexer-go/validate"
)

// rpcFake answers the JSON-RPC surface the manager's fetcher and locator
// use: head queries, code probes and log queries over an empty chain.
type rpcFake struct {
	mu         sync.Mutex
	head       uint64
	deployment uint64
}

func (f *rpcFake) CallContext(ctx context.Context, chain string, result interface{}, method string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch method {
	case "eth_blockNumber":
		*result.(*hexutil.Uint64) = hexutil.Uint64(f.head)
	case "eth_getCode":
		block, err := hexutil.DecodeUint64(args[1].(string))
		if err != nil {
			return err
		}
		if block >= f.deployment {
			*result.(*hexutil.Bytes) = hexutil.Bytes{0x60}
		}
	case "eth_getLogs":
		*result.(*[]types.Log) = nil
	default:
		return errors.New("unexpected method " + method)
	}
	return nil
}

var managerContract = common.HexToAddress("0x00000000000000000000000000000000000000cd")

func newTestManager(t *testing.T) (*Manager, *rpcFake) {
	t.Helper()

	caller := &rpcFake{head: 1050, deployment: 1000}
	config := &Config{
		ChunkSize:             20,
		LivePollInterval:      time.Hour,
		MaxChunkAttempts:      2,
		RetryBaseDelay:        time.Millisecond,
		FallbackHistoryBlocks: 100,
	}
	logger := testutil.NewTestLogger(t)
	validator := validate.NewValidator(nil, logger)

	m := NewManager(caller, &memSink{}, newMemStore(), &recorder{}, validator, config, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.ShutdownAll(ctx)
	})
	return m, caller
}

var _ fetch.Caller = (*rpcFake)(nil)

func TestManager_StartDeduplicatesActiveSessions(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.Start("user1", managerContract, "ethereum", tier.TierPro)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStatus(t, first, StatusLivePolling)

	second, err := m.Start("user1", managerContract, "ethereum", tier.TierPro)
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if first != second {
		t.Error("starting an active session must return the existing handle")
	}
	if got := len(m.List()); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
}

func TestManager_StartValidatesInput(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Start("", managerContract, "ethereum", tier.TierFree); err == nil {
		t.Error("empty user ID must be rejected")
	}
	if _, err := m.Start("user1", managerContract, "", tier.TierFree); err == nil {
		t.Error("empty chain must be rejected")
	}
	if _, err := m.Start("user1", managerContract, "ethereum", tier.Tier("platinum")); err == nil {
		t.Error("unknown tier must be rejected")
	}
}

func TestManager_StopAndTerminalGuard(t *testing.T) {
	m, _ := newTestManager(t)

	sess, err := m.Start("user1", managerContract, "ethereum", tier.TierPro)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStatus(t, sess, StatusLivePolling)

	if err := m.Stop(sess.ID()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitDone(t, sess)

	if err := m.Stop(sess.ID()); !errors.Is(err, ErrTerminal) {
		t.Errorf("stopping a stopped session: got %v, want ErrTerminal", err)
	}
	if err := m.Pause(sess.ID()); !errors.Is(err, ErrTerminal) {
		t.Errorf("pausing a stopped session: got %v, want ErrTerminal", err)
	}
}

func TestManager_UnknownSession(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Stop("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Stop: got %v, want ErrSessionNotFound", err)
	}
	if err := m.Resume("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Resume: got %v, want ErrSessionNotFound", err)
	}
	if _, err := m.Snapshot("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Snapshot: got %v, want ErrSessionNotFound", err)
	}
}

func TestManager_SnapshotFallsBackToStore(t *testing.T) {
	m, _ := newTestManager(t)

	cp := freshCheckpoint(tier.TierFree)
	cp.Status = StatusStopped
	cp.StopReason = StopReasonCompleted
	if err := m.checkpoints.Save(cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := m.Snapshot(cp.SessionID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if got.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", got.Status)
	}
}

func TestManager_RestartResumesFromCheckpoint(t *testing.T) {
	m, caller := newTestManager(t)

	sess, err := m.Start("user1", managerContract, "ethereum", tier.TierFree)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Free tier has no live polling, so the backfill runs to completion.
	waitDone(t, sess)

	cp := sess.Snapshot()
	if cp.Status != StatusStopped || cp.StopReason != StopReasonCompleted {
		t.Fatalf("status/reason = %s/%s, want stopped/completed", cp.Status, cp.StopReason)
	}

	// The chain advanced; restarting picks up where the checkpoint left off,
	// now under an upgraded tier.
	caller.mu.Lock()
	caller.head = 1100
	caller.mu.Unlock()

	restarted, err := m.Start("user1", managerContract, "ethereum", tier.TierPro)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if restarted == sess {
		t.Fatal("a terminal session must be restarted with a new handle")
	}
	waitStatus(t, restarted, StatusLivePolling)

	got := restarted.Snapshot()
	if got.Tier != tier.TierPro {
		t.Errorf("tier = %q, want pro after restart", got.Tier)
	}
	if got.LastConfirmedBlock != 1100 {
		t.Errorf("lastConfirmedBlock = %d, want 1100", got.LastConfirmedBlock)
	}
	if got.StartBlock != 1000 {
		t.Errorf("startBlock = %d, want the original 1000", got.StartBlock)
	}
}

func TestManager_CountByStatus(t *testing.T) {
	m, _ := newTestManager(t)

	sess, err := m.Start("user1", managerContract, "ethereum", tier.TierPro)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStatus(t, sess, StatusLivePolling)

	counts := m.CountByStatus()
	if counts[StatusLivePolling] != 1 {
		t.Errorf("live-polling count = %d, want 1", counts[StatusLivePolling])
	}
}

func TestManager_ShutdownAllPersistsPausedSessions(t *testing.T) {
	m, _ := newTestManager(t)

	sess, err := m.Start("user1", managerContract, "ethereum", tier.TierPro)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStatus(t, sess, StatusLivePolling)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.ShutdownAll(ctx); err != nil {
		t.Fatalf("ShutdownAll failed: %v", err)
	}

	select {
	case <-sess.Done():
	default:
		t.Fatal("session goroutine still running after shutdown")
	}

	cp, err := m.checkpoints.Load(sess.ID())
	if err != nil {
		t.Fatalf("checkpoint missing after shutdown: %v", err)
	}
	if cp.Status != StatusPaused {
		t.Errorf("stored status = %q, want paused", cp.Status)
	}

	if _, err := m.Start("user2", managerContract, "ethereum", tier.TierFree); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Start after shutdown: got %v, want ErrManagerClosed", err)
	}
}
