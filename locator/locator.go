// Package locator finds the first block at which a contract had code, via
// binary search over the chain's block range. Bounding full-history scans to
// the deployment block avoids scanning millions of empty blocks.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// CodeReader answers the monotonic "does the contract have code at block B"
// predicate: false below the deployment block, true at and after it.
type CodeReader interface {
	CodeExists(ctx context.Context, chain string, contract common.Address, block uint64) (bool, error)
}

// ErrNotDeployed is returned when the contract has no code even at the
// current head block.
var ErrNotDeployed = errors.New("contract has no code at current block")

// probeRetries is how often a single failing probe is retried before the
// search is abandoned.
const probeRetries = 3

// Locator performs the deployment block search.
type Locator struct {
	reader CodeReader
	logger *zap.Logger
}

// NewLocator creates a Locator.
func NewLocator(reader CodeReader, logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{
		reader: reader,
		logger: logger.Named("locator"),
	}
}

// FindDeploymentBlock returns the first block at which the contract had
// code, searching [0, currentBlock] in O(log currentBlock) probes. If code
// exists even at block 0 (genesis contracts, or chains that cannot answer
// retroactive code queries) it returns 0 without searching further.
func (l *Locator) FindDeploymentBlock(ctx context.Context, chain string, contract common.Address, currentBlock uint64) (uint64, error) {
	exists, err := l.probe(ctx, chain, contract, currentBlock)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotDeployed
	}

	exists, err = l.probe(ctx, chain, contract, 0)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}

	// Invariant: no code at lo, code at hi.
	lo, hi := uint64(0), currentBlock
	probes := 0
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		exists, err := l.probe(ctx, chain, contract, mid)
		if err != nil {
			return 0, err
		}
		probes++
		if exists {
			hi = mid
		} else {
			lo = mid
		}
	}

	l.logger.Info("deployment block located",
		zap.String("chain", chain),
		zap.String("contract", contract.Hex()),
		zap.Uint64("deploymentBlock", hi),
		zap.Int("probes", probes),
	)

	return hi, nil
}

// probe evaluates the predicate at one block, retrying provider flukes up to
// probeRetries times before giving up on the search.
func (l *Locator) probe(ctx context.Context, chain string, contract common.Address, block uint64) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= probeRetries; attempt++ {
		exists, err := l.reader.CodeExists(ctx, chain, contract, block)
		if err == nil {
			return exists, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		l.logger.Warn("code probe failed, retrying",
			zap.String("chain", chain),
			zap.Uint64("block", block),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < probeRetries {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
	}

	return false, fmt.Errorf("code probe at block %d failed after %d attempts: %w", block, probeRetries, lastErr)
}
