// Package tier defines subscription tiers and the resource limits derived
// from them. Limits are resolved once when a session starts, never per chunk.
package tier

import "fmt"

// Tier identifies a subscription level.
type Tier string

const (
	// TierFree is the default tier: recent history only, no continuous sync.
	TierFree Tier = "free"
	// TierPro allows deeper history and continuous sync.
	TierPro Tier = "pro"
	// TierEnterprise allows full history and the largest fetch batches.
	TierEnterprise Tier = "enterprise"
)

// Limits holds the resource budget derived from a tier.
type Limits struct {
	// MaxHistoryBlocks bounds how far back a backfill may start.
	// 0 means unlimited (full history from the deployment block).
	MaxHistoryBlocks uint64

	// MaxBlocksPerMonth is the monthly fetched-block budget.
	// 0 means unlimited.
	MaxBlocksPerMonth uint64

	// DetailBatchSize is the bounded parallelism for per-transaction
	// detail fetches within a chunk.
	DetailBatchSize int

	// LivePolling indicates whether the tier permits continuous sync
	// after backfill completes.
	LivePolling bool
}

var limitsByTier = map[Tier]Limits{
	TierFree: {
		MaxHistoryBlocks:  100_000,
		MaxBlocksPerMonth: 500_000,
		DetailBatchSize:   5,
		LivePolling:       false,
	},
	TierPro: {
		MaxHistoryBlocks:  5_000_000,
		MaxBlocksPerMonth: 20_000_000,
		DetailBatchSize:   8,
		LivePolling:       true,
	},
	TierEnterprise: {
		MaxHistoryBlocks:  0,
		MaxBlocksPerMonth: 0,
		DetailBatchSize:   10,
		LivePolling:       true,
	},
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := limitsByTier[t]
	return ok
}

// Limits returns the resource limits for the tier.
// Unknown tiers fall back to the free tier limits.
func (t Tier) Limits() Limits {
	if l, ok := limitsByTier[t]; ok {
		return l
	}
	return limitsByTier[TierFree]
}

// Parse converts a string into a Tier, validating it.
func Parse(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown subscription tier: %q", s)
	}
	return t, nil
}

// StartBlock computes the first block a backfill may cover for this tier:
// max(deploymentBlock, currentBlock - MaxHistoryBlocks).
func (l Limits) StartBlock(deploymentBlock, currentBlock uint64) uint64 {
	if l.MaxHistoryBlocks == 0 {
		return deploymentBlock
	}
	if currentBlock <= l.MaxHistoryBlocks {
		return deploymentBlock
	}
	windowStart := currentBlock - l.MaxHistoryBlocks
	if windowStart > deploymentBlock {
		return windowStart
	}
	return deploymentBlock
}
