// Package validate implements horizontal validation: consistency checks
// across one chunk's fetched data before the chunk is accepted.
package validate

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainlens/indexer-go/chunk"
	"github.com/chainlens/indexer-go/fetch"
)

// IssueKind classifies a validation finding.
type IssueKind string

const (
	// IssueOutOfRange flags a transaction whose block number falls outside
	// the chunk range. This indicates a fetcher bug, not a data gap.
	IssueOutOfRange IssueKind = "out_of_range"
	// IssueDuplicateHash flags a duplicate transaction hash within the set.
	IssueDuplicateHash IssueKind = "duplicate_hash"
	// IssueSuspectGap flags an unexplained large jump between referenced
	// blocks. Heuristic, not a strict completeness proof.
	IssueSuspectGap IssueKind = "suspect_gap"
)

// Issue is a single validation finding.
type Issue struct {
	Kind    IssueKind
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Kind, i.Message)
}

// Result is the outcome of validating one chunk.
type Result struct {
	OK     bool
	Issues []Issue
}

// Config holds validator tuning knobs.
type Config struct {
	// MaxGapBlocks is the largest jump between consecutive referenced block
	// numbers that is attributed to empty blocks rather than a fetch gap.
	// 0 disables the gap heuristic.
	MaxGapBlocks uint64 `yaml:"max_gap_blocks"`
}

// DefaultConfig returns the default validator configuration.
func DefaultConfig() *Config {
	return &Config{MaxGapBlocks: 50_000}
}

// Validator classifies fetched chunk data. It never mutates the data.
type Validator struct {
	config *Config
	logger *zap.Logger
}

// NewValidator creates a Validator. A nil config uses defaults.
func NewValidator(config *Config, logger *zap.Logger) *Validator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		config: config,
		logger: logger.Named("validate"),
	}
}

// Validate runs the horizontal checks, in order: block range containment,
// duplicate hashes, then the gap heuristic. All issues found are returned,
// not only the first.
func (v *Validator) Validate(c *chunk.Chunk, result *fetch.RangeResult) *Result {
	res := &Result{OK: true}

	v.checkRange(c, result, res)
	v.checkDuplicates(result, res)
	v.checkGaps(result, res)

	if len(res.Issues) > 0 {
		res.OK = false
		v.logger.Warn("chunk failed validation",
			zap.Int("chunkIndex", c.Index),
			zap.Uint64("start", c.Start),
			zap.Uint64("end", c.End),
			zap.Int("issues", len(res.Issues)),
		)
	}

	return res
}

func (v *Validator) checkRange(c *chunk.Chunk, result *fetch.RangeResult, res *Result) {
	for _, tx := range result.Transactions {
		if tx.BlockNumber < c.Start || tx.BlockNumber > c.End {
			res.Issues = append(res.Issues, Issue{
				Kind: IssueOutOfRange,
				Message: fmt.Sprintf("tx %s at block %d outside chunk range [%d,%d]",
					tx.Hash.Hex(), tx.BlockNumber, c.Start, c.End),
			})
		}
	}
}

func (v *Validator) checkDuplicates(result *fetch.RangeResult, res *Result) {
	seen := make(map[common.Hash]struct{}, len(result.Transactions))
	for _, tx := range result.Transactions {
		if _, dup := seen[tx.Hash]; dup {
			res.Issues = append(res.Issues, Issue{
				Kind:    IssueDuplicateHash,
				Message: fmt.Sprintf("duplicate transaction hash %s", tx.Hash.Hex()),
			})
			continue
		}
		seen[tx.Hash] = struct{}{}
	}
}

func (v *Validator) checkGaps(result *fetch.RangeResult, res *Result) {
	if v.config.MaxGapBlocks == 0 || len(result.Transactions) < 2 {
		return
	}

	nums := result.BlockNumbers()
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	for i := 1; i < len(nums); i++ {
		if nums[i]-nums[i-1] > v.config.MaxGapBlocks {
			res.Issues = append(res.Issues, Issue{
				Kind: IssueSuspectGap,
				Message: fmt.Sprintf("jump from block %d to %d exceeds %d blocks",
					nums[i-1], nums[i], v.config.MaxGapBlocks),
			})
		}
	}
}
