// Package chunk defines the unit of fetch, validation, persistence and retry:
// a fixed-size contiguous block range.
package chunk

import "fmt"

// Status represents the lifecycle state of a chunk.
type Status string

const (
	// StatusPending means the chunk is planned but not yet started.
	StatusPending Status = "pending"
	// StatusFetching means the chunk's data is being fetched.
	StatusFetching Status = "fetching"
	// StatusValidating means fetched data is being validated.
	StatusValidating Status = "validating"
	// StatusPersisted means the chunk is fully persisted and checkpointed.
	StatusPersisted Status = "persisted"
	// StatusFailed means the chunk failed fetch or validation.
	StatusFailed Status = "failed"
)

// DefaultSize is the default chunk size in blocks.
const DefaultSize uint64 = 200_000

// Chunk is a contiguous, inclusive block range [Start, End] for one
// (contract, chain). The range is immutable once planned; only status,
// attempt count and last error mutate.
type Chunk struct {
	Index    int
	Start    uint64
	End      uint64
	Status   Status
	Attempts int
	LastErr  string
}

// Blocks returns the number of blocks the chunk covers.
func (c *Chunk) Blocks() uint64 {
	return c.End - c.Start + 1
}

// String implements fmt.Stringer for log output.
func (c *Chunk) String() string {
	return fmt.Sprintf("chunk %d [%d,%d]", c.Index, c.Start, c.End)
}

// Plan partitions the inclusive range [fromBlock, toBlock] into chunks of
// size blocks each, the last one truncated to toBlock. It is a pure
// function: chunks are contiguous, non-overlapping and cover the range
// exactly (chunk[i].End+1 == chunk[i+1].Start for all i).
func Plan(fromBlock, toBlock, size uint64) ([]*Chunk, error) {
	if toBlock < fromBlock {
		return nil, fmt.Errorf("invalid range: toBlock %d < fromBlock %d", toBlock, fromBlock)
	}
	if size == 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}

	chunks := make([]*Chunk, 0, (toBlock-fromBlock)/size+1)
	index := 0
	for start := fromBlock; ; {
		end := start + size - 1
		if end > toBlock || end < start { // overflow guard on end
			end = toBlock
		}
		chunks = append(chunks, &Chunk{
			Index:  index,
			Start:  start,
			End:    end,
			Status: StatusPending,
		})
		if end == toBlock {
			break
		}
		start = end + 1
		index++
	}

	return chunks, nil
}
