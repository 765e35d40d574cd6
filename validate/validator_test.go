package validate

import (
	"testing"

	"github.com/chainlens/indexer-go/chunk"
	"github.com/chainlens/indexer-go/fetch"
	"github.com/chainlens/indexer-go/internal/testutil"
)

func rangeResult(c *chunk.Chunk, records ...*fetch.TransactionRecord) *fetch.RangeResult {
	return &fetch.RangeResult{
		FromBlock:    c.Start,
		ToBlock:      c.End,
		Transactions: records,
	}
}

func TestValidate_CleanChunkPasses(t *testing.T) {
	v := NewValidator(nil, testutil.NewTestLogger(t))
	c := &chunk.Chunk{Index: 0, Start: 100, End: 199}

	res := v.Validate(c, rangeResult(c,
		testutil.Record(1, 100),
		testutil.Record(2, 150),
		testutil.Record(3, 199),
	))

	if !res.OK {
		t.Fatalf("expected OK, got issues: %v", res.Issues)
	}
}

func TestValidate_EmptyChunkPasses(t *testing.T) {
	v := NewValidator(nil, testutil.NewTestLogger(t))
	c := &chunk.Chunk{Index: 0, Start: 100, End: 199}

	res := v.Validate(c, rangeResult(c))
	if !res.OK {
		t.Fatalf("empty chunk must be valid, got issues: %v", res.Issues)
	}
}

func TestValidate_OutOfRange(t *testing.T) {
	v := NewValidator(nil, testutil.NewTestLogger(t))
	c := &chunk.Chunk{Index: 0, Start: 100, End: 199}

	res := v.Validate(c, rangeResult(c,
		testutil.Record(1, 99),
		testutil.Record(2, 150),
		testutil.Record(3, 200),
	))

	if res.OK {
		t.Fatal("expected validation failure")
	}
	count := 0
	for _, issue := range res.Issues {
		if issue.Kind == IssueOutOfRange {
			count++
		}
	}
	if count != 2 {
		t.Errorf("expected 2 out_of_range issues, got %d: %v", count, res.Issues)
	}
}

func TestValidate_DuplicateHash(t *testing.T) {
	v := NewValidator(nil, testutil.NewTestLogger(t))
	c := &chunk.Chunk{Index: 0, Start: 100, End: 199}

	dup := testutil.Record(7, 120)
	res := v.Validate(c, rangeResult(c, dup, testutil.Record(8, 130), dup))

	if res.OK {
		t.Fatal("expected validation failure")
	}
	found := false
	for _, issue := range res.Issues {
		if issue.Kind == IssueDuplicateHash {
			found = true
		}
	}
	if !found {
		t.Errorf("expected duplicate_hash issue, got %v", res.Issues)
	}
}

func TestValidate_SuspectGap(t *testing.T) {
	v := NewValidator(&Config{MaxGapBlocks: 100}, testutil.NewTestLogger(t))
	c := &chunk.Chunk{Index: 0, Start: 0, End: 10_000}

	res := v.Validate(c, rangeResult(c,
		testutil.Record(1, 10),
		testutil.Record(2, 5_000),
	))

	if res.OK {
		t.Fatal("expected validation failure")
	}
	if res.Issues[0].Kind != IssueSuspectGap {
		t.Errorf("expected suspect_gap issue, got %v", res.Issues)
	}
}

func TestValidate_GapHeuristicDisabled(t *testing.T) {
	v := NewValidator(&Config{MaxGapBlocks: 0}, testutil.NewTestLogger(t))
	c := &chunk.Chunk{Index: 0, Start: 0, End: 10_000}

	res := v.Validate(c, rangeResult(c,
		testutil.Record(1, 10),
		testutil.Record(2, 9_999),
	))

	if !res.OK {
		t.Fatalf("gap heuristic disabled, expected OK, got %v", res.Issues)
	}
}

func TestValidate_CollectsAllIssues(t *testing.T) {
	v := NewValidator(&Config{MaxGapBlocks: 100}, testutil.NewTestLogger(t))
	c := &chunk.Chunk{Index: 0, Start: 1000, End: 2000}

	dup := testutil.Record(4, 1100)
	res := v.Validate(c, rangeResult(c,
		testutil.Record(3, 900), // out of range
		dup,
		dup,                       // duplicate
		testutil.Record(5, 1900), // gap from 1100
	))

	if res.OK {
		t.Fatal("expected validation failure")
	}
	kinds := make(map[IssueKind]bool)
	for _, issue := range res.Issues {
		kinds[issue.Kind] = true
	}
	for _, want := range []IssueKind{IssueOutOfRange, IssueDuplicateHash, IssueSuspectGap} {
		if !kinds[want] {
			t.Errorf("missing %s issue in %v", want, res.Issues)
		}
	}
}

func TestValidate_DoesNotMutateInput(t *testing.T) {
	v := NewValidator(nil, testutil.NewTestLogger(t))
	c := &chunk.Chunk{Index: 0, Start: 100, End: 199}

	records := []*fetch.TransactionRecord{
		testutil.Record(2, 150),
		testutil.Record(1, 110),
	}
	result := rangeResult(c, records...)
	v.Validate(c, result)

	if result.Transactions[0].BlockNumber != 150 || result.Transactions[1].BlockNumber != 110 {
		t.Error("validator reordered the input records")
	}
}
