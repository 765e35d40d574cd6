package chunk

import "testing"

func TestPlan_SplitsRangeIntoContiguousChunks(t *testing.T) {
	chunks, err := Plan(1000, 1050, 20)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}

	want := [][2]uint64{{1000, 1019}, {1020, 1039}, {1040, 1050}}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d: expected index %d, got %d", i, i, c.Index)
		}
		if c.Start != want[i][0] || c.End != want[i][1] {
			t.Errorf("chunk %d: expected [%d,%d], got [%d,%d]",
				i, want[i][0], want[i][1], c.Start, c.End)
		}
		if c.Status != StatusPending {
			t.Errorf("chunk %d: expected pending status, got %s", i, c.Status)
		}
	}
}

func TestPlan_ChunksAreContiguousAndCoverRange(t *testing.T) {
	const from, to, size = 37, 12_345, 1000

	chunks, err := Plan(from, to, size)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if chunks[0].Start != from {
		t.Errorf("first chunk starts at %d, want %d", chunks[0].Start, from)
	}
	if chunks[len(chunks)-1].End != to {
		t.Errorf("last chunk ends at %d, want %d", chunks[len(chunks)-1].End, to)
	}

	var total uint64
	for i, c := range chunks {
		if c.End < c.Start {
			t.Fatalf("chunk %d: end %d < start %d", i, c.End, c.Start)
		}
		if i > 0 && c.Start != chunks[i-1].End+1 {
			t.Errorf("chunk %d starts at %d, want %d", i, c.Start, chunks[i-1].End+1)
		}
		total += c.Blocks()
	}
	if total != to-from+1 {
		t.Errorf("chunks cover %d blocks, want %d", total, to-from+1)
	}
}

func TestPlan_SingleBlockRange(t *testing.T) {
	chunks, err := Plan(42, 42, 200_000)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Start != 42 || chunks[0].End != 42 {
		t.Errorf("expected [42,42], got [%d,%d]", chunks[0].Start, chunks[0].End)
	}
	if chunks[0].Blocks() != 1 {
		t.Errorf("expected 1 block, got %d", chunks[0].Blocks())
	}
}

func TestPlan_ExactMultiple(t *testing.T) {
	chunks, err := Plan(0, 399, 200)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[1].End != 399 {
		t.Errorf("last chunk ends at %d, want 399", chunks[1].End)
	}
}

func TestPlan_InvalidInputs(t *testing.T) {
	if _, err := Plan(100, 99, 10); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := Plan(0, 10, 0); err == nil {
		t.Error("expected error for zero chunk size")
	}
}

func TestChunk_String(t *testing.T) {
	c := &Chunk{Index: 2, Start: 1040, End: 1050}
	got := c.String()
	if got == "" {
		t.Fatal("String returned empty")
	}
}
