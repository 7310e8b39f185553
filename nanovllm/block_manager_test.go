package nanovllm

import (
	"testing"
)

func TestBlockManagerCreation(t *testing.T) {
	bm := NewBlockManager(100, 256)

	if len(bm.blocks) != 100 {
		t.Errorf("Expected 100 blocks, got %d", len(bm.blocks))
	}

	if len(bm.freeBlockIDs) != 100 {
		t.Errorf("Expected 100 free blocks, got %d", len(bm.freeBlockIDs))
	}

	if bm.blockSize != 256 {
		t.Errorf("Expected block size 256, got %d", bm.blockSize)
	}
}

func TestBlockManagerAllocate(t *testing.T) {
	bm := NewBlockManager(100, 256)
	samplingParams := NewSamplingParams()

	// Create a sequence that needs 2 blocks
	tokenIDs := make([]int, 300)
	for i := range tokenIDs {
		tokenIDs[i] = i
	}
	seq := NewSequence(0, tokenIDs, samplingParams, 256)

	if !bm.CanAllocate(seq) {
		t.Errorf("Should be able to allocate sequence")
	}

	bm.Allocate(seq)

	if len(seq.BlockTable) != 2 {
		t.Errorf("Expected 2 blocks allocated, got %d", len(seq.BlockTable))
	}

	if len(bm.freeBlockIDs) != 98 {
		t.Errorf("Expected 98 free blocks after allocation, got %d", len(bm.freeBlockIDs))
	}
}

func TestBlockManagerDeallocate(t *testing.T) {
	bm := NewBlockManager(100, 256)
	samplingParams := NewSamplingParams()

	tokenIDs := make([]int, 300)
	for i := range tokenIDs {
		tokenIDs[i] = i
	}
	seq := NewSequence(0, tokenIDs, samplingParams, 256)

	bm.Allocate(seq)
	bm.Deallocate(seq)

	if len(seq.BlockTable) != 0 {
		t.Errorf("Expected block table to be empty after deallocation")
	}

	if len(bm.freeBlockIDs) != 100 {
		t.Errorf("Expected 100 free blocks after deallocation, got %d", len(bm.freeBlockIDs))
	}

	if seq.NumCachedTokens != 0 {
		t.Errorf("Expected 0 cached tokens after deallocation, got %d", seq.NumCachedTokens)
	}
}

func TestBlockManagerPrefixCaching(t *testing.T) {
	bm := NewBlockManager(100, 256)
	samplingParams := NewSamplingParams()

	// Create two sequences with the same prefix
	tokenIDs1 := make([]int, 256)
	for i := range tokenIDs1 {
		tokenIDs1[i] = i
	}
	seq1 := NewSequence(0, tokenIDs1, samplingParams, 256)

	tokenIDs2 := make([]int, 256)
	for i := range tokenIDs2 {
		tokenIDs2[i] = i // Same tokens as seq1
	}
	seq2 := NewSequence(1, tokenIDs2, samplingParams, 256)

	// Allocate first sequence
	bm.Allocate(seq1)
	freeAfterFirst := len(bm.freeBlockIDs)

	// Allocate second sequence - should reuse cached blocks
	bm.Allocate(seq2)
	freeAfterSecond := len(bm.freeBlockIDs)

	// Both sequences should have cached the same block
	if seq2.NumCachedTokens != 256 {
		t.Errorf("Expected seq2 to have 256 cached tokens, got %d", seq2.NumCachedTokens)
	}

	// Should have used the same blocks (reference counted)
	if freeAfterSecond != freeAfterFirst {
		t.Logf("Free blocks after first: %d, after second: %d", freeAfterFirst, freeAfterSecond)
		// This is actually correct behavior - with ref counting, we reuse but increment ref
	}
}

func TestBlockManagerComputeHash(t *testing.T) {
	bm := NewBlockManager(100, 256)

	tokenIDs := []int{1, 2, 3, 4, 5}
	hash1 := bm.ComputeHash(tokenIDs, 0)
	hash2 := bm.ComputeHash(tokenIDs, 0)

	if hash1 != hash2 {
		t.Errorf("Hash should be deterministic")
	}

	tokenIDs2 := []int{1, 2, 3, 4, 6}
	hash3 := bm.ComputeHash(tokenIDs2, 0)

	if hash1 == hash3 {
		t.Errorf("Different token IDs should produce different hashes")
	}
}

func TestBlockManagerForkCopyOnWrite(t *testing.T) {
	bm := NewBlockManager(8, 4)
	parent := NewSequence(0, []int{1, 2, 3, 4, 5}, NewSamplingParams(), 4)
	bm.Allocate(parent)

	child := parent.Fork(1)
	bm.Fork(parent, child)

	if bm.blocks[parent.BlockTable[0]].RefCount != 2 || bm.blocks[parent.BlockTable[1]].RefCount != 2 {
		t.Errorf("Expected shared blocks to be referenced twice")
	}

	parent.AppendToken(6)
	if !bm.CanAppend(parent) {
		t.Fatalf("Should be able to append to parent")
	}
	bm.MayAppend(parent)

	if parent.BlockTable[0] != child.BlockTable[0] {
		t.Errorf("Expected full prefix block to stay shared")
	}
	if parent.BlockTable[1] == child.BlockTable[1] {
		t.Errorf("Expected partial block to be copied before the write")
	}
	if bm.blocks[child.BlockTable[1]].RefCount != 1 {
		t.Errorf("Expected child to own its partial block, got ref count %d", bm.blocks[child.BlockTable[1]].RefCount)
	}

	// the child is now the only owner and writes in place
	child.AppendToken(7)
	before := child.BlockTable[1]
	bm.MayAppend(child)
	if child.BlockTable[1] != before {
		t.Errorf("Expected unshared block to be written in place")
	}

	bm.Deallocate(parent)
	bm.Deallocate(child)
	if bm.NumFreeBlocks() != 8 {
		t.Errorf("Expected every block free, got %d", bm.NumFreeBlocks())
	}
}

func TestBlockManagerMayAppendGrows(t *testing.T) {
	bm := NewBlockManager(8, 4)
	seq := NewSequence(0, []int{1, 2, 3}, NewSamplingParams(), 4)
	bm.Allocate(seq)

	for _, tok := range []int{4, 5, 6} {
		seq.AppendToken(tok)
	}
	bm.MayAppend(seq)

	if len(seq.BlockTable) != 2 {
		t.Fatalf("Expected 2 blocks, got %d", len(seq.BlockTable))
	}
	first := bm.blocks[seq.BlockTable[0]]
	if first.Hash == 0 {
		t.Errorf("Expected filled block to be hashed")
	}
	if bm.hashToBlockID[first.Hash] != first.BlockID {
		t.Errorf("Expected filled block to be in the prefix cache")
	}
}

func TestBlockManagerTrimPhysicalBlocks(t *testing.T) {
	bm := NewBlockManager(8, 4)
	seq := NewSequence(0, []int{1, 2, 3}, NewSamplingParams(), 4)
	bm.Allocate(seq)
	for _, tok := range []int{4, 5, 6} {
		seq.AppendToken(tok)
	}
	bm.MayAppend(seq)
	seq.NumCachedTokens = 6

	seq.Backtrack(3)
	bm.TrimPhysicalBlocks(seq)

	if len(seq.BlockTable) != 1 {
		t.Errorf("Expected 1 block after trim, got %d", len(seq.BlockTable))
	}
	if bm.NumFreeBlocks() != 7 {
		t.Errorf("Expected 7 free blocks, got %d", bm.NumFreeBlocks())
	}
	last := bm.blocks[seq.BlockTable[0]]
	if last.Hash != 0 || len(bm.hashToBlockID) != 0 {
		t.Errorf("Expected reopened block to leave the prefix cache")
	}
	if seq.NumCachedTokens != 3 {
		t.Errorf("Expected 3 cached tokens, got %d", seq.NumCachedTokens)
	}
}

func TestBlockManagerTrimSharedBlock(t *testing.T) {
	bm := NewBlockManager(8, 4)
	parent := NewSequence(0, []int{1, 2, 3, 4, 5}, NewSamplingParams(), 4)
	bm.Allocate(parent)
	parent.AppendToken(6)
	bm.MayAppend(parent)

	child := parent.Fork(1)
	bm.Fork(parent, child)

	child.Backtrack(1)
	bm.TrimPhysicalBlocks(child)

	// the shared partial block keeps both owners until one writes
	if len(child.BlockTable) != 2 || bm.blocks[child.BlockTable[1]].RefCount != 2 {
		t.Errorf("Expected shared tail block to survive the trim")
	}
	child.AppendToken(9)
	bm.MayAppend(child)
	if child.BlockTable[1] == parent.BlockTable[1] {
		t.Errorf("Expected diverging write to copy the shared block")
	}
}

func TestBlockManagerCanAppendCountsSiblings(t *testing.T) {
	bm := NewBlockManager(3, 4)
	params := NewSamplingParams()
	parent := NewSequence(0, []int{1, 2, 3, 4}, params, 4)
	bm.Allocate(parent)

	var seqs []*Sequence
	for i := range 3 {
		child := parent.Fork(int64(i + 1))
		bm.Fork(parent, child)
		child.AppendToken(5)
		seqs = append(seqs, child)
	}

	for _, seq := range seqs {
		if !bm.CanAppend(seq) {
			t.Errorf("Expected sequence %d to fit alone", seq.SeqID)
		}
	}
	if got := bm.NumAppendBlocks(seqs...); got != 3 {
		t.Errorf("Expected 3 blocks for the siblings, got %d", got)
	}
	if bm.CanAppend(seqs...) {
		t.Errorf("Expected the siblings not to fit together in %d free blocks", bm.NumFreeBlocks())
	}
}
