package nanovllm

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Block represents a KV cache block
type Block struct {
	BlockID  int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

// NewBlock creates a new block
func NewBlock(blockID int) *Block {
	return &Block{
		BlockID:  blockID,
		RefCount: 0,
		Hash:     0,
		TokenIDs: make([]int, 0),
	}
}

// Update updates the block's hash and token IDs
func (b *Block) Update(hash uint64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = make([]int, len(tokenIDs))
	copy(b.TokenIDs, tokenIDs)
}

// Reset resets the block for reuse
func (b *Block) Reset() {
	b.RefCount = 1
	b.Hash = 0
	b.TokenIDs = make([]int, 0)
}

// BlockManager manages KV cache blocks with prefix caching
type BlockManager struct {
	blockSize     int
	blocks        []*Block
	hashToBlockID map[uint64]int
	freeBlockIDs  []int
	usedBlockIDs  map[int]bool
}

// NewBlockManager creates a new block manager
func NewBlockManager(numBlocks int, blockSize int) *BlockManager {
	blocks := make([]*Block, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = NewBlock(i)
	}

	freeBlockIDs := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		freeBlockIDs[i] = i
	}

	return &BlockManager{
		blockSize:     blockSize,
		blocks:        blocks,
		hashToBlockID: make(map[uint64]int),
		freeBlockIDs:  freeBlockIDs,
		usedBlockIDs:  make(map[int]bool),
	}
}

// NumFreeBlocks returns the number of unallocated blocks
func (bm *BlockManager) NumFreeBlocks() int {
	return len(bm.freeBlockIDs)
}

// ComputeHash computes the hash of token IDs with an optional prefix hash
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()

	if prefixHash != 0 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, prefixHash)
		h.Write(buf)
	}

	for _, tokenID := range tokenIDs {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(tokenID))
		h.Write(buf)
	}

	return h.Sum64()
}

// allocateBlock allocates a block
func (bm *BlockManager) allocateBlock(blockID int) *Block {
	block := bm.blocks[blockID]
	if block.RefCount != 0 {
		panic("block is already allocated")
	}

	// a recycled block no longer holds the content its hash promised
	if block.Hash != 0 && bm.hashToBlockID[block.Hash] == blockID {
		delete(bm.hashToBlockID, block.Hash)
	}
	block.Reset()

	// Remove from free list
	for i, id := range bm.freeBlockIDs {
		if id == blockID {
			bm.freeBlockIDs = append(bm.freeBlockIDs[:i], bm.freeBlockIDs[i+1:]...)
			break
		}
	}

	bm.usedBlockIDs[blockID] = true
	return block
}

// deallocateBlock deallocates a block
func (bm *BlockManager) deallocateBlock(blockID int) {
	block := bm.blocks[blockID]
	if block.RefCount != 0 {
		panic("block still has references")
	}

	delete(bm.usedBlockIDs, blockID)
	bm.freeBlockIDs = append(bm.freeBlockIDs, blockID)
}

// release drops one reference to a block
func (bm *BlockManager) release(blockID int) {
	block := bm.blocks[blockID]
	block.RefCount--
	if block.RefCount == 0 {
		bm.deallocateBlock(blockID)
	}
}

// CanAllocate checks if there are enough free blocks for a sequence
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return len(bm.freeBlockIDs) >= seq.NumBlocks()
}

// Allocate allocates blocks for a sequence with prefix caching
func (bm *BlockManager) Allocate(seq *Sequence) {
	if len(seq.BlockTable) > 0 {
		panic("sequence already has blocks allocated")
	}

	var h uint64 = 0
	cacheMiss := false

	for i := 0; i < seq.NumBlocks(); i++ {
		tokenIDs := seq.Block(i)

		// Compute hash only for full blocks
		if len(tokenIDs) == bm.blockSize {
			h = bm.ComputeHash(tokenIDs, h)
		} else {
			h = 0
		}

		blockID := -1
		if h != 0 {
			if id, ok := bm.hashToBlockID[h]; ok {
				blockID = id
			}
		}

		// Check if cached block matches
		if blockID != -1 && !slices.Equal(bm.blocks[blockID].TokenIDs, tokenIDs) {
			blockID = -1
		}

		if blockID == -1 {
			cacheMiss = true
		}

		if cacheMiss {
			blockID = bm.freeBlockIDs[0]
			bm.allocateBlock(blockID)
		} else {
			// Use cached block
			seq.NumCachedTokens += bm.blockSize
			if bm.usedBlockIDs[blockID] {
				bm.blocks[blockID].RefCount++
			} else {
				// Block is free but cached, allocate it
				bm.allocateBlock(blockID)
			}
		}

		// Update block metadata
		if h != 0 {
			bm.blocks[blockID].Update(h, tokenIDs)
			bm.hashToBlockID[h] = blockID
		}

		seq.BlockTable = append(seq.BlockTable, blockID)
	}
}

// Deallocate deallocates blocks for a sequence
func (bm *BlockManager) Deallocate(seq *Sequence) {
	// Deallocate in reverse order
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		bm.release(seq.BlockTable[i])
	}

	seq.NumCachedTokens = 0
	seq.BlockTable = seq.BlockTable[:0]
}

// Fork makes child share every block of parent
func (bm *BlockManager) Fork(parent, child *Sequence) {
	child.BlockTable = slices.Clone(parent.BlockTable)
	for _, blockID := range child.BlockTable {
		bm.blocks[blockID].RefCount++
	}
}

// needsCopy reports whether the last block of seq is shared with another
// sequence and is about to receive tokens only seq owns.
func (bm *BlockManager) needsCopy(seq *Sequence) bool {
	n := len(seq.BlockTable)
	if n == 0 || n > seq.NumBlocks() {
		return false
	}
	last := bm.blocks[seq.BlockTable[n-1]]
	if last.RefCount <= 1 {
		return false
	}
	return last.Hash == 0 || !slices.Equal(last.TokenIDs, seq.Block(n-1))
}

// NumAppendBlocks returns how many free blocks MayAppend takes to cover the
// new tokens of seqs. Siblings sharing a partial last block each count a
// copy, so the sum may be one block high.
func (bm *BlockManager) NumAppendBlocks(seqs ...*Sequence) int {
	need := 0
	for _, seq := range seqs {
		need += max(0, seq.NumBlocks()-len(seq.BlockTable))
		if bm.needsCopy(seq) {
			need++
		}
	}
	return need
}

// CanAppend checks if the new tokens of seqs fit in the free blocks together
func (bm *BlockManager) CanAppend(seqs ...*Sequence) bool {
	return len(bm.freeBlockIDs) >= bm.NumAppendBlocks(seqs...)
}

// MayAppend grows the block table so it covers every token of the sequence.
// A partially filled block shared after a fork is copied before it is
// written, and blocks that became full get their prefix hash.
func (bm *BlockManager) MayAppend(seq *Sequence) {
	if len(seq.BlockTable) == 0 {
		panic("sequence has no blocks allocated")
	}

	if bm.needsCopy(seq) {
		n := len(seq.BlockTable)
		bm.release(seq.BlockTable[n-1])
		blockID := bm.freeBlockIDs[0]
		bm.allocateBlock(blockID)
		seq.BlockTable[n-1] = blockID
	}

	for len(seq.BlockTable) < seq.NumBlocks() {
		blockID := bm.freeBlockIDs[0]
		bm.allocateBlock(blockID)
		seq.BlockTable = append(seq.BlockTable, blockID)
	}

	var prefixHash uint64
	for i, blockID := range seq.BlockTable {
		block := bm.blocks[blockID]
		tokenIDs := seq.Block(i)
		if block.Hash == 0 && len(tokenIDs) == bm.blockSize {
			h := bm.ComputeHash(tokenIDs, prefixHash)
			block.Update(h, tokenIDs)
			bm.hashToBlockID[h] = blockID
		}
		prefixHash = block.Hash
	}
}

// TrimPhysicalBlocks releases trailing blocks that no longer hold any of the
// sequence's committed tokens, after a backtrack shortened it.
func (bm *BlockManager) TrimPhysicalBlocks(seq *Sequence) {
	for len(seq.BlockTable) > seq.NumBlocks() {
		n := len(seq.BlockTable)
		bm.release(seq.BlockTable[n-1])
		seq.BlockTable = seq.BlockTable[:n-1]
	}

	n := len(seq.BlockTable)
	if n == 0 {
		return
	}
	// the new last block may be partial again; an unshared one is reopened,
	// a shared one is copied on the next MayAppend
	last := bm.blocks[seq.BlockTable[n-1]]
	if last.RefCount == 1 && last.Hash != 0 && len(seq.Block(n-1)) < bm.blockSize {
		if bm.hashToBlockID[last.Hash] == last.BlockID {
			delete(bm.hashToBlockID, last.Hash)
		}
		last.Hash = 0
		last.TokenIDs = last.TokenIDs[:0]
	}
	seq.NumCachedTokens = min(seq.NumCachedTokens, seq.NumTokens)
}
