package nanovllm

import "fmt"

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
	StatusFinishedAborted
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusFinishedAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Sequence represents a single candidate generation stream
type Sequence struct {
	SeqID           int64
	Status          SequenceStatus
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	NumCachedTokens int
	BlockTable      []int
	Temperature     float64
	MaxTokens       int
	IgnoreEOS       bool
	BlockSize       int

	// SkipRound is set when the controller suspended the sequence for a round.
	SkipRound bool
	// NumPendingFFTokens counts trailing tokens injected by the controller whose
	// KV entries have not been computed yet.
	NumPendingFFTokens int
	// Recompute is set on a preempted sequence. Its whole history goes
	// through the next prompt run it is part of.
	Recompute bool
}

// NewSequence creates a new sequence from token IDs and sampling parameters
func NewSequence(seqID int64, tokenIDs []int, samplingParams *SamplingParams, blockSize int) *Sequence {
	if len(tokenIDs) == 0 {
		panic("sequence needs at least one prompt token")
	}

	// Make a copy of token IDs
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	return &Sequence{
		SeqID:           seqID,
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		LastToken:       tokenIDs[len(tokenIDs)-1],
		NumTokens:       len(tokenIDs),
		NumPromptTokens: len(tokenIDs),
		NumCachedTokens: 0,
		BlockTable:      make([]int, 0),
		Temperature:     samplingParams.Temperature,
		MaxTokens:       samplingParams.MaxTokens,
		IgnoreEOS:       samplingParams.IgnoreEOS,
		BlockSize:       blockSize,
	}
}

// Fork returns a copy of the sequence under a new id. The block table is
// copied too; the caller must register the fork with the block manager so
// the shared blocks are reference counted.
func (s *Sequence) Fork(newID int64) *Sequence {
	child := *s
	child.SeqID = newID
	child.TokenIDs = append([]int(nil), s.TokenIDs...)
	child.BlockTable = append([]int(nil), s.BlockTable...)
	return &child
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence has finished generating
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished || s.Status == StatusFinishedAborted
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumCachedBlocks returns the number of cached blocks
func (s *Sequence) NumCachedBlocks() int {
	return s.NumCachedTokens / s.BlockSize
}

// NumBlocks returns the total number of blocks needed
func (s *Sequence) NumBlocks() int {
	return (s.NumTokens + s.BlockSize - 1) / s.BlockSize
}

// LastBlockNumTokens returns the number of tokens in the last block
func (s *Sequence) LastBlockNumTokens() int {
	return s.NumTokens - (s.NumBlocks()-1)*s.BlockSize
}

// Block returns the tokens in the i-th block
func (s *Sequence) Block(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	start := i * s.BlockSize
	end := (i + 1) * s.BlockSize
	if end > len(s.TokenIDs) {
		end = len(s.TokenIDs)
	}
	return s.TokenIDs[start:end]
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}

// Backtrack drops the last n committed completion tokens.
func (s *Sequence) Backtrack(n int) {
	if n < 0 || n > s.NumCompletionTokens() {
		panic(fmt.Sprintf("cannot backtrack %d tokens of sequence %d with %d completion tokens",
			n, s.SeqID, s.NumCompletionTokens()))
	}
	s.NumTokens -= n
	s.TokenIDs = s.TokenIDs[:s.NumTokens]
	s.LastToken = s.TokenIDs[s.NumTokens-1]
	if s.NumCachedTokens > s.NumTokens {
		s.NumCachedTokens = s.NumTokens
	}
	if s.NumPendingFFTokens > 0 {
		s.NumPendingFFTokens = max(0, s.NumPendingFFTokens-n)
	}
}

// SetPendingFFTokens commits controller supplied tokens without computing
// them. They stay pending until the next prompt run fills their KV entries.
func (s *Sequence) SetPendingFFTokens(tokens []int) {
	for _, tok := range tokens {
		s.AppendToken(tok)
	}
	s.NumPendingFFTokens = len(tokens)
}

// ConfirmPendingFFTokens marks pending fast-forward tokens as computed.
func (s *Sequence) ConfirmPendingFFTokens() {
	s.NumPendingFFTokens = 0
}

// NeedsPromptRun reports whether the sequence has tokens without KV entries
func (s *Sequence) NeedsPromptRun() bool {
	return s.NumPendingFFTokens > 0 || s.Recompute
}

// numPromptRunTokens is the number of tokens a prompt run computes for seq
func (s *Sequence) numPromptRunTokens() int {
	if s.Recompute {
		return s.NumTokens
	}
	return s.NumPendingFFTokens + 1
}
