package nanovllm

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Counter hands out monotonically increasing sequence ids
type Counter struct {
	next int64
}

// Next returns the next id
func (c *Counter) Next() int64 {
	return atomic.AddInt64(&c.next, 1) - 1
}

// SequenceArena owns every live sequence, indexed by id
type SequenceArena struct {
	seqs map[int64]*Sequence
}

// NewSequenceArena creates an empty arena
func NewSequenceArena() *SequenceArena {
	return &SequenceArena{seqs: make(map[int64]*Sequence)}
}

// Put stores a sequence
func (a *SequenceArena) Put(seq *Sequence) {
	a.seqs[seq.SeqID] = seq
}

// Get returns the sequence with the given id, or nil
func (a *SequenceArena) Get(id int64) *Sequence {
	return a.seqs[id]
}

// Delete drops a sequence from the arena
func (a *SequenceArena) Delete(id int64) {
	delete(a.seqs, id)
}

// Len returns the number of live sequences
func (a *SequenceArena) Len() int {
	return len(a.seqs)
}

// SequenceGroup is the set of sequences sharing one request. It holds ids
// only; the sequences themselves live in the arena.
type SequenceGroup struct {
	RequestID      string
	SamplingParams *SamplingParams
	ArrivalTime    time.Time

	// DynamicForks is sticky: set once the controller forked any member.
	DynamicForks bool

	arena  *SequenceArena
	seqIDs []int64
}

// NewSequenceGroup creates a group holding a single prompt sequence
func NewSequenceGroup(arena *SequenceArena, seq *Sequence, params *SamplingParams) *SequenceGroup {
	g := &SequenceGroup{
		RequestID:      uuid.NewString(),
		SamplingParams: params,
		ArrivalTime:    time.Now(),
		arena:          arena,
	}
	g.Add(seq)
	return g
}

// Add puts a sequence into the group and the arena
func (g *SequenceGroup) Add(seq *Sequence) {
	if slices.Contains(g.seqIDs, seq.SeqID) {
		panic("sequence already in group")
	}
	g.arena.Put(seq)
	g.seqIDs = append(g.seqIDs, seq.SeqID)
}

// Remove takes a sequence out of the group. The arena entry stays until the
// host frees the sequence.
func (g *SequenceGroup) Remove(seqID int64) {
	i := slices.Index(g.seqIDs, seqID)
	if i < 0 {
		panic("sequence not in group")
	}
	g.seqIDs = slices.Delete(g.seqIDs, i, i+1)
}

// SeqIDs returns the member ids in insertion order
func (g *SequenceGroup) SeqIDs() []int64 {
	return slices.Clone(g.seqIDs)
}

// Seqs returns members with the given status; nil returns all members
func (g *SequenceGroup) Seqs(status *SequenceStatus) []*Sequence {
	seqs := make([]*Sequence, 0, len(g.seqIDs))
	for _, id := range g.seqIDs {
		seq := g.arena.Get(id)
		if seq == nil {
			continue
		}
		if status == nil || seq.Status == *status {
			seqs = append(seqs, seq)
		}
	}
	return seqs
}

// RunningSeqs returns members in the running state
func (g *SequenceGroup) RunningSeqs() []*Sequence {
	status := StatusRunning
	return g.Seqs(&status)
}

// IsFinished returns true once no member is left unfinished
func (g *SequenceGroup) IsFinished() bool {
	for _, seq := range g.Seqs(nil) {
		if !seq.IsFinished() {
			return false
		}
	}
	return true
}

// HasPendingFFTokens reports whether any running member awaits fast-forward
// confirmation
func (g *SequenceGroup) HasPendingFFTokens() bool {
	for _, seq := range g.RunningSeqs() {
		if seq.NumPendingFFTokens > 0 {
			return true
		}
	}
	return false
}

// NeedsPromptRun reports whether a running member has fast-forward tokens or
// a preempted history to compute
func (g *SequenceGroup) NeedsPromptRun() bool {
	for _, seq := range g.RunningSeqs() {
		if seq.NeedsPromptRun() {
			return true
		}
	}
	return false
}

// PromptRunSeqs returns the running members a prompt run has to compute
func (g *SequenceGroup) PromptRunSeqs() []*Sequence {
	var seqs []*Sequence
	for _, seq := range g.RunningSeqs() {
		if seq.NeedsPromptRun() {
			seqs = append(seqs, seq)
		}
	}
	return seqs
}
