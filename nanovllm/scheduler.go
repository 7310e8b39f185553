package nanovllm

import (
	"container/list"
	"log/slog"
)

// Scheduler manages sequence group scheduling for prompt and decode phases.
// It also owns the sequence arena and is the StepHost handed to step hooks.
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	eos                 int
	blockSize           int
	blockManager        *BlockManager
	arena               *SequenceArena
	counter             Counter
	waiting             *list.List
	running             *list.List
	freedSeqIDs         []int64
	forkParents         map[int64]int64
	numPreemptions      int
	log                 *slog.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	numBlocks := config.NumKVCacheBlocks
	if numBlocks == -1 {
		// Default: allocate reasonable number of blocks
		numBlocks = 1024
	}

	return &Scheduler{
		maxNumSeqs:          config.MaxNumSeqs,
		maxNumBatchedTokens: config.MaxNumBatchedTokens,
		eos:                 config.EOS,
		blockSize:           config.KVCacheBlockSize,
		blockManager:        NewBlockManager(numBlocks, config.KVCacheBlockSize),
		arena:               NewSequenceArena(),
		waiting:             list.New(),
		running:             list.New(),
		forkParents:         make(map[int64]int64),
		log:                 config.logger(),
	}
}

// BlockManager returns the KV block manager
func (s *Scheduler) BlockManager() *BlockManager {
	return s.blockManager
}

// Arena returns the sequence arena
func (s *Scheduler) Arena() *SequenceArena {
	return s.arena
}

// IsFinished returns true if there are no more groups to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// AddRequest wraps a prompt into a new sequence group and queues it
func (s *Scheduler) AddRequest(tokenIDs []int, params *SamplingParams) *SequenceGroup {
	seq := NewSequence(s.NextSeqID(), tokenIDs, params, s.blockSize)
	group := NewSequenceGroup(s.arena, seq, params)
	s.waiting.PushBack(group)
	return group
}

// NextSeqID draws a fresh sequence id
func (s *Scheduler) NextSeqID() int64 {
	return s.counter.Next()
}

// ForkSeq shares parent's blocks with child and remembers the pair until the
// next Schedule
func (s *Scheduler) ForkSeq(parent, child *Sequence) {
	s.blockManager.Fork(parent, child)
	s.forkParents[child.SeqID] = parent.SeqID
}

// FreeSeq releases the blocks of a finished sequence. Aborted sequences have
// already left their group and are dropped from the arena as well.
func (s *Scheduler) FreeSeq(seq *Sequence) {
	s.blockManager.Deallocate(seq)
	s.freedSeqIDs = append(s.freedSeqIDs, seq.SeqID)
	if seq.Status == StatusFinishedAborted {
		s.arena.Delete(seq.SeqID)
	}
}

// TakeFreedSeqIDs returns and clears the ids freed since the last call
func (s *Scheduler) TakeFreedSeqIDs() []int64 {
	ids := s.freedSeqIDs
	s.freedSeqIDs = nil
	return ids
}

// TrimPhysicalBlocks releases the trailing blocks of a backtracked sequence
func (s *Scheduler) TrimPhysicalBlocks(seq *Sequence) {
	s.blockManager.TrimPhysicalBlocks(seq)
}

// Schedule picks the groups for the next step. Running groups with members
// that need a prompt run (fast-forward tokens or a preempted history) and
// waiting groups are batched into a prompt run; otherwise every running group
// decodes one token. Sequences are preempted when the free blocks run out.
func (s *Scheduler) Schedule() *SchedulerOutputs {
	clear(s.forkParents)

	out := &SchedulerOutputs{}
	numSeqs := 0
	numBatchedTokens := 0

	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		group := elem.Value.(*SequenceGroup)
		s.readmit(group, numBatchedTokens)

		seqs := group.PromptRunSeqs()
		if len(seqs) == 0 {
			continue
		}
		tokens := 0
		for _, seq := range seqs {
			tokens += seq.numPromptRunTokens()
		}
		if len(out.ScheduledGroups) > 0 &&
			(numSeqs+len(seqs) > s.maxNumSeqs || numBatchedTokens+tokens > s.maxNumBatchedTokens) {
			continue
		}
		seqs = s.shed(seqs, s.maxNumSeqs-numSeqs)
		for len(seqs) > 0 && !s.blockManager.CanAppend(seqs...) {
			seqs = s.shed(seqs, len(seqs)-1)
		}
		if len(seqs) == 0 {
			continue
		}

		for _, seq := range seqs {
			s.blockManager.MayAppend(seq)
		}
		numSeqs += len(seqs)
		numBatchedTokens += tokens
		out.ScheduledGroups = append(out.ScheduledGroups, group)
	}

	for s.waiting.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.waiting.Front()
		group := elem.Value.(*SequenceGroup)
		seq := group.Seqs(nil)[0]

		if numBatchedTokens+seq.Len() > s.maxNumBatchedTokens || !s.blockManager.CanAllocate(seq) {
			break
		}

		numSeqs++
		s.blockManager.Allocate(seq)
		numBatchedTokens += seq.Len() - seq.NumCachedTokens
		seq.Status = StatusRunning

		s.waiting.Remove(elem)
		s.running.PushBack(group)
		out.ScheduledGroups = append(out.ScheduledGroups, group)
	}

	if len(out.ScheduledGroups) > 0 {
		out.PromptRun = true
		return out
	}

	// Decode phase
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		group := elem.Value.(*SequenceGroup)
		seqs := group.RunningSeqs()
		if len(seqs) == 0 || group.NeedsPromptRun() {
			continue
		}
		if numSeqs+len(seqs) > s.maxNumSeqs {
			if numSeqs > 0 {
				continue
			}
			seqs = s.shed(seqs, s.maxNumSeqs)
		}

		for len(seqs) > 0 && !s.blockManager.CanAppend(seqs...) {
			if victim := s.lastRunning(elem); victim != nil {
				s.preempt(victim)
				continue
			}
			seqs = s.shed(seqs, len(seqs)-1)
		}
		if len(seqs) == 0 {
			s.log.Debug("group waits for free blocks", "request", group.RequestID, "free", s.blockManager.NumFreeBlocks())
			continue
		}

		for _, seq := range seqs {
			s.blockManager.MayAppend(seq)
		}
		numSeqs += len(seqs)
		out.ScheduledGroups = append(out.ScheduledGroups, group)
	}

	if len(out.ScheduledGroups) == 0 && !s.IsFinished() {
		panic("no sequences scheduled")
	}

	return out
}

// readmit gives preempted members of group their blocks back, in member
// order, as long as their whole history fits.
func (s *Scheduler) readmit(group *SequenceGroup, numBatchedTokens int) {
	waiting := StatusWaiting
	for _, seq := range group.Seqs(&waiting) {
		if numBatchedTokens+seq.Len() > s.maxNumBatchedTokens || !s.blockManager.CanAllocate(seq) {
			return
		}
		s.blockManager.Allocate(seq)
		numBatchedTokens += seq.Len()
		seq.Status = StatusRunning
	}
}

// preempt frees the blocks of seq. It stays in its group and is computed
// again from scratch once readmitted; pending fast-forward tokens are part of
// that history.
func (s *Scheduler) preempt(seq *Sequence) {
	seq.Status = StatusWaiting
	seq.Recompute = true
	seq.ConfirmPendingFFTokens()
	s.blockManager.Deallocate(seq)
	s.numPreemptions++
	s.log.Debug("sequence preempted", "seq", seq.SeqID, "len", seq.Len(), "free", s.blockManager.NumFreeBlocks())
}

// shed preempts seqs beyond the first keep and returns the rest
func (s *Scheduler) shed(seqs []*Sequence, keep int) []*Sequence {
	keep = max(keep, 0)
	if keep >= len(seqs) {
		return seqs
	}
	for i := len(seqs) - 1; i >= keep; i-- {
		s.preempt(seqs[i])
	}
	return seqs[:keep]
}

// lastRunning returns the last running sequence of the last group queued
// behind elem, or nil
func (s *Scheduler) lastRunning(elem *list.Element) *Sequence {
	for e := s.running.Back(); e != nil && e != elem; e = e.Prev() {
		if seqs := e.Value.(*SequenceGroup).RunningSeqs(); len(seqs) > 0 {
			return seqs[len(seqs)-1]
		}
	}
	return nil
}

// NumPreemptions returns how many sequences were preempted so far
func (s *Scheduler) NumPreemptions() int {
	return s.numPreemptions
}

// RunnableSeqs returns the members of a scheduled group that go through the
// model this step. Suspended sequences sit the round out; in a prompt run a
// group with fast-forward tokens or preempted members only computes those
// sequences.
func (s *Scheduler) RunnableSeqs(group *SequenceGroup, promptRun bool) []*Sequence {
	seqs := group.RunningSeqs()
	if promptRun && group.NeedsPromptRun() {
		seqs = group.PromptRunSeqs()
	}
	runnable := seqs[:0]
	for _, seq := range seqs {
		if !seq.SkipRound {
			runnable = append(runnable, seq)
		}
	}
	return runnable
}

// Postprocess commits the sampled tokens. Fast-forward tokens and recomputed
// histories of this step are confirmed before the new token lands.
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) {
	for i, seq := range seqs {
		seq.ConfirmPendingFFTokens()
		seq.Recompute = false
		seq.AppendToken(tokenIDs[i])
	}
}

// Pair returns seq with the sequence it was forked from in this step
func (s *Scheduler) Pair(seq *Sequence) SeqPair {
	if parentID, ok := s.forkParents[seq.SeqID]; ok {
		if parent := s.arena.Get(parentID); parent != nil {
			return SeqPair{Seq: seq, Parent: parent}
		}
	}
	return SeqPair{Seq: seq, Parent: seq}
}

// CheckStop finishes sequences that produced EOS or hit their token limit
func (s *Scheduler) CheckStop(seqs []*Sequence) {
	for _, seq := range seqs {
		if seq.IsFinished() {
			continue
		}
		if (!seq.IgnoreEOS && seq.LastToken == s.eos) || seq.NumCompletionTokens() >= seq.MaxTokens {
			seq.Status = StatusFinished
			s.FreeSeq(seq)
		}
	}
}

// RetireFinished removes groups without unfinished members from the running
// queue
func (s *Scheduler) RetireFinished() []*SequenceGroup {
	var retired []*SequenceGroup
	for elem := s.running.Front(); elem != nil; {
		next := elem.Next()
		group := elem.Value.(*SequenceGroup)
		if group.IsFinished() {
			s.running.Remove(elem)
			retired = append(retired, group)
		}
		elem = next
	}
	return retired
}

// Release drops the sequences of a retired group from the arena
func (s *Scheduler) Release(group *SequenceGroup) {
	for _, id := range group.SeqIDs() {
		s.arena.Delete(id)
	}
}
