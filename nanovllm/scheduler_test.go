package nanovllm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestScheduler(t *testing.T, opts ...ConfigOption) *Scheduler {
	t.Helper()
	base := []ConfigOption{
		WithKVCacheBlockSize(4),
		WithNumKVCacheBlocks(16),
		WithEOS(0),
	}
	return NewScheduler(NewConfig(t.TempDir(), append(base, opts...)...))
}

func TestSchedulerPromptThenDecode(t *testing.T) {
	s := newTestScheduler(t)
	params := NewSamplingParams()
	g1 := s.AddRequest([]int{1, 2, 3}, params)
	g2 := s.AddRequest([]int{4, 5}, params)

	out := s.Schedule()
	if !out.PromptRun {
		t.Errorf("Expected prompt run")
	}
	if len(out.ScheduledGroups) != 2 || out.ScheduledGroups[0] != g1 || out.ScheduledGroups[1] != g2 {
		t.Fatalf("Expected both groups in arrival order")
	}

	var seqs []*Sequence
	for _, g := range out.ScheduledGroups {
		seqs = append(seqs, s.RunnableSeqs(g, out.PromptRun)...)
	}
	for _, seq := range seqs {
		if seq.Status != StatusRunning || len(seq.BlockTable) != 1 {
			t.Errorf("Expected running sequence with one block, got %v with %v", seq.Status, seq.BlockTable)
		}
	}
	s.Postprocess(seqs, []int{6, 7})

	out = s.Schedule()
	if out.PromptRun {
		t.Errorf("Expected decode step")
	}
	if len(out.ScheduledGroups) != 2 {
		t.Errorf("Expected 2 decoding groups, got %d", len(out.ScheduledGroups))
	}
	if len(seqs[0].BlockTable) != 1 || len(seqs[1].BlockTable) != 1 {
		t.Errorf("Expected blocks to still cover the sequences")
	}
}

func TestSchedulerFastForwardRun(t *testing.T) {
	s := newTestScheduler(t)
	params := NewSamplingParams()
	g1 := s.AddRequest([]int{1, 2, 3}, params)
	s.AddRequest([]int{4, 5}, params)
	s.Schedule()

	seq := g1.Seqs(nil)[0]
	seq.AppendToken(6)
	seq.SetPendingFFTokens([]int{7, 8})

	out := s.Schedule()
	if !out.PromptRun {
		t.Errorf("Expected fast-forward tokens to be computed in a prompt run")
	}
	if len(out.ScheduledGroups) != 1 || out.ScheduledGroups[0] != g1 {
		t.Fatalf("Expected only the fast-forward group")
	}
	if len(seq.BlockTable) != 2 {
		t.Errorf("Expected blocks for the injected tokens, got %v", seq.BlockTable)
	}

	// a sibling without pending tokens waits for the next decode step
	sibling := seq.Fork(s.NextSeqID())
	sibling.ConfirmPendingFFTokens()
	g1.Add(sibling)
	runnable := s.RunnableSeqs(g1, true)
	if len(runnable) != 1 || runnable[0] != seq {
		t.Errorf("Expected only the fast-forward sequence to run")
	}

	s.Postprocess(runnable, []int{9})
	if seq.NumPendingFFTokens != 0 || seq.LastToken != 9 {
		t.Errorf("Expected confirmed tokens followed by 9, got pending %d last %d", seq.NumPendingFFTokens, seq.LastToken)
	}
}

func TestSchedulerRunnableSkipsSuspended(t *testing.T) {
	s := newTestScheduler(t)
	g := s.AddRequest([]int{1, 2}, NewSamplingParams())
	s.Schedule()

	seq := g.Seqs(nil)[0]
	seq.SkipRound = true
	if got := s.RunnableSeqs(g, false); len(got) != 0 {
		t.Errorf("Expected suspended sequence to sit out, got %d", len(got))
	}
}

func TestSchedulerForkAndPair(t *testing.T) {
	s := newTestScheduler(t)
	g := s.AddRequest([]int{1, 2}, NewSamplingParams())
	s.Schedule()

	parent := g.Seqs(nil)[0]
	child := parent.Fork(s.NextSeqID())
	g.Add(child)
	s.ForkSeq(parent, child)

	if pair := s.Pair(child); pair.Seq != child || pair.Parent != parent {
		t.Errorf("Expected child paired with its parent")
	}
	if pair := s.Pair(parent); pair.Parent != parent {
		t.Errorf("Expected parent paired with itself")
	}
	if s.BlockManager().blocks[parent.BlockTable[0]].RefCount != 2 {
		t.Errorf("Expected forked block to be shared")
	}

	parent.AppendToken(3)
	child.AppendToken(4)
	s.Schedule()
	if pair := s.Pair(child); pair.Parent != child {
		t.Errorf("Expected fork pairing to reset on the next schedule")
	}
}

func TestSchedulerCheckStop(t *testing.T) {
	s := newTestScheduler(t)
	g1 := s.AddRequest([]int{1, 2}, NewSamplingParams())
	g2 := s.AddRequest([]int{1, 2}, NewSamplingParams(WithMaxTokens(1)))
	g3 := s.AddRequest([]int{1, 2}, NewSamplingParams(WithIgnoreEOS(true)))
	s.Schedule()

	a, b, c := g1.Seqs(nil)[0], g2.Seqs(nil)[0], g3.Seqs(nil)[0]
	seqs := []*Sequence{a, b, c}
	s.Postprocess(seqs, []int{0, 5, 0})
	s.CheckStop(seqs)

	if a.Status != StatusFinished {
		t.Errorf("Expected EOS to finish the sequence")
	}
	if b.Status != StatusFinished {
		t.Errorf("Expected max tokens to finish the sequence")
	}
	if c.Status != StatusRunning {
		t.Errorf("Expected ignore_eos sequence to keep running")
	}
	if len(a.BlockTable) != 0 {
		t.Errorf("Expected finished sequence to give back its blocks")
	}
	if diff := cmp.Diff([]int64{a.SeqID, b.SeqID}, s.TakeFreedSeqIDs()); diff != "" {
		t.Errorf("freed ids mismatch (-want +got):\n%s", diff)
	}
	if ids := s.TakeFreedSeqIDs(); len(ids) != 0 {
		t.Errorf("Expected freed ids to be drained, got %v", ids)
	}

	retired := s.RetireFinished()
	if len(retired) != 2 {
		t.Fatalf("Expected 2 retired groups, got %d", len(retired))
	}
	for _, g := range retired {
		s.Release(g)
	}
	if s.Arena().Len() != 1 {
		t.Errorf("Expected only the running sequence in the arena, got %d", s.Arena().Len())
	}
}

func TestSchedulerFreeAborted(t *testing.T) {
	s := newTestScheduler(t)
	g := s.AddRequest([]int{1, 2}, NewSamplingParams())
	s.Schedule()

	seq := g.Seqs(nil)[0]
	seq.Status = StatusFinishedAborted
	g.Remove(seq.SeqID)
	s.FreeSeq(seq)

	if s.Arena().Get(seq.SeqID) != nil {
		t.Errorf("Expected aborted sequence to leave the arena")
	}
	if s.BlockManager().NumFreeBlocks() != 16 {
		t.Errorf("Expected all blocks free, got %d", s.BlockManager().NumFreeBlocks())
	}
	if !g.IsFinished() || len(s.RetireFinished()) != 1 || !s.IsFinished() {
		t.Errorf("Expected the empty group to retire")
	}
}

func TestSchedulerNothingFits(t *testing.T) {
	s := newTestScheduler(t, WithNumKVCacheBlocks(1))
	s.AddRequest([]int{1, 2, 3, 4, 5, 6}, NewSamplingParams())

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic when no sequence can be scheduled")
		}
	}()
	s.Schedule()
}

// forkedGroup schedules a 3-token prompt, decodes its 4th token and forks the
// sequence n-1 times. Every member then holds one sampled token more.
func forkedGroup(t *testing.T, s *Scheduler, n int) (*SequenceGroup, []*Sequence) {
	t.Helper()
	g := s.AddRequest([]int{1, 2, 3}, NewSamplingParams())
	s.Schedule()
	parent := g.Seqs(nil)[0]
	parent.AppendToken(4)
	s.Schedule()

	seqs := []*Sequence{parent}
	for range n - 1 {
		child := parent.Fork(s.NextSeqID())
		g.Add(child)
		s.ForkSeq(parent, child)
		seqs = append(seqs, child)
	}
	for i, seq := range seqs {
		seq.AppendToken(10 + i)
	}
	return g, seqs
}

func TestSchedulerPreemptsForkedMembers(t *testing.T) {
	s := newTestScheduler(t, WithNumKVCacheBlocks(4))
	g, seqs := forkedGroup(t, s, 4)

	// four members each need a fresh block, three are free
	out := s.Schedule()
	if out.PromptRun || len(out.ScheduledGroups) != 1 {
		t.Fatalf("Expected a decode step for the group, got %+v", out)
	}
	last := seqs[3]
	if last.Status != StatusWaiting || !last.Recompute || len(last.BlockTable) != 0 {
		t.Errorf("Expected the last member to be preempted, got %v recompute %v blocks %v",
			last.Status, last.Recompute, last.BlockTable)
	}
	if len(g.RunningSeqs()) != 3 || s.NumPreemptions() != 1 {
		t.Errorf("Expected 3 running members after 1 preemption, got %d and %d", len(g.RunningSeqs()), s.NumPreemptions())
	}
	if s.BlockManager().NumFreeBlocks() != 0 {
		t.Errorf("Expected every block in use, got %d free", s.BlockManager().NumFreeBlocks())
	}

	for _, seq := range seqs[:3] {
		seq.Status = StatusFinished
		s.FreeSeq(seq)
	}

	out = s.Schedule()
	if !out.PromptRun || len(out.ScheduledGroups) != 1 || out.ScheduledGroups[0] != g {
		t.Fatalf("Expected the preempted member to be recomputed in a prompt run, got %+v", out)
	}
	runnable := s.RunnableSeqs(g, true)
	if len(runnable) != 1 || runnable[0] != last {
		t.Fatalf("Expected only the preempted member to run")
	}
	if last.Status != StatusRunning || len(last.BlockTable) != last.NumBlocks() {
		t.Errorf("Expected blocks for the whole history, got %v", last.BlockTable)
	}
	s.Postprocess(runnable, []int{9})
	if last.Recompute || last.LastToken != 9 {
		t.Errorf("Expected recompute to be confirmed, got %v last %d", last.Recompute, last.LastToken)
	}
}

func TestSchedulerPreemptsLaterGroups(t *testing.T) {
	s := newTestScheduler(t, WithNumKVCacheBlocks(2))
	g1 := s.AddRequest([]int{1, 2, 3, 4}, NewSamplingParams())
	g2 := s.AddRequest([]int{5, 6, 7, 8}, NewSamplingParams())
	s.Schedule()

	a, b := g1.Seqs(nil)[0], g2.Seqs(nil)[0]
	a.AppendToken(9)
	b.AppendToken(9)

	out := s.Schedule()
	if len(out.ScheduledGroups) != 1 || out.ScheduledGroups[0] != g1 {
		t.Fatalf("Expected only the first group to decode")
	}
	if b.Status != StatusWaiting || a.Status != StatusRunning {
		t.Errorf("Expected the later group to give up its blocks, got %v and %v", a.Status, b.Status)
	}
}

func TestSchedulerRespectsMaxNumSeqs(t *testing.T) {
	s := newTestScheduler(t, WithMaxNumSeqs(3))
	g1, _ := forkedGroup(t, s, 3)
	g2 := s.AddRequest([]int{5, 6}, NewSamplingParams())
	s.Schedule()
	g2.Seqs(nil)[0].AppendToken(7)

	out := s.Schedule()
	if len(out.ScheduledGroups) != 1 || out.ScheduledGroups[0] != g1 {
		t.Fatalf("Expected only the forked group to fit the batch")
	}
	if s.NumPreemptions() != 0 {
		t.Errorf("Expected no preemption, got %d", s.NumPreemptions())
	}

	// a group larger than the whole batch gives up its extra members
	s = newTestScheduler(t, WithMaxNumSeqs(2))
	g, seqs := forkedGroup(t, s, 3)
	out = s.Schedule()
	if len(out.ScheduledGroups) != 1 || len(g.RunningSeqs()) != 2 {
		t.Fatalf("Expected 2 running members, got %d", len(g.RunningSeqs()))
	}
	if seqs[2].Status != StatusWaiting {
		t.Errorf("Expected the extra member to be preempted")
	}
}
