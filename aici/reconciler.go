package aici

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/duncan020313/aici/nanovllm"
)

// Stats counts what the reconciler did since it was created.
type Stats struct {
	Steps            int
	Registered       map[RegisterMode]int
	Forks            int
	Suspends         int
	Aborts           int
	BacktrackedToks  int
	FastForwardToks  int
	NoForkMapSteps   int
	MaskSkippedSteps int
}

// slot is a sequence registered with the controller in the current step.
// Slots are addressed by their registration index.
type slot struct {
	group *nanovllm.SequenceGroup
	seq   *nanovllm.Sequence
}

// Reconciler applies StepController decisions to the engine's sequences.
// It implements nanovllm.StepHooks and is not safe for concurrent use; the
// engine drives it from its step loop.
type Reconciler struct {
	ctrl  StepController
	log   *slog.Logger
	timer *BenchTimer

	step            StepID
	slots           []slot
	midRows         map[int64]int
	disableAttnMask bool
	stats           Stats
}

var _ nanovllm.StepHooks = (*Reconciler)(nil)

// NewReconciler wraps ctrl. log may be nil.
func NewReconciler(ctrl StepController, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		ctrl:    ctrl,
		log:     log,
		timer:   NewBenchTimer("initiate_step", 100, log),
		midRows: make(map[int64]int),
		stats:   Stats{Registered: make(map[RegisterMode]int)},
	}
}

// Step returns the id of the current step
func (r *Reconciler) Step() StepID {
	return r.step
}

// Stats returns a copy of the counters
func (r *Reconciler) Stats() Stats {
	s := r.stats
	s.Registered = make(map[RegisterMode]int, len(r.stats.Registered))
	for k, v := range r.stats.Registered {
		s.Registered[k] = v
	}
	return s
}

// InitiateStep registers every scheduled sequence with the controller and
// applies the returned fork and suspend decisions. Sequences the controller
// neither kept nor suspended are aborted and freed.
func (r *Reconciler) InitiateStep(host nanovllm.StepHost, outputs *nanovllm.SchedulerOutputs) error {
	defer r.timer.Start()()

	r.step++
	r.stats.Steps++
	r.slots = r.slots[:0]
	clear(r.midRows)
	step := r.step

	if err := r.ctrl.FlushBias(step); err != nil {
		return fmt.Errorf("flush bias: %w", err)
	}
	if freed := host.TakeFreedSeqIDs(); len(freed) > 0 {
		if err := r.ctrl.NotifyFreed(step, freed); err != nil {
			return fmt.Errorf("notify freed sequences: %w", err)
		}
	}

	maxContextLen := 0
	numGen := 0
	for _, group := range outputs.ScheduledGroups {
		seqs := group.RunningSeqs()
		pending := slices.DeleteFunc(slices.Clone(seqs), func(seq *nanovllm.Sequence) bool {
			return !seq.NeedsPromptRun()
		})
		if len(pending) > 0 {
			if !outputs.PromptRun {
				panic(fmt.Sprintf("request %s has uncomputed tokens outside a prompt run", group.RequestID))
			}
			seqs = pending
		} else if outputs.PromptRun && len(seqs) != 1 {
			panic(fmt.Sprintf("prompt run for request %s has %d running sequences, want 1", group.RequestID, len(seqs)))
		}

		for _, seq := range seqs {
			r.slots = append(r.slots, slot{group: group, seq: seq})
			maxContextLen = max(maxContextLen, seq.Len())

			mode, requestID := ModeContinue, ""
			switch {
			case seq.SkipRound:
				seq.SkipRound = false
				mode = ModeResume
			case seq.Recompute:
				// a preempted sequence samples its next token as usual
			case seq.NumPendingFFTokens > 0:
				mode = ModeFastForward
			case outputs.PromptRun:
				mode, requestID = ModePrompt, group.RequestID
			}
			if mode.Generating() {
				numGen++
			}
			r.stats.Registered[mode]++

			if err := r.ctrl.RegisterPre(step, seq.SeqID, mode, requestID); err != nil {
				return fmt.Errorf("register sequence %d: %w", seq.SeqID, err)
			}
		}
	}

	// pure prompt intake needs no attention mask
	r.disableAttnMask = numGen == 0
	if r.disableAttnMask {
		r.stats.MaskSkippedSteps++
	}

	res, err := r.ctrl.FinalizePre(step, maxContextLen, r.disableAttnMask)
	if err != nil {
		return fmt.Errorf("finalize pre-registration: %w", err)
	}
	if res.ForkMap == nil {
		r.stats.NoForkMapSteps++
		r.log.Debug("controller returned no fork map", "step", step, "slots", len(r.slots))
		return nil
	}

	used := make([]bool, len(r.slots))
	for row, parentIdx := range res.ForkMap {
		if parentIdx < 0 || parentIdx >= len(r.slots) {
			return fmt.Errorf("fork map entry %d refers to slot %d of %d", row, parentIdx, len(r.slots))
		}
		s := r.slots[parentIdx]
		seq := s.seq
		var cloneParent *int64
		if used[parentIdx] {
			if seq.IsFinished() {
				panic(fmt.Sprintf("cannot fork finished sequence %d", seq.SeqID))
			}
			child := seq.Fork(host.NextSeqID())
			s.group.Add(child)
			s.group.DynamicForks = true
			host.ForkSeq(seq, child)
			parentID := seq.SeqID
			cloneParent = &parentID
			seq = child
			r.stats.Forks++
		} else {
			used[parentIdx] = true
		}
		r.midRows[seq.SeqID] = row
		if err := r.ctrl.RegisterMid(step, seq.SeqID, cloneParent); err != nil {
			return fmt.Errorf("register forked sequence %d: %w", seq.SeqID, err)
		}
	}

	for _, idx := range res.SuspendIDs {
		if idx < 0 || idx >= len(r.slots) {
			return fmt.Errorf("suspend list refers to slot %d of %d", idx, len(r.slots))
		}
		if used[idx] {
			panic(fmt.Sprintf("slot %d (sequence %d) both used and suspended", idx, r.slots[idx].seq.SeqID))
		}
		used[idx] = true
		r.slots[idx].seq.SkipRound = true
		r.stats.Suspends++
	}

	if err := r.ctrl.FinalizeMid(step); err != nil {
		return fmt.Errorf("finalize mid-registration: %w", err)
	}

	for idx, s := range r.slots {
		if used[idx] {
			continue
		}
		s.seq.Status = nanovllm.StatusFinishedAborted
		s.group.Remove(s.seq.SeqID)
		host.FreeSeq(s.seq)
		r.stats.Aborts++
		r.log.Debug("controller dropped sequence", "step", step, "seq", s.seq.SeqID, "request", s.group.RequestID)
	}

	return nil
}

// gatherRows reorders a per-mid-registration matrix so that row i belongs to
// seqIDs[i].
func (r *Reconciler) gatherRows(what string, data []float32, width int, seqIDs []int64) ([]float32, error) {
	if len(data) != len(r.midRows)*width {
		return nil, fmt.Errorf("%s has %d entries, want %d rows of %d", what, len(data), len(r.midRows), width)
	}
	out := make([]float32, len(seqIDs)*width)
	for i, id := range seqIDs {
		row, ok := r.midRows[id]
		if !ok {
			return nil, fmt.Errorf("%s has no row for sequence %d", what, id)
		}
		copy(out[i*width:(i+1)*width], data[row*width:(row+1)*width])
	}
	return out, nil
}

// ApplyBias pulls this step's logit bias from the controller and adds it to
// logits in place.
func (r *Reconciler) ApplyBias(seqIDs []int64, logits nanovllm.Logits) error {
	bias, err := r.ctrl.Bias(r.step)
	if err != nil {
		return fmt.Errorf("receive logit bias: %w", err)
	}
	if len(bias) == 0 {
		return nil
	}
	_, vocab := logits.Shape()
	if len(bias) != vocab {
		if bias, err = r.gatherRows("logit bias", bias, vocab, seqIDs); err != nil {
			return err
		}
	}
	return logits.AddBias(bias)
}

// RetrieveMask pulls this step's attention mask. It returns nil without
// asking the controller when the step only took in prompts.
func (r *Reconciler) RetrieveMask(seqIDs []int64) (*nanovllm.AttentionMask, error) {
	if r.disableAttnMask {
		return nil, nil
	}
	mask, err := r.ctrl.AttentionMask(r.step)
	if err != nil {
		return nil, fmt.Errorf("receive attention mask: %w", err)
	}
	if mask == nil {
		return nil, nil
	}
	if mask.Rows != len(r.midRows) {
		return nil, fmt.Errorf("attention mask has %d rows, want %d", mask.Rows, len(r.midRows))
	}
	data, err := r.gatherRows("attention mask", mask.Data, mask.Cols, seqIDs)
	if err != nil {
		return nil, err
	}
	return &nanovllm.AttentionMask{Rows: len(seqIDs), Cols: mask.Cols, Data: data}, nil
}

// AppendFastForward applies the controller's backtrack and fast-forward
// response to every freshly sampled sequence of a group and reports the
// resulting tokens back. Responses are looked up by the parent's id: a child
// forked this step did not exist when the response was produced.
func (r *Reconciler) AppendFastForward(blocks nanovllm.BlockTrimmer, group *nanovllm.SequenceGroup, pairs []nanovllm.SeqPair) error {
	for _, p := range pairs {
		seq, parent := p.Seq, p.Parent
		if seq.SkipRound {
			panic(fmt.Sprintf("sequence %d was sampled while suspended", seq.SeqID))
		}

		resp, err := r.ctrl.Response(r.step, parent.SeqID)
		if err != nil {
			return fmt.Errorf("response for sequence %d: %w", parent.SeqID, err)
		}

		var toks []int
		if resp.Backtrack > 0 {
			if seq != parent {
				panic(fmt.Sprintf("backtrack on sequence %d forked from %d in the same step", seq.SeqID, parent.SeqID))
			}
			if resp.Backtrack > seq.NumCompletionTokens() {
				return fmt.Errorf("backtrack of %d tokens exceeds the %d generated by sequence %d",
					resp.Backtrack, seq.NumCompletionTokens(), seq.SeqID)
			}
			seq.Backtrack(resp.Backtrack)
			blocks.TrimPhysicalBlocks(seq)
			toks = []int{}
			r.stats.BacktrackedToks += resp.Backtrack
		} else {
			toks = []int{seq.LastToken}
		}

		if len(resp.FFTokens) > 0 {
			seq.SetPendingFFTokens(resp.FFTokens)
			toks = append(toks, resp.FFTokens...)
			r.stats.FastForwardToks += len(resp.FFTokens)
		}

		var cloneParent *int64
		if seq != parent {
			parentID := parent.SeqID
			cloneParent = &parentID
		}

		if err := r.ctrl.RegisterPost(r.step, seq.SeqID, resp.Backtrack, toks, cloneParent); err != nil {
			return fmt.Errorf("report tokens of sequence %d in request %s: %w", seq.SeqID, group.RequestID, err)
		}
	}
	return nil
}

// FinishSampling tells the controller that every sampled sequence of the
// step has been reported.
func (r *Reconciler) FinishSampling() error {
	if err := r.ctrl.FinalizePost(r.step); err != nil {
		return fmt.Errorf("finalize post-sampling: %w", err)
	}
	return nil
}
