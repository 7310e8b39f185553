package nanovllm

// SchedulerOutputs describes the groups picked for one step
type SchedulerOutputs struct {
	ScheduledGroups []*SequenceGroup
	// PromptRun is true when the step computes prompt or fast-forward tokens
	// instead of decoding a single token per sequence.
	PromptRun bool
}

// SeqPair is a sequence materialised by sampling together with the sequence
// it was forked from this step. Parent == Seq when no fork happened.
type SeqPair struct {
	Seq    *Sequence
	Parent *Sequence
}

// StepHost is the part of the scheduler a StepHooks implementation may
// drive while a step is being set up.
type StepHost interface {
	// NextSeqID draws a fresh sequence id
	NextSeqID() int64
	// ForkSeq records that child was cloned from parent
	ForkSeq(parent, child *Sequence)
	// FreeSeq releases a finished or aborted sequence
	FreeSeq(seq *Sequence)
	// TakeFreedSeqIDs returns the ids freed since the last call
	TakeFreedSeqIDs() []int64
}

// BlockTrimmer releases trailing storage of a shortened sequence
type BlockTrimmer interface {
	TrimPhysicalBlocks(seq *Sequence)
}

// StepHooks is invoked by the engine at fixed points of every step. It lets
// an external controller steer generation without the engine knowing about
// it.
type StepHooks interface {
	// InitiateStep runs after scheduling and before the model. It may fork,
	// suspend or abort sequences of the scheduled groups.
	InitiateStep(host StepHost, outputs *SchedulerOutputs) error
	// RetrieveMask returns the attention mask for this step, or nil. Row i
	// belongs to seqIDs[i].
	RetrieveMask(seqIDs []int64) (*AttentionMask, error)
	// ApplyBias adds the controller's bias to the logits in place. Row i of
	// logits belongs to seqIDs[i].
	ApplyBias(seqIDs []int64, logits Logits) error
	// AppendFastForward reconciles freshly sampled sequences of one group.
	AppendFastForward(blocks BlockTrimmer, group *SequenceGroup, pairs []SeqPair) error
	// FinishSampling closes the step.
	FinishSampling() error
}
