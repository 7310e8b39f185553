// Package aici splices an external sequence controller into the engine's
// per-step loop. The controller decides logit biases, forks, suspensions,
// backtracks and fast-forward tokens; the Reconciler applies those decisions
// to the live sequence set at fixed points of every step.
package aici

import (
	"fmt"

	"github.com/duncan020313/aici/nanovllm"
)

// StepID numbers engine steps. Every controller call carries it so the
// controller can detect calls that belong to a different step.
type StepID uint64

// RegisterMode tells the controller why a sequence takes part in a step.
type RegisterMode int

const (
	// ModeContinue is a sequence continuing normal generation.
	ModeContinue RegisterMode = iota
	// ModeResume is a sequence returning after a suspended round.
	ModeResume
	// ModeFastForward is a sequence whose injected tokens are being computed.
	ModeFastForward
	// ModePrompt is a fresh prompt; the request id is attached.
	ModePrompt
)

func (m RegisterMode) String() string {
	switch m {
	case ModeContinue:
		return "continue"
	case ModeResume:
		return "resume"
	case ModeFastForward:
		return "fast-forward"
	case ModePrompt:
		return "prompt"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Generating reports whether the mode counts as continuing generation.
func (m RegisterMode) Generating() bool {
	return m == ModeContinue || m == ModeResume
}

// PreResult is the controller's structural decision for a step. ForkMap
// holds one parent slot index per output slot; a nil ForkMap means the
// controller has nothing to do this step. SuspendIDs are slot indices to
// skip for one round.
type PreResult struct {
	ForkMap    []int
	SuspendIDs []int
}

// Response is the controller's per-sequence output after sampling.
type Response struct {
	Backtrack int
	FFTokens  []int
}

// StepController is the external decision engine. Calls are blocking
// request/response round trips issued in a fixed order per step:
//
//	FlushBias, NotifyFreed, RegisterPre*, FinalizePre,
//	RegisterMid*, FinalizeMid, AttentionMask?, Bias,
//	(Response, RegisterPost)*, FinalizePost
//
// Slot indices in PreResult refer to the RegisterPre order of the same step.
type StepController interface {
	FlushBias(step StepID) error
	NotifyFreed(step StepID, seqIDs []int64) error
	RegisterPre(step StepID, seqID int64, mode RegisterMode, requestID string) error
	FinalizePre(step StepID, maxContextLen int, disableAttnMask bool) (PreResult, error)
	RegisterMid(step StepID, seqID int64, cloneParent *int64) error
	FinalizeMid(step StepID) error
	// Bias returns either nothing, a single vocabulary sized row applied to
	// every sequence, or one row per RegisterMid call in that order.
	Bias(step StepID) ([]float32, error)
	// AttentionMask returns one row per RegisterMid call, or nil.
	AttentionMask(step StepID) (*nanovllm.AttentionMask, error)
	Response(step StepID, seqID int64) (Response, error)
	RegisterPost(step StepID, seqID int64, backtrack int, tokens []int, cloneParent *int64) error
	FinalizePost(step StepID) error
}
