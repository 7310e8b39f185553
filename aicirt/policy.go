package aicirt

import (
	"fmt"
	"log/slog"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/duncan020313/aici/aici"
	"github.com/duncan020313/aici/nanovllm"
)

// PolicyConfig drives the in-process Policy controller. Zero values turn the
// corresponding behaviour off.
type PolicyConfig struct {
	// VocabSize sizes the bias row; required when BanTokens is set.
	VocabSize int `yaml:"vocab_size"`
	// Forks is the number of continuations each request is split into at its
	// first generation step.
	Forks int `yaml:"forks"`
	// BanTokens are biased to -Inf for every sequence.
	BanTokens []int `yaml:"ban_tokens"`
	// FFTokens are injected after every FFEvery sampled tokens.
	FFEvery  int   `yaml:"ff_every"`
	FFTokens []int `yaml:"ff_tokens"`
	// Backtrack tokens are rolled back after every BacktrackEvery sampled
	// tokens. Backtrack must stay below BacktrackEvery so sequences make
	// progress.
	BacktrackEvery int `yaml:"backtrack_every"`
	Backtrack      int `yaml:"backtrack"`
	// SuspendEvery suspends a generating sequence on every N-th round.
	SuspendEvery int `yaml:"suspend_every"`
	// AbortAfter drops sequences that generated this many tokens.
	AbortAfter int `yaml:"abort_after"`
	// AttentionMask makes the controller send a mask on generation steps.
	AttentionMask bool `yaml:"attention_mask"`
}

// LoadPolicyConfig reads a YAML policy file
func LoadPolicyConfig(path string) (PolicyConfig, error) {
	var cfg PolicyConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the config for values the controller cannot honour
func (c PolicyConfig) Validate() error {
	if len(c.BanTokens) > 0 && c.VocabSize <= 0 {
		return fmt.Errorf("ban_tokens needs vocab_size")
	}
	for _, tok := range c.BanTokens {
		if tok < 0 || tok >= c.VocabSize {
			return fmt.Errorf("banned token %d outside vocabulary of %d", tok, c.VocabSize)
		}
	}
	if c.FFEvery > 0 && len(c.FFTokens) == 0 {
		return fmt.Errorf("ff_every needs ff_tokens")
	}
	if c.BacktrackEvery > 0 && (c.Backtrack <= 0 || c.Backtrack >= c.BacktrackEvery) {
		return fmt.Errorf("backtrack must be between 1 and backtrack_every-1, got %d", c.Backtrack)
	}
	if c.Forks < 0 || c.SuspendEvery < 0 || c.AbortAfter < 0 {
		return fmt.Errorf("forks, suspend_every and abort_after must not be negative")
	}
	return nil
}

type seqState struct {
	requestID string
	// generated is the current completion length, sampled only grows
	generated int
	sampled   int
	forked    bool
	rounds    int
}

type preEntry struct {
	seqID int64
	mode  aici.RegisterMode
}

// Policy is a StepController making its decisions from a PolicyConfig. It
// keeps per-sequence state the way an out-of-process controller would and
// rejects calls that arrive for the wrong step. Not safe for concurrent use.
type Policy struct {
	cfg PolicyConfig
	log *slog.Logger

	step      aici.StepID
	seqs      map[int64]*seqState
	pre       []preEntry
	mid       []int64
	forkedNow map[int64]bool
	maxCtx    int
	noMask    bool
	responses map[int64]aici.Response
}

var _ aici.StepController = (*Policy)(nil)

// NewPolicy creates a policy controller. log may be nil.
func NewPolicy(cfg PolicyConfig, log *slog.Logger) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Policy{
		cfg:       cfg,
		log:       log,
		seqs:      make(map[int64]*seqState),
		forkedNow: make(map[int64]bool),
		responses: make(map[int64]aici.Response),
	}, nil
}

// NumSequences returns how many sequences the controller tracks
func (p *Policy) NumSequences() int {
	return len(p.seqs)
}

func (p *Policy) checkStep(step aici.StepID) error {
	if step != p.step {
		return fmt.Errorf("call for step %d during step %d", step, p.step)
	}
	return nil
}

func (p *Policy) state(seqID int64) *seqState {
	st, ok := p.seqs[seqID]
	if !ok {
		st = &seqState{}
		p.seqs[seqID] = st
	}
	return st
}

func (p *Policy) FlushBias(step aici.StepID) error {
	if step <= p.step {
		return fmt.Errorf("step %d out of order after step %d", step, p.step)
	}
	p.step = step
	p.pre = p.pre[:0]
	p.mid = p.mid[:0]
	clear(p.forkedNow)
	clear(p.responses)
	return nil
}

func (p *Policy) NotifyFreed(step aici.StepID, seqIDs []int64) error {
	if err := p.checkStep(step); err != nil {
		return err
	}
	for _, id := range seqIDs {
		delete(p.seqs, id)
	}
	return nil
}

func (p *Policy) RegisterPre(step aici.StepID, seqID int64, mode aici.RegisterMode, requestID string) error {
	if err := p.checkStep(step); err != nil {
		return err
	}
	st := p.state(seqID)
	if mode == aici.ModePrompt {
		if requestID == "" {
			return fmt.Errorf("prompt registration of sequence %d without request id", seqID)
		}
		st.requestID = requestID
	}
	p.pre = append(p.pre, preEntry{seqID: seqID, mode: mode})
	return nil
}

func (p *Policy) FinalizePre(step aici.StepID, maxContextLen int, disableAttnMask bool) (aici.PreResult, error) {
	if err := p.checkStep(step); err != nil {
		return aici.PreResult{}, err
	}
	p.maxCtx, p.noMask = maxContextLen, disableAttnMask

	res := aici.PreResult{ForkMap: make([]int, 0, len(p.pre))}
	for idx, e := range p.pre {
		st := p.state(e.seqID)
		st.rounds++

		switch {
		case p.cfg.AbortAfter > 0 && st.generated >= p.cfg.AbortAfter:
			p.log.Debug("policy drops sequence", "step", step, "seq", e.seqID, "generated", st.generated)
		case p.cfg.SuspendEvery > 0 && e.mode == aici.ModeContinue && st.rounds%p.cfg.SuspendEvery == 0:
			res.SuspendIDs = append(res.SuspendIDs, idx)
		default:
			res.ForkMap = append(res.ForkMap, idx)
			if p.cfg.Forks > 1 && !st.forked && e.mode.Generating() {
				for range p.cfg.Forks - 1 {
					res.ForkMap = append(res.ForkMap, idx)
				}
				p.forkedNow[e.seqID] = true
			}
			if e.mode.Generating() {
				st.forked = true
			}
		}
	}
	return res, nil
}

func (p *Policy) RegisterMid(step aici.StepID, seqID int64, cloneParent *int64) error {
	if err := p.checkStep(step); err != nil {
		return err
	}
	if cloneParent != nil {
		parent, ok := p.seqs[*cloneParent]
		if !ok {
			return fmt.Errorf("sequence %d cloned from unknown sequence %d", seqID, *cloneParent)
		}
		child := *parent
		p.seqs[seqID] = &child
	}
	p.mid = append(p.mid, seqID)
	return nil
}

func (p *Policy) FinalizeMid(step aici.StepID) error {
	if err := p.checkStep(step); err != nil {
		return err
	}
	for _, id := range p.mid {
		st := p.seqs[id]
		tick := st.sampled + 1
		var resp aici.Response
		// a parent forked this step shares its response with the clones,
		// which cannot backtrack
		if p.cfg.BacktrackEvery > 0 && tick%p.cfg.BacktrackEvery == 0 && !p.forkedNow[id] {
			resp.Backtrack = min(p.cfg.Backtrack, st.generated+1)
		}
		if p.cfg.FFEvery > 0 && tick%p.cfg.FFEvery == 0 {
			resp.FFTokens = append([]int(nil), p.cfg.FFTokens...)
		}
		if resp.Backtrack > 0 || len(resp.FFTokens) > 0 {
			p.responses[id] = resp
		}
	}
	return nil
}

func (p *Policy) Bias(step aici.StepID) ([]float32, error) {
	if err := p.checkStep(step); err != nil {
		return nil, err
	}
	if len(p.cfg.BanTokens) == 0 {
		return nil, nil
	}
	bias := make([]float32, p.cfg.VocabSize)
	for _, tok := range p.cfg.BanTokens {
		bias[tok] = float32(math.Inf(-1))
	}
	return bias, nil
}

func (p *Policy) AttentionMask(step aici.StepID) (*nanovllm.AttentionMask, error) {
	if err := p.checkStep(step); err != nil {
		return nil, err
	}
	if !p.cfg.AttentionMask || p.noMask {
		return nil, nil
	}
	m := &nanovllm.AttentionMask{Rows: len(p.mid), Cols: p.maxCtx, Data: make([]float32, len(p.mid)*p.maxCtx)}
	for i := range m.Data {
		m.Data[i] = 1
	}
	return m, nil
}

func (p *Policy) Response(step aici.StepID, seqID int64) (aici.Response, error) {
	if err := p.checkStep(step); err != nil {
		return aici.Response{}, err
	}
	return p.responses[seqID], nil
}

func (p *Policy) RegisterPost(step aici.StepID, seqID int64, backtrack int, tokens []int, cloneParent *int64) error {
	if err := p.checkStep(step); err != nil {
		return err
	}
	st, ok := p.seqs[seqID]
	if !ok {
		return fmt.Errorf("post for unknown sequence %d", seqID)
	}
	if backtrack == 0 && len(tokens) == 0 {
		return fmt.Errorf("post for sequence %d carries no tokens", seqID)
	}
	st.sampled++
	if backtrack > 0 {
		// the sampled token was rolled back with the rest
		st.generated += 1 - backtrack + len(tokens)
	} else {
		st.generated += len(tokens)
	}
	return nil
}

func (p *Policy) FinalizePost(step aici.StepID) error {
	if err := p.checkStep(step); err != nil {
		return err
	}
	p.log.Debug("policy step done", "step", step, "pre", len(p.pre), "mid", len(p.mid), "tracked", len(p.seqs))
	return nil
}
