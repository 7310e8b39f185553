package aicirt

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/duncan020313/aici/aici"
)

func mustPolicy(t *testing.T, cfg PolicyConfig) *Policy {
	t.Helper()
	p, err := NewPolicy(cfg, nil)
	if err != nil {
		t.Fatalf("NewPolicy failed: %v", err)
	}
	return p
}

// prompt runs a prompt step for seqID and posts one sampled token.
func prompt(t *testing.T, p *Policy, step aici.StepID, seqID int64) {
	t.Helper()
	must(t, p.FlushBias(step))
	must(t, p.RegisterPre(step, seqID, aici.ModePrompt, "req"))
	if _, err := p.FinalizePre(step, 4, true); err != nil {
		t.Fatalf("FinalizePre failed: %v", err)
	}
	must(t, p.RegisterMid(step, seqID, nil))
	must(t, p.FinalizeMid(step))
	must(t, p.RegisterPost(step, seqID, 0, []int{1}, nil))
	must(t, p.FinalizePost(step))
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestPolicyConfigValidate(t *testing.T) {
	bad := []PolicyConfig{
		{BanTokens: []int{1}},
		{VocabSize: 4, BanTokens: []int{4}},
		{FFEvery: 2},
		{BacktrackEvery: 2},
		{BacktrackEvery: 2, Backtrack: 2},
		{Forks: -1},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: Expected validation error for %+v", i, cfg)
		}
	}
	if err := (PolicyConfig{}).Validate(); err != nil {
		t.Errorf("Expected empty config to be valid, got %v", err)
	}
}

func TestLoadPolicyConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := []byte("vocab_size: 8\nforks: 2\nban_tokens: [3, 5]\nff_every: 4\nff_tokens: [6]\nattention_mask: true\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadPolicyConfig(path)
	if err != nil {
		t.Fatalf("LoadPolicyConfig failed: %v", err)
	}
	want := PolicyConfig{
		VocabSize:     8,
		Forks:         2,
		BanTokens:     []int{3, 5},
		FFEvery:       4,
		FFTokens:      []int{6},
		AttentionMask: true,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	if _, err := LoadPolicyConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Expected error for missing file")
	}
}

func TestPolicyRejectsWrongStep(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{})
	must(t, p.FlushBias(2))
	if err := p.FlushBias(2); err == nil {
		t.Errorf("Expected error for repeated step")
	}
	if err := p.RegisterPre(1, 0, aici.ModeContinue, ""); err == nil {
		t.Errorf("Expected error for stale step")
	}
	if err := p.RegisterPre(2, 0, aici.ModePrompt, ""); err == nil {
		t.Errorf("Expected error for prompt without request id")
	}
}

func TestPolicyForksOnFirstGeneration(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{Forks: 3})
	prompt(t, p, 1, 0)

	must(t, p.FlushBias(2))
	must(t, p.RegisterPre(2, 0, aici.ModeContinue, ""))
	res, err := p.FinalizePre(2, 5, false)
	must(t, err)
	if diff := cmp.Diff([]int{0, 0, 0}, res.ForkMap); diff != "" {
		t.Errorf("fork map mismatch (-want +got):\n%s", diff)
	}

	must(t, p.RegisterMid(2, 0, nil))
	parent := int64(0)
	must(t, p.RegisterMid(2, 1, &parent))
	must(t, p.RegisterMid(2, 2, &parent))
	must(t, p.FinalizeMid(2))
	if p.NumSequences() != 3 {
		t.Errorf("Expected 3 tracked sequences, got %d", p.NumSequences())
	}
	must(t, p.RegisterPost(2, 1, 0, []int{2}, &parent))
	must(t, p.FinalizePost(2))

	// forks happen once per sequence
	must(t, p.FlushBias(3))
	must(t, p.RegisterPre(3, 0, aici.ModeContinue, ""))
	must(t, p.RegisterPre(3, 1, aici.ModeContinue, ""))
	res, err = p.FinalizePre(3, 5, false)
	must(t, err)
	if diff := cmp.Diff([]int{0, 1}, res.ForkMap); diff != "" {
		t.Errorf("fork map mismatch (-want +got):\n%s", diff)
	}
}

func TestPolicyFreedForgetsSequence(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{})
	prompt(t, p, 1, 0)
	must(t, p.FlushBias(2))
	must(t, p.NotifyFreed(2, []int64{0}))
	if p.NumSequences() != 0 {
		t.Errorf("Expected no tracked sequences, got %d", p.NumSequences())
	}
	if err := p.RegisterPost(2, 0, 0, []int{1}, nil); err == nil {
		t.Errorf("Expected error for post of freed sequence")
	}
}

func TestPolicySuspendAndAbort(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{SuspendEvery: 2, AbortAfter: 3})
	prompt(t, p, 1, 0) // round 1, generated 1

	must(t, p.FlushBias(2))
	must(t, p.RegisterPre(2, 0, aici.ModeContinue, ""))
	res, err := p.FinalizePre(2, 4, false)
	must(t, err)
	if len(res.ForkMap) != 0 || !cmp.Equal([]int{0}, res.SuspendIDs) {
		t.Errorf("Expected suspension on round 2, got %+v", res)
	}

	p.seqs[0].generated = 3
	must(t, p.FlushBias(3))
	must(t, p.RegisterPre(3, 0, aici.ModeResume, ""))
	res, err = p.FinalizePre(3, 4, false)
	must(t, err)
	if res.ForkMap == nil || len(res.ForkMap) != 0 || len(res.SuspendIDs) != 0 {
		t.Errorf("Expected abort through an empty fork map, got %+v", res)
	}
}

func TestPolicyBiasAndMask(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{VocabSize: 4, BanTokens: []int{2}, AttentionMask: true})
	must(t, p.FlushBias(1))
	must(t, p.RegisterPre(1, 0, aici.ModeContinue, ""))
	must(t, p.RegisterPre(1, 1, aici.ModeContinue, ""))
	_, err := p.FinalizePre(1, 3, false)
	must(t, err)
	must(t, p.RegisterMid(1, 0, nil))
	must(t, p.RegisterMid(1, 1, nil))
	must(t, p.FinalizeMid(1))

	bias, err := p.Bias(1)
	must(t, err)
	if len(bias) != 4 || !math.IsInf(float64(bias[2]), -1) || bias[0] != 0 {
		t.Errorf("Expected broadcast bias banning token 2, got %v", bias)
	}

	mask, err := p.AttentionMask(1)
	must(t, err)
	if mask == nil || mask.Rows != 2 || mask.Cols != 3 || len(mask.Data) != 6 {
		t.Fatalf("Expected 2x3 mask, got %+v", mask)
	}

	// no mask when the engine disabled it
	must(t, p.FlushBias(2))
	must(t, p.RegisterPre(2, 0, aici.ModePrompt, "req"))
	_, err = p.FinalizePre(2, 3, true)
	must(t, err)
	mask, err = p.AttentionMask(2)
	must(t, err)
	if mask != nil {
		t.Errorf("Expected no mask on a prompt step, got %+v", mask)
	}
}

func TestPolicyResponses(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{FFEvery: 2, FFTokens: []int{7, 8}, BacktrackEvery: 3, Backtrack: 2})
	prompt(t, p, 1, 0) // sampled 1, generated 1

	resp := policyStep(t, p, 2) // tick 2
	if diff := cmp.Diff(aici.Response{FFTokens: []int{7, 8}}, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	must(t, p.RegisterPost(2, 0, 0, []int{4, 7, 8}, nil))
	if p.seqs[0].generated != 4 {
		t.Errorf("Expected 4 generated tokens, got %d", p.seqs[0].generated)
	}

	resp = policyStep(t, p, 3) // tick 3
	if diff := cmp.Diff(aici.Response{Backtrack: 2}, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	must(t, p.RegisterPost(3, 0, 2, []int{}, nil))
	if p.seqs[0].generated != 3 || p.seqs[0].sampled != 3 {
		t.Errorf("Expected 3 generated and 3 sampled tokens, got %d and %d", p.seqs[0].generated, p.seqs[0].sampled)
	}

	if err := p.RegisterPost(3, 0, 0, nil, nil); err == nil {
		t.Errorf("Expected error for empty post")
	}

	// the tick keeps advancing, so the next backtrack is three samples away
	resp = policyStep(t, p, 4)
	if resp.Backtrack != 0 {
		t.Errorf("Expected no backtrack right after one, got %d", resp.Backtrack)
	}
}

func TestPolicyBacktrackCapped(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{BacktrackEvery: 3, Backtrack: 2})
	prompt(t, p, 1, 0)
	p.seqs[0].generated = 0
	p.seqs[0].sampled = 2

	resp := policyStep(t, p, 2)
	if resp.Backtrack != 1 {
		t.Errorf("Expected backtrack capped at 1, got %d", resp.Backtrack)
	}
}

// policyStep runs a decode step for sequence 0 up to its response.
func policyStep(t *testing.T, p *Policy, s aici.StepID) aici.Response {
	t.Helper()
	must(t, p.FlushBias(s))
	must(t, p.RegisterPre(s, 0, aici.ModeContinue, ""))
	_, err := p.FinalizePre(s, 4, false)
	must(t, err)
	must(t, p.RegisterMid(s, 0, nil))
	must(t, p.FinalizeMid(s))
	resp, err := p.Response(s, 0)
	must(t, err)
	return resp
}

func TestPolicyOverWire(t *testing.T) {
	c := serve(t, mustPolicy(t, PolicyConfig{Forks: 2}))
	must(t, c.FlushBias(1))
	must(t, c.RegisterPre(1, 0, aici.ModeResume, ""))
	res, err := c.FinalizePre(1, 4, false)
	must(t, err)
	if diff := cmp.Diff([]int{0, 0}, res.ForkMap); diff != "" {
		t.Errorf("fork map mismatch (-want +got):\n%s", diff)
	}
	if err := c.FlushBias(1); err == nil {
		t.Errorf("Expected remote error for repeated step")
	}
}
