package nanovllm

import "fmt"

// SamplingParams are the per-request generation limits. Every sequence forked
// from the request inherits them.
type SamplingParams struct {
	Temperature float64
	MaxTokens   int
	IgnoreEOS   bool
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams applies opts over temperature 1 and 64 new tokens. It
// panics on values the sampler cannot serve.
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{Temperature: 1.0, MaxTokens: 64}
	for _, opt := range opts {
		opt(sp)
	}
	if err := sp.validate(); err != nil {
		panic(err)
	}
	return sp
}

func (sp *SamplingParams) validate() error {
	if err := checkTemperature(sp.Temperature); err != nil {
		return err
	}
	if sp.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", sp.MaxTokens)
	}
	return nil
}

func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) { sp.Temperature = t }
}

// WithMaxTokens caps the completion length of every sequence in the request
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) { sp.MaxTokens = n }
}

// WithIgnoreEOS keeps sequences running past the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) { sp.IgnoreEOS = b }
}
