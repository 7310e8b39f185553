package nanovllm

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Output is the completion of one sequence
type Output struct {
	SeqID    int64
	Text     string
	TokenIDs []int
}

// RequestOutput collects the completions of one request. A request yields
// several outputs when the step hooks forked it.
type RequestOutput struct {
	RequestID string
	Outputs   []Output
}

// LLMEngine is the main inference engine
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
	sampler     *Sampler
	hooks       StepHooks
	log         *slog.Logger
}

// NewLLMEngine creates a new LLM engine. hooks may be nil.
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer, hooks StepHooks) *LLMEngine {
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   NewScheduler(config),
		sampler:     NewSampler(config.Seed),
		hooks:       hooks,
		log:         config.logger(),
	}
}

// Scheduler returns the engine's scheduler
func (e *LLMEngine) Scheduler() *Scheduler {
	return e.scheduler
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// AddRequest adds a generation request to the engine and returns its id
func (e *LLMEngine) AddRequest(prompt interface{}, samplingParams *SamplingParams) (string, error) {
	var tokenIDs []int
	var err error

	switch p := prompt.(type) {
	case string:
		tokenIDs, err = e.tokenizer.Encode(p)
		if err != nil {
			return "", fmt.Errorf("failed to encode prompt: %w", err)
		}
	case []int:
		tokenIDs = p
	default:
		return "", fmt.Errorf("prompt must be string or []int")
	}
	if len(tokenIDs) == 0 {
		return "", fmt.Errorf("prompt is empty")
	}

	group := e.scheduler.AddRequest(tokenIDs, samplingParams)
	return group.RequestID, nil
}

// Step performs one inference step
func (e *LLMEngine) Step() ([]RequestOutput, int, error) {
	out := e.scheduler.Schedule()

	if e.hooks != nil {
		if err := e.hooks.InitiateStep(e.scheduler, out); err != nil {
			return nil, 0, fmt.Errorf("initiate step: %w", err)
		}
	}

	var seqs []*Sequence
	var seqIDs []int64
	byGroup := make(map[*SequenceGroup][]*Sequence, len(out.ScheduledGroups))
	for _, group := range out.ScheduledGroups {
		runnable := e.scheduler.RunnableSeqs(group, out.PromptRun)
		byGroup[group] = runnable
		for _, seq := range runnable {
			seqs = append(seqs, seq)
			seqIDs = append(seqIDs, seq.SeqID)
		}
	}

	if len(seqs) > 0 {
		if err := e.runAndSample(out, seqs, seqIDs, byGroup); err != nil {
			return nil, 0, err
		}
	}

	if e.hooks != nil {
		if err := e.hooks.FinishSampling(); err != nil {
			return nil, 0, fmt.Errorf("finish sampling: %w", err)
		}
	}

	outputs, err := e.collect(e.scheduler.RetireFinished())
	if err != nil {
		return nil, 0, err
	}

	// Calculate number of tokens processed
	numTokens := 0
	if out.PromptRun {
		for _, seq := range seqs {
			numTokens += seq.Len()
		}
	} else {
		numTokens = -len(seqs) // Negative for decode phase
	}

	return outputs, numTokens, nil
}

func (e *LLMEngine) runAndSample(out *SchedulerOutputs, seqs []*Sequence, seqIDs []int64, byGroup map[*SequenceGroup][]*Sequence) error {
	var mask *AttentionMask
	if e.hooks != nil {
		var err error
		if mask, err = e.hooks.RetrieveMask(seqIDs); err != nil {
			return fmt.Errorf("retrieve attention mask: %w", err)
		}
	}

	logits, err := e.modelRunner.Run(seqs, out.PromptRun, mask)
	if err != nil {
		return fmt.Errorf("model inference failed: %w", err)
	}

	if e.hooks != nil {
		if err := e.hooks.ApplyBias(seqIDs, logits); err != nil {
			return fmt.Errorf("apply logit bias: %w", err)
		}
	}

	tokenIDs := make([]int, len(seqs))
	for i, seq := range seqs {
		tokenIDs[i] = e.sampler.Sample(logits.Row(i), seq.Temperature)
	}
	e.scheduler.Postprocess(seqs, tokenIDs)

	for _, group := range out.ScheduledGroups {
		ran := byGroup[group]
		if len(ran) == 0 {
			continue
		}
		if e.hooks != nil {
			pairs := make([]SeqPair, len(ran))
			for i, seq := range ran {
				pairs[i] = e.scheduler.Pair(seq)
			}
			if err := e.hooks.AppendFastForward(e.scheduler, group, pairs); err != nil {
				return fmt.Errorf("append fast-forward tokens: %w", err)
			}
		}
		e.scheduler.CheckStop(ran)
	}
	return nil
}

func (e *LLMEngine) collect(groups []*SequenceGroup) ([]RequestOutput, error) {
	outputs := make([]RequestOutput, 0, len(groups))
	for _, group := range groups {
		ro := RequestOutput{RequestID: group.RequestID}
		for _, seq := range group.Seqs(nil) {
			if seq.Status != StatusFinished {
				continue
			}
			text, err := e.tokenizer.Decode(seq.CompletionTokenIDs())
			if err != nil {
				return nil, fmt.Errorf("failed to decode tokens: %w", err)
			}
			ro.Outputs = append(ro.Outputs, Output{
				SeqID:    seq.SeqID,
				Text:     text,
				TokenIDs: append([]int(nil), seq.CompletionTokenIDs()...),
			})
		}
		e.scheduler.Release(group)
		e.log.Debug("request finished", "request", group.RequestID, "outputs", len(ro.Outputs), "dynamic_forks", group.DynamicForks)
		outputs = append(outputs, ro)
	}
	return outputs, nil
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate generates completions for the given prompts
func (e *LLMEngine) Generate(prompts []interface{}, samplingParams interface{}, useTqdm bool) ([]RequestOutput, error) {
	// Convert sampling params
	var spList []*SamplingParams
	switch sp := samplingParams.(type) {
	case *SamplingParams:
		spList = make([]*SamplingParams, len(prompts))
		for i := range spList {
			spList[i] = sp
		}
	case []*SamplingParams:
		if len(sp) != len(prompts) {
			return nil, fmt.Errorf("number of sampling params must match number of prompts")
		}
		spList = sp
	default:
		return nil, fmt.Errorf("samplingParams must be *SamplingParams or []*SamplingParams")
	}

	// Add all requests
	order := make(map[string]int, len(prompts))
	for i, prompt := range prompts {
		id, err := e.AddRequest(prompt, spList[i])
		if err != nil {
			return nil, err
		}
		order[id] = i
	}

	// Set up progress bar
	var bar *progressbar.ProgressBar
	if useTqdm {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	outputs := make([]RequestOutput, len(prompts))
	var prefillThroughput, decodeThroughput float64

	for !e.IsFinished() {
		start := time.Now()
		stepOutputs, numTokens, err := e.Step()
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if useTqdm {
			if numTokens > 0 {
				prefillThroughput = float64(numTokens) / elapsed
			} else {
				decodeThroughput = float64(-numTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
		}

		for _, output := range stepOutputs {
			outputs[order[output.RequestID]] = output
			if useTqdm {
				bar.Add(1)
			}
		}
	}

	if useTqdm {
		bar.Finish()
	}

	return outputs, nil
}
