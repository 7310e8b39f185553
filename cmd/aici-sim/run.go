package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/duncan020313/aici/aici"
	"github.com/duncan020313/aici/aicirt"
	"github.com/duncan020313/aici/nanovllm"
)

type runOptions struct {
	prompts     []string
	controller  string
	pipe        bool
	progress    bool
	maxTokens   int64
	temperature float64
	seed        int64
	vocabSize   int64
	blockSize   int64
	numBlocks   int64
	maxNumSeqs  int64
}

func (o *runOptions) validate() error {
	if len(o.prompts) == 0 {
		return errors.New("no prompts given")
	}
	if o.temperature <= 1e-10 {
		return fmt.Errorf("temperature must be positive, got %g", o.temperature)
	}
	if o.blockSize <= 0 || o.blockSize&(o.blockSize-1) != 0 {
		return fmt.Errorf("block size must be a positive power of two, got %d", o.blockSize)
	}
	if o.vocabSize <= 0 || o.maxTokens <= 0 || o.numBlocks <= 0 || o.maxNumSeqs <= 0 {
		return errors.New("vocab size, max tokens, block count and max sequences must be positive")
	}
	return nil
}

func runCmd() *cli.Command {
	opts := runOptions{}

	return &cli.Command{
		Name:  "run",
		Usage: "Generate completions for a set of prompts",
		Flags: append(append(commonFlags(), loggingFlags()...),
			&cli.StringSliceFlag{
				Name:        "prompt",
				Usage:       "prompt text (repeatable)",
				Value:       []string{"hello world", "how are you", "this is a test"},
				Destination: &opts.prompts,
			},
			&cli.StringFlag{
				Name:        "controller",
				Usage:       "address of a controller started with 'aici-sim serve'; empty runs the policy in process",
				Destination: &opts.controller,
			},
			&cli.BoolFlag{
				Name:        "pipe",
				Usage:       "talk to the in-process policy through the msgpack protocol",
				Destination: &opts.pipe,
			},
			&cli.BoolFlag{
				Name:        "progress",
				Usage:       "show a progress bar",
				Value:       true,
				Destination: &opts.progress,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Usage:       "tokens to generate per sequence",
				Value:       32,
				Destination: &opts.maxTokens,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Usage:       "sampling temperature",
				Value:       0.8,
				Destination: &opts.temperature,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampler seed",
				Value:       0,
				Destination: &opts.seed,
			},
			&cli.Int64Flag{
				Name:        "vocab-size",
				Usage:       "vocabulary size of the mock model",
				Value:       1000,
				Destination: &opts.vocabSize,
			},
			&cli.Int64Flag{
				Name:        "block-size",
				Usage:       "tokens per KV cache block",
				Value:       16,
				Destination: &opts.blockSize,
			},
			&cli.Int64Flag{
				Name:        "num-blocks",
				Usage:       "number of KV cache blocks",
				Value:       1024,
				Destination: &opts.numBlocks,
			},
			&cli.Int64Flag{
				Name:        "max-num-seqs",
				Usage:       "sequences per step",
				Value:       64,
				Destination: &opts.maxNumSeqs,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			applyRunConfig(c, cfg, &opts)
			if err := opts.validate(); err != nil {
				return err
			}

			log := newLogger(os.Stderr, logFormat, logLevel)
			slog.SetDefault(log)
			return runSim(ctx, &opts, log)
		},
	}
}

func loadPolicy(vocabSize int64) (aicirt.PolicyConfig, error) {
	var pc aicirt.PolicyConfig
	if policyFile != "" {
		var err error
		if pc, err = aicirt.LoadPolicyConfig(policyFile); err != nil {
			return pc, err
		}
	}
	if pc.VocabSize == 0 {
		pc.VocabSize = int(vocabSize)
	}
	return pc, nil
}

// openController returns the controller selected by opts and a func that
// releases it.
func openController(ctx context.Context, opts *runOptions, log *slog.Logger) (aici.StepController, func(), error) {
	if opts.controller != "" {
		client, err := aicirt.Dial("tcp", opts.controller)
		if err != nil {
			return nil, nil, err
		}
		log.Info("connected to controller", "addr", opts.controller)
		return client, func() { client.Close() }, nil
	}

	pc, err := loadPolicy(opts.vocabSize)
	if err != nil {
		return nil, nil, err
	}
	policy, err := aicirt.NewPolicy(pc, log.With("component", "policy"))
	if err != nil {
		return nil, nil, err
	}
	if !opts.pipe {
		return policy, func() {}, nil
	}

	clientConn, serverConn := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- aicirt.Serve(ctx, serverConn, policy)
	}()
	client := aicirt.NewClient(clientConn)
	return client, func() {
		client.Close()
		if err := <-done; err != nil {
			log.Warn("controller server stopped", "error", err)
		}
	}, nil
}

func runSim(ctx context.Context, opts *runOptions, log *slog.Logger) error {
	ctrl, release, err := openController(ctx, opts, log)
	if err != nil {
		return err
	}
	defer release()

	config := nanovllm.NewConfig(".",
		nanovllm.WithVocabSize(int(opts.vocabSize)),
		nanovllm.WithKVCacheBlockSize(int(opts.blockSize)),
		nanovllm.WithNumKVCacheBlocks(int(opts.numBlocks)),
		nanovllm.WithMaxNumSeqs(int(opts.maxNumSeqs)),
		nanovllm.WithSeed(opts.seed),
		nanovllm.WithEOS(2),
		nanovllm.WithLogger(log),
	)

	rec := aici.NewReconciler(ctrl, log.With("component", "reconciler"))
	llm := nanovllm.NewLLM(config, rec)
	defer llm.Close()

	params := nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(opts.temperature),
		nanovllm.WithMaxTokens(int(opts.maxTokens)),
	)

	outputs, err := llm.GenerateSimple(opts.prompts, params, opts.progress)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, ro := range outputs {
		fmt.Printf("\nPrompt %d: %s (request %s)\n", i+1, opts.prompts[i], ro.RequestID)
		if len(ro.Outputs) == 0 {
			fmt.Println("  (every sequence was dropped by the controller)")
		}
		for _, o := range ro.Outputs {
			fmt.Printf("  seq %d: %d tokens: %q\n", o.SeqID, len(o.TokenIDs), o.Text)
		}
	}

	printStats(rec.Stats())
	return nil
}

func printStats(s aici.Stats) {
	fmt.Println("\nController activity:")
	fmt.Printf("  steps:              %d\n", s.Steps)
	fmt.Printf("  forks:              %d\n", s.Forks)
	fmt.Printf("  suspends:           %d\n", s.Suspends)
	fmt.Printf("  aborts:             %d\n", s.Aborts)
	fmt.Printf("  backtracked tokens: %d\n", s.BacktrackedToks)
	fmt.Printf("  fast-forward toks:  %d\n", s.FastForwardToks)
	fmt.Printf("  no-op steps:        %d\n", s.NoForkMapSteps)
	fmt.Printf("  mask-free steps:    %d\n", s.MaskSkippedSteps)

	modes := make([]aici.RegisterMode, 0, len(s.Registered))
	for m := range s.Registered {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	for _, m := range modes {
		fmt.Printf("  registered %-8s %d\n", m.String()+":", s.Registered[m])
	}
}
