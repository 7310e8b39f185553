package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/duncan020313/aici/aici"
	"github.com/duncan020313/aici/nanovllm"
)

type benchOptions struct {
	numRequests  int64
	minInputLen  int64
	maxInputLen  int64
	minOutputLen int64
	maxOutputLen int64
	bare         bool
	run          runOptions
}

func benchCmd() *cli.Command {
	opts := benchOptions{
		run: runOptions{temperature: 0.6, maxTokens: 1, maxNumSeqs: 512},
	}

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure engine throughput with and without a controller",
		Flags: append(append(commonFlags(), loggingFlags()...),
			&cli.Int64Flag{Name: "requests", Value: 256, Destination: &opts.numRequests, Usage: "number of requests"},
			&cli.Int64Flag{Name: "min-input", Value: 100, Destination: &opts.minInputLen, Usage: "shortest prompt"},
			&cli.Int64Flag{Name: "max-input", Value: 1024, Destination: &opts.maxInputLen, Usage: "longest prompt"},
			&cli.Int64Flag{Name: "min-output", Value: 100, Destination: &opts.minOutputLen, Usage: "fewest generated tokens"},
			&cli.Int64Flag{Name: "max-output", Value: 1024, Destination: &opts.maxOutputLen, Usage: "most generated tokens"},
			&cli.BoolFlag{Name: "bare", Destination: &opts.bare, Usage: "run without a controller"},
			&cli.BoolFlag{Name: "pipe", Destination: &opts.run.pipe, Usage: "talk to the policy through the msgpack protocol"},
			&cli.StringFlag{Name: "controller", Destination: &opts.run.controller, Usage: "address of a running controller"},
			&cli.Int64Flag{Name: "seed", Value: 0, Destination: &opts.run.seed, Usage: "prompt and sampler seed"},
			&cli.Int64Flag{Name: "vocab-size", Value: 32000, Destination: &opts.run.vocabSize, Usage: "vocabulary size of the mock model"},
			&cli.Int64Flag{Name: "block-size", Value: 256, Destination: &opts.run.blockSize, Usage: "tokens per KV cache block"},
			&cli.Int64Flag{Name: "num-blocks", Value: 8192, Destination: &opts.run.numBlocks, Usage: "number of KV cache blocks"},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			applyCommonConfig(c, cfg)
			if opts.minInputLen <= 0 || opts.minInputLen > opts.maxInputLen ||
				opts.minOutputLen <= 0 || opts.minOutputLen > opts.maxOutputLen || opts.numRequests <= 0 {
				return fmt.Errorf("request count and length ranges must be positive and ordered")
			}
			opts.run.prompts = []string{"bench"}
			if err := opts.run.validate(); err != nil {
				return err
			}

			log := newLogger(os.Stderr, logFormat, logLevel)
			slog.SetDefault(log)
			return runBench(ctx, &opts, log)
		},
	}
}

func runBench(ctx context.Context, opts *benchOptions, log *slog.Logger) error {
	var hooks nanovllm.StepHooks
	var rec *aici.Reconciler
	if !opts.bare {
		ctrl, release, err := openController(ctx, &opts.run, log)
		if err != nil {
			return err
		}
		defer release()
		rec = aici.NewReconciler(ctrl, log.With("component", "reconciler"))
		hooks = rec
	}

	maxLen := int(opts.maxInputLen + opts.maxOutputLen + 64)
	config := nanovllm.NewConfig(".",
		nanovllm.WithMaxNumSeqs(int(opts.run.maxNumSeqs)),
		nanovllm.WithMaxModelLen(maxLen),
		nanovllm.WithMaxNumBatchedTokens(max(16384, maxLen)),
		nanovllm.WithVocabSize(int(opts.run.vocabSize)),
		nanovllm.WithKVCacheBlockSize(int(opts.run.blockSize)),
		nanovllm.WithNumKVCacheBlocks(int(opts.run.numBlocks)),
		nanovllm.WithSeed(opts.run.seed),
		nanovllm.WithLogger(log),
	)
	llm := nanovllm.NewLLM(config, hooks)
	defer llm.Close()

	rng := rand.New(rand.NewSource(opts.run.seed))
	n := int(opts.numRequests)
	prompts := make([]interface{}, n)
	params := make([]*nanovllm.SamplingParams, n)
	for i := range n {
		inputLen := opts.minInputLen + rng.Int63n(opts.maxInputLen-opts.minInputLen+1)
		outputLen := opts.minOutputLen + rng.Int63n(opts.maxOutputLen-opts.minOutputLen+1)

		tokens := make([]int, inputLen)
		for j := range tokens {
			tokens[j] = rng.Intn(int(opts.run.vocabSize))
		}
		prompts[i] = tokens
		params[i] = nanovllm.NewSamplingParams(
			nanovllm.WithTemperature(opts.run.temperature),
			nanovllm.WithMaxTokens(int(outputLen)),
		)
	}

	fmt.Printf("Benchmarking %d requests (input %d-%d, output %d-%d tokens, controller: %v)\n",
		n, opts.minInputLen, opts.maxInputLen, opts.minOutputLen, opts.maxOutputLen, !opts.bare)

	start := time.Now()
	outputs, err := llm.Generate(prompts, params, true)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}
	elapsed := time.Since(start).Seconds()

	totalTokens, totalSeqs := 0, 0
	for _, ro := range outputs {
		for _, o := range ro.Outputs {
			totalTokens += len(o.TokenIDs)
			totalSeqs++
		}
	}

	fmt.Println()
	fmt.Println("Benchmark Results:")
	fmt.Println("==================")
	fmt.Printf("Total requests: %d\n", n)
	fmt.Printf("Completed sequences: %d\n", totalSeqs)
	fmt.Printf("Total output tokens: %d\n", totalTokens)
	fmt.Printf("Time elapsed: %.2f seconds\n", elapsed)
	fmt.Printf("Throughput: %.2f tokens/sec\n", float64(totalTokens)/elapsed)
	fmt.Printf("Average latency: %.2f ms/request\n", elapsed*1000/float64(n))

	if rec != nil {
		printStats(rec.Stats())
	}
	return nil
}
