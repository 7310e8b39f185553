package main

import (
	"fmt"
	"log"
	"math"

	"github.com/duncan020313/aici/aici"
	"github.com/duncan020313/aici/nanovllm"
)

const vocab = 256

// parityController splits every request in two at its first generation
// step. The first branch may only produce even tokens, the second only odd
// ones.
type parityController struct {
	step   aici.StepID
	pre    []int64
	mid    []int64
	odd    map[int64]bool
	forked map[int64]bool
}

func newParityController() *parityController {
	return &parityController{odd: make(map[int64]bool), forked: make(map[int64]bool)}
}

func (c *parityController) FlushBias(step aici.StepID) error {
	c.step = step
	c.pre, c.mid = c.pre[:0], c.mid[:0]
	return nil
}

func (c *parityController) NotifyFreed(_ aici.StepID, ids []int64) error {
	for _, id := range ids {
		delete(c.odd, id)
		delete(c.forked, id)
	}
	return nil
}

func (c *parityController) RegisterPre(_ aici.StepID, id int64, mode aici.RegisterMode, _ string) error {
	if mode.Generating() {
		c.pre = append(c.pre, id)
	} else {
		// placeholder so slot indices stay aligned
		c.pre = append(c.pre, -1)
	}
	return nil
}

func (c *parityController) FinalizePre(aici.StepID, int, bool) (aici.PreResult, error) {
	var forkMap []int
	for i, id := range c.pre {
		if id < 0 {
			// prompt steps leave everything as is
			return aici.PreResult{}, nil
		}
		forkMap = append(forkMap, i)
		if !c.forked[id] {
			forkMap = append(forkMap, i)
		}
	}
	return aici.PreResult{ForkMap: forkMap}, nil
}

func (c *parityController) RegisterMid(_ aici.StepID, id int64, cloneParent *int64) error {
	c.forked[id] = true
	if cloneParent != nil {
		c.odd[id] = true
	}
	c.mid = append(c.mid, id)
	return nil
}

func (c *parityController) FinalizeMid(aici.StepID) error { return nil }

func (c *parityController) Bias(aici.StepID) ([]float32, error) {
	if len(c.mid) == 0 {
		return nil, nil
	}
	bias := make([]float32, len(c.mid)*vocab)
	for row, id := range c.mid {
		for tok := 0; tok < vocab; tok++ {
			if (tok%2 == 1) != c.odd[id] {
				bias[row*vocab+tok] = float32(math.Inf(-1))
			}
		}
	}
	return bias, nil
}

func (c *parityController) AttentionMask(aici.StepID) (*nanovllm.AttentionMask, error) {
	return nil, nil
}

func (c *parityController) Response(aici.StepID, int64) (aici.Response, error) {
	return aici.Response{}, nil
}

func (c *parityController) RegisterPost(aici.StepID, int64, int, []int, *int64) error { return nil }

func (c *parityController) FinalizePost(aici.StepID) error { return nil }

func main() {
	// Create a config (using current directory as model path for demo)
	config := nanovllm.NewConfig(
		".",
		nanovllm.WithMaxNumSeqs(512),
		nanovllm.WithMaxNumBatchedTokens(16384),
		nanovllm.WithVocabSize(vocab),
		nanovllm.WithKVCacheBlockSize(16),
	)

	rec := aici.NewReconciler(newParityController(), nil)
	llm := nanovllm.NewLLM(config, rec)
	defer llm.Close()

	samplingParams := nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(0.6),
		nanovllm.WithMaxTokens(16),
		nanovllm.WithIgnoreEOS(true),
	)

	prompts := []string{
		"Hello, Nano-vLLM-Go!",
		"What is the meaning of life?",
	}

	outputs, err := llm.GenerateSimple(prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		for _, o := range output.Outputs {
			fmt.Printf("  seq %d: %v\n", o.SeqID, o.TokenIDs)
		}
	}
	fmt.Printf("\nForks: %d\n", rec.Stats().Forks)
}
