package nanovllm

import (
	"fmt"
	"math"
	"math/rand"
)

// minTemperature is the lowest temperature Sample accepts. Greedy decoding
// is not supported.
const minTemperature = 1e-10

func checkTemperature(t float64) error {
	if t <= minTemperature {
		return fmt.Errorf("greedy sampling is not permitted (temperature %g too low)", t)
	}
	return nil
}

// Sampler draws next tokens from logits rows
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a sampler with a fixed seed
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample picks a token from one row of logits using temperature scaling and
// softmax. Tokens biased to -Inf are never picked.
func (s *Sampler) Sample(logits []float32, temperature float64) int {
	maxLogit := math.Inf(-1)
	best := 0
	for i, l := range logits {
		if float64(l) > maxLogit {
			maxLogit = float64(l)
			best = i
		}
	}
	if math.IsInf(maxLogit, -1) {
		return best
	}

	probs := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		p := math.Exp((float64(l) - maxLogit) / temperature)
		probs[i] = p
		sum += p
	}

	r := s.rng.Float64() * sum
	cumsum := 0.0
	for i, p := range probs {
		cumsum += p
		if r < cumsum && p > 0 {
			return i
		}
	}
	return best
}
