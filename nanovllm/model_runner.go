package nanovllm

import "fmt"

// ModelRunner is an interface for running model inference
// This can be implemented using various backends:
// - CGo bindings to PyTorch/ONNX
// - Go ML libraries
// - HTTP/gRPC calls to inference servers
// - Custom CUDA kernels
type ModelRunner interface {
	// Run executes model inference on the given sequences and returns one
	// row of next-token logits per sequence. mask is nil unless a step hook
	// restricted attention for this step.
	Run(seqs []*Sequence, isPrefill bool, mask *AttentionMask) (Logits, error)

	// Close cleans up resources
	Close() error
}

// MockModelRunner is a simple mock implementation for demonstration
type MockModelRunner struct {
	config *Config
	vocab  int
}

// NewMockModelRunner creates a new mock model runner
func NewMockModelRunner(config *Config) *MockModelRunner {
	return &MockModelRunner{
		config: config,
		vocab:  config.VocabSize,
	}
}

// Run produces logits peaked on a token derived from the sequence state
func (m *MockModelRunner) Run(seqs []*Sequence, isPrefill bool, mask *AttentionMask) (Logits, error) {
	if mask != nil && mask.Rows != len(seqs) {
		return nil, fmt.Errorf("attention mask has %d rows for %d sequences", mask.Rows, len(seqs))
	}

	logits := NewF32Logits(len(seqs), m.vocab)
	for i, seq := range seqs {
		// Simple mock: favour a token based on sequence ID and position
		// In a real implementation, this would run the actual model
		tokenID := int((seq.SeqID + int64(seq.NumTokens)) % int64(m.vocab))

		// Occasionally generate EOS for testing
		if seq.NumCompletionTokens() > 10 && seq.NumCompletionTokens()%20 == 0 && m.config.EOS >= 0 {
			tokenID = m.config.EOS
		}

		logits.Row(i)[tokenID] = 20
	}

	return logits, nil
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	return nil
}

// Tokenizer is an interface for tokenizing text
// This should be implemented using actual tokenizers like:
// - BPE (Byte Pair Encoding)
// - SentencePiece
// - Hugging Face tokenizers via CGo
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int
}

// MockTokenizer is a simple mock tokenizer for demonstration
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a new mock tokenizer
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{
		eosTokenID: eosTokenID,
	}
}

// Encode performs mock tokenization
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	// one token per rune
	tokens := make([]int, 0, len(text))
	for _, c := range text {
		tokens = append(tokens, int(c)%1000)
	}
	return tokens, nil
}

// Decode performs mock detokenization
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	// Simple mock: convert tokens to characters
	result := ""
	for _, id := range tokenIDs {
		if id != t.eosTokenID {
			result += string(rune(id + 32))
		}
	}
	return result, nil
}

// EOSTokenID returns the EOS token ID
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
