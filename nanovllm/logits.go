package nanovllm

import (
	"fmt"

	"github.com/x448/float16"
)

// Logits is a row-major [rows, vocab] buffer of next-token scores, one row
// per sequence in the batch. Implementations keep their own precision.
type Logits interface {
	Shape() (rows, vocab int)
	// Row returns row i widened to float32
	Row(i int) []float32
	// AddBias adds bias elementwise, rounding it to the buffer's precision
	// first. bias is either a full [rows, vocab] matrix or a single row
	// broadcast over every row.
	AddBias(bias []float32) error
}

func checkBias(rows, vocab, n int) (broadcast bool, err error) {
	switch n {
	case rows * vocab:
		return false, nil
	case vocab:
		return true, nil
	default:
		return false, fmt.Errorf("bias has %d entries, logits are %dx%d", n, rows, vocab)
	}
}

// F32Logits holds single precision logits
type F32Logits struct {
	Data  []float32
	Rows  int
	Vocab int
}

// NewF32Logits allocates a zeroed buffer
func NewF32Logits(rows, vocab int) *F32Logits {
	return &F32Logits{Data: make([]float32, rows*vocab), Rows: rows, Vocab: vocab}
}

func (l *F32Logits) Shape() (int, int) { return l.Rows, l.Vocab }

func (l *F32Logits) Row(i int) []float32 {
	return l.Data[i*l.Vocab : (i+1)*l.Vocab]
}

func (l *F32Logits) AddBias(bias []float32) error {
	broadcast, err := checkBias(l.Rows, l.Vocab, len(bias))
	if err != nil {
		return err
	}
	for i := range l.Data {
		if broadcast {
			l.Data[i] += bias[i%l.Vocab]
		} else {
			l.Data[i] += bias[i]
		}
	}
	return nil
}

// F16Logits holds half precision logits as produced by fp16 model runners
type F16Logits struct {
	Data  []float16.Float16
	Rows  int
	Vocab int
}

// NewF16Logits allocates a zeroed buffer
func NewF16Logits(rows, vocab int) *F16Logits {
	return &F16Logits{Data: make([]float16.Float16, rows*vocab), Rows: rows, Vocab: vocab}
}

func (l *F16Logits) Shape() (int, int) { return l.Rows, l.Vocab }

func (l *F16Logits) Row(i int) []float32 {
	row := make([]float32, l.Vocab)
	for j, v := range l.Data[i*l.Vocab : (i+1)*l.Vocab] {
		row[j] = v.Float32()
	}
	return row
}

func (l *F16Logits) AddBias(bias []float32) error {
	broadcast, err := checkBias(l.Rows, l.Vocab, len(bias))
	if err != nil {
		return err
	}
	for i, v := range l.Data {
		b := bias[i]
		if broadcast {
			b = bias[i%l.Vocab]
		}
		sum := v.Float32() + float16.Fromfloat32(b).Float32()
		l.Data[i] = float16.Fromfloat32(sum)
	}
	return nil
}

// AttentionMask tells the model which context positions each row may attend
// to in this step. It is not kept across steps.
type AttentionMask struct {
	Rows int
	Cols int
	Data []float32
}

// Row returns the mask for row i
func (m *AttentionMask) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}
