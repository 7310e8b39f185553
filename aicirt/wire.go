package aicirt

import (
	"fmt"

	"github.com/duncan020313/aici/aici"
	"github.com/duncan020313/aici/nanovllm"
)

const (
	opFlushBias  = "flush_bias"
	opFreed      = "freed"
	opPre        = "pre"
	opFinishPre  = "finish_pre"
	opMid        = "mid"
	opFinishMid  = "finish_mid"
	opBias       = "bias"
	opMask       = "mask"
	opResponse   = "response"
	opPost       = "post"
	opFinishPost = "finish_post"
)

// request is one controller call on the wire
type request struct {
	Op              string            `msgpack:"op"`
	Step            aici.StepID       `msgpack:"step"`
	SeqID           int64             `msgpack:"seq_id,omitempty"`
	SeqIDs          []int64           `msgpack:"seq_ids,omitempty"`
	Mode            aici.RegisterMode `msgpack:"mode,omitempty"`
	RequestID       string            `msgpack:"req_id,omitempty"`
	MaxContextLen   int               `msgpack:"max_context_len,omitempty"`
	DisableAttnMask bool              `msgpack:"disable_attn_mask,omitempty"`
	CloneParent     *int64            `msgpack:"clone_id,omitempty"`
	Backtrack       int               `msgpack:"backtrack,omitempty"`
	Tokens          []int             `msgpack:"tokens,omitempty"`
}

// reply answers exactly one request
type reply struct {
	Err        string    `msgpack:"error,omitempty"`
	HasForkMap bool      `msgpack:"has_fork_map,omitempty"`
	ForkMap    []int     `msgpack:"fork_map,omitempty"`
	SuspendIDs []int     `msgpack:"suspend_ids,omitempty"`
	Bias       []float32 `msgpack:"bias,omitempty"`
	Mask       *mask     `msgpack:"mask,omitempty"`
	Backtrack  int       `msgpack:"backtrack,omitempty"`
	FFTokens   []int     `msgpack:"ff_tokens,omitempty"`
}

type mask struct {
	Rows int       `msgpack:"rows"`
	Cols int       `msgpack:"cols"`
	Data []float32 `msgpack:"data"`
}

func toWireMask(m *nanovllm.AttentionMask) *mask {
	if m == nil {
		return nil
	}
	return &mask{Rows: m.Rows, Cols: m.Cols, Data: m.Data}
}

func (m *mask) attentionMask() (*nanovllm.AttentionMask, error) {
	if m == nil {
		return nil, nil
	}
	if len(m.Data) != m.Rows*m.Cols {
		return nil, fmt.Errorf("mask has %d entries for %dx%d", len(m.Data), m.Rows, m.Cols)
	}
	return &nanovllm.AttentionMask{Rows: m.Rows, Cols: m.Cols, Data: m.Data}, nil
}

// RemoteError is an error reported by the controller process
type RemoteError struct {
	Op   string
	Step aici.StepID
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("controller %s (step %d): %s", e.Op, e.Step, e.Msg)
}
