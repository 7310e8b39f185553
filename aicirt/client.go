// Package aicirt talks to sequence controllers: a msgpack client and server
// for running the controller in another process, and an in-process policy
// controller.
package aicirt

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/duncan020313/aici/aici"
	"github.com/duncan020313/aici/nanovllm"
)

// Client is an aici.StepController forwarding every call to a remote
// controller as one msgpack request followed by one msgpack reply.
type Client struct {
	mu     sync.Mutex
	w      io.Writer
	dec    *msgpack.Decoder
	closer io.Closer
}

var _ aici.StepController = (*Client)(nil)

// NewClient speaks the protocol over rw. If rw is an io.Closer, Close closes
// it.
func NewClient(rw io.ReadWriter) *Client {
	c := &Client{
		w:   rw,
		dec: msgpack.NewDecoder(bufio.NewReader(rw)),
	}
	if closer, ok := rw.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// Dial connects to a controller listening on network/addr
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial controller: %w", err)
	}
	return NewClient(conn), nil
}

// Close closes the underlying connection
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Client) roundTrip(req *request) (*reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Op, err)
	}
	if _, err := c.w.Write(b); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}

	var rep reply
	if err := c.dec.Decode(&rep); err != nil {
		return nil, fmt.Errorf("receive %s: %w", req.Op, err)
	}
	if rep.Err != "" {
		return nil, &RemoteError{Op: req.Op, Step: req.Step, Msg: rep.Err}
	}
	return &rep, nil
}

func (c *Client) call(req *request) error {
	_, err := c.roundTrip(req)
	return err
}

func (c *Client) FlushBias(step aici.StepID) error {
	return c.call(&request{Op: opFlushBias, Step: step})
}

func (c *Client) NotifyFreed(step aici.StepID, seqIDs []int64) error {
	return c.call(&request{Op: opFreed, Step: step, SeqIDs: seqIDs})
}

func (c *Client) RegisterPre(step aici.StepID, seqID int64, mode aici.RegisterMode, requestID string) error {
	return c.call(&request{Op: opPre, Step: step, SeqID: seqID, Mode: mode, RequestID: requestID})
}

func (c *Client) FinalizePre(step aici.StepID, maxContextLen int, disableAttnMask bool) (aici.PreResult, error) {
	rep, err := c.roundTrip(&request{
		Op:              opFinishPre,
		Step:            step,
		MaxContextLen:   maxContextLen,
		DisableAttnMask: disableAttnMask,
	})
	if err != nil {
		return aici.PreResult{}, err
	}
	res := aici.PreResult{SuspendIDs: rep.SuspendIDs}
	if rep.HasForkMap {
		res.ForkMap = rep.ForkMap
		if res.ForkMap == nil {
			res.ForkMap = []int{}
		}
	}
	return res, nil
}

func (c *Client) RegisterMid(step aici.StepID, seqID int64, cloneParent *int64) error {
	return c.call(&request{Op: opMid, Step: step, SeqID: seqID, CloneParent: cloneParent})
}

func (c *Client) FinalizeMid(step aici.StepID) error {
	return c.call(&request{Op: opFinishMid, Step: step})
}

func (c *Client) Bias(step aici.StepID) ([]float32, error) {
	rep, err := c.roundTrip(&request{Op: opBias, Step: step})
	if err != nil {
		return nil, err
	}
	return rep.Bias, nil
}

func (c *Client) AttentionMask(step aici.StepID) (*nanovllm.AttentionMask, error) {
	rep, err := c.roundTrip(&request{Op: opMask, Step: step})
	if err != nil {
		return nil, err
	}
	return rep.Mask.attentionMask()
}

func (c *Client) Response(step aici.StepID, seqID int64) (aici.Response, error) {
	rep, err := c.roundTrip(&request{Op: opResponse, Step: step, SeqID: seqID})
	if err != nil {
		return aici.Response{}, err
	}
	return aici.Response{Backtrack: rep.Backtrack, FFTokens: rep.FFTokens}, nil
}

func (c *Client) RegisterPost(step aici.StepID, seqID int64, backtrack int, tokens []int, cloneParent *int64) error {
	return c.call(&request{
		Op:          opPost,
		Step:        step,
		SeqID:       seqID,
		Backtrack:   backtrack,
		Tokens:      tokens,
		CloneParent: cloneParent,
	})
}

func (c *Client) FinalizePost(step aici.StepID) error {
	return c.call(&request{Op: opFinishPost, Step: step})
}
