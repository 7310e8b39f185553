package aicirt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/duncan020313/aici/aici"
)

// Serve answers requests read from rw by calling ctrl, one reply per
// request, until the peer closes the stream or ctx is done. Controller
// errors are sent back to the client; only transport errors end Serve.
func Serve(ctx context.Context, rw io.ReadWriter, ctrl aici.StepController) error {
	if closer, ok := rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { closer.Close() })
		defer stop()
	}

	dec := msgpack.NewDecoder(bufio.NewReader(rw))
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		rep := dispatch(ctrl, &req)
		b, err := msgpack.Marshal(rep)
		if err != nil {
			return fmt.Errorf("encode %s reply: %w", req.Op, err)
		}
		if _, err := rw.Write(b); err != nil {
			return fmt.Errorf("send %s reply: %w", req.Op, err)
		}
	}
}

func dispatch(ctrl aici.StepController, req *request) *reply {
	rep := &reply{}
	var err error
	switch req.Op {
	case opFlushBias:
		err = ctrl.FlushBias(req.Step)
	case opFreed:
		err = ctrl.NotifyFreed(req.Step, req.SeqIDs)
	case opPre:
		err = ctrl.RegisterPre(req.Step, req.SeqID, req.Mode, req.RequestID)
	case opFinishPre:
		var res aici.PreResult
		res, err = ctrl.FinalizePre(req.Step, req.MaxContextLen, req.DisableAttnMask)
		rep.HasForkMap = res.ForkMap != nil
		rep.ForkMap = res.ForkMap
		rep.SuspendIDs = res.SuspendIDs
	case opMid:
		err = ctrl.RegisterMid(req.Step, req.SeqID, req.CloneParent)
	case opFinishMid:
		err = ctrl.FinalizeMid(req.Step)
	case opBias:
		rep.Bias, err = ctrl.Bias(req.Step)
	case opMask:
		m, merr := ctrl.AttentionMask(req.Step)
		rep.Mask, err = toWireMask(m), merr
	case opResponse:
		var resp aici.Response
		resp, err = ctrl.Response(req.Step, req.SeqID)
		rep.Backtrack, rep.FFTokens = resp.Backtrack, resp.FFTokens
	case opPost:
		err = ctrl.RegisterPost(req.Step, req.SeqID, req.Backtrack, req.Tokens, req.CloneParent)
	case opFinishPost:
		err = ctrl.FinalizePost(req.Step)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		return &reply{Err: err.Error()}
	}
	return rep
}
