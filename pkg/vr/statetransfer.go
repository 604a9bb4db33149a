package vr

import (
	"context"

	"github.com/marmos91/vrnode/internal/logger"
)

// BeginStateTransfer implements §4.E: a same-view catch-up requested from
// any peer, triggered when a gap is detected in an incoming Prepare/Commit.
func (r *Replica) BeginStateTransfer(ctx context.Context, from ReplicaIndex) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if r.status == StatusTransferring {
		r.mu.Unlock()
		return nil // already chasing state from a prior trigger
	}
	r.status = StatusTransferring
	view := r.view
	op := r.opNumber
	idx := r.index
	lc := r.logCtxLocked("statetransfer")
	r.mu.Unlock()

	logger.InfoCtx(logger.WithContext(ctx, lc), "requesting state transfer", logger.PeerIndex(int(from)))

	return r.transport.Send(ctx, Envelope{
		Msg:          GetState{AtView: view, OpNumber: op, ReplicaIndex: idx},
		Source:       idx,
		Destination:  from,
		Multiplicity: 1,
	})
}

// HandleGetState answers a peer's catch-up request. Per the open question
// in §9, a request for an op below this replica's log_base (i.e. the
// tail the requester needs has already been compacted into a checkpoint) is
// dropped rather than served from a checkpoint transfer; the requester is
// expected to fall back to Recovery, which can adopt state wholesale from a
// peer's durable checkpoint.
func (r *Replica) HandleGetState(ctx context.Context, msg GetState) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if r.status != StatusNormal || msg.AtView != r.view {
		r.mu.Unlock()
		return nil
	}
	if msg.OpNumber < r.logBase {
		r.mu.Unlock()
		return nil // requester's gap predates our retained log; let it recover
	}

	tail := r.logTailFromLocked(msg.OpNumber)
	reply := NewState{
		AtView:       r.view,
		LogTail:      tail,
		LogBase:      r.logBase,
		OpNumber:     r.opNumber,
		CommitNumber: r.commitNumber,
	}
	idx := r.index
	r.mu.Unlock()

	return r.transport.Send(ctx, Envelope{Msg: reply, Source: idx, Destination: msg.ReplicaIndex, Multiplicity: 1})
}

// HandleNewState completes a state transfer: append the tail, raise
// op/commit, execute newly committed entries, resume Normal, and ack the
// new op_number to the primary of the view.
func (r *Replica) HandleNewState(ctx context.Context, msg NewState) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if r.status != StatusTransferring || msg.AtView != r.view {
		r.mu.Unlock()
		return nil
	}

	from := r.opNumber
	for i, e := range msg.LogTail {
		r.log[from+OpNumber(i)+1] = e
	}
	if msg.OpNumber > r.opNumber {
		r.opNumber = msg.OpNumber
	}
	if msg.CommitNumber > r.commitNumber {
		r.commitNumber = msg.CommitNumber
	}
	r.status = StatusNormal
	r.resetWatchdogLocked()
	lc := r.logCtxLocked("statetransfer")
	r.metrics.recordStateTransfer()
	ack := PrepareOk{View: r.view, OpNumber: r.opNumber, ReplicaIndex: r.index}
	primary := r.config.PrimaryOf(r.view)
	r.mu.Unlock()

	logger.InfoCtx(logger.WithContext(ctx, lc), "state transfer complete", logger.OpNumber(uint64(msg.OpNumber)))

	if err := r.executeCommitted(ctx); err != nil {
		return err
	}
	return r.transport.Send(ctx, Envelope{Msg: ack, Source: ack.ReplicaIndex, Destination: primary, Multiplicity: 1})
}
