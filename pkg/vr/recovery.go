package vr

import (
	"context"

	"github.com/marmos91/vrnode/internal/logger"
)

// BeginRecovery implements §4.D: a replica that has lost its volatile state
// generates a fresh nonce and broadcasts Recovery. Per §9, the nonce must
// never be reused across attempts.
func (r *Replica) BeginRecovery(ctx context.Context) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	nonce := r.rng.nextNonce()
	r.status = StatusRecovering
	r.recState = &recoveryState{nonce: nonce, responses: make(map[ReplicaIndex]RecoveryResponse)}
	cfg := r.config
	idx := r.index
	lc := r.logCtxLocked("recovery")
	r.mu.Unlock()

	logger.InfoCtx(logger.WithContext(ctx, lc), "beginning recovery", "nonce", nonce)

	return r.transport.Broadcast(ctx, cfg, idx, Recovery{ReplicaIndex: idx, Nonce: nonce})
}

// HandleRecovery answers a peer's Recovery broadcast. Only Normal-status
// replicas respond; the primary of the responder's current view includes
// enough log to let the recovering replica adopt state wholesale.
func (r *Replica) HandleRecovery(ctx context.Context, msg Recovery) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if r.status != StatusNormal {
		r.mu.Unlock()
		return nil
	}

	resp := RecoveryResponse{View: r.view, Nonce: msg.Nonce, ReplicaIndex: r.index}
	if r.isPrimaryLocked() {
		resp.IsPrimary = true
		resp.LogTail = r.logTailFromLocked(r.logBase)
		resp.LogBase = r.logBase
		resp.OpNumber = r.opNumber
		resp.CommitNumber = r.commitNumber
	}
	idx := r.index
	r.mu.Unlock()

	return r.transport.Send(ctx, Envelope{Msg: resp, Source: idx, Destination: msg.ReplicaIndex, Multiplicity: 1})
}

// HandleRecoveryResponse accumulates responses for one outstanding Recovery
// attempt and, once a quorum at the highest observed view (including that
// view's primary) has answered, adopts the primary's state and resumes
// Normal.
func (r *Replica) HandleRecoveryResponse(ctx context.Context, msg RecoveryResponse) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if r.status != StatusRecovering || r.recState == nil || msg.Nonce != r.recState.nonce {
		r.mu.Unlock()
		return nil
	}

	if msg.View < r.recState.highestView {
		r.mu.Unlock()
		return nil // stale relative to the highest view already observed
	}
	if msg.View > r.recState.highestView {
		r.recState.highestView = msg.View
		r.recState.responses = make(map[ReplicaIndex]RecoveryResponse)
	}
	r.recState.responses[msg.ReplicaIndex] = msg

	if !r.quorumReachedLocked(responseSet(r.recState.responses)) {
		r.mu.Unlock()
		return nil
	}

	var primaryResp RecoveryResponse
	havePrimary := false
	for _, resp := range r.recState.responses {
		if resp.IsPrimary && resp.View == r.recState.highestView {
			primaryResp = resp
			havePrimary = true
			break
		}
	}
	if !havePrimary {
		r.mu.Unlock()
		return nil // quorum reached but not yet including that view's primary
	}

	r.installLogTailLocked(primaryResp.LogBase, primaryResp.LogTail, primaryResp.OpNumber)
	r.logBase = primaryResp.LogBase
	r.commitNumber = primaryResp.CommitNumber
	if r.commitNumber > r.opNumber {
		r.commitNumber = r.opNumber
	}
	r.view = r.recState.highestView
	r.lastNormalView = r.recState.highestView
	r.status = StatusNormal
	r.recState = nil
	r.resetWatchdogLocked()
	lc := r.logCtxLocked("recovery")
	view := r.view
	opNumber := r.opNumber
	r.metrics.recordRecovery()
	r.mu.Unlock()

	logger.InfoCtx(logger.WithContext(ctx, lc), "recovery complete", logger.View(uint64(view)), logger.OpNumber(uint64(opNumber)))

	return r.executeCommitted(ctx)
}

// responseSet adapts a RecoveryResponse map's keys into the generic
// quorumReachedLocked shape.
func responseSet(responses map[ReplicaIndex]RecoveryResponse) map[ReplicaIndex]bool {
	set := make(map[ReplicaIndex]bool, len(responses))
	for idx := range responses {
		set[idx] = true
	}
	return set
}
