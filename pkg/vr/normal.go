package vr

import (
	"context"

	"github.com/marmos91/vrnode/internal/logger"
)

// HandleRequest implements the primary side of §4.B: accept, dedupe, append,
// broadcast. It returns immediately (with no error) for every case the
// protocol defines as a silent drop or cached-reply resend; those are not
// failures, they are the normal shape of an idempotent client retry.
func (r *Replica) HandleRequest(ctx context.Context, req Request) error {
	ctx = clampDo(ctx)
	r.mu.Lock()

	if r.status != StatusNormal || !r.isPrimaryLocked() {
		r.mu.Unlock()
		return NewWrongRoleError("Request received by non-primary or non-Normal replica")
	}

	entry := r.clientTable[req.ClientID]
	if entry != nil {
		if req.RequestNumber < entry.LastRequestNumber {
			r.mu.Unlock()
			return nil // stale retry, drop
		}
		if req.RequestNumber == entry.LastRequestNumber {
			if entry.Pending {
				r.mu.Unlock()
				return nil // still in flight, drop
			}
			reply := Reply{ClientID: req.ClientID, RequestNumber: req.RequestNumber, Result: entry.Reply, View: r.view}
			r.mu.Unlock()
			return r.transport.SendToClient(ctx, req.ClientID, reply)
		}
		if r.opts.Strict && req.RequestNumber != entry.LastRequestNumber+1 {
			r.mu.Unlock()
			return nil // strict mode: only accept the immediate next request number
		}
	} else if r.opts.Strict && req.RequestNumber != 1 {
		r.mu.Unlock()
		return nil
	}

	view, svc, pred := r.view, r.service, r.predictor
	r.mu.Unlock()

	prediction, hasPrediction, err := pred.Predict(ctx, svc, req.Operation)
	if err != nil {
		return NewServiceCallbackError(err)
	}

	r.mu.Lock()
	if r.status != StatusNormal || !r.isPrimaryLocked() || r.view != view {
		r.mu.Unlock()
		return nil // lost primacy while predicting; the client will retry
	}

	logEntry := LogEntry{
		ClientID:      req.ClientID,
		RequestNumber: req.RequestNumber,
		Operation:     req.Operation,
		Prediction:    prediction,
		HasPrediction: hasPrediction,
	}
	op := r.appendEntryLocked(logEntry)
	r.clientTable[req.ClientID] = &ClientTableEntry{LastRequestNumber: req.RequestNumber, Pending: true}
	commit := r.commitNumber
	cfg := r.config
	lc := r.logCtxLocked("normal")
	r.mu.Unlock()

	logger.DebugCtx(logger.WithContext(ctx, lc), "accepted client request",
		logger.OpNumber(uint64(op)), "client_id", req.ClientID, "request_number", req.RequestNumber)

	return r.transport.Broadcast(ctx, cfg, r.index, Prepare{View: view, OpNumber: op, CommitNumber: commit, Entry: logEntry})
}

// HandlePrepare implements the backup side of §4.B.
func (r *Replica) HandlePrepare(ctx context.Context, source ReplicaIndex, msg Prepare) error {
	ctx = clampDo(ctx)
	r.mu.Lock()

	if r.status != StatusNormal {
		r.mu.Unlock()
		return NewWrongStatusError(r.status, "Prepare")
	}
	if msg.View > r.view {
		r.mu.Unlock()
		return r.BeginViewChange(ctx, msg.View)
	}
	if msg.View < r.view || source != r.config.PrimaryOf(r.view) {
		r.mu.Unlock()
		return NewStaleViewError(uint64(r.view), uint64(msg.View))
	}

	if msg.OpNumber > r.opNumber+1 {
		r.mu.Unlock()
		return r.BeginStateTransfer(ctx, source)
	}

	if msg.OpNumber <= r.opNumber {
		ack := PrepareOk{View: r.view, OpNumber: r.opNumber, ReplicaIndex: r.index}
		primary := r.config.PrimaryOf(r.view)
		r.mu.Unlock()
		return r.transport.Send(ctx, Envelope{Msg: ack, Source: r.index, Destination: primary, Multiplicity: 1})
	}

	// msg.OpNumber == r.opNumber + 1: the in-order case.
	r.log[msg.OpNumber] = msg.Entry
	r.opNumber = msg.OpNumber
	if msg.CommitNumber > r.commitNumber {
		r.commitNumber = msg.CommitNumber
	}
	if r.commitNumber > r.opNumber {
		r.commitNumber = r.opNumber
	}
	r.resetWatchdogLocked()
	primary := r.config.PrimaryOf(r.view)
	view, op := r.view, r.opNumber
	r.mu.Unlock()

	if err := r.executeCommitted(ctx); err != nil {
		return err
	}

	ack := PrepareOk{View: view, OpNumber: op, ReplicaIndex: r.index}
	return r.transport.Send(ctx, Envelope{Msg: ack, Source: r.index, Destination: primary, Multiplicity: 1})
}

// HandlePrepareOk implements the primary side of the commit quorum.
func (r *Replica) HandlePrepareOk(ctx context.Context, msg PrepareOk) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if r.status != StatusNormal || msg.View != r.view || !r.isPrimaryLocked() {
		r.mu.Unlock()
		return nil
	}

	if cur, ok := r.prepared[msg.ReplicaIndex]; !ok || msg.OpNumber > cur {
		r.prepared[msg.ReplicaIndex] = msg.OpNumber
	}

	quorum := r.config.Quorum()
	for op := r.commitNumber + 1; op <= r.opNumber; op++ {
		acks := 1 // the primary itself always counts
		for _, prepared := range r.prepared {
			if prepared >= op {
				acks++
			}
		}
		if acks < quorum {
			break
		}
		r.commitNumber = op
		r.metrics.recordCommit()
	}
	r.metrics.observePosition(r.view, r.opNumber, r.commitNumber)
	r.mu.Unlock()

	return r.executeCommitted(ctx)
}

// SendHeartbeat implements the primary's periodic Commit broadcast, used to
// keep backups' watchdogs alive when no Prepare has gone out recently.
func (r *Replica) SendHeartbeat(ctx context.Context) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if r.status != StatusNormal || !r.isPrimaryLocked() {
		r.mu.Unlock()
		return nil
	}
	view, commit, cfg := r.view, r.commitNumber, r.config
	r.mu.Unlock()
	return r.transport.Broadcast(ctx, cfg, r.index, Commit{View: view, CommitNumber: commit})
}

// HandleCommit implements the backup side of the heartbeat: advance
// commit_number and execute newly committed entries.
func (r *Replica) HandleCommit(ctx context.Context, source ReplicaIndex, msg Commit) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if r.status != StatusNormal {
		r.mu.Unlock()
		return NewWrongStatusError(r.status, "Commit")
	}
	if msg.View > r.view {
		r.mu.Unlock()
		return r.BeginViewChange(ctx, msg.View)
	}
	if msg.View < r.view || source != r.config.PrimaryOf(r.view) {
		r.mu.Unlock()
		return NewStaleViewError(uint64(r.view), uint64(msg.View))
	}
	if msg.CommitNumber > r.commitNumber {
		if msg.CommitNumber > r.opNumber {
			r.mu.Unlock()
			return r.BeginStateTransfer(ctx, source)
		}
		r.commitNumber = msg.CommitNumber
	}
	r.resetWatchdogLocked()
	r.mu.Unlock()
	return r.executeCommitted(ctx)
}
