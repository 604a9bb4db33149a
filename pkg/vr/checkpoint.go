package vr

import (
	"context"
	"fmt"
	"sort"

	"github.com/marmos91/vrnode/internal/logger"
)

// executeCommitted runs every entry in (executed, commit_number] through the
// service exactly once, in log order, per §4.F's execution rule. The
// resulting reply lands in the client table; the primary additionally mails
// it to the client. A checkpoint is triggered afterward if due.
func (r *Replica) executeCommitted(ctx context.Context) error {
	ctx = clampDo(ctx)
	for {
		r.mu.Lock()
		if r.executed >= r.commitNumber {
			r.mu.Unlock()
			break
		}
		op := r.executed + 1
		entry, ok := r.log[op]
		if !ok {
			// Compacted past what we need; nothing more to do here, the
			// entry's effects are already folded into a checkpoint.
			r.executed = op
			r.mu.Unlock()
			continue
		}
		svc := r.service
		isPrimary := r.isPrimaryLocked()
		view := r.view
		r.mu.Unlock()

		reply, err := svc.Execute(ctx, entry.Operation, entry.Prediction, entry.HasPrediction)
		if err != nil {
			return NewServiceCallbackError(err)
		}

		r.mu.Lock()
		r.executed = op
		r.clientTable[entry.ClientID] = &ClientTableEntry{
			LastRequestNumber: entry.RequestNumber,
			LastOpNumber:      op,
			Reply:             reply,
			Pending:           false,
		}
		lc := r.logCtxLocked("checkpoint")
		r.mu.Unlock()

		logger.DebugCtx(logger.WithContext(ctx, lc), "executed committed entry", logger.OpNumber(uint64(op)))

		if isPrimary {
			replyMsg := Reply{ClientID: entry.ClientID, RequestNumber: entry.RequestNumber, Result: reply, View: view}
			if err := r.transport.SendToClient(ctx, entry.ClientID, replyMsg); err != nil {
				return err
			}
		}
	}

	return r.maybeCheckpoint(ctx)
}

// maybeCheckpoint implements the compaction trigger and retention policy of
// §4.F: take a new checkpoint once commit_number has advanced K ops past
// the last one, then drop the oldest beyond M and advance log_base to the
// op-number of the new oldest retained checkpoint.
func (r *Replica) maybeCheckpoint(ctx context.Context) error {
	r.mu.Lock()
	var lastOp OpNumber
	if n := len(r.checkpoints); n > 0 {
		lastOp = r.checkpoints[n-1].OpNumber
	}
	due := uint64(r.commitNumber-lastOp) >= r.opts.CheckpointInterval
	svc := r.service
	sink := r.checkpointSink
	commit := r.commitNumber
	view := r.view
	index := r.index
	r.mu.Unlock()

	if !due || r.opts.CheckpointInterval == 0 {
		return nil
	}

	opNumber, digest, snapshot, err := svc.TakeCheckpoint(ctx)
	if err != nil {
		return NewServiceCallbackError(err)
	}

	ref := persistCheckpointRef(index, opNumber)
	if sink != nil {
		if err := sink.SaveCheckpoint(index, view, opNumber, snapshot); err != nil {
			return NewServiceCallbackError(err)
		}
	}

	r.mu.Lock()
	r.checkpoints = append(r.checkpoints, Checkpoint{OpNumber: opNumber, Digest: digest, SnapshotRef: ref})
	sort.Slice(r.checkpoints, func(a, b int) bool { return r.checkpoints[a].OpNumber < r.checkpoints[b].OpNumber })

	var newBase OpNumber
	pruned := false
	if len(r.checkpoints) > r.opts.CheckpointRetain {
		drop := len(r.checkpoints) - r.opts.CheckpointRetain
		r.checkpoints = r.checkpoints[drop:]
		newBase = r.checkpoints[0].OpNumber
		for op := range r.log {
			if op <= newBase {
				delete(r.log, op)
			}
		}
		r.logBase = newBase
		pruned = true
		r.evictClientTableLocked()
	}
	lc := r.logCtxLocked("checkpoint")
	r.metrics.recordCheckpoint()
	r.mu.Unlock()

	if pruned && sink != nil {
		if err := sink.PrunePriorTo(index, newBase); err != nil {
			logger.WarnCtx(logger.WithContext(ctx, lc), "failed to prune durable checkpoints", "error", err)
		}
	}

	logger.InfoCtx(logger.WithContext(ctx, lc), "took checkpoint",
		logger.OpNumber(uint64(opNumber)), logger.CommitNumber(uint64(commit)), "digest", digest)

	return nil
}

// evictClientTableLocked bounds client-table growth as part of the
// compaction pass: a non-pending record whose reply was produced by an op at
// or below log_base has had that op folded into a checkpoint, so a retry of
// the same request number from that client can no longer be regenerated by
// replay anyway. Records for clients still mid-flight, or whose reply op is
// still in the retained log, stay. Must be called with mu held.
func (r *Replica) evictClientTableLocked() {
	for clientID, entry := range r.clientTable {
		if entry.Pending {
			continue
		}
		if entry.LastOpNumber == 0 || entry.LastOpNumber > r.logBase {
			continue
		}
		delete(r.clientTable, clientID)
	}
}

// persistCheckpointRef names the opaque reference the host persistence
// layer will use to locate this checkpoint's snapshot bytes — by
// convention a path-like key scoped by replica and op-number, mirroring the
// pointer-file layout described in §6.
func persistCheckpointRef(index ReplicaIndex, op OpNumber) string {
	return fmt.Sprintf("replica-%d/checkpoint-%d", index, op)
}

// latestCheckpointLocked returns the most recent retained checkpoint, if
// any. Must be called with mu held.
func (r *Replica) latestCheckpointLocked() (Checkpoint, bool) {
	if len(r.checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return r.checkpoints[len(r.checkpoints)-1], true
}

// restoreFromCheckpoint loads the given checkpoint into the service
// and resets the kernel's bookkeeping to match. Must be called with mu NOT
// held (it calls out to the service); callers pass ctx for the restore
// call and re-acquire the lock themselves afterward if more mutation is
// needed.
func (r *Replica) restoreFromCheckpoint(ctx context.Context, snapshot []byte, opNumber OpNumber) error {
	if err := r.service.RestoreFrom(ctx, snapshot); err != nil {
		return NewCheckpointCorruptError(uint64(opNumber), err)
	}
	r.mu.Lock()
	r.executed = opNumber
	if r.commitNumber < opNumber {
		r.commitNumber = opNumber
	}
	if r.opNumber < opNumber {
		r.opNumber = opNumber
	}
	r.mu.Unlock()
	return nil
}
