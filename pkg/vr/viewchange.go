package vr

import (
	"context"
	"time"

	"github.com/marmos91/vrnode/internal/logger"
)

// BeginViewChange implements step 1 of §4.C: bump the view, move to
// ViewChange, and broadcast StartViewChange. targetView is the view
// observed from a peer (or the watchdog-driven view+1); the replica always
// adopts at least view+1, never less, unless it is already in ViewChange
// for a view at least targetView, in which case the call does nothing.
func (r *Replica) BeginViewChange(ctx context.Context, targetView View) error {
	ctx = clampDo(ctx)
	r.mu.Lock()

	newView := r.view + 1
	if targetView > newView {
		newView = targetView
	}
	if r.status == StatusViewChange && r.vcState != nil {
		// Already chasing a view at least this high; nothing to do.
		if targetView <= r.view {
			r.mu.Unlock()
			return nil
		}
	}

	r.status = StatusViewChange
	r.view = newView
	r.vcState = &viewChangeState{
		startViewAcks: map[ReplicaIndex]bool{r.index: true},
		doViewChanges: make(map[ReplicaIndex]DoViewChange),
		graceDeadline: time.Now().Add(r.opts.ViewChangeGrace),
	}
	cfg := r.config
	lc := r.logCtxLocked("viewchange")
	r.metrics.recordViewChange()
	r.mu.Unlock()

	logger.InfoCtx(logger.WithContext(ctx, lc), "beginning view change", logger.View(uint64(newView)))

	return r.transport.Broadcast(ctx, cfg, r.index, StartViewChange{NewView: newView, ReplicaIndex: r.index})
}

// HandleStartViewChange implements step 2 of §4.C.
func (r *Replica) HandleStartViewChange(ctx context.Context, msg StartViewChange) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if msg.NewView < r.view {
		r.mu.Unlock()
		return NewStaleViewError(uint64(r.view), uint64(msg.NewView))
	}
	if msg.NewView == r.view && r.status == StatusNormal {
		r.mu.Unlock()
		return nil // already running this view; duplicate StartViewChange
	}
	if msg.NewView > r.view || r.status != StatusViewChange {
		r.mu.Unlock()
		// Join the view change this message announces, then count the
		// message itself as the sender's ack — dropping it here would leave
		// both sides one ack short of a quorum until a timer fires.
		if err := r.BeginViewChange(ctx, msg.NewView); err != nil {
			return err
		}
		r.mu.Lock()
		if r.status != StatusViewChange || r.view != msg.NewView || r.vcState == nil {
			r.mu.Unlock()
			return nil
		}
	}

	r.vcState.startViewAcks[msg.ReplicaIndex] = true
	reachedQuorum := r.quorumReachedLocked(r.vcState.startViewAcks)
	view := r.view
	logBase := r.logBase
	lastNormal := r.lastNormalView
	opNumber := r.opNumber
	commit := r.commitNumber
	tail := r.logTailFromLocked(logBase)
	newPrimary := r.config.PrimaryOf(view)
	idx := r.index
	r.mu.Unlock()

	if !reachedQuorum {
		return nil
	}

	doViewChange := DoViewChange{
		NewView:        view,
		LogTail:        tail,
		LogBase:        logBase,
		LastNormalView: lastNormal,
		OpNumber:       opNumber,
		CommitNumber:   commit,
		ReplicaIndex:   idx,
	}
	return r.transport.Send(ctx, Envelope{Msg: doViewChange, Source: idx, Destination: newPrimary, Multiplicity: 1})
}

// HandleDoViewChange implements steps 3-4 of §4.C: the prospective primary
// collects a quorum, reconstructs the authoritative log, and starts the new
// view.
func (r *Replica) HandleDoViewChange(ctx context.Context, msg DoViewChange) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if msg.NewView < r.view {
		r.mu.Unlock()
		return NewStaleViewError(uint64(r.view), uint64(msg.NewView))
	}
	if msg.NewView == r.view && r.status == StatusNormal {
		r.mu.Unlock()
		return nil // this view change already completed; duplicate DoViewChange
	}
	if msg.NewView > r.view || r.status != StatusViewChange {
		r.mu.Unlock()
		if err := r.BeginViewChange(ctx, msg.NewView); err != nil {
			return err
		}
		r.mu.Lock()
	}
	if r.config.PrimaryOf(msg.NewView) != r.index {
		r.mu.Unlock()
		return nil // not the prospective primary; DoViewChange is not ours to collect
	}

	r.vcState.doViewChanges[msg.ReplicaIndex] = msg
	// Include our own state as a voter, per "f+1 including self".
	if _, ok := r.vcState.doViewChanges[r.index]; !ok {
		r.vcState.doViewChanges[r.index] = DoViewChange{
			NewView:        r.view,
			LogTail:        r.logTailFromLocked(r.logBase),
			LogBase:        r.logBase,
			LastNormalView: r.lastNormalView,
			OpNumber:       r.opNumber,
			CommitNumber:   r.commitNumber,
			ReplicaIndex:   r.index,
		}
	}

	if len(r.vcState.doViewChanges) < r.config.Quorum() {
		r.mu.Unlock()
		return nil
	}

	winner := pickWinningDoViewChange(r.vcState.doViewChanges)
	maxLogBase := OpNumber(0)
	maxCommit := OpNumber(0)
	for _, dvc := range r.vcState.doViewChanges {
		if dvc.LogBase > maxLogBase {
			maxLogBase = dvc.LogBase
		}
		if dvc.CommitNumber > maxCommit {
			maxCommit = dvc.CommitNumber
		}
	}

	r.installLogTailLocked(winner.LogBase, winner.LogTail, winner.OpNumber)
	r.logBase = maxLogBase
	r.commitNumber = maxCommit
	if r.commitNumber > r.opNumber {
		r.commitNumber = r.opNumber
	}
	r.view = msg.NewView
	r.lastNormalView = msg.NewView
	r.status = StatusNormal
	r.vcState = nil

	// Rebuild prepared from the voters' reported op-numbers. The primary
	// itself is excluded: commit counting already credits it implicitly,
	// and tracking it here would double-count one replica in the quorum.
	r.prepared = make(map[ReplicaIndex]OpNumber)
	for idx, dvc := range winner.sourceSet {
		if idx == r.index {
			continue
		}
		op := dvc.OpNumber
		if op > r.opNumber {
			op = r.opNumber
		}
		r.prepared[idx] = op
	}

	cfg := r.config
	view := r.view
	logBase := r.logBase
	opNumber := r.opNumber
	commit := r.commitNumber
	tail := r.logTailFromLocked(logBase)
	lc := r.logCtxLocked("viewchange")
	r.mu.Unlock()

	logger.InfoCtx(logger.WithContext(ctx, lc), "starting new view as primary",
		logger.View(uint64(view)), logger.OpNumber(uint64(opNumber)))

	if err := r.transport.Broadcast(ctx, cfg, r.index, StartView{
		NewView:      view,
		LogTail:      tail,
		LogBase:      logBase,
		OpNumber:     opNumber,
		CommitNumber: commit,
	}); err != nil {
		return err
	}

	return r.executeCommitted(ctx)
}

// HandleStartView implements step 5 of §4.C.
func (r *Replica) HandleStartView(ctx context.Context, msg StartView) error {
	ctx = clampDo(ctx)
	r.mu.Lock()
	if msg.NewView < r.view {
		r.mu.Unlock()
		return NewStaleViewError(uint64(r.view), uint64(msg.NewView))
	}

	r.installLogTailLocked(msg.LogBase, msg.LogTail, msg.OpNumber)
	r.logBase = msg.LogBase
	if msg.CommitNumber > r.commitNumber {
		r.commitNumber = msg.CommitNumber
	}
	if r.commitNumber > r.opNumber {
		r.commitNumber = r.opNumber
	}
	r.view = msg.NewView
	r.lastNormalView = msg.NewView
	r.status = StatusNormal
	r.vcState = nil
	r.resetWatchdogLocked()

	opNumber := r.opNumber
	commit := r.commitNumber
	primary := r.config.PrimaryOf(r.view)
	view := r.view
	idx := r.index
	lc := r.logCtxLocked("viewchange")
	r.mu.Unlock()

	logger.InfoCtx(logger.WithContext(ctx, lc), "adopted new view", logger.View(uint64(view)), logger.OpNumber(uint64(opNumber)))

	if err := r.executeCommitted(ctx); err != nil {
		return err
	}

	for op := commit + 1; op <= opNumber; op++ {
		ack := PrepareOk{View: view, OpNumber: op, ReplicaIndex: idx}
		if err := r.transport.Send(ctx, Envelope{Msg: ack, Source: idx, Destination: primary, Multiplicity: 1}); err != nil {
			return err
		}
	}
	return nil
}

// winningLog bundles the chosen DoViewChange's log plus the full set of
// voters, so prepared can be rebuilt from every voter's reported op-number.
type winningLog struct {
	DoViewChange
	sourceSet map[ReplicaIndex]DoViewChange
}

// pickWinningDoViewChange selects the log suffix whose sender reported the
// highest (last_normal_view, op_number), per the normative tie-break rule in
// §4.C: the chosen log must dominate all others in that lexicographic order.
func pickWinningDoViewChange(votes map[ReplicaIndex]DoViewChange) winningLog {
	var best DoViewChange
	first := true
	for _, dvc := range votes {
		if first {
			best = dvc
			first = false
			continue
		}
		if dvc.LastNormalView > best.LastNormalView ||
			(dvc.LastNormalView == best.LastNormalView && dvc.OpNumber > best.OpNumber) {
			best = dvc
		}
	}
	return winningLog{DoViewChange: best, sourceSet: votes}
}
