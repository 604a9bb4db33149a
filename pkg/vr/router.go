package vr

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/vrnode/internal/logger"
	"github.com/marmos91/vrnode/internal/telemetry"
)

// Router owns a Replica's event loop: it pulls envelopes off the Transport,
// applies the admissibility rules of §4.G, dispatches to the matching
// handler, and drives the three timers (commit watchdog, primary heartbeat,
// view-change grace) against the host clock.
type Router struct {
	replica *Replica
}

// NewRouter wraps replica with a dispatch loop.
func NewRouter(replica *Replica) *Router {
	return &Router{replica: replica}
}

// Dispatch applies one inbound envelope: verify destination, check
// admissibility under the current status, and route to the handler. The
// envelope's Multiplicity is the caller's concern — Run calls Dispatch once
// per unit of Multiplicity; Dispatch itself only ever applies a message
// once.
func (rt *Router) Dispatch(ctx context.Context, env Envelope) error {
	r := rt.replica
	if env.Destination != r.index {
		return NewInvariantViolationError("envelope destination does not match this replica")
	}

	status := r.Status()

	ctx, span := telemetry.StartSpan(ctx, "vr.dispatch")
	defer span.End()
	telemetry.SetAttributes(ctx,
		attribute.Int(telemetry.AttrReplicaIndex, int(r.index)),
		attribute.String(telemetry.AttrMessageType, env.Msg.MessageType().String()),
		attribute.Int(telemetry.AttrPeerIndex, int(env.Source)),
		attribute.String(telemetry.AttrStatus, status.String()),
	)
	lc := func(component string) context.Context {
		return logger.WithContext(ctx, logger.NewLogContext(int(r.index)).WithComponent(component).WithPeer(int(env.Source)))
	}

	switch msg := env.Msg.(type) {
	case Request:
		if status != StatusNormal {
			return nil
		}
		return r.HandleRequest(ctx, msg)

	case Prepare:
		if status == StatusViewChange || status == StatusRecovering || status == StatusTransferring {
			logger.DebugCtx(lc("router"), "dropping Prepare inadmissible under current status")
			return nil
		}
		return r.HandlePrepare(ctx, env.Source, msg)

	case PrepareOk:
		if status != StatusNormal {
			return nil
		}
		return r.HandlePrepareOk(ctx, msg)

	case Commit:
		if status == StatusViewChange || status == StatusRecovering || status == StatusTransferring {
			return nil
		}
		return r.HandleCommit(ctx, env.Source, msg)

	case StartViewChange:
		return r.HandleStartViewChange(ctx, msg)

	case DoViewChange:
		return r.HandleDoViewChange(ctx, msg)

	case StartView:
		if status == StatusRecovering {
			return nil
		}
		return r.HandleStartView(ctx, msg)

	case GetState:
		if status != StatusNormal {
			return nil
		}
		return r.HandleGetState(ctx, msg)

	case NewState:
		if status != StatusTransferring {
			return nil
		}
		return r.HandleNewState(ctx, msg)

	case Recovery:
		if status != StatusNormal {
			return nil
		}
		return r.HandleRecovery(ctx, msg)

	case RecoveryResponse:
		if status != StatusRecovering {
			return nil
		}
		return r.HandleRecoveryResponse(ctx, msg)

	case Reply:
		// Replies are client-facing; a replica never needs to act on one.
		return nil

	default:
		return NewInvariantViolationError("unknown message type on the wire")
	}
}

// Run drives the dispatch loop and the three timers until ctx is
// cancelled. Each inbound envelope is dispatched as many times as its
// Multiplicity indicates, and duplicate/idempotent handling absorbs the
// repeats.
func (rt *Router) Run(ctx context.Context) error {
	r := rt.replica

	watchdog := time.NewTicker(tickInterval(r.opts.CommitWatchdog))
	heartbeat := time.NewTicker(tickInterval(r.opts.PrimaryHeartbeat))
	grace := time.NewTicker(tickInterval(r.opts.ViewChangeGrace))
	defer watchdog.Stop()
	defer heartbeat.Stop()
	defer grace.Stop()

	envelopes := make(chan Envelope)
	recvErrs := make(chan error, 1)
	go rt.recvLoop(ctx, envelopes, recvErrs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-recvErrs:
			return err

		case env := <-envelopes:
			for n := 0; n < env.Multiplicity; n++ {
				if err := rt.Dispatch(ctx, env); err != nil && IsFatal(err) {
					return err
				}
			}

		case <-watchdog.C:
			if rt.watchdogExpired() {
				if err := r.BeginViewChange(ctx, r.View()+1); err != nil {
					return err
				}
			}

		case <-heartbeat.C:
			if err := r.SendHeartbeat(ctx); err != nil && IsFatal(err) {
				return err
			}

		case <-grace.C:
			if err := rt.viewChangeGraceExpired(ctx); err != nil && IsFatal(err) {
				return err
			}
		}
	}
}

// watchdogExpired reports whether a backup's commit watchdog has run past
// its deadline without a Prepare/Commit resetting it. Primaries never arm
// this check against themselves.
func (rt *Router) watchdogExpired() bool {
	r := rt.replica
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusNormal || r.isPrimaryLocked() {
		return false
	}
	if r.lastWatchdogReset.IsZero() {
		return false
	}
	return time.Since(r.lastWatchdogReset) >= r.opts.CommitWatchdog
}

// viewChangeGraceExpired re-broadcasts StartViewChange (or escalates the
// view further) if a replica has sat in ViewChange past its grace deadline
// without converging, per the View-change grace timer in §4.G.
func (rt *Router) viewChangeGraceExpired(ctx context.Context) error {
	r := rt.replica
	r.mu.Lock()
	if r.status != StatusViewChange || r.vcState == nil || time.Now().Before(r.vcState.graceDeadline) {
		r.mu.Unlock()
		return nil
	}
	nextView := r.view + 1
	r.mu.Unlock()
	return r.BeginViewChange(ctx, nextView)
}

// tickInterval guards against a zero-valued duration, which would make
// time.NewTicker panic; callers that want a timer disabled should set a
// very large interval instead.
func tickInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}

// recvLoop adapts the Transport's blocking Recv into a channel so Run's
// select can multiplex inbound envelopes against the timers. It runs until
// Recv returns an error (including context cancellation), at which point it
// reports the error once and exits.
func (rt *Router) recvLoop(ctx context.Context, out chan<- Envelope, errs chan<- error) {
	for {
		env, err := rt.replica.transport.Recv(ctx)
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return
		}
	}
}
