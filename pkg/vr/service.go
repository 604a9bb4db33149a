package vr

import "context"

// Service is the host-provided state machine being replicated. All methods
// must be deterministic given the same inputs on every replica; execute is
// invoked with the prediction the primary resolved at append time so every
// replica observes the same non-deterministic choice.
type Service interface {
	// Execute applies op (with its resolved prediction, if any) to the
	// service state and returns the reply to route back to the client.
	// Called at most once per (client_id, request_number) per replica.
	Execute(ctx context.Context, op []byte, prediction []byte, hasPrediction bool) ([]byte, error)

	// Predict resolves a non-deterministic value for op. Called only on the
	// primary, before the entry is appended and broadcast.
	Predict(ctx context.Context, op []byte) ([]byte, error)

	// TakeCheckpoint snapshots the current service state, returning the
	// op-number it reflects, a digest for cross-replica comparison, and the
	// opaque snapshot bytes the host's persistence layer will store.
	TakeCheckpoint(ctx context.Context) (opNumber OpNumber, digest string, snapshot []byte, err error)

	// RestoreFrom replaces the service's state with the one encoded in
	// snapshot, as produced by a prior TakeCheckpoint (locally or on a peer).
	RestoreFrom(ctx context.Context, snapshot []byte) error
}

// Transport is the host-provided delivery mechanism. Sends are best effort:
// the transport may drop, duplicate, or reorder envelopes, and the protocol
// is built to tolerate all three. Recv yields envelopes only; timers are
// not delivered through it, the Router drives them itself and multiplexes
// Recv against its tickers.
type Transport interface {
	// Send enqueues an envelope for best-effort delivery to its destination.
	Send(ctx context.Context, env Envelope) error

	// Broadcast enqueues an envelope for every other replica in the
	// configuration.
	Broadcast(ctx context.Context, cfg Configuration, self ReplicaIndex, msg Message) error

	// SendToClient delivers a Reply to the client that issued the original
	// Request. Clients are addressed by id rather than by ReplicaIndex.
	SendToClient(ctx context.Context, clientID string, reply Reply) error

	// Recv blocks until the next inbound envelope addressed to self is
	// available, or ctx is cancelled.
	Recv(ctx context.Context) (Envelope, error)
}

// CheckpointSink is the host-provided durable backing for checkpoint
// snapshots named in §6's persisted state layout. The core decides when a
// checkpoint is due and when older ones may be pruned; storing and
// retrieving the snapshot bytes durably is this interface's job. A nil
// sink is valid — checkpoints then exist only as in-memory Checkpoint
// records, useful for tests and the in-process simulation.
type CheckpointSink interface {
	// SaveCheckpoint durably stores snapshot under (index, op), recording
	// view as the view this replica was in when it took the checkpoint.
	SaveCheckpoint(index ReplicaIndex, view View, op OpNumber, snapshot []byte) error

	// PrunePriorTo removes every durably stored checkpoint for index older
	// than keep, mirroring the in-memory retention the core just applied.
	PrunePriorTo(index ReplicaIndex, keep OpNumber) error
}

// Predictor is the pluggable non-determinism resolution hook described as a
// future extension point: the core consults it at append time instead of
// calling Service.Predict directly, so alternative resolution strategies
// (e.g. consulting more than one backup) can be substituted without
// touching the Normal-Operation Protocol. The default implementation simply
// forwards to Service.Predict.
type Predictor interface {
	Predict(ctx context.Context, svc Service, op []byte) ([]byte, bool, error)
}

// ServicePredictor is the default Predictor: it resolves predictions by
// asking the primary's own service instance, per §9's note that
// merge-across-backups prediction is out of scope for the core.
type ServicePredictor struct{}

// Predict forwards to svc.Predict and reports the prediction as present.
func (ServicePredictor) Predict(ctx context.Context, svc Service, op []byte) ([]byte, bool, error) {
	prediction, err := svc.Predict(ctx, op)
	if err != nil {
		return nil, false, err
	}
	return prediction, true, nil
}
