package vr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/vrnode/internal/logger"
)

// Options bounds the checkpointing cadence and retention described in
// §4.F: a checkpoint is triggered every CheckpointInterval (K) committed
// ops and the last CheckpointRetain (M) checkpoints are kept.
type Options struct {
	CheckpointInterval uint64 // K, default 100
	CheckpointRetain   int    // M, default 3

	CommitWatchdog  time.Duration
	PrimaryHeartbeat time.Duration
	ViewChangeGrace  time.Duration

	// Strict gates client Request acceptance to exactly
	// last_request_number + 1, per the open question in §9. False accepts
	// any strictly greater request number and treats intervening ones as
	// lost — not recommended, retained for experimentation.
	Strict bool
}

// DefaultOptions returns the scaffolding's defaults.
func DefaultOptions() Options {
	return Options{
		CheckpointInterval: 100,
		CheckpointRetain:   3,
		CommitWatchdog:     300 * time.Millisecond,
		PrimaryHeartbeat:   100 * time.Millisecond,
		ViewChangeGrace:    500 * time.Millisecond,
		Strict:             true,
	}
}

// viewChangeState accumulates acks while a replica is in ViewChange: who has
// sent StartViewChange for the target view, and — once this replica is the
// prospective primary — the DoViewChange messages it has collected.
type viewChangeState struct {
	startViewAcks map[ReplicaIndex]bool
	doViewChanges map[ReplicaIndex]DoViewChange
	graceDeadline time.Time
}

// recoveryState accumulates RecoveryResponse messages for one outstanding
// Recovery attempt, keyed by the nonce that attempt generated.
type recoveryState struct {
	nonce        uint64
	responses    map[ReplicaIndex]RecoveryResponse
	highestView  View
}

// Replica is the per-node protocol engine: the Replica State Kernel (§4.A)
// plus the mutable state every other component reads and mutates under its
// single mutex. Exactly one event — inbound envelope, timer tick, or
// service-callback return — is applied at a time.
type Replica struct {
	mu sync.Mutex

	index  ReplicaIndex
	config Configuration
	opts   Options

	status         Status
	view           View
	lastNormalView View
	opNumber       OpNumber
	commitNumber   OpNumber
	executed       OpNumber // highest op actually run through service.Execute
	logBase        OpNumber

	log         map[OpNumber]LogEntry
	clientTable map[string]*ClientTableEntry
	prepared    map[ReplicaIndex]OpNumber
	checkpoints []Checkpoint

	vcState  *viewChangeState
	recState *recoveryState

	service        Service
	transport      Transport
	predictor      Predictor
	checkpointSink CheckpointSink
	metrics        *replicaMetrics

	lastWatchdogReset time.Time
	lastHeartbeatSent time.Time

	rng *rngState
}

// NewReplica constructs a Replica in Normal status at view 0, the state
// every member of a freshly bootstrapped cluster starts in.
func NewReplica(index ReplicaIndex, config Configuration, svc Service, transport Transport, opts Options) *Replica {
	r := &Replica{
		index:       index,
		config:      config,
		opts:        opts,
		status:      StatusNormal,
		view:        0,
		clientTable: make(map[string]*ClientTableEntry),
		log:         make(map[OpNumber]LogEntry),
		prepared:    make(map[ReplicaIndex]OpNumber),
		service:     svc,
		transport:   transport,
		predictor:   ServicePredictor{},
		rng:         newRNGState(uint64(index)+1, time.Now().UnixNano()),
		metrics:     newReplicaMetrics(index),
	}
	r.lastWatchdogReset = time.Now()
	return r
}

// SetCheckpointSink wires a durable backing store for future checkpoints.
// Optional: a replica with no sink still checkpoints in memory, it just
// can't survive a process restart without a full Recovery against peers.
func (r *Replica) SetCheckpointSink(sink CheckpointSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpointSink = sink
}

// Bootstrap loads a previously persisted checkpoint before the replica
// starts serving traffic, letting a restarted process resume from its own
// last durable checkpoint instead of always rejoining via Recovery. view
// is the view the checkpoint was taken in; callers normally source both
// from a CheckpointSink's LoadLatest.
func (r *Replica) Bootstrap(ctx context.Context, view View, opNumber OpNumber, snapshot []byte) error {
	if err := r.restoreFromCheckpoint(ctx, snapshot, opNumber); err != nil {
		return err
	}
	r.mu.Lock()
	if r.view < view {
		r.view = view
	}
	r.lastNormalView = r.view
	r.checkpoints = append(r.checkpoints, Checkpoint{
		OpNumber:    opNumber,
		SnapshotRef: persistCheckpointRef(r.index, opNumber),
	})
	r.logBase = opNumber
	r.mu.Unlock()
	return nil
}

// Index returns this replica's configuration index.
func (r *Replica) Index() ReplicaIndex {
	return r.index
}

// View returns the current view number.
func (r *Replica) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Status returns the current status.
func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// OpNumber returns the highest assigned (primary) or accepted (backup) op.
func (r *Replica) OpNumber() OpNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opNumber
}

// CommitNumber returns the highest op known committed.
func (r *Replica) CommitNumber() OpNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitNumber
}

// StatusSnapshot is a consistent point-in-time copy of the kernel fields an
// operator cares about, taken under the replica's mutex so the numbers are
// mutually coherent.
type StatusSnapshot struct {
	ReplicaIndex   int          `json:"replica_index" yaml:"replica_index"`
	Status         string       `json:"status" yaml:"status"`
	View           uint64       `json:"view" yaml:"view"`
	LastNormalView uint64       `json:"last_normal_view" yaml:"last_normal_view"`
	OpNumber       uint64       `json:"op_number" yaml:"op_number"`
	CommitNumber   uint64       `json:"commit_number" yaml:"commit_number"`
	LogBase        uint64       `json:"log_base" yaml:"log_base"`
	IsPrimary      bool         `json:"is_primary" yaml:"is_primary"`
	ClusterSize    int          `json:"cluster_size" yaml:"cluster_size"`
	ClientCount    int          `json:"client_count" yaml:"client_count"`
	Checkpoints    []Checkpoint `json:"checkpoints" yaml:"checkpoints"`
}

// Snapshot returns a point-in-time copy of the replica's protocol position.
func (r *Replica) Snapshot() StatusSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	checkpoints := make([]Checkpoint, len(r.checkpoints))
	copy(checkpoints, r.checkpoints)
	return StatusSnapshot{
		ReplicaIndex:   int(r.index),
		Status:         r.status.String(),
		View:           uint64(r.view),
		LastNormalView: uint64(r.lastNormalView),
		OpNumber:       uint64(r.opNumber),
		CommitNumber:   uint64(r.commitNumber),
		LogBase:        uint64(r.logBase),
		IsPrimary:      r.isPrimaryLocked(),
		ClusterSize:    r.config.N(),
		ClientCount:    len(r.clientTable),
		Checkpoints:    checkpoints,
	}
}

// isPrimaryLocked reports whether this replica believes itself primary of the
// current view. Must be called with mu held.
func (r *Replica) isPrimaryLocked() bool {
	return r.config.PrimaryOf(r.view) == r.index
}

// IsPrimary reports whether this replica believes itself primary of the
// current view.
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPrimaryLocked()
}

// logCtxLocked builds a scoped logger.LogContext reflecting the replica's current
// position, must be called with mu held (or with stale-but-safe values for
// best-effort logging).
func (r *Replica) logCtxLocked(component string) *logger.LogContext {
	lc := logger.NewLogContext(int(r.index))
	return lc.WithComponent(component).WithView(uint64(r.view), r.status.String())
}

// entryAtLocked returns the log entry at op, if retained.
func (r *Replica) entryAtLocked(op OpNumber) (LogEntry, bool) {
	e, ok := r.log[op]
	return e, ok
}

// appendEntryLocked appends entry as op_number+1 and advances op_number.
func (r *Replica) appendEntryLocked(entry LogEntry) OpNumber {
	r.opNumber++
	r.log[r.opNumber] = entry
	return r.opNumber
}

// logTailFromLocked returns every retained entry with op-number > from, in
// ascending order — the shape DoViewChange/StartView/NewState ship on the
// wire.
func (r *Replica) logTailFromLocked(from OpNumber) []LogEntry {
	tail := make([]LogEntry, 0)
	for op := from + 1; op <= r.opNumber; op++ {
		if e, ok := r.log[op]; ok {
			tail = append(tail, e)
		}
	}
	return tail
}

// installLogTailLocked overwrites the log from `from+1` onward with tail,
// used when adopting a merged StartView/NewState log. Entries beyond the
// tail's range are dropped since they belong to a superseded suffix.
func (r *Replica) installLogTailLocked(from OpNumber, tail []LogEntry, newOpNumber OpNumber) {
	for op := range r.log {
		if op > from {
			delete(r.log, op)
		}
	}
	op := from
	for _, e := range tail {
		op++
		r.log[op] = e
	}
	if op < newOpNumber {
		op = newOpNumber
	}
	r.opNumber = newOpNumber
}

// quorumReachedLocked reports whether at least Quorum() distinct replica
// indices are present in acks (self included by the caller adding its own
// index where appropriate).
func (r *Replica) quorumReachedLocked(acks map[ReplicaIndex]bool) bool {
	return len(acks) >= r.config.Quorum()
}

// sortedPeerIndices returns every configured replica index except this
// replica's own, in order, useful for deterministic iteration in tests.
func (r *Replica) sortedPeerIndices() []ReplicaIndex {
	peers := make([]ReplicaIndex, 0, r.config.N()-1)
	for i := 0; i < r.config.N(); i++ {
		if ReplicaIndex(i) == r.index {
			continue
		}
		peers = append(peers, ReplicaIndex(i))
	}
	sort.Slice(peers, func(a, b int) bool { return peers[a] < peers[b] })
	return peers
}

// resetWatchdogLocked marks the commit watchdog as freshly fed; the router
// owns the actual timer but consults this timestamp when deciding whether
// a tick represents a genuine expiry.
func (r *Replica) resetWatchdogLocked() {
	r.lastWatchdogReset = time.Now()
}

func clampDo(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
