package vr

import "fmt"

// ReplicaIndex identifies a replica's position within the cluster
// configuration. The primary of view v is always replicas[v % N].
type ReplicaIndex int

// View is a monotonically non-decreasing configuration epoch. The primary
// of a view is determined solely by view mod N; there is no election beyond
// the deterministic rotation.
type View uint64

// OpNumber is the monotonic position of an entry in the replicated log.
// CommitNumber reuses the same representation: a commit-number is simply
// the op-number of the highest entry known prepared by a quorum.
type OpNumber uint64

// Status is the tagged variant every replica carries. Protocol handlers are
// dispatched by (status, message type) pairs; an inadmissible pair is a
// silent drop, never an error.
type Status int

const (
	StatusNormal Status = iota
	StatusViewChange
	StatusRecovering
	StatusTransferring
)

// String renders the status the way it appears in logs and in StartView /
// DoViewChange bookkeeping.
func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusViewChange:
		return "ViewChange"
	case StatusRecovering:
		return "Recovering"
	case StatusTransferring:
		return "Transferring"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Configuration is the fixed, ordered list of replica addresses known to
// every member of the cluster. Membership never changes at runtime —
// dynamic reconfiguration is explicitly out of scope.
type Configuration struct {
	// Addresses is the ordered list of peer addresses; index i is
	// ReplicaIndex i's address, used by the Transport to route envelopes.
	Addresses []string
}

// N returns the cluster size, 2f+1.
func (c Configuration) N() int {
	return len(c.Addresses)
}

// F returns the maximum number of tolerated failures.
func (c Configuration) F() int {
	return (len(c.Addresses) - 1) / 2
}

// Quorum returns the number of distinct replicas required to agree, f+1.
func (c Configuration) Quorum() int {
	return c.F() + 1
}

// PrimaryOf returns the replica index that is primary in the given view.
func (c Configuration) PrimaryOf(v View) ReplicaIndex {
	return ReplicaIndex(uint64(v) % uint64(c.N()))
}

// LogEntry is a single appended operation. Prediction carries a
// primary-chosen non-deterministic value the service requires to execute
// the operation identically on every replica; it is nil for operations that
// need no resolution.
type LogEntry struct {
	ClientID       string
	RequestNumber  uint64
	Operation      []byte
	Prediction     []byte
	HasPrediction  bool
}

// ClientTableEntry is the per-client dedup cache: the last accepted
// request number and either its cached reply (once committed and executed)
// or a Pending marker while the request is still in flight. LastOpNumber is
// the op that produced the cached reply; once it falls at or below log_base
// the reply's entry has been folded into a checkpoint and the whole record
// becomes eligible for eviction during compaction.
type ClientTableEntry struct {
	LastRequestNumber uint64
	LastOpNumber      OpNumber
	Reply             []byte
	Pending           bool
}

// Checkpoint is a durable snapshot of service state at a specific
// op-number, identified by a digest and an opaque reference the host's
// persistence layer understands (a file path, a blob key, ...).
type Checkpoint struct {
	OpNumber    OpNumber
	Digest      string
	SnapshotRef string
}

// MessageType names a wire message kind. The router uses it, together with
// the replica's current Status, to decide whether an inbound envelope is
// admissible.
type MessageType int

const (
	MessageRequest MessageType = iota
	MessageReply
	MessagePrepare
	MessagePrepareOk
	MessageCommit
	MessageStartViewChange
	MessageDoViewChange
	MessageStartView
	MessageGetState
	MessageNewState
	MessageRecovery
	MessageRecoveryResponse
)

// String renders the message type for logging.
func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "Request"
	case MessageReply:
		return "Reply"
	case MessagePrepare:
		return "Prepare"
	case MessagePrepareOk:
		return "PrepareOk"
	case MessageCommit:
		return "Commit"
	case MessageStartViewChange:
		return "StartViewChange"
	case MessageDoViewChange:
		return "DoViewChange"
	case MessageStartView:
		return "StartView"
	case MessageGetState:
		return "GetState"
	case MessageNewState:
		return "NewState"
	case MessageRecovery:
		return "Recovery"
	case MessageRecoveryResponse:
		return "RecoveryResponse"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Message is implemented by every wire payload type in messages.go.
type Message interface {
	MessageType() MessageType
}

// Envelope is the unit the transport moves between replicas (and between
// clients and replicas). Multiplicity lets a simulated or lossy transport
// redeliver the same logical message more than once without the protocol
// layer needing to know; the router deducts one per delivery.
type Envelope struct {
	Msg          Message
	Source       ReplicaIndex
	Destination  ReplicaIndex
	Multiplicity int
}
