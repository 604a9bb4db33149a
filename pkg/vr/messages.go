package vr

// Request is sent by a client to its believed primary.
type Request struct {
	ClientID      string
	RequestNumber uint64
	Operation     []byte
}

func (Request) MessageType() MessageType { return MessageRequest }

// Reply is sent by the primary back to the client once the request's op
// has been committed and executed.
type Reply struct {
	ClientID      string
	RequestNumber uint64
	Result        []byte
	View          View
}

func (Reply) MessageType() MessageType { return MessageReply }

// Prepare is broadcast by the primary for every newly appended op.
type Prepare struct {
	View         View
	OpNumber     OpNumber
	CommitNumber OpNumber
	Entry        LogEntry
}

func (Prepare) MessageType() MessageType { return MessagePrepare }

// PrepareOk acknowledges a Prepare once the backup has appended it.
type PrepareOk struct {
	View         View
	OpNumber     OpNumber
	ReplicaIndex ReplicaIndex
}

func (PrepareOk) MessageType() MessageType { return MessagePrepareOk }

// Commit is the primary's heartbeat, advancing backups' commit-number even
// when no new Prepare has gone out.
type Commit struct {
	View         View
	CommitNumber OpNumber
}

func (Commit) MessageType() MessageType { return MessageCommit }

// StartViewChange announces a replica's move into a new view.
type StartViewChange struct {
	NewView      View
	ReplicaIndex ReplicaIndex
}

func (StartViewChange) MessageType() MessageType { return MessageStartViewChange }

// DoViewChange is sent by every replica that observes a StartViewChange
// quorum to the prospective primary of the new view; it carries enough of
// the sender's log for the new primary to reconstruct the authoritative
// suffix.
type DoViewChange struct {
	NewView        View
	LogTail        []LogEntry
	LogBase        OpNumber
	LastNormalView View
	OpNumber       OpNumber
	CommitNumber   OpNumber
	ReplicaIndex   ReplicaIndex
}

func (DoViewChange) MessageType() MessageType { return MessageDoViewChange }

// StartView is broadcast by the new primary once it has assembled a
// DoViewChange quorum; it is the authoritative merged log for the view.
type StartView struct {
	NewView      View
	LogTail      []LogEntry
	LogBase      OpNumber
	OpNumber     OpNumber
	CommitNumber OpNumber
}

func (StartView) MessageType() MessageType { return MessageStartView }

// GetState requests a same-view catch-up from a peer.
type GetState struct {
	AtView       View
	OpNumber     OpNumber
	ReplicaIndex ReplicaIndex
}

func (GetState) MessageType() MessageType { return MessageGetState }

// NewState answers a GetState with the log tail the requester is missing.
type NewState struct {
	AtView       View
	LogTail      []LogEntry
	LogBase      OpNumber
	OpNumber     OpNumber
	CommitNumber OpNumber
}

func (NewState) MessageType() MessageType { return MessageNewState }

// Recovery is broadcast by a replica that has lost its volatile state.
type Recovery struct {
	ReplicaIndex ReplicaIndex
	Nonce        uint64
}

func (Recovery) MessageType() MessageType { return MessageRecovery }

// RecoveryResponse answers a Recovery. Only the sender that is primary of
// the view it reports fills in the log/op/commit fields; backups echo just
// the nonce and their view so the recovering replica can learn the highest
// view in the cluster.
type RecoveryResponse struct {
	View           View
	Nonce          uint64
	ReplicaIndex   ReplicaIndex
	IsPrimary      bool
	LogTail        []LogEntry
	LogBase        OpNumber
	OpNumber       OpNumber
	CommitNumber   OpNumber
}

func (RecoveryResponse) MessageType() MessageType { return MessageRecoveryResponse }
