package telemetry

// Attribute keys for protocol spans, following OpenTelemetry's
// dot-namespaced convention. A span covering one Dispatch call, one
// BeginViewChange, or one TakeCheckpoint carries enough of these to
// reconstruct that replica's position in the protocol from the trace alone.
const (
	AttrReplicaIndex = "vr.replica_index"
	AttrView         = "vr.view"
	AttrOpNumber     = "vr.op_number"
	AttrCommitNumber = "vr.commit_number"
	AttrStatus       = "vr.status"
	AttrMessageType  = "vr.message_type"
	AttrPeerIndex    = "vr.peer_index"

	AttrClientID      = "vr.client.id"
	AttrRequestNumber = "vr.client.request_number"

	AttrCheckpointDigest = "vr.checkpoint.digest"
	AttrCheckpointOp     = "vr.checkpoint.op_number"

	AttrRecoveryNonce = "vr.recovery.nonce"
)
