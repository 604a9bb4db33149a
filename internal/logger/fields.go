package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so replica logs can
// be aggregated and filtered by view, op-number, and component across a
// whole cluster.
const (
	// ========================================================================
	// Replica identity & role
	// ========================================================================
	KeyReplicaIndex = "replica_index" // this replica's configuration index
	KeyComponent    = "component"     // normal, viewchange, recovery, statetransfer, checkpoint, router
	KeyStatus       = "status"        // Normal, ViewChange, Recovering, Transferring
	KeyPrimary      = "primary"       // whether this replica believes itself primary

	// ========================================================================
	// Protocol position
	// ========================================================================
	KeyView         = "view"        // current view number
	KeyOpNumber     = "op_number"   // highest assigned/accepted op
	KeyCommitNumber = "commit_number" // highest known-committed op
	KeyLastNormal   = "last_normal_view"
	KeyLogBase      = "log_base" // op number below which the log has been compacted

	// ========================================================================
	// Messages & peers
	// ========================================================================
	KeyMessageType = "message_type" // Prepare, PrepareOk, Commit, StartViewChange, ...
	KeyPeerIndex   = "peer_index"   // source or destination replica of a message
	KeySourceView  = "source_view"  // view carried by an inbound envelope

	// ========================================================================
	// Client-facing
	// ========================================================================
	KeyClientID      = "client_id"
	KeyRequestNumber = "request_number"

	// ========================================================================
	// Checkpointing
	// ========================================================================
	KeyCheckpointOp = "checkpoint_op"
	KeyDigest       = "digest"

	// ========================================================================
	// Generic
	// ========================================================================
	KeyError      = "error"
	KeyDurationMs = "duration_ms"
)

// ReplicaIndex returns a slog.Attr for a replica index.
func ReplicaIndex(index int) slog.Attr {
	return slog.Int(KeyReplicaIndex, index)
}

// Component returns a slog.Attr naming the protocol component that logged the entry.
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// View returns a slog.Attr for a view number.
func View(view uint64) slog.Attr {
	return slog.Uint64(KeyView, view)
}

// OpNumber returns a slog.Attr for an op-number.
func OpNumber(op uint64) slog.Attr {
	return slog.Uint64(KeyOpNumber, op)
}

// CommitNumber returns a slog.Attr for a commit-number.
func CommitNumber(commit uint64) slog.Attr {
	return slog.Uint64(KeyCommitNumber, commit)
}

// PeerIndex returns a slog.Attr for a peer replica index.
func PeerIndex(index int) slog.Attr {
	return slog.Int(KeyPeerIndex, index)
}

// MessageType returns a slog.Attr naming a wire message type.
func MessageType(t string) slog.Attr {
	return slog.String(KeyMessageType, t)
}

// Err returns a slog.Attr wrapping an error value. A nil error yields an
// empty attr, which the handlers skip.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
