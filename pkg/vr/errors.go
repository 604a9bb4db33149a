// Package vr implements the Viewstamped Replication core: the per-replica
// protocol engine that keeps an odd-sized cluster of replicas agreed on a
// totally ordered log of client operations.
package vr

import (
	"fmt"
)

// ErrorCode classifies the kind of failure a protocol-layer operation
// encountered. These are not surfaced to callers as control flow — most are
// absorbed internally (the message is dropped, the replica changes status)
// — but they are useful for logging and for the host-layer failures that do
// propagate (service callback failure, checkpoint corruption).
type ErrorCode int

const (
	// ErrStaleView indicates a message carried a view older than ours.
	ErrStaleView ErrorCode = iota + 1

	// ErrWrongRole indicates a message requires a role (primary/backup) this
	// replica does not currently hold.
	ErrWrongRole

	// ErrWrongOpNumber indicates an out-of-order op-number (gap or replay).
	ErrWrongOpNumber

	// ErrWrongStatus indicates the message type is inadmissible under the
	// replica's current status.
	ErrWrongStatus

	// ErrQuorumImpossible indicates a liveness stall: not enough distinct
	// replicas have responded to proceed. Safety is preserved; the replica
	// simply remains in its current status.
	ErrQuorumImpossible

	// ErrServiceCallback indicates the host service returned an error from
	// execute/predict/take_checkpoint/restore_from. Fatal to the replica.
	ErrServiceCallback

	// ErrCheckpointCorrupt indicates a durable checkpoint failed to decode
	// on restore. Fatal to the replica; recovery from peers is required.
	ErrCheckpointCorrupt

	// ErrInvariantViolation indicates a proposed transition would violate a
	// core invariant and was rejected before any mutation occurred.
	ErrInvariantViolation
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrStaleView:
		return "StaleView"
	case ErrWrongRole:
		return "WrongRole"
	case ErrWrongOpNumber:
		return "WrongOpNumber"
	case ErrWrongStatus:
		return "WrongStatus"
	case ErrQuorumImpossible:
		return "QuorumImpossible"
	case ErrServiceCallback:
		return "ServiceCallback"
	case ErrCheckpointCorrupt:
		return "CheckpointCorrupt"
	case ErrInvariantViolation:
		return "InvariantViolation"
	default:
		return fmt.Sprintf("Unknown(%d)", e)
	}
}

// ProtocolError represents a protocol-layer error with an error code. Most
// ProtocolErrors never leave the replica: the router logs them and drops the
// triggering envelope. ErrServiceCallback and ErrCheckpointCorrupt are the
// exceptions — the host layer must observe those to decide on a restart.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewStaleViewError creates a StaleView error.
func NewStaleViewError(have, got uint64) *ProtocolError {
	return &ProtocolError{
		Code:    ErrStaleView,
		Message: fmt.Sprintf("have view %d, message carries %d", have, got),
	}
}

// NewWrongRoleError creates a WrongRole error.
func NewWrongRoleError(reason string) *ProtocolError {
	return &ProtocolError{Code: ErrWrongRole, Message: reason}
}

// NewWrongOpNumberError creates a WrongOpNumber error.
func NewWrongOpNumberError(have, got uint64) *ProtocolError {
	return &ProtocolError{
		Code:    ErrWrongOpNumber,
		Message: fmt.Sprintf("have op_number %d, message assumes %d", have, got),
	}
}

// NewWrongStatusError creates a WrongStatus error.
func NewWrongStatusError(status Status, messageType string) *ProtocolError {
	return &ProtocolError{
		Code:    ErrWrongStatus,
		Message: fmt.Sprintf("%s is not admissible while status is %s", messageType, status),
	}
}

// NewQuorumImpossibleError creates a QuorumImpossible error.
func NewQuorumImpossibleError(have, need int) *ProtocolError {
	return &ProtocolError{
		Code:    ErrQuorumImpossible,
		Message: fmt.Sprintf("have %d responses, need %d", have, need),
	}
}

// NewServiceCallbackError wraps a failure returned by the host service.
func NewServiceCallbackError(err error) *ProtocolError {
	return &ProtocolError{Code: ErrServiceCallback, Message: err.Error()}
}

// NewCheckpointCorruptError creates a CheckpointCorrupt error.
func NewCheckpointCorruptError(opNumber uint64, err error) *ProtocolError {
	return &ProtocolError{
		Code:    ErrCheckpointCorrupt,
		Message: fmt.Sprintf("checkpoint at op %d failed to restore: %v", opNumber, err),
	}
}

// NewInvariantViolationError creates an InvariantViolation error.
func NewInvariantViolationError(reason string) *ProtocolError {
	return &ProtocolError{Code: ErrInvariantViolation, Message: reason}
}

// IsFatal reports whether the error must be surfaced to the host as a
// replica crash rather than absorbed by the protocol layer.
func IsFatal(err error) bool {
	pe, ok := err.(*ProtocolError)
	if !ok {
		return false
	}
	return pe.Code == ErrServiceCallback || pe.Code == ErrCheckpointCorrupt
}
