package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds replica-scoped logging context: which replica emitted the
// message, what view/op it believed at the time, and how long the triggering
// envelope or timer tick has been in flight.
type LogContext struct {
	ReplicaIndex int       // this replica's configuration index
	View         uint64    // view number at the time of logging
	Status       string    // Normal, ViewChange, Recovering, Transferring
	Component    string    // normal, viewchange, recovery, statetransfer, checkpoint, router
	PeerIndex    int       // peer involved in the exchange, when relevant
	StartTime    time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given replica index.
func NewLogContext(replicaIndex int) *LogContext {
	return &LogContext{
		ReplicaIndex: replicaIndex,
		StartTime:    time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		ReplicaIndex: lc.ReplicaIndex,
		View:         lc.View,
		Status:       lc.Status,
		Component:    lc.Component,
		PeerIndex:    lc.PeerIndex,
		StartTime:    lc.StartTime,
	}
}

// WithComponent returns a copy with the component set
func (lc *LogContext) WithComponent(component string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Component = component
	}
	return clone
}

// WithView returns a copy with view and status set
func (lc *LogContext) WithView(view uint64, status string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.View = view
		clone.Status = status
	}
	return clone
}

// WithPeer returns a copy with the peer index set
func (lc *LogContext) WithPeer(peerIndex int) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.PeerIndex = peerIndex
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
