package vr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// restartReplica replaces a cluster member with a fresh instance, as if the
// process restarted and lost all volatile state.
func restartReplica(c *cluster, index ReplicaIndex) {
	svc := &echoService{}
	c.services[index] = svc
	c.replicas[index] = NewReplica(index, c.cfg, svc, &busEndpoint{c: c, self: index}, testOptions())
	c.routers[index] = NewRouter(c.replicas[index])
}

func TestRecoveryAfterVolatileLoss(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	for s := uint64(1); s <= 7; s++ {
		c.request(ctx, 0, "c0", s, "op")
	}
	require.NoError(t, c.replicas[0].SendHeartbeat(ctx))
	c.pump(ctx)
	require.Equal(t, OpNumber(7), c.replicas[0].CommitNumber())

	// r1 restarts with only a durable checkpoint at op 3.
	restartReplica(c, 1)
	require.NoError(t, c.replicas[1].Bootstrap(ctx, 0, 3, []byte("snap-3")))

	require.NoError(t, c.replicas[1].BeginRecovery(ctx))
	c.pump(ctx)

	// r1 adopted the primary's state wholesale.
	assert.Equal(t, StatusNormal, c.replicas[1].Status())
	assert.Equal(t, View(0), c.replicas[1].View())
	assert.Equal(t, OpNumber(7), c.replicas[1].OpNumber())
	assert.Equal(t, OpNumber(7), c.replicas[1].CommitNumber())

	// Only the ops above the checkpoint were replayed through the service.
	assert.Equal(t, 4, c.services[1].executions())
}

func TestRecoveryIgnoresMismatchedNonce(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	restartReplica(c, 1)
	r := c.replicas[1]

	require.NoError(t, r.BeginRecovery(ctx))
	r.mu.Lock()
	nonce := r.recState.nonce
	r.mu.Unlock()

	// A response carrying a stale nonce (from a previous attempt) must not
	// count toward the quorum.
	require.NoError(t, r.HandleRecoveryResponse(ctx, RecoveryResponse{
		View: 0, Nonce: nonce + 1, ReplicaIndex: 0, IsPrimary: true, OpNumber: 5, CommitNumber: 5,
	}))
	assert.Equal(t, StatusRecovering, r.Status())
}

func TestRecoveryWaitsForPrimaryOfHighestView(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	restartReplica(c, 0)
	r := c.replicas[0]

	require.NoError(t, r.BeginRecovery(ctx))
	c.mu.Lock()
	c.queue = nil // feed responses by hand
	c.mu.Unlock()
	r.mu.Lock()
	nonce := r.recState.nonce
	r.mu.Unlock()

	// A backup answers from view 0, then again from view 1: the higher view
	// resets the accumulated responses.
	require.NoError(t, r.HandleRecoveryResponse(ctx, RecoveryResponse{View: 0, Nonce: nonce, ReplicaIndex: 2}))
	require.NoError(t, r.HandleRecoveryResponse(ctx, RecoveryResponse{View: 1, Nonce: nonce, ReplicaIndex: 2}))
	assert.Equal(t, StatusRecovering, r.Status())

	// A view-0 response arriving now is stale relative to view 1.
	require.NoError(t, r.HandleRecoveryResponse(ctx, RecoveryResponse{
		View: 0, Nonce: nonce, ReplicaIndex: 1, IsPrimary: true, OpNumber: 9, CommitNumber: 9,
	}))
	assert.Equal(t, StatusRecovering, r.Status())

	// The view-1 primary completes the quorum and carries the log.
	tail := []LogEntry{{ClientID: "c0", RequestNumber: 1, Operation: []byte("A")}}
	require.NoError(t, r.HandleRecoveryResponse(ctx, RecoveryResponse{
		View: 1, Nonce: nonce, ReplicaIndex: 1, IsPrimary: true,
		LogTail: tail, LogBase: 0, OpNumber: 1, CommitNumber: 1,
	}))
	assert.Equal(t, StatusNormal, r.Status())
	assert.Equal(t, View(1), r.View())
	assert.Equal(t, OpNumber(1), r.CommitNumber())
}

func TestRecoveringReplicaDoesNotAnswerRecovery(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	require.NoError(t, c.replicas[1].BeginRecovery(ctx))
	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()

	// r1 is Recovering; a peer's Recovery broadcast gets no response.
	require.NoError(t, c.replicas[1].HandleRecovery(ctx, Recovery{ReplicaIndex: 2, Nonce: 42}))
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.queue)
}

func TestFreshNoncePerRecoveryAttempt(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())
	r := c.replicas[1]

	seen := make(map[uint64]bool)
	for i := 0; i < 8; i++ {
		require.NoError(t, r.BeginRecovery(ctx))
		r.mu.Lock()
		nonce := r.recState.nonce
		r.mu.Unlock()
		assert.False(t, seen[nonce], "nonce reused across recovery attempts")
		seen[nonce] = true
	}
}
