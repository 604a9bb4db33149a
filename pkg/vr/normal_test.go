package vr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathCommit(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	c.request(ctx, 0, "c0", 1, "A")

	// The primary commits on the first PrepareOk (f+1 = 2 including self).
	assert.Equal(t, OpNumber(1), c.replicas[0].CommitNumber())
	assert.Equal(t, OpNumber(1), c.replicas[0].OpNumber())

	// Backups have accepted the op.
	assert.Equal(t, OpNumber(1), c.replicas[1].OpNumber())
	assert.Equal(t, OpNumber(1), c.replicas[2].OpNumber())

	// The client got exactly one reply.
	replies := c.clientReplies("c0")
	require.Len(t, replies, 1)
	assert.Equal(t, []byte("reply:A"), replies[0].Result)
	assert.Equal(t, uint64(1), replies[0].RequestNumber)

	// Backups learn the commit from the next heartbeat.
	require.NoError(t, c.replicas[0].SendHeartbeat(ctx))
	c.pump(ctx)
	assert.Equal(t, OpNumber(1), c.replicas[1].CommitNumber())
	assert.Equal(t, OpNumber(1), c.replicas[2].CommitNumber())
}

func TestBackupCommitsOnHeartbeatAfterDroppedPrepareOk(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	// r1's PrepareOk never reaches the primary.
	c.dropWhere(func(env Envelope) bool {
		_, isAck := env.Msg.(PrepareOk)
		return isAck && env.Source == 1
	})

	c.request(ctx, 0, "c0", 1, "A")

	// r2's ack alone reaches quorum with the primary.
	assert.Equal(t, OpNumber(1), c.replicas[0].CommitNumber())
	assert.Equal(t, OpNumber(0), c.replicas[1].CommitNumber())

	require.NoError(t, c.replicas[0].SendHeartbeat(ctx))
	c.pump(ctx)
	assert.Equal(t, OpNumber(1), c.replicas[1].CommitNumber())

	// r1 executed the entry despite its ack being lost.
	assert.Equal(t, 1, c.services[1].executions())
}

func TestDuplicateRequestResendsCachedReply(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	c.request(ctx, 0, "c0", 1, "A")
	require.Len(t, c.clientReplies("c0"), 1)

	// Retry of the same request number: cached reply, no new log entry.
	c.request(ctx, 0, "c0", 1, "A")
	replies := c.clientReplies("c0")
	require.Len(t, replies, 2)
	assert.Equal(t, replies[0].Result, replies[1].Result)
	assert.Equal(t, OpNumber(1), c.replicas[0].OpNumber())
	assert.Equal(t, 1, c.services[0].executions())
}

func TestStaleAndSkippedRequestNumbersDropped(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	c.request(ctx, 0, "c0", 1, "A")
	c.request(ctx, 0, "c0", 2, "B")

	// Stale retry drops silently.
	c.request(ctx, 0, "c0", 1, "A")
	assert.Equal(t, OpNumber(2), c.replicas[0].OpNumber())

	// Strict mode rejects a skipped request number.
	c.request(ctx, 0, "c0", 5, "E")
	assert.Equal(t, OpNumber(2), c.replicas[0].OpNumber())

	// A brand-new client must start at request number 1.
	c.request(ctx, 0, "c9", 3, "X")
	assert.Equal(t, OpNumber(2), c.replicas[0].OpNumber())
}

func TestNonPrimaryRejectsRequest(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	err := c.replicas[1].HandleRequest(ctx, Request{ClientID: "c0", RequestNumber: 1, Operation: []byte("A")})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrWrongRole, pe.Code)
	assert.Equal(t, OpNumber(0), c.replicas[1].OpNumber())
}

func TestDuplicatePrepareOkDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 5, testOptions())

	// Quorum is 3: the primary plus two distinct backups. Drop every ack
	// except r1's, then replay r1's ack twice — one distinct voter must not
	// be counted as two.
	c.dropWhere(func(env Envelope) bool {
		ack, isAck := env.Msg.(PrepareOk)
		return isAck && ack.ReplicaIndex != 1
	})

	c.request(ctx, 0, "c0", 1, "A")
	assert.Equal(t, OpNumber(0), c.replicas[0].CommitNumber())

	require.NoError(t, c.replicas[0].HandlePrepareOk(ctx, PrepareOk{View: 0, OpNumber: 1, ReplicaIndex: 1}))
	assert.Equal(t, OpNumber(0), c.replicas[0].CommitNumber())

	// A second distinct voter completes the quorum.
	require.NoError(t, c.replicas[0].HandlePrepareOk(ctx, PrepareOk{View: 0, OpNumber: 1, ReplicaIndex: 2}))
	c.pump(ctx)
	assert.Equal(t, OpNumber(1), c.replicas[0].CommitNumber())
}

func TestStalePrepareAckedIdempotently(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	c.request(ctx, 0, "c0", 1, "A")
	c.request(ctx, 0, "c0", 2, "B")

	// Redeliver the first Prepare; the backup re-acks its current op
	// without rewinding anything.
	entry, ok := c.replicas[1].entryAtLocked(1)
	require.True(t, ok)
	require.NoError(t, c.replicas[1].HandlePrepare(ctx, 0, Prepare{View: 0, OpNumber: 1, CommitNumber: 0, Entry: entry}))
	c.pump(ctx)

	assert.Equal(t, OpNumber(2), c.replicas[1].OpNumber())
	// r1 has only learned commit 1 (carried by Prepare op 2), and the re-ack
	// executes nothing again.
	assert.Equal(t, 1, c.services[1].executions())
}

func TestPrepareFromOldViewDropped(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	// Move the cluster to view 1 (primary r1).
	require.NoError(t, c.replicas[1].BeginViewChange(ctx, 1))
	c.pump(ctx)
	require.Equal(t, View(1), c.replicas[2].View())

	// A delayed Prepare from view 0 must be dropped without side effects.
	err := c.replicas[2].HandlePrepare(ctx, 0, Prepare{View: 0, OpNumber: 1, Entry: LogEntry{ClientID: "c0", RequestNumber: 1, Operation: []byte("A")}})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrStaleView, pe.Code)
	assert.Equal(t, OpNumber(0), c.replicas[2].OpNumber())
}

func TestPredictionTravelsWithEntry(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, testOptions())

	c.request(ctx, 0, "c0", 1, "A")
	require.NoError(t, c.replicas[0].SendHeartbeat(ctx))
	c.pump(ctx)

	// Every replica executed with the primary's resolved prediction.
	for i, svc := range c.services {
		svc.mu.Lock()
		require.Len(t, svc.predictions, 1, "replica %d", i)
		assert.Equal(t, []byte("predicted"), svc.predictions[0], "replica %d", i)
		svc.mu.Unlock()
	}
}
