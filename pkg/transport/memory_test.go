package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/vrnode/pkg/vr"
)

func TestNetworkDeliversBetweenEndpoints(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork(16, Fault{})

	a := net.Endpoint(0)
	b := net.Endpoint(1)

	msg := vr.Commit{View: 1, CommitNumber: 3}
	require.NoError(t, a.Send(ctx, vr.Envelope{Msg: msg, Source: 0, Destination: 1}))

	env, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, env.Msg)
	assert.Equal(t, vr.ReplicaIndex(0), env.Source)
	assert.Equal(t, 1, env.Multiplicity)
}

func TestNetworkBroadcastSkipsSelf(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork(16, Fault{})
	cfg := vr.Configuration{Addresses: []string{"a", "b", "c"}}

	endpoints := []*Endpoint{net.Endpoint(0), net.Endpoint(1), net.Endpoint(2)}
	require.NoError(t, endpoints[0].Broadcast(ctx, cfg, 0, vr.Commit{View: 0, CommitNumber: 1}))

	for _, idx := range []vr.ReplicaIndex{1, 2} {
		env, err := endpoints[idx].Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, idx, env.Destination)
	}

	// Nothing was delivered to the sender itself.
	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := endpoints[0].Recv(cancelCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNetworkDropFault(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork(64, Fault{DropProbability: 1.0})

	a := net.Endpoint(0)
	b := net.Endpoint(1)
	require.NoError(t, a.Send(ctx, vr.Envelope{Msg: vr.Commit{}, Source: 0, Destination: 1}))

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := b.Recv(cancelCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNetworkDuplicateFault(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork(64, Fault{DuplicateProbability: 1.0, MaxDuplicates: 3})

	a := net.Endpoint(0)
	b := net.Endpoint(1)

	const sent = 20
	for i := 0; i < sent; i++ {
		require.NoError(t, a.Send(ctx, vr.Envelope{Msg: vr.Commit{View: 1}, Source: 0, Destination: 1}))
	}

	// With duplication certain on every send, more envelopes than were sent
	// must arrive.
	received := 0
	for {
		drainCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		_, err := b.Recv(drainCtx)
		cancel()
		if err != nil {
			break
		}
		received++
	}
	assert.Greater(t, received, sent)
}

func TestNetworkClientReplies(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork(16, Fault{})

	inbox := net.ClientInbox("c0")
	a := net.Endpoint(0)

	reply := vr.Reply{ClientID: "c0", RequestNumber: 1, Result: []byte("ok")}
	require.NoError(t, a.SendToClient(ctx, "c0", reply))

	select {
	case got := <-inbox:
		assert.Equal(t, reply, got)
	case <-time.After(time.Second):
		t.Fatal("client reply never arrived")
	}
}

func TestNetworkFullInboxDropsInsteadOfBlocking(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork(1, Fault{})

	a := net.Endpoint(0)
	net.Endpoint(1)

	// The second send overflows the capacity-1 inbox and is dropped; the
	// sender never blocks.
	require.NoError(t, a.Send(ctx, vr.Envelope{Msg: vr.Commit{CommitNumber: 1}, Source: 0, Destination: 1}))
	require.NoError(t, a.Send(ctx, vr.Envelope{Msg: vr.Commit{CommitNumber: 2}, Source: 0, Destination: 1}))
}
