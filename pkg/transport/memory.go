// Package transport provides an in-memory Transport implementation for
// simulating a cluster of replicas in a single process: tests and the
// simulation harness wire every replica's vr.Replica to the same Network,
// which can be configured to drop and duplicate envelopes the way a real
// network would. It does not reorder them: each inbox delivers in FIFO
// order.
package transport

import (
	"context"
	"math/rand"
	"sync"

	"github.com/marmos91/vrnode/pkg/vr"
)

// Fault controls the probability of each kind of transport misbehavior a
// Network applies to outbound envelopes. All probabilities are independent
// and evaluated per send.
type Fault struct {
	DropProbability     float64
	DuplicateProbability float64
	MaxDuplicates       int
}

// Network is a shared, in-memory message bus connecting every replica (and
// client) in a simulation. Each participant owns one bounded inbox channel;
// Send/Broadcast/SendToClient push onto the destination's inbox, applying
// the configured Fault.
type Network struct {
	mu       sync.Mutex
	inboxes  map[vr.ReplicaIndex]chan vr.Envelope
	clients  map[string]chan vr.Reply
	fault    Fault
	rng      *rand.Rand
	capacity int
}

// NewNetwork creates a Network with the given per-replica inbox capacity
// and fault profile. A zero-value Fault behaves like a perfectly reliable
// network — useful for deterministic happy-path tests.
func NewNetwork(capacity int, fault Fault) *Network {
	return &Network{
		inboxes:  make(map[vr.ReplicaIndex]chan vr.Envelope),
		clients:  make(map[string]chan vr.Reply),
		fault:    fault,
		rng:      rand.New(rand.NewSource(1)),
		capacity: capacity,
	}
}

// Endpoint returns the Transport view of this Network for one replica
// index. Every replica in a simulated cluster gets its own Endpoint backed
// by the same Network so they can reach each other.
func (n *Network) Endpoint(index vr.ReplicaIndex) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inboxes[index]; !ok {
		n.inboxes[index] = make(chan vr.Envelope, n.capacity)
	}
	return &Endpoint{net: n, self: index}
}

// ClientInbox registers a client id and returns the channel its Replies
// will arrive on.
func (n *Network) ClientInbox(clientID string) <-chan vr.Reply {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.clients[clientID]
	if !ok {
		ch = make(chan vr.Reply, n.capacity)
		n.clients[clientID] = ch
	}
	return ch
}

func (n *Network) deliver(env vr.Envelope) {
	n.mu.Lock()
	if n.fault.DropProbability > 0 && n.rng.Float64() < n.fault.DropProbability {
		n.mu.Unlock()
		return
	}
	copies := 1
	if n.fault.DuplicateProbability > 0 && n.rng.Float64() < n.fault.DuplicateProbability {
		max := n.fault.MaxDuplicates
		if max < 2 {
			max = 2
		}
		copies = 2 + n.rng.Intn(max-1)
	}
	inbox, ok := n.inboxes[env.Destination]
	n.mu.Unlock()
	if !ok {
		return
	}
	for i := 0; i < copies; i++ {
		select {
		case inbox <- env:
		default:
			// Backpressure: a full inbox drops the envelope rather than
			// blocking the sender, matching a lossy-transport simulation.
		}
	}
}

func (n *Network) deliverToClient(clientID string, reply vr.Reply) {
	n.mu.Lock()
	ch, ok := n.clients[clientID]
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// Endpoint adapts a Network to the vr.Transport interface for one replica.
type Endpoint struct {
	net  *Network
	self vr.ReplicaIndex
}

var _ vr.Transport = (*Endpoint)(nil)

// Send implements vr.Transport.
func (e *Endpoint) Send(ctx context.Context, env vr.Envelope) error {
	if env.Multiplicity == 0 {
		env.Multiplicity = 1
	}
	e.net.deliver(env)
	return nil
}

// Broadcast implements vr.Transport.
func (e *Endpoint) Broadcast(ctx context.Context, cfg vr.Configuration, self vr.ReplicaIndex, msg vr.Message) error {
	for i := 0; i < cfg.N(); i++ {
		dest := vr.ReplicaIndex(i)
		if dest == self {
			continue
		}
		e.net.deliver(vr.Envelope{Msg: msg, Source: self, Destination: dest, Multiplicity: 1})
	}
	return nil
}

// SendToClient implements vr.Transport.
func (e *Endpoint) SendToClient(ctx context.Context, clientID string, reply vr.Reply) error {
	e.net.deliverToClient(clientID, reply)
	return nil
}

// Recv implements vr.Transport.
func (e *Endpoint) Recv(ctx context.Context) (vr.Envelope, error) {
	e.net.mu.Lock()
	inbox := e.net.inboxes[e.self]
	e.net.mu.Unlock()

	select {
	case env := <-inbox:
		return env, nil
	case <-ctx.Done():
		return vr.Envelope{}, ctx.Err()
	}
}
