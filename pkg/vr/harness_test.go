package vr

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// echoService is a deterministic test state machine: Execute records the
// operation and returns "reply:<op>"; Predict stamps a fixed value so the
// prediction path is observable without real non-determinism.
type echoService struct {
	mu          sync.Mutex
	executed    [][]byte
	predictions [][]byte
	applied     uint64
}

func (s *echoService) Execute(ctx context.Context, op []byte, prediction []byte, hasPrediction bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, op)
	if hasPrediction {
		s.predictions = append(s.predictions, prediction)
	}
	s.applied++
	return append([]byte("reply:"), op...), nil
}

func (s *echoService) Predict(ctx context.Context, op []byte) ([]byte, error) {
	return []byte("predicted"), nil
}

func (s *echoService) TakeCheckpoint(ctx context.Context) (OpNumber, string, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return OpNumber(s.applied), fmt.Sprintf("digest-%d", s.applied), []byte(fmt.Sprintf("snap-%d", s.applied)), nil
}

func (s *echoService) RestoreFrom(ctx context.Context, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var applied uint64
	if _, err := fmt.Sscanf(string(snapshot), "snap-%d", &applied); err != nil {
		return fmt.Errorf("bad snapshot %q", snapshot)
	}
	s.applied = applied
	s.executed = nil
	return nil
}

func (s *echoService) executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executed)
}

// cluster is a deterministic in-process cluster: handlers enqueue their
// outbound envelopes and pump() delivers them in FIFO order until the
// cluster is quiescent. No goroutines, no timers — tests trigger watchdog
// and grace transitions explicitly.
type cluster struct {
	t        *testing.T
	cfg      Configuration
	replicas []*Replica
	routers  []*Router
	services []*echoService

	mu      sync.Mutex
	queue   []Envelope
	drops   []func(Envelope) bool
	replies map[string][]Reply
}

// busEndpoint adapts the cluster queue to the Transport interface for one
// replica.
type busEndpoint struct {
	c    *cluster
	self ReplicaIndex
}

func (e *busEndpoint) Send(ctx context.Context, env Envelope) error {
	e.c.enqueue(env)
	return nil
}

func (e *busEndpoint) Broadcast(ctx context.Context, cfg Configuration, self ReplicaIndex, msg Message) error {
	for i := 0; i < cfg.N(); i++ {
		dest := ReplicaIndex(i)
		if dest == self {
			continue
		}
		e.c.enqueue(Envelope{Msg: msg, Source: self, Destination: dest, Multiplicity: 1})
	}
	return nil
}

func (e *busEndpoint) SendToClient(ctx context.Context, clientID string, reply Reply) error {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	e.c.replies[clientID] = append(e.c.replies[clientID], reply)
	return nil
}

func (e *busEndpoint) Recv(ctx context.Context) (Envelope, error) {
	<-ctx.Done()
	return Envelope{}, ctx.Err()
}

func newCluster(t *testing.T, n int, opts Options) *cluster {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("replica-%d", i)
	}
	c := &cluster{
		t:       t,
		cfg:     Configuration{Addresses: addrs},
		replies: make(map[string][]Reply),
	}
	for i := 0; i < n; i++ {
		svc := &echoService{}
		r := NewReplica(ReplicaIndex(i), c.cfg, svc, &busEndpoint{c: c, self: ReplicaIndex(i)}, opts)
		c.services = append(c.services, svc)
		c.replicas = append(c.replicas, r)
		c.routers = append(c.routers, NewRouter(r))
	}
	return c
}

func (c *cluster) enqueue(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, drop := range c.drops {
		if drop(env) {
			return
		}
	}
	if env.Multiplicity == 0 {
		env.Multiplicity = 1
	}
	c.queue = append(c.queue, env)
}

// dropWhere installs a drop rule applied to every subsequently enqueued
// envelope.
func (c *cluster) dropWhere(rule func(Envelope) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops = append(c.drops, rule)
}

// crash makes a replica unreachable in both directions, simulating a
// process failure without touching its in-memory state.
func (c *cluster) crash(index ReplicaIndex) {
	c.dropWhere(func(env Envelope) bool {
		return env.Source == index || env.Destination == index
	})
}

// pump delivers queued envelopes in order until the cluster is quiescent.
func (c *cluster) pump(ctx context.Context) {
	c.t.Helper()
	for i := 0; ; i++ {
		if i > 100000 {
			c.t.Fatal("cluster did not quiesce; message loop suspected")
		}
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		env := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		for n := 0; n < env.Multiplicity; n++ {
			if err := c.routers[env.Destination].Dispatch(ctx, env); err != nil && IsFatal(err) {
				c.t.Fatalf("fatal protocol error on replica %d: %v", env.Destination, err)
			}
		}
	}
}

// request submits a client request to the believed primary and pumps the
// cluster to quiescence.
func (c *cluster) request(ctx context.Context, primary ReplicaIndex, clientID string, seq uint64, op string) {
	c.t.Helper()
	err := c.replicas[primary].HandleRequest(ctx, Request{ClientID: clientID, RequestNumber: seq, Operation: []byte(op)})
	if err != nil && IsFatal(err) {
		c.t.Fatalf("request failed: %v", err)
	}
	c.pump(ctx)
}

func (c *cluster) clientReplies(clientID string) []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reply, len(c.replies[clientID]))
	copy(out, c.replies[clientID])
	return out
}

// testOptions disables checkpointing unless a test opts in, so log and
// client-table assertions see every entry.
func testOptions() Options {
	opts := DefaultOptions()
	opts.CheckpointInterval = 0
	return opts
}
