package vr

import "sync"

// Client tracks the core-visible client state: which replica it currently
// believes is primary, the next request number to issue, and whether a
// request is still in flight. It is transport-agnostic — the host's client
// glue owns sending the Request and feeding Replies back in.
type Client struct {
	mu sync.Mutex

	id       string
	config   Configuration
	viewHint View

	nextRequestNumber uint64
	inFlight          *Request
}

// NewClient creates a client that will number its requests from 1, as the
// strict server-side dedup mode requires of a fresh client id.
func NewClient(id string, config Configuration) *Client {
	return &Client{id: id, config: config, nextRequestNumber: 1}
}

// ID returns the client id carried on every request.
func (c *Client) ID() string {
	return c.id
}

// Primary returns the replica this client currently believes is primary,
// derived from its view hint.
func (c *Client) Primary() ReplicaIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.PrimaryOf(c.viewHint)
}

// NextRequest assigns the next request number to op. While a request is in
// flight, NextRequest returns that same request again — the retry shape the
// server's client table is built to absorb — rather than numbering a new
// one.
func (c *Client) NextRequest(op []byte) Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight != nil {
		return *c.inFlight
	}
	req := Request{ClientID: c.id, RequestNumber: c.nextRequestNumber, Operation: op}
	c.inFlight = &req
	c.nextRequestNumber++
	return req
}

// Observe applies a Reply: it clears the in-flight request it answers and
// raises the view hint so the next request goes to the right primary. Stale
// or duplicate replies are ignored. It reports whether the reply answered
// the in-flight request.
func (c *Client) Observe(reply Reply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reply.View > c.viewHint {
		c.viewHint = reply.View
	}
	if c.inFlight == nil || reply.RequestNumber != c.inFlight.RequestNumber {
		return false
	}
	c.inFlight = nil
	return true
}

// ObserveView raises the view hint without a reply, e.g. when the client
// glue learns of a new view from a redirect or timeout probe.
func (c *Client) ObserveView(v View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.viewHint {
		c.viewHint = v
	}
}

// InFlight reports whether a request is awaiting its reply.
func (c *Client) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight != nil
}
