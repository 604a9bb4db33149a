package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/vrnode/internal/logger"
	"github.com/marmos91/vrnode/pkg/vr"
)

// clientSource is the sentinel Envelope.Source a Request carries once it
// arrives over a client connection — there is no ReplicaIndex for a client,
// and the router only ever inspects Source for peer messages.
const clientSource vr.ReplicaIndex = -1

const (
	handshakePeer   byte = 1
	handshakeClient byte = 2
)

// TCPTransport is a real, out-of-process vr.Transport: every replica listens
// on its configured address and dials its peers lazily. Each direction of a
// peer pair gets its own connection — the one a replica dials is write-only
// from its side, the one accepted from a peer is read-only — so there is
// never a reader and a writer racing over the same net.Conn. Client
// connections are simpler: a client dials in once, Requests flow in and
// Replies flow back out over that same connection.
type TCPTransport struct {
	self vr.ReplicaIndex
	cfg  vr.Configuration

	dialTimeout time.Duration

	mu       sync.Mutex
	outbound map[vr.ReplicaIndex]*wireConn
	clients  map[string]*wireConn

	listener net.Listener
	inbox    chan vr.Envelope
}

// wireConn serializes writes to a connection shared between Send/Broadcast
// callers (and, for client connections, SendToClient).
type wireConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

var _ vr.Transport = (*TCPTransport)(nil)

// NewTCPTransport constructs a transport for replica self within cfg.
// ListenAndServe must be called before Recv will see any inbound traffic.
func NewTCPTransport(self vr.ReplicaIndex, cfg vr.Configuration, inboxCapacity int) *TCPTransport {
	return &TCPTransport{
		self:        self,
		cfg:         cfg,
		dialTimeout: 2 * time.Second,
		outbound:    make(map[vr.ReplicaIndex]*wireConn),
		clients:     make(map[string]*wireConn),
		inbox:       make(chan vr.Envelope, inboxCapacity),
	}
}

// ListenAndServe binds this replica's configured address and begins
// accepting peer and client connections in the background. It returns once
// the listener is bound; Close stops the accept loop.
func (t *TCPTransport) ListenAndServe(ctx context.Context) error {
	addr := t.cfg.Addresses[t.self]
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	t.listener = ln
	go t.acceptLoop(ctx)
	return nil
}

// Close stops accepting new connections and closes every open connection.
func (t *TCPTransport) Close() error {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.outbound {
		_ = c.conn.Close()
	}
	for _, c := range t.clients {
		_ = c.conn.Close()
	}
	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("tcp transport: accept failed", "error", err)
			continue
		}
		go t.handleAccepted(ctx, conn)
	}
}

func (t *TCPTransport) handleAccepted(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	kind, err := r.ReadByte()
	if err != nil {
		logger.Warn("tcp transport: handshake read failed", "error", err)
		_ = conn.Close()
		return
	}

	switch kind {
	case handshakePeer:
		idxU32, err := readUint32(r)
		if err != nil {
			logger.Warn("tcp transport: peer handshake malformed", "error", err)
			_ = conn.Close()
			return
		}
		peer := vr.ReplicaIndex(int32(idxU32))
		t.readPeerLoop(ctx, r, conn, peer)

	case handshakeClient:
		id, err := readString(r)
		if err != nil {
			logger.Warn("tcp transport: client handshake malformed", "error", err)
			_ = conn.Close()
			return
		}
		wc := &wireConn{conn: conn}
		t.mu.Lock()
		t.clients[id] = wc
		t.mu.Unlock()
		t.readClientLoop(ctx, r, wc, id)

	default:
		logger.Warn("tcp transport: unknown handshake kind", "kind", kind)
		_ = conn.Close()
	}
}

// readPeerLoop decodes envelope frames from an accepted peer connection
// until it closes or ctx is cancelled.
func (t *TCPTransport) readPeerLoop(ctx context.Context, r *bufio.Reader, conn net.Conn, peer vr.ReplicaIndex) {
	defer conn.Close()
	for {
		msgType, multiplicity, payload, err := readEnvelopeFrame(r)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("tcp transport: peer connection closed", "peer", peer, "error", err)
			}
			return
		}
		msg, err := unmarshalMessage(vr.MessageType(msgType), payload)
		if err != nil {
			logger.Warn("tcp transport: malformed peer frame, dropping", "peer", peer, "error", err)
			continue
		}
		env := vr.Envelope{Msg: msg, Source: peer, Destination: t.self, Multiplicity: int(multiplicity)}
		select {
		case t.inbox <- env:
		case <-ctx.Done():
			return
		}
	}
}

// readClientLoop decodes Request frames from a client connection until it
// closes or ctx is cancelled, then drops the client's registration.
func (t *TCPTransport) readClientLoop(ctx context.Context, r *bufio.Reader, wc *wireConn, clientID string) {
	defer func() {
		t.mu.Lock()
		if t.clients[clientID] == wc {
			delete(t.clients, clientID)
		}
		t.mu.Unlock()
		_ = wc.conn.Close()
	}()

	for {
		msgType, payload, err := readMessageFrame(r)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("tcp transport: client connection closed", "client", clientID, "error", err)
			}
			return
		}
		msg, err := unmarshalMessage(vr.MessageType(msgType), payload)
		if err != nil {
			logger.Warn("tcp transport: malformed client frame, dropping", "client", clientID, "error", err)
			continue
		}
		env := vr.Envelope{Msg: msg, Source: clientSource, Destination: t.self, Multiplicity: 1}
		select {
		case t.inbox <- env:
		case <-ctx.Done():
			return
		}
	}
}

// getOrDialPeer returns the outbound connection to peer, dialing (and
// performing the handshake) lazily on first use or after a prior write
// failure evicted the cached connection.
func (t *TCPTransport) getOrDialPeer(ctx context.Context, peer vr.ReplicaIndex) (*wireConn, error) {
	t.mu.Lock()
	if wc, ok := t.outbound[peer]; ok {
		t.mu.Unlock()
		return wc, nil
	}
	t.mu.Unlock()

	addr := t.cfg.Addresses[peer]
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial peer %d at %s: %w", peer, addr, err)
	}

	var header [5]byte
	header[0] = handshakePeer
	binary.BigEndian.PutUint32(header[1:], uint32(int32(t.self)))
	if _, err := conn.Write(header[:]); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer handshake to %d: %w", peer, err)
	}

	wc := &wireConn{conn: conn}
	t.mu.Lock()
	t.outbound[peer] = wc
	t.mu.Unlock()
	return wc, nil
}

func (t *TCPTransport) evictPeer(peer vr.ReplicaIndex, wc *wireConn) {
	t.mu.Lock()
	if t.outbound[peer] == wc {
		delete(t.outbound, peer)
	}
	t.mu.Unlock()
	_ = wc.conn.Close()
}

// Send implements vr.Transport.
func (t *TCPTransport) Send(ctx context.Context, env vr.Envelope) error {
	wc, err := t.getOrDialPeer(ctx, env.Destination)
	if err != nil {
		// Best-effort delivery: a peer that's unreachable just misses this
		// envelope, same as a dropped packet on a lossy network.
		logger.Debug("tcp transport: send failed", "destination", env.Destination, "error", err)
		return nil
	}

	multiplicity := env.Multiplicity
	if multiplicity == 0 {
		multiplicity = 1
	}
	payload, err := marshalMessage(env.Msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	wc.writeMu.Lock()
	err = writeEnvelopeFrame(wc.conn, uint32(env.Msg.MessageType()), uint32(multiplicity), payload)
	wc.writeMu.Unlock()
	if err != nil {
		t.evictPeer(env.Destination, wc)
		logger.Debug("tcp transport: send failed, connection evicted", "destination", env.Destination, "error", err)
	}
	return nil
}

// Broadcast implements vr.Transport.
func (t *TCPTransport) Broadcast(ctx context.Context, cfg vr.Configuration, self vr.ReplicaIndex, msg vr.Message) error {
	for i := 0; i < cfg.N(); i++ {
		dest := vr.ReplicaIndex(i)
		if dest == self {
			continue
		}
		if err := t.Send(ctx, vr.Envelope{Msg: msg, Source: self, Destination: dest, Multiplicity: 1}); err != nil {
			return err
		}
	}
	return nil
}

// SendToClient implements vr.Transport. A client with no live connection —
// it disconnected, or never connected to this replica at all — simply
// misses the reply, matching the interface's best-effort contract.
func (t *TCPTransport) SendToClient(ctx context.Context, clientID string, reply vr.Reply) error {
	t.mu.Lock()
	wc, ok := t.clients[clientID]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	payload, err := marshalMessage(reply)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	wc.writeMu.Lock()
	err = writeMessageFrame(wc.conn, uint32(vr.MessageReply), payload)
	wc.writeMu.Unlock()
	if err != nil {
		logger.Debug("tcp transport: reply delivery failed", "client", clientID, "error", err)
	}
	return nil
}

// Recv implements vr.Transport.
func (t *TCPTransport) Recv(ctx context.Context) (vr.Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	case <-ctx.Done():
		return vr.Envelope{}, ctx.Err()
	}
}

// writeEnvelopeFrame writes [frameLen][msgType][multiplicity][payload],
// where frameLen counts everything after itself.
func writeEnvelopeFrame(w net.Conn, msgType, multiplicity uint32, payload []byte) error {
	frameLen := 4 + 4 + len(payload)
	header := make([]byte, 4+4+4)
	binary.BigEndian.PutUint32(header[0:4], uint32(frameLen))
	binary.BigEndian.PutUint32(header[4:8], msgType)
	binary.BigEndian.PutUint32(header[8:12], multiplicity)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readEnvelopeFrame(r *bufio.Reader) (msgType, multiplicity uint32, payload []byte, err error) {
	frameLen, err := readUint32(r)
	if err != nil {
		return 0, 0, nil, err
	}
	if frameLen < 8 || frameLen > maxOpaqueBytes {
		return 0, 0, nil, fmt.Errorf("implausible frame length %d", frameLen)
	}
	msgType, err = readUint32(r)
	if err != nil {
		return 0, 0, nil, err
	}
	multiplicity, err = readUint32(r)
	if err != nil {
		return 0, 0, nil, err
	}
	payload = make([]byte, frameLen-8)
	if _, err := readFull(r, payload); err != nil {
		return 0, 0, nil, err
	}
	return msgType, multiplicity, payload, nil
}

// writeMessageFrame writes [frameLen][msgType][payload] — the simpler shape
// used on client connections, which never carry a multiplicity.
func writeMessageFrame(w net.Conn, msgType uint32, payload []byte) error {
	frameLen := 4 + len(payload)
	header := make([]byte, 4+4)
	binary.BigEndian.PutUint32(header[0:4], uint32(frameLen))
	binary.BigEndian.PutUint32(header[4:8], msgType)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readMessageFrame(r *bufio.Reader) (msgType uint32, payload []byte, err error) {
	frameLen, err := readUint32(r)
	if err != nil {
		return 0, nil, err
	}
	if frameLen < 4 || frameLen > maxOpaqueBytes {
		return 0, nil, fmt.Errorf("implausible frame length %d", frameLen)
	}
	msgType, err = readUint32(r)
	if err != nil {
		return 0, nil, err
	}
	payload = make([]byte, frameLen-4)
	if _, err := readFull(r, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DialClient opens a client-side connection to a replica's TCP transport,
// sending the handshake that registers clientID for replies. Callers own
// framing their own Requests via writeMessageFrame and reading Replies via
// readMessageFrame against the returned connection.
func DialClient(ctx context.Context, addr, clientID string) (net.Conn, error) {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	var buf []byte
	buf = append(buf, handshakeClient)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientID)))
	buf = append(buf, lenBuf...)
	buf = append(buf, []byte(clientID)...)
	if pad := (4 - (len(clientID) % 4)) % 4; pad > 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	if _, err := conn.Write(buf); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client handshake: %w", err)
	}
	return conn, nil
}
