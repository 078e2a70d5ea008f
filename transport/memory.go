// Package transport provides concrete substrates for the signaling and
// bridge contracts: an in-process memory network for tests and examples,
// and a Noise-encrypted pipe for point-to-point links.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/bridge"
	"github.com/opd-ai/peercall/identity"
	"github.com/opd-ai/peercall/signaling"
)

// inboxDepth bounds undelivered signaling messages per endpoint.
const inboxDepth = 256

// MemoryNetwork is an in-process hub connecting any number of peers. Each
// peer gets one endpoint implementing the signaling transport contract and
// the bridge dialer contract. Delivery between a peer pair is FIFO.
type MemoryNetwork struct {
	mu       sync.Mutex
	peers    map[identity.UniqueID]*MemoryEndpoint
	nextPort uint16
}

// NewMemoryNetwork creates an empty hub.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		peers:    make(map[identity.UniqueID]*MemoryEndpoint),
		nextPort: 40000,
	}
}

// Endpoint returns the peer's endpoint, registering it on first use.
func (n *MemoryNetwork) Endpoint(id identity.Identity) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	uid := id.UniqueID()
	if ep, ok := n.peers[uid]; ok {
		return ep
	}

	n.nextPort++
	ep := &MemoryEndpoint{
		net:   n,
		id:    id,
		inbox: make(chan inboundMsg, inboxDepth),
		addr:  netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), n.nextPort),
	}
	n.peers[uid] = ep

	logrus.WithFields(logrus.Fields{
		"function": "MemoryNetwork.Endpoint",
		"peer":     id.String(),
		"addr":     ep.addr.String(),
	}).Debug("Memory endpoint registered")
	return ep
}

func (n *MemoryNetwork) lookup(id identity.Identity) (*MemoryEndpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.peers[id.UniqueID()]
	return ep, ok
}

type inboundMsg struct {
	from identity.Identity
	msg  signaling.Message
}

// MemoryEndpoint is one peer's attachment to a MemoryNetwork. It
// implements signaling.Transport and bridge.Dialer.
type MemoryEndpoint struct {
	net   *MemoryNetwork
	id    identity.Identity
	inbox chan inboundMsg
	addr  netip.AddrPort

	mu          sync.Mutex
	connHandler func(identity.Identity, bridge.Conn)
}

// Identity returns the endpoint's peer identity.
func (e *MemoryEndpoint) Identity() identity.Identity {
	return e.id
}

// OnInboundConn registers the handler invoked when a remote peer dials us.
// A bridge's AttachConn is the intended handler.
func (e *MemoryEndpoint) OnInboundConn(fn func(identity.Identity, bridge.Conn)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connHandler = fn
}

// SendMessage delivers one signaling message to the peer's inbox.
func (e *MemoryEndpoint) SendMessage(ctx context.Context, peer identity.Identity, msg signaling.Message) error {
	target, ok := e.net.lookup(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.String())
	}
	select {
	case target.inbox <- inboundMsg{from: e.id, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveMessage blocks until a message arrives or the context is done.
func (e *MemoryEndpoint) ReceiveMessage(ctx context.Context) (identity.Identity, signaling.Message, error) {
	select {
	case in := <-e.inbox:
		return in.from, in.msg, nil
	case <-ctx.Done():
		return nil, signaling.Message{}, ctx.Err()
	}
}

// DiscoverEndpoint resolves the peer's synthetic loopback address.
func (e *MemoryEndpoint) DiscoverEndpoint(_ context.Context, peer identity.Identity) (netip.AddrPort, bool, error) {
	target, ok := e.net.lookup(peer)
	if !ok {
		return netip.AddrPort{}, false, fmt.Errorf("%w: %s", ErrUnknownPeer, peer.String())
	}
	return target.addr, true, nil
}

// Dial connects to the peer for media, handing the remote half to the
// peer's inbound-conn handler.
func (e *MemoryEndpoint) Dial(_ context.Context, peer identity.Identity) (bridge.Conn, error) {
	target, ok := e.net.lookup(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer.String())
	}

	local, remote := newConnPair()

	target.mu.Lock()
	handler := target.connHandler
	target.mu.Unlock()
	if handler != nil {
		handler(e.id, remote)
	}

	logrus.WithFields(logrus.Fields{
		"function": "MemoryEndpoint.Dial",
		"from":     e.id.String(),
		"to":       peer.String(),
	}).Debug("Memory conn established")
	return local, nil
}

// memConn is one half of an in-memory multiplexed connection pair.
type memConn struct {
	remote *memConn
	accept chan bridge.Stream
	done   chan struct{}
	once   *sync.Once
}

func newConnPair() (*memConn, *memConn) {
	done := make(chan struct{})
	once := &sync.Once{}
	a := &memConn{accept: make(chan bridge.Stream, 16), done: done, once: once}
	b := &memConn{accept: make(chan bridge.Stream, 16), done: done, once: once}
	a.remote, b.remote = b, a
	return a, b
}

func (c *memConn) OpenStream(ctx context.Context, _ uuid.UUID, _ bridge.StreamType) (bridge.Stream, error) {
	local, remote := newStreamPair(c.done)
	select {
	case c.remote.accept <- remote:
		return local, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) AcceptStream(ctx context.Context) (bridge.Stream, error) {
	select {
	case s := <-c.accept:
		return s, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// memStream is one half of a duplex in-memory byte pipe.
type memStream struct {
	out      chan []byte
	in       chan []byte
	connDone chan struct{}
	done     chan struct{}
	once     sync.Once
	rest     []byte
}

func newStreamPair(connDone chan struct{}) (*memStream, *memStream) {
	c1 := make(chan []byte, 64)
	c2 := make(chan []byte, 64)
	a := &memStream{out: c1, in: c2, connDone: connDone, done: make(chan struct{})}
	b := &memStream{out: c2, in: c1, connDone: connDone, done: make(chan struct{})}
	return a, b
}

func (s *memStream) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case s.out <- buf:
		return len(p), nil
	case <-s.done:
		return 0, ErrClosed
	case <-s.connDone:
		return 0, ErrClosed
	}
}

func (s *memStream) Read(p []byte) (int, error) {
	for len(s.rest) == 0 {
		select {
		case b := <-s.in:
			s.rest = b
		case <-s.done:
			return 0, io.EOF
		case <-s.connDone:
			return 0, io.EOF
		}
	}
	n := copy(p, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

func (s *memStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
