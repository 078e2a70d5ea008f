package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/identity"
)

// DefaultIdleTimeout is how long a sub-stream may sit idle before the
// janitor reaps it.
const DefaultIdleTimeout = 30 * time.Second

// DefaultQueueDepth bounds pending frames per sub-stream.
const DefaultQueueDepth = 128

// frameLenSize is the length prefix on the wire, in bytes.
const frameLenSize = 4

// ReceiveFunc is called with each packet decoded from a peer.
type ReceiveFunc func(peer identity.Identity, pkt *Packet)

// ErrorFunc is called when inbound bytes from a peer cannot be decoded or a
// stream fails. The bridge keeps running; the callback is informational.
type ErrorFunc func(peer identity.Identity, err error)

// Config tunes a Bridge.
type Config struct {
	// IdleTimeout reaps sub-streams with no traffic. Zero selects
	// DefaultIdleTimeout.
	IdleTimeout time.Duration

	// QueueDepth bounds pending frames per sub-stream. When full the
	// oldest pending frame is dropped; fresh media beats stale media.
	// Zero selects DefaultQueueDepth.
	QueueDepth int

	// OnReceive handles decoded inbound packets. Optional.
	OnReceive ReceiveFunc

	// OnError observes inbound decode and stream failures. Optional.
	OnError ErrorFunc
}

// Stats is a snapshot of bridge traffic counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsDropped  uint64
	BytesSent       uint64
	BytesReceived   uint64
}

// Bridge frames packets onto per-peer multiplexed connections. Connections
// are dialed lazily on first send to a peer; sub-streams open lazily on the
// first packet of a (call, stream type) pair. Pending frames flush in
// strict priority order: audio first, then video, screen share, data.
type Bridge struct {
	dialer dialerFunc
	cfg    Config

	mu     sync.RWMutex
	links  map[identity.UniqueID]*peerLink
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timeProvider TimeProvider

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	packetsDropped  atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
}

type dialerFunc func(ctx context.Context, peer identity.Identity) (Conn, error)

// New creates a bridge over the given dialer and starts the idle janitor.
func New(dialer Dialer, cfg Config) (*Bridge, error) {
	if dialer == nil {
		return nil, fmt.Errorf("%w: dialer is nil", ErrTransportFailure)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		dialer:       dialer.Dial,
		cfg:          cfg,
		links:        make(map[identity.UniqueID]*peerLink),
		ctx:          ctx,
		cancel:       cancel,
		timeProvider: DefaultTimeProvider{},
	}

	b.wg.Add(1)
	go b.janitor()

	logrus.WithFields(logrus.Fields{
		"function":     "bridge.New",
		"idle_timeout": cfg.IdleTimeout,
		"queue_depth":  cfg.QueueDepth,
	}).Debug("Packet bridge created")

	return b, nil
}

// SetTimeProvider overrides the clock, for deterministic idle-reap tests.
func (b *Bridge) SetTimeProvider(tp TimeProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	b.timeProvider = tp
}

func (b *Bridge) now() time.Time {
	b.mu.RLock()
	tp := b.timeProvider
	b.mu.RUnlock()
	return tp.Now()
}

// Send frames one packet toward the peer. The connection and the
// (call, stream type) sub-stream are opened lazily. An unreachable peer
// fails fast with ErrTransportFailure; a send to a sub-stream closed by
// teardown or the janitor fails with ErrStreamClosed.
func (b *Bridge) Send(ctx context.Context, peer identity.Identity, callID uuid.UUID, pkt *Packet) error {
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}

	link, err := b.link(peer)
	if err != nil {
		return err
	}
	if err := link.ensureConn(ctx); err != nil {
		return err
	}
	return link.enqueue(ctx, callID, pkt.StreamType, data, b.now())
}

// Open eagerly establishes the connection to the peer and the sub-streams
// for the given types, so the first media packet pays no setup latency.
// Types already open are left as they are.
func (b *Bridge) Open(ctx context.Context, peer identity.Identity, callID uuid.UUID, types ...StreamType) error {
	link, err := b.link(peer)
	if err != nil {
		return err
	}
	if err := link.ensureConn(ctx); err != nil {
		return err
	}
	for _, st := range types {
		if !st.Valid() {
			return fmt.Errorf("%w: stream type %d", ErrInvalidData, uint8(st))
		}
		if _, err := link.ensureStream(ctx, streamKey{callID: callID, st: st}, b.now()); err != nil {
			return err
		}
	}
	return nil
}

// AttachConn adopts a connection the transport accepted from the peer, so
// inbound packets flow before we ever send. Attaching a peer that already
// has a connection is a no-op.
func (b *Bridge) AttachConn(peer identity.Identity, conn Conn) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	uid := peer.UniqueID()
	if _, ok := b.links[uid]; ok {
		b.mu.Unlock()
		return nil
	}
	link := newPeerLink(b, peer)
	b.links[uid] = link
	b.mu.Unlock()

	link.adoptConn(conn)
	return nil
}

// CloseCall closes every sub-stream the call holds toward the peer.
// Unknown peers and calls are a no-op; teardown must be idempotent.
func (b *Bridge) CloseCall(peer identity.Identity, callID uuid.UUID) {
	b.mu.RLock()
	link := b.links[peer.UniqueID()]
	b.mu.RUnlock()
	if link == nil {
		return
	}
	link.closeCall(callID, b.now())
}

// Stats returns a snapshot of traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		PacketsSent:     b.packetsSent.Load(),
		PacketsReceived: b.packetsReceived.Load(),
		PacketsDropped:  b.packetsDropped.Load(),
		BytesSent:       b.bytesSent.Load(),
		BytesReceived:   b.bytesReceived.Load(),
	}
}

// OpenStreamCount returns the number of open sub-streams toward the peer.
func (b *Bridge) OpenStreamCount(peer identity.Identity) int {
	b.mu.RLock()
	link := b.links[peer.UniqueID()]
	b.mu.RUnlock()
	if link == nil {
		return 0
	}
	return link.streamCount()
}

// Close tears down every connection and stops the janitor. Sends after
// Close fail with ErrBridgeClosed.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	links := make([]*peerLink, 0, len(b.links))
	for _, l := range b.links {
		links = append(links, l)
	}
	b.mu.Unlock()

	b.cancel()
	for _, l := range links {
		l.close()
	}
	b.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Bridge.Close",
	}).Info("Packet bridge closed")
}

// link returns the peer's link, creating it if absent.
func (b *Bridge) link(peer identity.Identity) (*peerLink, error) {
	uid := peer.UniqueID()

	b.mu.RLock()
	link, ok := b.links[uid]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrBridgeClosed
	}
	if ok {
		return link, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBridgeClosed
	}
	if link, ok = b.links[uid]; ok {
		return link, nil
	}
	link = newPeerLink(b, peer)
	b.links[uid] = link
	return link, nil
}

// janitor periodically reaps idle sub-streams. Cancellation is observed at
// iteration boundaries.
func (b *Bridge) janitor() {
	defer b.wg.Done()

	interval := b.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.reapIdle()
		}
	}
}

func (b *Bridge) reapIdle() {
	now := b.now()

	b.mu.RLock()
	links := make([]*peerLink, 0, len(b.links))
	for _, l := range b.links {
		links = append(links, l)
	}
	b.mu.RUnlock()

	for _, l := range links {
		reaped := l.reapIdle(now, b.cfg.IdleTimeout)
		if reaped > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "Bridge.reapIdle",
				"peer":     l.peer.String(),
				"reaped":   reaped,
			}).Debug("Idle sub-streams reaped")
		}
	}
}

// streamKey identifies one sub-stream within a peer link.
type streamKey struct {
	callID uuid.UUID
	st     StreamType
}

type pendingFrame struct {
	data     []byte
	queuedAt time.Time
}

type subStream struct {
	key        streamKey
	stream     Stream
	queue      []pendingFrame
	lastActive time.Time
	closed     bool
}

// peerLink is the per-peer state: one connection, its sub-streams and their
// pending queues, plus the flusher draining them in priority order.
type peerLink struct {
	bridge *Bridge
	peer   identity.Identity

	dialOnce sync.Once
	dialErr  error
	conn     Conn

	mu      sync.Mutex
	streams map[streamKey]*subStream
	closed  bool

	notify chan struct{}
}

func newPeerLink(b *Bridge, peer identity.Identity) *peerLink {
	return &peerLink{
		bridge:  b,
		peer:    peer,
		streams: make(map[streamKey]*subStream),
		notify:  make(chan struct{}, 1),
	}
}

// ensureConn dials the peer exactly once. A failed dial is permanent for
// the link; the caller sees ErrTransportFailure on every subsequent send.
func (l *peerLink) ensureConn(ctx context.Context) error {
	l.dialOnce.Do(func() {
		conn, err := l.bridge.dialer(ctx, l.peer)
		if err != nil {
			l.dialErr = fmt.Errorf("%w: dial %s: %v", ErrTransportFailure, l.peer.String(), err)
			return
		}
		l.conn = conn
		l.start()
	})
	return l.dialErr
}

// adoptConn installs an already-established inbound connection.
func (l *peerLink) adoptConn(conn Conn) {
	l.dialOnce.Do(func() {
		l.conn = conn
		l.start()
	})
}

func (l *peerLink) start() {
	l.bridge.wg.Add(2)
	go l.flushLoop()
	go l.acceptLoop()
}

// enqueue opens the sub-stream if needed and queues one frame.
func (l *peerLink) enqueue(ctx context.Context, callID uuid.UUID, st StreamType, data []byte, now time.Time) error {
	ss, err := l.ensureStream(ctx, streamKey{callID: callID, st: st}, now)
	if err != nil {
		return err
	}
	return l.push(ss, data, now)
}

// ensureStream returns the sub-stream for the key, opening it if absent.
// The stream open is network I/O and happens outside the link lock. A key
// whose sub-stream was closed by teardown fails with ErrStreamClosed.
func (l *peerLink) ensureStream(ctx context.Context, key streamKey, now time.Time) (*subStream, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: link to %s closed", ErrTransportFailure, l.peer.String())
	}
	ss, ok := l.streams[key]
	closed := ok && ss.closed
	l.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("%w: %s stream for call %s", ErrStreamClosed, key.st, key.callID)
	}
	if ok {
		return ss, nil
	}

	stream, err := l.conn.OpenStream(ctx, key.callID, key.st)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s stream: %v", ErrTransportFailure, key.st, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		stream.Close()
		return nil, fmt.Errorf("%w: link to %s closed", ErrTransportFailure, l.peer.String())
	}
	if existing, ok := l.streams[key]; ok {
		// Lost the open race; keep the first stream.
		l.mu.Unlock()
		stream.Close()
		return existing, nil
	}
	ss = &subStream{key: key, stream: stream, lastActive: now}
	l.streams[key] = ss
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "peerLink.ensureStream",
		"peer":     l.peer.String(),
		"call_id":  key.callID.String(),
		"stream":   key.st.String(),
	}).Debug("Sub-stream opened")

	return ss, nil
}

// push queues one frame on the sub-stream, evicting the oldest pending
// frame when the queue is full.
func (l *peerLink) push(ss *subStream, data []byte, now time.Time) error {
	l.mu.Lock()
	if ss.closed {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s stream for call %s",
			ErrStreamClosed, ss.key.st, ss.key.callID)
	}
	if len(ss.queue) >= l.bridge.cfg.QueueDepth {
		ss.queue = ss.queue[1:]
		l.bridge.packetsDropped.Add(1)
	}
	ss.queue = append(ss.queue, pendingFrame{data: data, queuedAt: now})
	ss.lastActive = now
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// flushLoop drains pending queues, always taking the highest-priority
// stream type that has work. Stale frames past their QoS budget are dropped
// instead of delivered late. Writes happen outside the link lock.
func (l *peerLink) flushLoop() {
	defer l.bridge.wg.Done()

	for {
		ss, frame, ok := l.nextFrame()
		if !ok {
			select {
			case <-l.bridge.ctx.Done():
				return
			case <-l.notify:
				continue
			}
		}

		if _, err := ss.stream.Write(frame); err != nil {
			l.failStream(ss, err)
			continue
		}
		l.bridge.packetsSent.Add(1)
		l.bridge.bytesSent.Add(uint64(len(frame)))
	}
}

// nextFrame pops the oldest pending frame of the highest-priority non-empty
// stream type and length-prefixes it. Budget-expired frames are discarded
// during the scan.
func (l *peerLink) nextFrame() (*subStream, []byte, bool) {
	now := l.bridge.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, st := range streamTypesByPriority {
		budget := st.Budget()
		for _, ss := range l.streams {
			if ss.key.st != st || ss.closed {
				continue
			}
			for len(ss.queue) > 0 {
				f := ss.queue[0]
				ss.queue = ss.queue[1:]
				if budget > 0 && now.Sub(f.queuedAt) > budget {
					l.bridge.packetsDropped.Add(1)
					continue
				}
				framed := make([]byte, frameLenSize+len(f.data))
				binary.BigEndian.PutUint32(framed[:frameLenSize], uint32(len(f.data)))
				copy(framed[frameLenSize:], f.data)
				return ss, framed, true
			}
		}
	}
	return nil, nil, false
}

func (l *peerLink) failStream(ss *subStream, err error) {
	l.mu.Lock()
	dropped := len(ss.queue)
	ss.queue = nil
	ss.closed = true
	l.mu.Unlock()

	if dropped > 0 {
		l.bridge.packetsDropped.Add(uint64(dropped))
	}
	ss.stream.Close()

	logrus.WithFields(logrus.Fields{
		"function": "peerLink.failStream",
		"peer":     l.peer.String(),
		"call_id":  ss.key.callID.String(),
		"stream":   ss.key.st.String(),
		"error":    err.Error(),
	}).Warn("Sub-stream write failed")

	if l.bridge.cfg.OnError != nil {
		l.bridge.cfg.OnError(l.peer, fmt.Errorf("%w: %v", ErrTransportFailure, err))
	}
}

// acceptLoop receives sub-streams the peer opens toward us and spawns a
// reader per stream.
func (l *peerLink) acceptLoop() {
	defer l.bridge.wg.Done()

	for {
		stream, err := l.conn.AcceptStream(l.bridge.ctx)
		if err != nil {
			if l.bridge.ctx.Err() != nil {
				return
			}
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "peerLink.acceptLoop",
				"peer":     l.peer.String(),
				"error":    err.Error(),
			}).Debug("Accept loop ended")
			return
		}

		l.bridge.wg.Add(1)
		go l.readLoop(stream)
	}
}

// readLoop decodes length-prefixed frames off one inbound stream. A frame
// that does not decode is dropped and reported; an oversized length prefix
// poisons the framing, so the stream is abandoned.
func (l *peerLink) readLoop(stream Stream) {
	defer l.bridge.wg.Done()
	defer stream.Close()

	var lenBuf [frameLenSize]byte
	for {
		if _, err := io.ReadFull(streamReader{stream}, lenBuf[:]); err != nil {
			return
		}
		frameLen := binary.BigEndian.Uint32(lenBuf[:])
		if frameLen < HeaderSize || frameLen > HeaderSize+MaxPayloadSize {
			if l.bridge.cfg.OnError != nil {
				l.bridge.cfg.OnError(l.peer, fmt.Errorf("%w: frame length %d",
					ErrInvalidData, frameLen))
			}
			return
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(streamReader{stream}, frame); err != nil {
			return
		}

		pkt, err := Unmarshal(frame)
		if err != nil {
			l.bridge.packetsDropped.Add(1)
			if l.bridge.cfg.OnError != nil {
				l.bridge.cfg.OnError(l.peer, err)
			}
			continue
		}

		l.bridge.packetsReceived.Add(1)
		l.bridge.bytesReceived.Add(uint64(frameLen))
		if l.bridge.cfg.OnReceive != nil {
			l.bridge.cfg.OnReceive(l.peer, pkt)
		}
	}
}

// streamReader adapts a Stream to io.Reader for io.ReadFull.
type streamReader struct{ s Stream }

func (r streamReader) Read(p []byte) (int, error) { return r.s.Read(p) }

// closeCall closes every sub-stream belonging to the call. Entries stay in
// the map marked closed so a late send fails with ErrStreamClosed instead
// of silently reopening; the janitor removes them once idle.
func (l *peerLink) closeCall(callID uuid.UUID, now time.Time) {
	l.mu.Lock()
	var toClose []*subStream
	for key, ss := range l.streams {
		if key.callID == callID && !ss.closed {
			ss.closed = true
			ss.queue = nil
			ss.lastActive = now
			toClose = append(toClose, ss)
		}
	}
	l.mu.Unlock()

	for _, ss := range toClose {
		ss.stream.Close()
	}
}

// reapIdle removes sub-streams idle past the timeout, closing any still
// open, and returns how many were removed.
func (l *peerLink) reapIdle(now time.Time, timeout time.Duration) int {
	l.mu.Lock()
	var toClose []*subStream
	reaped := 0
	for key, ss := range l.streams {
		if len(ss.queue) == 0 && now.Sub(ss.lastActive) > timeout {
			if !ss.closed {
				ss.closed = true
				toClose = append(toClose, ss)
			}
			delete(l.streams, key)
			reaped++
		}
	}
	l.mu.Unlock()

	for _, ss := range toClose {
		ss.stream.Close()
	}
	return reaped
}

func (l *peerLink) streamCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams)
}

func (l *peerLink) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	var toClose []*subStream
	for key, ss := range l.streams {
		ss.closed = true
		ss.queue = nil
		toClose = append(toClose, ss)
		delete(l.streams, key)
	}
	conn := l.conn
	l.mu.Unlock()

	for _, ss := range toClose {
		ss.stream.Close()
	}
	if conn != nil {
		conn.Close()
	}
}
