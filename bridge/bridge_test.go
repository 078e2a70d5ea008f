package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercall/identity"
)

// testConn records opened sub-streams and their writes, and serves inbound
// streams to AcceptStream.
type testConn struct {
	mu       sync.Mutex
	writeLog []loggedWrite
	gate     chan struct{}
	attempts int
	inbound  chan Stream
	closed   bool
}

type loggedWrite struct {
	st   StreamType
	data []byte
}

func newTestConn() *testConn {
	return &testConn{inbound: make(chan Stream, 8)}
}

func (c *testConn) OpenStream(_ context.Context, _ uuid.UUID, st StreamType) (Stream, error) {
	return &captureStream{conn: c, st: st}, nil
}

func (c *testConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.inbound:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *testConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *testConn) writes() []loggedWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]loggedWrite, len(c.writeLog))
	copy(out, c.writeLog)
	return out
}

func (c *testConn) waitAttempts(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := c.attempts
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d write attempts", n)
}

func (c *testConn) waitWrites(t *testing.T, n int) []loggedWrite {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := c.writes(); len(w) >= n {
			return w
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes, have %d", n, len(c.writes()))
	return nil
}

// captureStream records writes to its parent conn, optionally blocking on
// the conn's gate so tests can build up contention.
type captureStream struct {
	conn *testConn
	st   StreamType
}

func (s *captureStream) Write(p []byte) (int, error) {
	s.conn.mu.Lock()
	s.conn.attempts++
	gate := s.conn.gate
	s.conn.mu.Unlock()

	if gate != nil {
		<-gate
	}

	buf := make([]byte, len(p))
	copy(buf, p)
	s.conn.mu.Lock()
	s.conn.writeLog = append(s.conn.writeLog, loggedWrite{st: s.st, data: buf})
	s.conn.mu.Unlock()
	return len(p), nil
}

func (s *captureStream) Read([]byte) (int, error) { return 0, io.EOF }
func (s *captureStream) Close() error             { return nil }

// feedStream serves bytes pushed by the test to readers.
type feedStream struct {
	data chan []byte
	rest []byte
}

func newFeedStream() *feedStream {
	return &feedStream{data: make(chan []byte, 16)}
}

func (f *feedStream) Read(p []byte) (int, error) {
	for len(f.rest) == 0 {
		b, ok := <-f.data
		if !ok {
			return 0, io.EOF
		}
		f.rest = b
	}
	n := copy(p, f.rest)
	f.rest = f.rest[n:]
	return n, nil
}

func (f *feedStream) Write(p []byte) (int, error) { return len(p), nil }
func (f *feedStream) Close() error                { return nil }

type connDialer struct {
	conn *testConn
	err  error
}

func (d *connDialer) Dial(context.Context, identity.Identity) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func audioPacket(seq uint16) *Packet {
	return &Packet{
		Version:        ProtocolVersion,
		PayloadType:    111,
		SequenceNumber: seq,
		Timestamp:      uint64(seq) * 1000,
		SSRC:           1,
		StreamType:     StreamAudio,
		Payload:        []byte{byte(seq)},
	}
}

func typedPacket(st StreamType, seq uint16) *Packet {
	p := audioPacket(seq)
	p.StreamType = st
	return p
}

func TestSendDialsLazilyAndDelivers(t *testing.T) {
	conn := newTestConn()
	b, err := New(&connDialer{conn: conn}, Config{})
	require.NoError(t, err)
	defer b.Close()

	peer := identity.MustParse("bob")
	callID := uuid.New()

	require.NoError(t, b.Send(context.Background(), peer, callID, audioPacket(1)))

	writes := conn.waitWrites(t, 1)
	assert.Equal(t, StreamAudio, writes[0].st)

	// Frame = 4-byte length prefix + packet bytes.
	frame := writes[0].data
	require.GreaterOrEqual(t, len(frame), frameLenSize+HeaderSize)
	pkt, err := Unmarshal(frame[frameLenSize:])
	require.NoError(t, err)
	assert.Equal(t, uint16(1), pkt.SequenceNumber)

	assert.Equal(t, 1, b.OpenStreamCount(peer))
	assert.Eventually(t, func() bool { return b.Stats().PacketsSent == 1 },
		2*time.Second, time.Millisecond)
}

func TestSendReusesSubStream(t *testing.T) {
	conn := newTestConn()
	b, err := New(&connDialer{conn: conn}, Config{})
	require.NoError(t, err)
	defer b.Close()

	peer := identity.MustParse("bob")
	callID := uuid.New()

	for seq := uint16(1); seq <= 5; seq++ {
		require.NoError(t, b.Send(context.Background(), peer, callID, audioPacket(seq)))
	}
	conn.waitWrites(t, 5)

	assert.Equal(t, 1, b.OpenStreamCount(peer))
}

func TestSendDialFailureIsTransportFailure(t *testing.T) {
	b, err := New(&connDialer{err: errors.New("unreachable")}, Config{})
	require.NoError(t, err)
	defer b.Close()

	err = b.Send(context.Background(), identity.MustParse("bob"), uuid.New(), audioPacket(1))
	assert.ErrorIs(t, err, ErrTransportFailure)
}

func TestSendRejectsInvalidPacket(t *testing.T) {
	conn := newTestConn()
	b, err := New(&connDialer{conn: conn}, Config{})
	require.NoError(t, err)
	defer b.Close()

	bad := audioPacket(1)
	bad.Version = 1
	err = b.Send(context.Background(), identity.MustParse("bob"), uuid.New(), bad)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestFlushPriorityUnderContention(t *testing.T) {
	conn := newTestConn()
	conn.gate = make(chan struct{})
	b, err := New(&connDialer{conn: conn}, Config{})
	require.NoError(t, err)
	defer b.Close()

	peer := identity.MustParse("bob")
	callID := uuid.New()
	ctx := context.Background()

	// The first frame is popped immediately and blocks in Write on the
	// gate. Queue lower- and higher-priority work behind it, then open
	// the gate; the backlog must flush audio before video.
	require.NoError(t, b.Send(ctx, peer, callID, typedPacket(StreamData, 1)))
	conn.waitAttempts(t, 1)

	require.NoError(t, b.Send(ctx, peer, callID, typedPacket(StreamVideo, 2)))
	require.NoError(t, b.Send(ctx, peer, callID, typedPacket(StreamAudio, 3)))
	close(conn.gate)

	writes := conn.waitWrites(t, 3)
	assert.Equal(t, StreamData, writes[0].st)
	assert.Equal(t, StreamAudio, writes[1].st)
	assert.Equal(t, StreamVideo, writes[2].st)
}

func TestCloseCallThenSendFailsStreamClosed(t *testing.T) {
	conn := newTestConn()
	b, err := New(&connDialer{conn: conn}, Config{})
	require.NoError(t, err)
	defer b.Close()

	peer := identity.MustParse("bob")
	callID := uuid.New()

	require.NoError(t, b.Send(context.Background(), peer, callID, audioPacket(1)))
	conn.waitWrites(t, 1)

	b.CloseCall(peer, callID)

	err = b.Send(context.Background(), peer, callID, audioPacket(2))
	assert.ErrorIs(t, err, ErrStreamClosed)

	// Teardown is idempotent.
	b.CloseCall(peer, callID)
	b.CloseCall(identity.MustParse("nobody"), callID)
}

func TestReceivePathDecodesFrames(t *testing.T) {
	conn := newTestConn()

	received := make(chan *Packet, 8)
	errs := make(chan error, 8)
	b, err := New(&connDialer{conn: conn}, Config{
		OnReceive: func(_ identity.Identity, pkt *Packet) { received <- pkt },
		OnError:   func(_ identity.Identity, err error) { errs <- err },
	})
	require.NoError(t, err)
	defer b.Close()

	peer := identity.MustParse("alice")
	require.NoError(t, b.AttachConn(peer, conn))

	feed := newFeedStream()
	conn.inbound <- feed

	// One malformed frame (framing intact, bad packet), then a valid one.
	badFrame, err := audioPacket(7).Marshal()
	require.NoError(t, err)
	badFrame[0] = 0x00 // wrong version
	feed.data <- frameBytes(badFrame)

	goodFrame, err := audioPacket(9).Marshal()
	require.NoError(t, err)
	feed.data <- frameBytes(goodFrame)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrInvalidData)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decode error")
	}

	select {
	case pkt := <-received:
		assert.Equal(t, uint16(9), pkt.SequenceNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}

	assert.Equal(t, uint64(1), b.Stats().PacketsReceived)
	assert.Equal(t, uint64(1), b.Stats().PacketsDropped)
}

func frameBytes(pkt []byte) []byte {
	out := make([]byte, frameLenSize+len(pkt))
	out[frameLenSize-2] = byte(len(pkt) >> 8)
	out[frameLenSize-1] = byte(len(pkt))
	copy(out[frameLenSize:], pkt)
	return out
}

func TestJanitorReapsIdleStreams(t *testing.T) {
	conn := newTestConn()
	b, err := New(&connDialer{conn: conn}, Config{IdleTimeout: 30 * time.Second})
	require.NoError(t, err)
	defer b.Close()

	clock := &stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b.SetTimeProvider(clock)

	peer := identity.MustParse("bob")
	require.NoError(t, b.Send(context.Background(), peer, uuid.New(), audioPacket(1)))
	conn.waitWrites(t, 1)
	require.Equal(t, 1, b.OpenStreamCount(peer))

	clock.advance(31 * time.Second)
	b.reapIdle()

	assert.Equal(t, 0, b.OpenStreamCount(peer))
}

func TestSendAfterCloseFails(t *testing.T) {
	conn := newTestConn()
	b, err := New(&connDialer{conn: conn}, Config{})
	require.NoError(t, err)

	b.Close()
	b.Close() // idempotent

	err = b.Send(context.Background(), identity.MustParse("bob"), uuid.New(), audioPacket(1))
	assert.ErrorIs(t, err, ErrBridgeClosed)
}

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
