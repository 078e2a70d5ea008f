package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/identity"
	"github.com/opd-ai/peercall/signaling"
)

// maxNoiseFrame bounds one encrypted frame on the pipe. Noise caps a
// single message at 64KB, so larger signaling payloads are chunked.
const maxNoiseFrame = noise.MaxMsgLen

// chunkSize leaves room for the AEAD tag within one Noise message.
const chunkSize = maxNoiseFrame - 1024

// noiseCipherSuite matches the rest of the ecosystem: Curve25519 key
// agreement, ChaCha20-Poly1305 AEAD, SHA-256 hashing.
var noiseCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// GenerateKeypair creates a static keypair for NoisePipe endpoints.
func GenerateKeypair() (noise.DHKey, error) {
	return noiseCipherSuite.GenerateKeypair(rand.Reader)
}

// NoisePipe is a signaling transport for exactly one remote peer over a
// raw byte pipe, secured with a Noise XX handshake: mutual authentication
// without prior key knowledge. Both sides must run Handshake before any
// message I/O.
type NoisePipe struct {
	pipe      io.ReadWriter
	peer      identity.Identity
	initiator bool
	hsKey     noise.DHKey

	mu         sync.Mutex
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

// NewNoisePipe wraps a byte pipe toward the given peer. The static keypair
// is this side's long-term identity key.
func NewNoisePipe(pipe io.ReadWriter, peer identity.Identity, staticKey noise.DHKey, initiator bool) (*NoisePipe, error) {
	if pipe == nil {
		return nil, fmt.Errorf("%w: nil pipe", ErrHandshakeFailed)
	}
	if peer == nil {
		return nil, fmt.Errorf("%w: nil peer", ErrHandshakeFailed)
	}
	return &NoisePipe{
		pipe:      pipe,
		peer:      peer,
		initiator: initiator,
		hsKey:     staticKey,
	}, nil
}

// Handshake runs the XX pattern to completion: three messages, after which
// both directions have independent cipher states.
func (n *NoisePipe) Handshake() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.complete {
		return nil
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseCipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     n.initiator,
		StaticKeypair: n.hsKey,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	// XX: initiator sends message 1 and 3, responder message 2.
	writeTurn := n.initiator
	for n.sendCipher == nil || n.recvCipher == nil {
		if writeTurn {
			msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
			if err != nil {
				return fmt.Errorf("%w: write: %v", ErrHandshakeFailed, err)
			}
			if err := n.writeFrame(msg); err != nil {
				return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
			}
			n.adoptCiphers(cs1, cs2)
		} else {
			frame, err := n.readFrame()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
			}
			_, cs1, cs2, err := hs.ReadMessage(nil, frame)
			if err != nil {
				return fmt.Errorf("%w: read: %v", ErrHandshakeFailed, err)
			}
			n.adoptCiphers(cs1, cs2)
		}
		writeTurn = !writeTurn
	}
	n.complete = true

	logrus.WithFields(logrus.Fields{
		"function":  "NoisePipe.Handshake",
		"peer":      n.peer.String(),
		"initiator": n.initiator,
	}).Info("Noise handshake complete")
	return nil
}

// adoptCiphers maps the handshake's cipher pair onto send/receive
// directions. flynn/noise returns them in initiator order.
func (n *NoisePipe) adoptCiphers(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if n.initiator {
		n.sendCipher, n.recvCipher = cs1, cs2
	} else {
		n.sendCipher, n.recvCipher = cs2, cs1
	}
}

// SendMessage encrypts and writes one signaling message. The peer argument
// must be the pipe's fixed peer.
func (n *NoisePipe) SendMessage(_ context.Context, peer identity.Identity, msg signaling.Message) error {
	if peer == nil || peer.UniqueID() != n.peer.UniqueID() {
		return fmt.Errorf("%w: pipe is bound to %s", ErrUnknownPeer, n.peer.String())
	}

	plaintext, err := msg.Marshal()
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.complete {
		return ErrHandshakeRequired
	}

	// Chunk so each ciphertext fits one Noise message. The chunk count
	// prefix frames the whole signaling message.
	chunks := (len(plaintext) + chunkSize - 1) / chunkSize
	if chunks == 0 {
		chunks = 1
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(chunks))
	sealed, err := n.sendCipher.Encrypt(nil, nil, head[:])
	if err != nil {
		return fmt.Errorf("%w: encrypt: %v", ErrClosed, err)
	}
	if err := n.writeFrame(sealed); err != nil {
		return err
	}
	for i := 0; i < chunks; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(plaintext) {
			hi = len(plaintext)
		}
		sealed, err := n.sendCipher.Encrypt(nil, nil, plaintext[lo:hi])
		if err != nil {
			return fmt.Errorf("%w: encrypt: %v", ErrClosed, err)
		}
		if err := n.writeFrame(sealed); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveMessage reads and decrypts one signaling message. The context is
// advisory; a blocking pipe read is only interrupted by pipe closure.
func (n *NoisePipe) ReceiveMessage(ctx context.Context) (identity.Identity, signaling.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, signaling.Message{}, err
	}

	n.mu.Lock()
	recv := n.recvCipher
	complete := n.complete
	n.mu.Unlock()
	if !complete {
		return nil, signaling.Message{}, ErrHandshakeRequired
	}

	head, err := n.readDecrypt(recv)
	if err != nil {
		return nil, signaling.Message{}, err
	}
	if len(head) != 4 {
		return nil, signaling.Message{}, fmt.Errorf("%w: bad chunk header", ErrClosed)
	}
	chunks := binary.BigEndian.Uint32(head)
	if chunks == 0 || chunks > (signaling.MaxPayloadSize/chunkSize)+2 {
		return nil, signaling.Message{}, fmt.Errorf("%w: chunk count %d", ErrClosed, chunks)
	}

	var plaintext []byte
	for i := uint32(0); i < chunks; i++ {
		part, err := n.readDecrypt(recv)
		if err != nil {
			return nil, signaling.Message{}, err
		}
		plaintext = append(plaintext, part...)
	}

	msg, err := signaling.UnmarshalMessage(plaintext)
	if err != nil {
		return nil, signaling.Message{}, err
	}
	return n.peer, msg, nil
}

// DiscoverEndpoint always reports no resolvable endpoint; a pipe has no
// address of its own.
func (n *NoisePipe) DiscoverEndpoint(context.Context, identity.Identity) (netip.AddrPort, bool, error) {
	return netip.AddrPort{}, false, nil
}

func (n *NoisePipe) readDecrypt(recv *noise.CipherState) ([]byte, error) {
	frame, err := n.readFrame()
	if err != nil {
		return nil, err
	}
	plain, err := recv.Decrypt(nil, nil, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrClosed, err)
	}
	return plain, nil
}

func (n *NoisePipe) writeFrame(frame []byte) error {
	if len(frame) > maxNoiseFrame {
		return fmt.Errorf("%w: frame %d exceeds %d", ErrClosed, len(frame), maxNoiseFrame)
	}
	var head [2]byte
	binary.BigEndian.PutUint16(head[:], uint16(len(frame)))
	if _, err := n.pipe.Write(head[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if _, err := n.pipe.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (n *NoisePipe) readFrame() ([]byte, error) {
	var head [2]byte
	if _, err := io.ReadFull(n.pipe, head[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	frame := make([]byte, binary.BigEndian.Uint16(head[:]))
	if _, err := io.ReadFull(n.pipe, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return frame, nil
}
