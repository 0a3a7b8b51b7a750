// Package channel implements the authenticated, encrypted, ordered message
// stream between two node identities: a 3-message signed-ephemeral handshake
// followed by a ChaCha20-Poly1305 record layer with strictly increasing
// per-direction counters.
package channel

import (
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/binary"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/permissionlessweb/ergors/internal/identity"
)

// Channel is an established secure channel. Send and Receive are blocking;
// Close is safe to call from any goroutine and unblocks both promptly.
type Channel struct {
	conn         MessageConn
	remoteStatic ed25519.PublicKey
	remoteID     string

	sendMu   sync.Mutex
	sendAEAD cipher.AEAD
	sendSeq  uint64

	recvMu   sync.Mutex
	recvAEAD cipher.AEAD
	recvSeq  uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func newChannel(conn MessageConn, remoteStatic ed25519.PublicKey, sendKey, recvKey [32]byte) *Channel {
	// Key sizes are fixed by the KDF, so construction cannot fail.
	sendAEAD, _ := chacha20poly1305.New(sendKey[:])
	recvAEAD, _ := chacha20poly1305.New(recvKey[:])
	return &Channel{
		conn:         conn,
		remoteStatic: remoteStatic,
		remoteID:     identity.IDFromPublicKey(remoteStatic),
		sendAEAD:     sendAEAD,
		recvAEAD:     recvAEAD,
		closed:       make(chan struct{}),
	}
}

// RemoteKey returns the remote peer's static public key authenticated during
// the handshake.
func (c *Channel) RemoteKey() ed25519.PublicKey { return c.remoteStatic }

// RemoteID returns the remote peer's node identifier.
func (c *Channel) RemoteID() string { return c.remoteID }

// recordNonce builds the 12-byte AEAD nonce for a sequence number: four zero
// bytes followed by the big-endian counter.
func recordNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// Send encrypts and transmits one message. The record carries its sequence
// number in clear as additional authenticated data; the counter never wraps —
// exhaustion is a terminal error and the channel must be re-established.
func (c *Channel) Send(plaintext []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closed:
		return chanErr("send", ErrClosed)
	default:
	}

	if c.sendSeq == math.MaxUint64 {
		c.Close()
		return chanErr("send", ErrCounterExhausted)
	}
	seq := c.sendSeq

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	frame := make([]byte, 8, 8+len(plaintext)+c.sendAEAD.Overhead())
	copy(frame, seqBytes[:])
	frame = c.sendAEAD.Seal(frame, recordNonce(seq), plaintext, seqBytes[:])

	if err := c.conn.WriteMessage(frame); err != nil {
		c.Close()
		return chanErr("send", err)
	}
	c.sendSeq++
	return nil
}

// Receive blocks for the next message and decrypts it. A record whose
// sequence is not exactly the next expected value is a protocol violation:
// the channel is closed and the error is terminal.
func (c *Channel) Receive() ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	select {
	case <-c.closed:
		return nil, chanErr("receive", ErrClosed)
	default:
	}

	frame, err := c.conn.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return nil, chanErr("receive", ErrClosed)
		default:
		}
		c.Close()
		return nil, chanErr("receive", err)
	}
	if len(frame) < 8 {
		c.Close()
		return nil, chanErr("receive", ErrBadRecord)
	}

	seq := binary.BigEndian.Uint64(frame[:8])
	if seq != c.recvSeq {
		c.Close()
		return nil, chanErr("receive", ErrNonceOutOfOrder)
	}

	plaintext, err := c.recvAEAD.Open(nil, recordNonce(seq), frame[8:], frame[:8])
	if err != nil {
		c.Close()
		return nil, chanErr("receive", ErrBadRecord)
	}

	if c.recvSeq == math.MaxUint64 {
		c.Close()
		return nil, chanErr("receive", ErrCounterExhausted)
	}
	c.recvSeq++
	return plaintext, nil
}

// Close tears down the channel and its underlying transport. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// Done is closed when the channel has been torn down.
func (c *Channel) Done() <-chan struct{} { return c.closed }
