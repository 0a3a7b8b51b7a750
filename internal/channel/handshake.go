package channel

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/permissionlessweb/ergors/internal/identity"
)

// TimestampWindow is the maximum clock skew tolerated on a Hello before it is
// rejected as a replay.
const TimestampWindow = 5 * time.Minute

// DefaultHandshakeTimeout bounds the whole 3-message exchange.
const DefaultHandshakeTimeout = 10 * time.Second

const handshakeLabel = "ergors/handshake/v1"

// Config parameterizes one handshake attempt.
type Config struct {
	Identity *identity.Identity

	// RemoteExpected pins the remote static key. Nil means open-discovery
	// mode: any key with a valid signature is accepted.
	RemoteExpected ed25519.PublicKey

	// HandshakeTimeout defaults to DefaultHandshakeTimeout when zero.
	HandshakeTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) timeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// hello is handshake message 1 (dialer) and the hello half of message 2
// (listener). The signature covers recipient, ephemeral key, and timestamp,
// made by the sender's static Ed25519 key.
type hello struct {
	Recipient string `json:"recipient,omitempty"`
	Ephemeral string `json:"ephemeral"`
	Static    string `json:"static"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// helloConfirm is message 2: the listener's hello plus its confirmation tag
// proving it derived the same shared secret.
type helloConfirm struct {
	Hello   hello  `json:"hello"`
	Confirm string `json:"confirm"`
}

// confirm is message 3: the dialer's confirmation tag.
type confirm struct {
	Confirm string `json:"confirm"`
}

func (h *hello) signable() []byte {
	return []byte(h.Recipient + h.Ephemeral + strconv.FormatInt(h.Timestamp, 10))
}

func makeHello(id *identity.Identity, recipientHint string, ephPub []byte, now time.Time) hello {
	h := hello{
		Recipient: recipientHint,
		Ephemeral: hex.EncodeToString(ephPub),
		Static:    hex.EncodeToString(id.PublicKey),
		Timestamp: now.Unix(),
	}
	h.Signature = hex.EncodeToString(id.Sign(h.signable()))
	return h
}

// verifyHello checks the hello's signature and timestamp and returns the
// remote static key and ephemeral point.
func verifyHello(h *hello, expected ed25519.PublicKey, now time.Time) (ed25519.PublicKey, []byte, error) {
	static, err := hex.DecodeString(h.Static)
	if err != nil || len(static) != ed25519.PublicKeySize {
		return nil, nil, ErrBadSignature
	}
	if expected != nil && !hmac.Equal(static, expected) {
		return nil, nil, ErrUnexpectedKey
	}

	drift := math.Abs(float64(now.Unix() - h.Timestamp))
	if drift > TimestampWindow.Seconds() {
		return nil, nil, ErrStaleTimestamp
	}

	sig, err := hex.DecodeString(h.Signature)
	if err != nil {
		return nil, nil, ErrBadSignature
	}
	if !identity.Verify(static, h.signable(), sig) {
		return nil, nil, ErrBadSignature
	}

	eph, err := hex.DecodeString(h.Ephemeral)
	if err != nil || len(eph) != curve25519.PointSize {
		return nil, nil, ErrBadSignature
	}
	return static, eph, nil
}

// sessionKeys are the four directional keys derived from one handshake.
type sessionKeys struct {
	dialerTraffic   [32]byte
	listenerTraffic [32]byte
	dialerConfirm   [32]byte
	listenerConfirm [32]byte
}

// transcriptHash binds the session to this exact exchange: both signed hellos,
// signatures included, hashed with SHA3-256 under a protocol label.
func transcriptHash(dialer, listener *hello) []byte {
	h := sha3.New256()
	h.Write([]byte(handshakeLabel))
	h.Write(dialer.signable())
	h.Write([]byte(dialer.Signature))
	h.Write(listener.signable())
	h.Write([]byte(listener.Signature))
	return h.Sum(nil)
}

// deriveKeys expands the ECDH shared secret and transcript into the four
// directional keys. Salting HKDF with the transcript prevents cross-session
// key reuse even if an ephemeral key were ever repeated.
func deriveKeys(shared, transcript []byte) (*sessionKeys, error) {
	var keys sessionKeys
	for _, kv := range []struct {
		label string
		out   *[32]byte
	}{
		{"dialer traffic", &keys.dialerTraffic},
		{"listener traffic", &keys.listenerTraffic},
		{"dialer confirm", &keys.dialerConfirm},
		{"listener confirm", &keys.listenerConfirm},
	} {
		r := hkdf.New(sha3.New256, shared, transcript, []byte(kv.label))
		if _, err := io.ReadFull(r, kv.out[:]); err != nil {
			return nil, fmt.Errorf("derive %s key: %w", kv.label, err)
		}
	}
	return &keys, nil
}

func confirmTag(key [32]byte, transcript []byte) string {
	mac := hmac.New(sha3.New256, key[:])
	mac.Write(transcript)
	return hex.EncodeToString(mac.Sum(nil))
}

func checkConfirm(key [32]byte, transcript []byte, got string) error {
	want := confirmTag(key, transcript)
	gotRaw, err := hex.DecodeString(got)
	if err != nil {
		return ErrConfirmMismatch
	}
	wantRaw, _ := hex.DecodeString(want)
	if !hmac.Equal(gotRaw, wantRaw) {
		return ErrConfirmMismatch
	}
	return nil
}

func newEphemeral() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("ephemeral public key: %w", err)
	}
	return priv, pub, nil
}

// Dial performs the dialer side of the handshake over conn and returns an
// established channel. conn is closed on any failure.
func Dial(conn MessageConn, cfg Config) (*Channel, error) {
	ch, err := dial(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

func dial(conn MessageConn, cfg Config) (*Channel, error) {
	deadline := time.Now().Add(cfg.timeout())
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, chanErr("handshake", err)
	}

	ephPriv, ephPub, err := newEphemeral()
	if err != nil {
		return nil, chanErr("handshake", err)
	}

	recipientHint := ""
	if cfg.RemoteExpected != nil {
		recipientHint = hex.EncodeToString(cfg.RemoteExpected)
	}
	ours := makeHello(cfg.Identity, recipientHint, ephPub, cfg.now())
	if err := writeJSON(conn, &ours); err != nil {
		return nil, chanErr("handshake send hello", err)
	}

	// Message 2: listener hello + confirmation.
	var reply helloConfirm
	if err := readJSON(conn, &reply); err != nil {
		return nil, chanErr("handshake read reply", err)
	}
	remoteStatic, remoteEph, err := verifyHello(&reply.Hello, cfg.RemoteExpected, cfg.now())
	if err != nil {
		return nil, chanErr("handshake verify", err)
	}

	shared, err := curve25519.X25519(ephPriv, remoteEph)
	if err != nil {
		return nil, chanErr("handshake", fmt.Errorf("ecdh: %w", err))
	}
	transcript := transcriptHash(&ours, &reply.Hello)
	keys, err := deriveKeys(shared, transcript)
	if err != nil {
		return nil, chanErr("handshake", err)
	}
	if err := checkConfirm(keys.listenerConfirm, transcript, reply.Confirm); err != nil {
		return nil, chanErr("handshake verify", err)
	}

	// Message 3: our confirmation.
	out := confirm{Confirm: confirmTag(keys.dialerConfirm, transcript)}
	if err := writeJSON(conn, &out); err != nil {
		return nil, chanErr("handshake send confirm", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, chanErr("handshake", err)
	}
	return newChannel(conn, remoteStatic, keys.dialerTraffic, keys.listenerTraffic), nil
}

// Accept performs the listener side of the handshake over conn. conn is
// closed on any failure.
func Accept(conn MessageConn, cfg Config) (*Channel, error) {
	ch, err := accept(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

func accept(conn MessageConn, cfg Config) (*Channel, error) {
	deadline := time.Now().Add(cfg.timeout())
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, chanErr("handshake", err)
	}

	var theirs hello
	if err := readJSON(conn, &theirs); err != nil {
		return nil, chanErr("handshake read hello", err)
	}
	remoteStatic, remoteEph, err := verifyHello(&theirs, cfg.RemoteExpected, cfg.now())
	if err != nil {
		return nil, chanErr("handshake verify", err)
	}

	ephPriv, ephPub, err := newEphemeral()
	if err != nil {
		return nil, chanErr("handshake", err)
	}
	shared, err := curve25519.X25519(ephPriv, remoteEph)
	if err != nil {
		return nil, chanErr("handshake", fmt.Errorf("ecdh: %w", err))
	}

	ours := makeHello(cfg.Identity, theirs.Static, ephPub, cfg.now())
	transcript := transcriptHash(&theirs, &ours)
	keys, err := deriveKeys(shared, transcript)
	if err != nil {
		return nil, chanErr("handshake", err)
	}

	reply := helloConfirm{Hello: ours, Confirm: confirmTag(keys.listenerConfirm, transcript)}
	if err := writeJSON(conn, &reply); err != nil {
		return nil, chanErr("handshake send reply", err)
	}

	var theirConfirm confirm
	if err := readJSON(conn, &theirConfirm); err != nil {
		return nil, chanErr("handshake read confirm", err)
	}
	if err := checkConfirm(keys.dialerConfirm, transcript, theirConfirm.Confirm); err != nil {
		return nil, chanErr("handshake verify", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, chanErr("handshake", err)
	}
	return newChannel(conn, remoteStatic, keys.listenerTraffic, keys.dialerTraffic), nil
}

func writeJSON(conn MessageConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

func readJSON(conn MessageConn, v any) error {
	data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
