package channel

import (
	"bytes"
	"net"
	"testing"
)

// TestStreamConnHandshake runs a full handshake and round trip over the
// length-prefixed stream framing, the transport used outside websockets.
func TestStreamConnHandshake(t *testing.T) {
	dialerID := newTestIdentity(t)
	listenerID := newTestIdentity(t)

	dRaw, lRaw := net.Pipe()

	type res struct {
		ch  *Channel
		err error
	}
	acceptCh := make(chan res, 1)
	go func() {
		ch, err := Accept(NewStreamConn(lRaw), Config{Identity: listenerID})
		acceptCh <- res{ch, err}
	}()

	dialer, err := Dial(NewStreamConn(dRaw), Config{
		Identity:       dialerID,
		RemoteExpected: listenerID.PublicKey,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	accepted := <-acceptCh
	if accepted.err != nil {
		t.Fatalf("Accept: %v", accepted.err)
	}
	listener := accepted.ch
	defer dialer.Close()
	defer listener.Close()

	msg := []byte("over a raw byte stream")
	recvCh := make(chan []byte, 1)
	go func() {
		got, err := listener.Receive()
		if err != nil {
			t.Errorf("Receive: %v", err)
		}
		recvCh <- got
	}()
	// net.Pipe is synchronous: the send only completes once the listener
	// reads, so Receive must already be in flight.
	if err := dialer.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := <-recvCh; !bytes.Equal(got, msg) {
		t.Fatalf("received %q, want %q", got, msg)
	}

	// And the reverse direction.
	go func() {
		if err := listener.Send(msg); err != nil {
			t.Errorf("Send back: %v", err)
		}
	}()
	got, err := dialer.Receive()
	if err != nil {
		t.Fatalf("Receive back: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip = %q, want %q", got, msg)
	}
}

func TestStreamConnRejectsOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sc := NewStreamConn(a)
	big := make([]byte, MaxMessageSize+1)
	if err := sc.WriteMessage(big); err == nil {
		t.Fatal("oversized frame should be rejected before writing")
	}
}
