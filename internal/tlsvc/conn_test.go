package tlsvc

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"tlsvcproxy/internal/tlsvc/engine"
	"tlsvcproxy/internal/tlsvc/hooks"
)

func TestConnHandshakeTimesOutWhileStuckInBlindTunnelWantRead(t *testing.T) {
	vc := newTestVC()
	vc.preAcceptState = PreAcceptDone
	vc.mode = ModeBlindTunnel
	vc.raw = &fakeRaw{readChunks: [][]byte{}}

	c := NewConn(vc)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// plainRead on an empty fakeRaw returns ResultWantRead forever, so this
	// exercises the polling wait path without hanging: handshakeDone never
	// becomes true through ReadIO alone in blind-tunnel mode, so Handshake
	// must surface the context deadline instead of spinning indefinitely.
	if err := c.Handshake(ctx); err == nil {
		t.Fatalf("Handshake completed without handshakeDone ever being set")
	}
}

func TestConnHandshakeCompletesWhenTerminateVerdictIsSet(t *testing.T) {
	vc := newTestVC()
	vc.preAcceptState = PreAcceptDone
	vc.hookOpRequested = hooks.VerdictTerminate

	c := NewConn(vc)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.Handshake(ctx); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if !vc.handshakeDone {
		t.Fatalf("handshakeDone = false, want true")
	}
}

func TestConnReadDrainsBufferedBytesWithoutCallingReadIO(t *testing.T) {
	vc := newTestVC()
	vc.handshakeDone = true
	vc.mode = ModeTLS
	vc.readVIO.Buffer.Write([]byte("already-here"))

	c := NewConn(vc)
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "already-here" {
		t.Fatalf("Read = %q, want already-here", buf[:n])
	}
}

func TestConnReadPullsFromSessionAndReturnsEOF(t *testing.T) {
	vc := newTestVC()
	vc.handshakeDone = true
	vc.mode = ModeTLS
	sess := newFakeSession()
	sess.plaintext = []byte("hi")
	vc.session = sess

	c := NewConn(vc)
	var got bytes.Buffer
	buf := make([]byte, 4)
	for {
		n, err := c.Read(buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if got.Len() >= 2 {
			// Switch the fake to report end-of-stream on the next pull.
			sess.readStatus = engine.StatusZeroReturn
		}
	}
	if got.String() != "hi" {
		t.Fatalf("got %q, want hi", got.String())
	}
}

func TestConnWriteDrainsThroughPlainWrite(t *testing.T) {
	vc := newTestVC()
	vc.handshakeDone = true
	vc.mode = ModeBlindTunnel
	raw := &fakeRaw{}
	vc.raw = raw

	c := NewConn(vc)
	n, err := c.Write([]byte("payload"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("payload") {
		t.Fatalf("Write = %d, want %d", n, len("payload"))
	}
	if len(raw.writes) != 1 || string(raw.writes[0]) != "payload" {
		t.Fatalf("writes = %v, want a single write of payload", raw.writes)
	}
}
