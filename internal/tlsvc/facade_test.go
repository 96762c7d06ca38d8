package tlsvc

import (
	"testing"

	"tlsvcproxy/internal/rawsock"
	"tlsvcproxy/internal/tlsvc/hooks"
)

func TestPlainReadForwardsSocketBytesToReadVIO(t *testing.T) {
	vc := newTestVC()
	vc.mode = ModeBlindTunnel
	vc.raw = &fakeRaw{readChunks: [][]byte{[]byte("tunnel-bytes")}}

	h := &fakeHandler{}
	vc.readVIO.SetHandler(h)

	result := vc.ReadIO()
	if result != ResultReadReady {
		t.Fatalf("ReadIO() = %v, want ResultReadReady", result)
	}
	if vc.readVIO.Buffer.Len() != len("tunnel-bytes") {
		t.Fatalf("buffer has %d bytes, want %d", vc.readVIO.Buffer.Len(), len("tunnel-bytes"))
	}
	if h.doneCount() != 1 {
		t.Fatalf("doneCount() = %d, want 1", h.doneCount())
	}
}

func TestPlainReadEOSOnCleanClose(t *testing.T) {
	vc := newTestVC()
	vc.mode = ModeBlindTunnel
	vc.raw = &fakeRaw{readEOF: true}

	h := &fakeHandler{}
	vc.readVIO.SetHandler(h)

	result := vc.ReadIO()
	if result != ResultEOS {
		t.Fatalf("ReadIO() = %v, want ResultEOS", result)
	}
}

func TestPlainWriteDrainsBufferToSocket(t *testing.T) {
	vc := newTestVC()
	vc.mode = ModeBlindTunnel
	raw := &fakeRaw{}
	vc.raw = raw

	vc.writeVIO.Buffer.Write([]byte("payload"))
	result := vc.WriteIO()
	if result != ResultDone {
		t.Fatalf("WriteIO() = %v, want ResultDone", result)
	}
	if len(raw.writes) != 1 || string(raw.writes[0]) != "payload" {
		t.Fatalf("writes = %v, want a single write of \"payload\"", raw.writes)
	}
	if vc.writeVIO.Buffer.Len() != 0 {
		t.Fatalf("writeVIO buffer has %d bytes left, want 0", vc.writeVIO.Buffer.Len())
	}
}

func TestPlainWriteWouldBlockReturnsWantWrite(t *testing.T) {
	vc := newTestVC()
	vc.mode = ModeBlindTunnel
	vc.raw = &fakeRaw{writeRes: rawsock.Result{WouldBlock: true}}

	vc.writeVIO.Buffer.Write([]byte("payload"))
	result := vc.WriteIO()
	if result != ResultWantWrite {
		t.Fatalf("WriteIO() = %v, want ResultWantWrite", result)
	}
}

func TestReadIODispatchesToHandshakeWhenNotDone(t *testing.T) {
	vc := newTestVC()
	vc.preAcceptState = PreAcceptDone
	vc.hookOpRequested = hooks.VerdictTerminate

	result := vc.ReadIO()
	if result != ResultDone {
		t.Fatalf("ReadIO() = %v, want ResultDone via the terminate verdict", result)
	}
	if !vc.handshakeDone {
		t.Fatalf("handshakeDone = false, want true")
	}
}

func TestWriteIORearmsOnNeedsFromRecordWrite(t *testing.T) {
	vc := newTestVC()
	vc.handshakeDone = true
	vc.mode = ModeTLS
	sess := newFakeSession()
	sess.writeN = 0 // accept nothing: forces ResultWantWrite
	vc.session = sess
	vc.recordSizing = RecordSizingOff

	h := &fakeHandler{}
	vc.handler = h
	vc.writeVIO.Buffer.Write([]byte("x"))
	vc.writeVIO.NBytes = 1

	result := vc.WriteIO()
	if result != ResultWantWrite {
		t.Fatalf("WriteIO() = %v, want ResultWantWrite", result)
	}
	if h.writeRescheduled != 1 {
		t.Fatalf("writeRescheduled = %d, want 1", h.writeRescheduled)
	}
}
