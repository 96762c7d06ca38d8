package tlsvc

import (
	"testing"

	"tlsvcproxy/internal/chainbuf"
	"tlsvcproxy/internal/netpoll"
	"tlsvcproxy/internal/tlsvc/engine"
)

func newTestVC() *TlsVc {
	return &TlsVc{
		handshakeReplay: chainbuf.New(),
		readVIO:         newVIO(VIOOpRead),
		writeVIO:        newVIO(VIOOpWrite),
	}
}

func TestRecordReadFillsDemandAndSignalsComplete(t *testing.T) {
	vc := newTestVC()
	sess := newFakeSession()
	sess.plaintext = []byte("hello world")
	vc.session = sess

	h := &fakeHandler{}
	vc.readVIO.SetHandler(h)
	vc.readVIO.NBytes = int64(len("hello world"))

	result := vc.recordRead()
	if result != ResultReadComplete {
		t.Fatalf("recordRead() = %v, want ResultReadComplete", result)
	}
	if vc.readVIO.Buffer.Len() != len("hello world") {
		t.Fatalf("buffer has %d bytes, want %d", vc.readVIO.Buffer.Len(), len("hello world"))
	}
	if h.doneCount() != 1 {
		t.Fatalf("doneCount() = %d, want 1", h.doneCount())
	}
}

func TestRecordReadWantReadStopsTheLoop(t *testing.T) {
	vc := newTestVC()
	sess := newFakeSession()
	vc.session = sess // no plaintext queued: Read() reports want-read

	h := &fakeHandler{}
	vc.readVIO.SetHandler(h)
	vc.readVIO.NBytes = 10

	result := vc.recordRead()
	if result != ResultWantRead {
		t.Fatalf("recordRead() = %v, want ResultWantRead", result)
	}
	if h.doneCount() != 0 {
		t.Fatalf("doneCount() = %d, want 0: want-read is not a completion", h.doneCount())
	}
}

func TestRecordReadZeroReturnSignalsEOS(t *testing.T) {
	vc := newTestVC()
	sess := newFakeSession()
	sess.readStatus = engine.StatusZeroReturn
	vc.session = sess

	h := &fakeHandler{}
	vc.readVIO.SetHandler(h)
	vc.readVIO.NBytes = 10

	result := vc.recordRead()
	if result != ResultEOS {
		t.Fatalf("recordRead() = %v, want ResultEOS", result)
	}
	if h.doneCount() != 1 || h.lastDone() != netpoll.EventEOF {
		t.Fatalf("handler did not receive a single EOF signal: %+v", h.doneEvents)
	}
}

func TestRecordReadPartialProgressReportsReadReady(t *testing.T) {
	vc := newTestVC()
	sess := newFakeSession()
	sess.plaintext = []byte("abc")
	vc.session = sess

	h := &fakeHandler{}
	vc.readVIO.SetHandler(h)
	vc.readVIO.NBytes = 10 // demands more than the fake session will ever produce

	result := vc.recordRead()
	if result != ResultReadReady {
		t.Fatalf("recordRead() = %v, want ResultReadReady: 3 bytes were produced before want-read", result)
	}
	if vc.readVIO.Buffer.Len() != 3 {
		t.Fatalf("buffer has %d bytes, want 3", vc.readVIO.Buffer.Len())
	}
}

func TestRecordReadSignalsOnItsOwnVIOEvenIfVcSwapsAfterward(t *testing.T) {
	vc := newTestVC()
	sess := newFakeSession()
	sess.plaintext = []byte("hello")
	vc.session = sess
	vc.readVIO.NBytes = int64(len("hello"))
	h := &fakeHandler{}
	vc.readVIO.SetHandler(h)

	captured := vc.readVIO
	result := vc.recordRead()
	if result != ResultReadComplete {
		t.Fatalf("recordRead() = %v, want ResultReadComplete", result)
	}
	if vc.readVIO != captured {
		t.Fatalf("test setup invariant broken: vc.readVIO changed without a swap")
	}
	if h.doneCount() != 1 {
		t.Fatalf("doneCount() = %d, want 1", h.doneCount())
	}
}
