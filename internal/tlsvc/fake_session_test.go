package tlsvc

import (
	"crypto/x509"
	"io"

	"tlsvcproxy/internal/tlsvc/engine"
)

// fakeSession is a scriptable engine.Session double: Accept/Connect return
// whatever statuses are queued, Read/Write drain/fill plain byte slices
// rather than doing any real cryptography. It lets handshake.go and
// record_read.go/record_write.go be exercised without a real TLS library.
type fakeSession struct {
	acceptStatuses []engine.Status
	acceptIdx      int

	plaintext   []byte // bytes a Read call hands back, in order
	writeCalls  [][]byte
	writeStatus engine.Status
	writeN      int // -1 (the default) means "accept everything offered"

	readStatus engine.Status

	alpn      string
	npn       string
	peerCert  *x509.Certificate
	closed    bool
	input     io.Reader
	resumedCh chan struct{}
}

func newFakeSession(statuses ...engine.Status) *fakeSession {
	return &fakeSession{acceptStatuses: statuses, writeN: -1, resumedCh: make(chan struct{}, 8)}
}

func (f *fakeSession) Accept() engine.Status  { return f.nextStatus() }
func (f *fakeSession) Connect() engine.Status { return f.nextStatus() }

func (f *fakeSession) nextStatus() engine.Status {
	if f.acceptIdx >= len(f.acceptStatuses) {
		return engine.StatusNone
	}
	s := f.acceptStatuses[f.acceptIdx]
	f.acceptIdx++
	return s
}

func (f *fakeSession) Feed(p []byte)             {}
func (f *fakeSession) PullOutput() []byte        { return nil }
func (f *fakeSession) SetInputSource(r io.Reader) { f.input = r }

func (f *fakeSession) Read(p []byte) (int, engine.Status) {
	if len(f.plaintext) == 0 {
		if f.readStatus == engine.StatusNone {
			return 0, engine.StatusWantRead
		}
		return 0, f.readStatus
	}
	n := copy(p, f.plaintext)
	f.plaintext = f.plaintext[n:]
	return n, engine.StatusNone
}

func (f *fakeSession) Write(p []byte) (int, engine.Status) {
	f.writeCalls = append(f.writeCalls, append([]byte(nil), p...))
	n := f.writeN
	if n < 0 || n > len(p) {
		n = len(p)
	}
	status := f.writeStatus
	return n, status
}

func (f *fakeSession) SetServerName(name string)  {}
func (f *fakeSession) NegotiatedALPN() string     { return f.alpn }
func (f *fakeSession) NegotiatedNPN() string      { return f.npn }
func (f *fakeSession) PeerCertificate() *x509.Certificate { return f.peerCert }
func (f *fakeSession) Resume() {
	select {
	case f.resumedCh <- struct{}{}:
	default:
	}
}
func (f *fakeSession) Close() error { f.closed = true; return nil }

var _ engine.Session = (*fakeSession)(nil)
