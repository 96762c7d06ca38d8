package engine

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
)

// errAbortForTunnel is returned from getConfigForClient when the SNI
// callback hands back SNITunnel. It aborts the in-flight Handshake() call
// without ever sending a ServerHello; the handshake coordinator recognizes
// it via TunnelRequested and throws the whole engine session away in
// favor of a blind tunnel.
var errAbortForTunnel = errors.New("engine: SNI hook requested blind tunnel")

// Adapter is the concrete Session built on crypto/tls (server side) and
// utls (client side, for JA3-stable fingerprinting). It reconciles the
// library's synchronous, blocking Handshake() call with the coordinator's
// single-step drive-and-return-status protocol by running Handshake() in
// its own goroutine and using a condition variable to observe, from the
// outside, whether that goroutine is parked waiting for input, has output
// ready to flush, is parked inside the SNI hook, or has finished.
type Adapter struct {
	mu   sync.Mutex
	cond *sync.Cond

	inBuf       bytes.Buffer
	inClosed    bool
	readBlocked bool
	inputSource io.Reader

	outBuf bytes.Buffer

	sniParked       bool
	tunnelRequested bool

	started      bool
	done         bool
	handshakeErr error

	tlsConn *tls.Conn
	uConn   *utls.UConn

	onSNI      SNICallback
	serverName string

	transport *transport
}

// transport is the net.Conn the TLS library's own Conn is built on top of.
// It exists only to give Read/Write distinct names from Adapter's own
// Session.Read/Session.Write, which have a different signature.
type transport struct {
	a *Adapter
}

func (t *transport) Read(p []byte) (int, error)  { return t.a.transportRead(p) }
func (t *transport) Write(p []byte) (int, error) { return t.a.transportWrite(p) }
func (t *transport) Close() error                { return nil }
func (t *transport) LocalAddr() net.Addr         { return pipeAddr{} }
func (t *transport) RemoteAddr() net.Addr        { return pipeAddr{} }
func (t *transport) SetDeadline(time.Time) error      { return nil }
func (t *transport) SetReadDeadline(time.Time) error  { return nil }
func (t *transport) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "tlsvc" }
func (pipeAddr) String() string  { return "tlsvc-pipe" }

func newAdapter() *Adapter {
	a := &Adapter{}
	a.cond = sync.NewCond(&a.mu)
	a.transport = &transport{a: a}
	return a
}

// NewServerSession builds a server-side Adapter. onSNI, if non-nil, is
// wired as the handshake's GetConfigForClient hook, giving the coordinator
// a chance to run its SNI hook chain and either rebind the certificate
// context, suspend the handshake, or request a blind tunnel.
func NewServerSession(base *tls.Config, onSNI SNICallback) *Adapter {
	a := newAdapter()
	a.onSNI = onSNI
	cfg := base.Clone()
	cfg.GetConfigForClient = a.getConfigForClient
	a.tlsConn = tls.Server(a.transport, cfg)
	return a
}

// NewClientSession builds a client-side Adapter driven by utls with the
// given ClientHelloID fingerprint profile (e.g. utls.HelloChrome_Auto).
func NewClientSession(base *utls.Config, helloID utls.ClientHelloID) (*Adapter, error) {
	a := newAdapter()
	uc := utls.UClient(a.transport, base, helloID)
	a.uConn = uc
	return a, nil
}

func (a *Adapter) SetServerName(name string) {
	a.serverName = name
	if a.uConn != nil {
		a.uConn.SetSNI(name)
	}
}

func (a *Adapter) ensureStarted(run func() error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()
	go func() {
		err := run()
		a.mu.Lock()
		a.done = true
		a.handshakeErr = err
		a.cond.Broadcast()
		a.mu.Unlock()
	}()
}

// step blocks until the handshake goroutine has reached one of the states
// the Session contract can report, then returns the corresponding Status.
func (a *Adapter) step() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if a.done {
			return classifyHandshakeErr(a.handshakeErr)
		}
		if a.sniParked {
			return StatusWantSNIResolve
		}
		if a.outBuf.Len() > 0 {
			return StatusWantWrite
		}
		if a.readBlocked {
			return StatusWantRead
		}
		a.cond.Wait()
	}
}

func (a *Adapter) Accept() Status {
	a.ensureStarted(a.tlsConn.Handshake)
	return a.step()
}

func (a *Adapter) Connect() Status {
	a.ensureStarted(func() error {
		if a.uConn != nil {
			return a.uConn.Handshake()
		}
		return a.tlsConn.Handshake()
	})
	return a.step()
}

func (a *Adapter) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	a.mu.Lock()
	a.inBuf.Write(p)
	a.cond.Broadcast()
	a.mu.Unlock()
}

func (a *Adapter) PullOutput() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outBuf.Len() == 0 {
		return nil
	}
	out := make([]byte, a.outBuf.Len())
	a.outBuf.Read(out)
	return out
}

func (a *Adapter) SetInputSource(r io.Reader) {
	a.mu.Lock()
	a.inputSource = r
	a.cond.Broadcast()
	a.mu.Unlock()
}

// transportRead implements the transport's Read. With no inputSource
// bound, it blocks on the adapter's condition variable until Feed hands
// over more bytes, modeling the engine's "want read" state for the
// coordinator to observe via step().
func (a *Adapter) transportRead(p []byte) (int, error) {
	a.mu.Lock()
	src := a.inputSource
	a.mu.Unlock()
	if src != nil {
		return src.Read(p)
	}
	a.mu.Lock()
	for a.inBuf.Len() == 0 && !a.inClosed {
		a.readBlocked = true
		a.cond.Broadcast()
		a.cond.Wait()
	}
	a.readBlocked = false
	if a.inBuf.Len() == 0 && a.inClosed {
		a.mu.Unlock()
		return 0, io.EOF
	}
	n, _ := a.inBuf.Read(p)
	a.mu.Unlock()
	return n, nil
}

func (a *Adapter) transportWrite(p []byte) (int, error) {
	a.mu.Lock()
	a.outBuf.Write(p)
	a.cond.Broadcast()
	a.mu.Unlock()
	return len(p), nil
}

// getConfigForClient is crypto/tls's per-connection hook, wired as the SNI
// callback. It loops so that a suspended hook chain (SNISuspend) can be
// resumed and re-walked from its own cursor without losing the original
// ClientHelloInfo.
func (a *Adapter) getConfigForClient(chi *tls.ClientHelloInfo) (*tls.Config, error) {
	if a.onSNI == nil {
		return nil, nil
	}
	for {
		outcome := a.onSNI(chi.ServerName)
		switch outcome.Kind {
		case SNITunnel:
			a.mu.Lock()
			a.tunnelRequested = true
			a.mu.Unlock()
			return nil, errAbortForTunnel
		case SNISuspend:
			a.mu.Lock()
			a.sniParked = true
			a.cond.Broadcast()
			for a.sniParked {
				a.cond.Wait()
			}
			a.mu.Unlock()
			continue
		default: // SNIContinue
			if outcome.Certificate == nil {
				return nil, nil
			}
			return &tls.Config{Certificates: []tls.Certificate{*outcome.Certificate}}, nil
		}
	}
}

func (a *Adapter) Resume() {
	a.mu.Lock()
	a.sniParked = false
	a.cond.Broadcast()
	a.mu.Unlock()
}

// TunnelRequested reports whether the SNI hook chain asked for a blind
// tunnel. The coordinator checks this whenever step() reports
// StatusWantSNIResolve.
func (a *Adapter) TunnelRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tunnelRequested
}

func (a *Adapter) Read(p []byte) (int, Status) {
	var n int
	var err error
	if a.uConn != nil {
		n, err = a.uConn.Read(p)
	} else {
		n, err = a.tlsConn.Read(p)
	}
	if err != nil {
		return n, classifyIOErr(err)
	}
	return n, StatusNone
}

func (a *Adapter) Write(p []byte) (int, Status) {
	var n int
	var err error
	if a.uConn != nil {
		n, err = a.uConn.Write(p)
	} else {
		n, err = a.tlsConn.Write(p)
	}
	if err != nil {
		return n, classifyIOErr(err)
	}
	return n, StatusNone
}

func (a *Adapter) NegotiatedALPN() string {
	if a.uConn != nil {
		return a.uConn.ConnectionState().NegotiatedProtocol
	}
	if a.tlsConn != nil {
		return a.tlsConn.ConnectionState().NegotiatedProtocol
	}
	return ""
}

// NegotiatedNPN always reports "": see the doc comment on Session.
func (a *Adapter) NegotiatedNPN() string { return "" }

func (a *Adapter) PeerCertificate() *x509.Certificate {
	var certs []*x509.Certificate
	if a.uConn != nil {
		certs = a.uConn.ConnectionState().PeerCertificates
	} else if a.tlsConn != nil {
		certs = a.tlsConn.ConnectionState().PeerCertificates
	}
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	a.inClosed = true
	a.cond.Broadcast()
	a.mu.Unlock()
	if a.uConn != nil {
		return a.uConn.Close()
	}
	if a.tlsConn != nil {
		return a.tlsConn.Close()
	}
	return nil
}

func classifyHandshakeErr(err error) Status {
	if err == nil {
		return StatusNone
	}
	if errors.Is(err, errAbortForTunnel) {
		return StatusWantSNIResolve
	}
	if errors.Is(err, io.EOF) {
		return StatusZeroReturn
	}
	return StatusSSLError
}

func classifyIOErr(err error) Status {
	if err == nil {
		return StatusNone
	}
	if errors.Is(err, io.EOF) {
		return StatusZeroReturn
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return StatusWantRead
	}
	return StatusSSLError
}

var _ Session = (*Adapter)(nil)
