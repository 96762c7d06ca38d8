package engine

import (
	"crypto/tls"
	"crypto/x509"
	"io"
)

// SNIOutcomeKind is the verdict an SNI hook walk hands back to the
// engine mid-handshake.
type SNIOutcomeKind int

const (
	SNIContinue SNIOutcomeKind = iota
	SNITunnel
	SNISuspend
)

// SNIOutcome is returned by the coordinator-supplied SNI callback on every
// invocation. When Kind is SNISuspend, the engine parks the handshake
// goroutine until Resume() is called (bound to TlsVc.Reenable in the
// façade); the callback is then invoked again from the top so it can walk
// forward from wherever its own hook-chain cursor left off.
type SNIOutcome struct {
	Kind        SNIOutcomeKind
	Certificate *tls.Certificate // set together with SNIContinue to rebind the cert context
}

// SNICallback is invoked synchronously inside the handshake goroutine, once
// per resumption, with the ClientHello's requested server name.
type SNICallback func(serverName string) SNIOutcome

// Session is the engine adapter contract: feed input bytes, pull output
// bytes, drive the handshake, and read back the closed status set.
// Adapter (adapter.go) is the concrete implementation built on
// crypto/tls and utls.
type Session interface {
	// Accept drives one step of a server-side handshake.
	Accept() Status
	// Connect drives one step of a client-side handshake.
	Connect() Status
	// Feed hands raw bytes read off the socket (or the handshake replay
	// buffer) to the engine's input side.
	Feed(p []byte)
	// PullOutput drains bytes the engine wants written to the socket.
	PullOutput() []byte
	// SetInputSource rebinds the engine's input side directly to r,
	// bypassing Feed — used once the handshake replay buffer drains and
	// record-layer reads should come straight from the socket shim.
	SetInputSource(r io.Reader)
	// Read decrypts up to len(p) bytes of application data.
	Read(p []byte) (int, Status)
	// Write encrypts p as application data.
	Write(p []byte) (int, Status)
	// SetServerName sets the client-side SNI extension value before Connect.
	SetServerName(name string)
	// NegotiatedALPN returns the ALPN protocol selected during the
	// handshake, or "" if none was negotiated.
	NegotiatedALPN() string
	// NegotiatedNPN always returns "" for this adapter: Go's crypto/tls
	// implements ALPN only, so an NPN selection can never exist for ALPN
	// to be preferred over.
	NegotiatedNPN() string
	// PeerCertificate returns the client's leaf certificate, if the
	// handshake requested and received one (mutual TLS).
	PeerCertificate() *x509.Certificate
	// Resume unparks a handshake goroutine blocked with StatusWantSNIResolve.
	Resume()
	Close() error
}
