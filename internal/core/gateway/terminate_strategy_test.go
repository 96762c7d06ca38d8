package gateway

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"tlsvcproxy/internal/alpnreg"
	"tlsvcproxy/internal/certstore"
	"tlsvcproxy/internal/netpoll"
	"tlsvcproxy/internal/tlsvc/hooks"
)

// selfSignedCert generates a throwaway in-memory certificate so tests never
// touch the filesystem for something New only needs to exist, not validate.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "terminate-strategy-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func newTestTerminateStrategy(t *testing.T) *TerminateStrategy {
	t.Helper()
	store := certstore.New()
	store.LoadDefault(&certstore.Context{Name: "default", Certificate: ptrCert(selfSignedCert(t))})
	rt := netpoll.NewRuntime(0)
	strategy := NewTerminateStrategy(store, alpnreg.New(), rt, hooks.NewInvoker(rt), hooks.NewChain(), hooks.NewChain())
	return strategy.(*TerminateStrategy)
}

func ptrCert(c tls.Certificate) *tls.Certificate { return &c }

// unroutableAddr never accepts a connection; TerminateStrategy should never
// reach its dial step in these tests since the handshake never completes.
type unroutableAddr struct{}

func (unroutableAddr) Network() string { return "tcp" }
func (unroutableAddr) String() string  { return "127.0.0.1:1" }

// TestHandleClosesConnectionWhenPeerHangsUpDuringHandshake verifies Handle
// tears down the inbound connection and returns, rather than hanging,
// when the client side closes before completing a TLS handshake.
func TestHandleClosesConnectionWhenPeerHangsUpDuringHandshake(t *testing.T) {
	s := newTestTerminateStrategy(t)

	server, client := net.Pipe()
	client.Close()

	done := make(chan struct{})
	go func() {
		s.Handle(server, bufio.NewReader(server), unroutableAddr{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(handshakeTimeout + 5*time.Second):
		t.Fatal("Handle did not return after the peer closed the connection")
	}
}

// TestHandleRepliesToSeedReplayWithoutPanicking exercises the initialReader
// buffered-bytes path (the bytes sniffing.go already peeked for SNI) to
// confirm SeedReplay wiring doesn't panic even when those bytes are not a
// valid ClientHello.
func TestHandleRepliesToSeedReplayWithoutPanicking(t *testing.T) {
	s := newTestTerminateStrategy(t)

	server, client := net.Pipe()
	reader := bufio.NewReader(server)

	go func() {
		client.Write([]byte{0x16, 0x03, 0x01, 0x00, 0x05, 0x01, 0x02, 0x03, 0x04, 0x05})
		client.Close()
	}()
	// Give the writer a moment so Peek below has something buffered,
	// mirroring sniffing.go's peek-before-dispatch behavior.
	time.Sleep(20 * time.Millisecond)
	reader.Peek(1)

	done := make(chan struct{})
	go func() {
		s.Handle(server, reader, unroutableAddr{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(handshakeTimeout + 5*time.Second):
		t.Fatal("Handle did not return for a malformed handshake")
	}
}
