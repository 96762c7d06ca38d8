// FILE: internal/core/gateway/terminate_strategy.go
package gateway

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"tlsvcproxy/internal/alpnreg"
	"tlsvcproxy/internal/certstore"
	"tlsvcproxy/internal/netpoll"
	"tlsvcproxy/internal/shared/logger"
	"tlsvcproxy/internal/tlsvc"
	"tlsvcproxy/internal/tlsvc/hooks"
)

// handshakeTimeout bounds how long TerminateStrategy waits for a TLS
// handshake (or blind-tunnel promotion) to finish before giving up on a
// connection, the way DirectStrategy bounds its own dial with
// net.DialTimeout.
const handshakeTimeout = 10 * time.Second

// TerminateStrategy is a VirtualStrategy that terminates TLS locally via
// TlsVc instead of blindly forwarding bytes, then forwards the decrypted
// stream to target the way DirectStrategy forwards an opaque one. This is
// the gateway's reverse-proxy edge path: SNI/ALPN routing still happens in
// sniffing.go before a strategy is ever chosen, but unlike DIRECT, the
// bytes this strategy hands to target are plaintext.
type TerminateStrategy struct {
	certStore *certstore.Store
	alpn      *alpnreg.Registry
	runtime   *netpoll.Runtime
	invoker   *hooks.Invoker
	preAccept *hooks.Chain
	sni       *hooks.Chain
}

// NewTerminateStrategy builds a TerminateStrategy bound to the collaborators
// a TlsVc needs at construction time. preAccept and
// sni may be empty chains (NewChain()) if the deployment has no plugins
// registered yet.
func NewTerminateStrategy(store *certstore.Store, alpn *alpnreg.Registry, rt *netpoll.Runtime, invoker *hooks.Invoker, preAccept, sni *hooks.Chain) VirtualStrategy {
	return &TerminateStrategy{
		certStore: store,
		alpn:      alpn,
		runtime:   rt,
		invoker:   invoker,
		preAccept: preAccept,
		sni:       sni,
	}
}

// Handle implements VirtualStrategy. Any bytes sniffing.go already peeked
// off inboundConn into initialReader's buffer are replayed into the vc
// before the handshake starts (see TlsVc.SeedReplay) — otherwise the
// ClientHello bytes consumed during SNI sniffing would never reach the
// engine adapter.
func (s *TerminateStrategy) Handle(inboundConn net.Conn, initialReader *bufio.Reader, target net.Addr) {
	defer inboundConn.Close()

	traceID := uuid.NewString()
	l := logger.WithComponent("gateway-terminate").With().Str("trace_id", traceID).Logger()

	vc, err := tlsvc.New(tlsvc.Config{
		Role:         tlsvc.RoleServer,
		Conn:         inboundConn,
		CertStore:    s.certStore,
		ALPN:         s.alpn,
		PreAccept:    s.preAccept,
		SNI:          s.sni,
		Invoker:      s.invoker,
		Runtime:      s.runtime,
		RecordSizing: tlsvc.RecordSizingDynamic,
	})
	if err != nil {
		l.Warn().Err(err).Str("client_ip", inboundConn.RemoteAddr().String()).Msg("Gateway: [TERMINATE] Failed to construct TlsVc")
		return
	}
	defer vc.Free()

	if initialReader != nil {
		if buffered := initialReader.Buffered(); buffered > 0 {
			peeked, _ := initialReader.Peek(buffered)
			vc.SeedReplay(peeked)
		}
	}

	conn := tlsvc.NewConn(vc)
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := conn.Handshake(ctx); err != nil {
		l.Warn().Err(err).Str("client_ip", inboundConn.RemoteAddr().String()).Msg("Gateway: [TERMINATE] Handshake failed")
		return
	}

	targetAddr := target.String()
	outboundConn, err := net.DialTimeout(target.Network(), targetAddr, 10*time.Second)
	if err != nil {
		l.Error().Err(err).Str("target_addr", targetAddr).Msg("Gateway: [TERMINATE] Failed to dial backend")
		return
	}
	defer outboundConn.Close()

	l.Debug().Str("client_ip", inboundConn.RemoteAddr().String()).Str("target_addr", targetAddr).Msg("Gateway: [TERMINATE] TLS terminated, forwarding plaintext to backend")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(outboundConn, conn)
		if tcpConn, ok := outboundConn.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, outboundConn)
	}()
	wg.Wait()
}
