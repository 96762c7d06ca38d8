// Package upstream relays gateway connections to a remote relay daemon
// over a shared, multiplexed, frame-encrypted link. It backs the
// dispatcher's TUNNEL routing decision: where DIRECT dials the sniffed
// target itself, TUNNEL hands the byte stream — TLS-promoted blind-tunnel
// streams included — to the relay and lets it complete the last hop.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xtaci/smux"

	"tlsvcproxy/internal/shared/logger"
	"tlsvcproxy/internal/shared/securecrypt"
)

// Strategy implements the gateway's VirtualStrategy contract over the
// relay link. When the profile enables multiplexing, all connections share
// one smux session; otherwise each connection dials its own.
type Strategy struct {
	profile *Profile
	cipher  *securecrypt.Cipher
	log     zerolog.Logger

	sessionMu sync.Mutex
	session   *smux.Session

	closeOnce sync.Once
}

// NewStrategy builds a Strategy for the given relay profile.
func NewStrategy(p *Profile) (*Strategy, error) {
	cipher, err := securecrypt.New(p.Secret)
	if err != nil {
		return nil, err
	}
	return &Strategy{
		profile: p,
		cipher:  cipher,
		log:     logger.WithComponent("tunnel-upstream"),
	}, nil
}

// Handle implements VirtualStrategy: open a stream to the relay, name the
// original target in the metadata frame, then pump sealed frames both ways
// until either side hangs up. Bytes the gateway already buffered while
// sniffing (initialReader) are replayed to the relay ahead of anything
// still on the wire, so a tunneled TLS ClientHello arrives intact.
func (s *Strategy) Handle(inboundConn net.Conn, initialReader *bufio.Reader, target net.Addr) {
	defer inboundConn.Close()

	stream, err := s.openStream()
	if err != nil {
		s.log.Error().Err(err).Str("target", target.String()).Msg("Gateway: [TUNNEL] Failed to reach relay")
		return
	}
	defer stream.Close()

	host, portStr, err := net.SplitHostPort(target.String())
	if err != nil {
		s.log.Warn().Err(err).Str("target", target.String()).Msg("Gateway: [TUNNEL] Unusable target address")
		return
	}
	port, _ := net.LookupPort("tcp", portStr)
	meta := &metadata{network: streamTCP, host: host, port: port}
	record, err := meta.marshal()
	if err != nil {
		s.log.Warn().Err(err).Msg("Gateway: [TUNNEL] Metadata marshal failed")
		return
	}
	if err := writeFrame(stream, s.cipher, record); err != nil {
		s.log.Warn().Err(err).Msg("Gateway: [TUNNEL] Metadata send failed")
		return
	}

	var uplink io.Reader = inboundConn
	if initialReader != nil {
		if buffered := initialReader.Buffered(); buffered > 0 {
			peeked, _ := initialReader.Peek(buffered)
			replay := make([]byte, buffered)
			copy(replay, peeked)
			initialReader.Discard(buffered)
			uplink = io.MultiReader(bytes.NewReader(replay), inboundConn)
		}
	}

	s.log.Debug().
		Str("client_ip", inboundConn.RemoteAddr().String()).
		Str("target", target.String()).
		Msg("Gateway: [TUNNEL] Relaying through upstream")
	s.relay(inboundConn, uplink, stream)
}

// openStream returns a stream on the shared mux session, or a dedicated
// single-stream session when multiplexing is off. A dead shared session is
// dropped and redialed once.
func (s *Strategy) openStream() (*smux.Stream, error) {
	for attempt := 0; ; attempt++ {
		session, err := s.getOrCreateSession()
		if err != nil {
			return nil, err
		}
		stream, err := session.OpenStream()
		if err == nil {
			return stream, nil
		}
		s.sessionMu.Lock()
		if s.session == session {
			s.session.Close()
			s.session = nil
		}
		s.sessionMu.Unlock()
		if attempt > 0 {
			return nil, fmt.Errorf("upstream: open stream: %w", err)
		}
	}
}

// getOrCreateSession manages the shared smux session's lifecycle.
func (s *Strategy) getOrCreateSession() (*smux.Session, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.profile.Multiplex && s.session != nil && !s.session.IsClosed() {
		return s.session, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := s.profile.dial(ctx)
	if err != nil {
		return nil, err
	}

	cfg := smux.DefaultConfig()
	cfg.Version = 2
	cfg.KeepAliveInterval = 10 * time.Second
	cfg.KeepAliveTimeout = 30 * time.Second
	session, err := smux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream: smux session: %w", err)
	}
	if s.profile.Multiplex {
		s.session = session
		s.log.Info().Str("relay", s.profile.Address).Msg("Gateway: [TUNNEL] New mux session established")
	}
	return session, nil
}

// relay pumps bytes both ways: plaintext from uplink is sealed into frames
// toward the relay; frames from the relay are opened and written back to
// the client.
func (s *Strategy) relay(client net.Conn, uplink io.Reader, stream *smux.Stream) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := make([]byte, maxFramePlaintext)
		for {
			n, err := uplink.Read(buf)
			if n > 0 {
				if wErr := writeFrame(stream, s.cipher, buf[:n]); wErr != nil {
					break
				}
			}
			if err != nil {
				stream.Close()
				break
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			plain, err := readFrame(stream, s.cipher)
			if err != nil {
				break
			}
			if _, err := client.Write(plain); err != nil {
				break
			}
		}
		client.Close()
	}()

	wg.Wait()
}

// Close tears down the shared mux session, if any.
func (s *Strategy) Close() {
	s.closeOnce.Do(func() {
		s.sessionMu.Lock()
		if s.session != nil {
			s.session.Close()
			s.session = nil
		}
		s.sessionMu.Unlock()
	})
}
