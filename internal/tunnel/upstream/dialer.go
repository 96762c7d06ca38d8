package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

const dialTimeout = 15 * time.Second

// Profile describes one upstream relay endpoint: where it is, how to reach
// it (raw TCP or WebSocket, optionally through a local SOCKS5 hop), and the
// frame-cipher secret both ends share.
type Profile struct {
	Address   string
	Port      int
	Transport string // "tcp" (default) or "ws"
	Scheme    string // "ws" (default) or "wss", transport == "ws" only
	Path      string // WebSocket path, transport == "ws" only
	Host      string // Host header override, transport == "ws" only
	Socks5    string // optional host:port of a SOCKS5 proxy to dial through
	Multiplex bool
	Secret    string
}

// netDialer returns the stream dialer physical connections go through: a
// plain net.Dialer, or a SOCKS5-wrapped one when the profile routes its
// upstream hop through a local proxy.
func (p *Profile) netDialer() (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: dialTimeout}
	if p.Socks5 == "" {
		return direct, nil
	}
	d, err := proxy.SOCKS5("tcp", p.Socks5, nil, direct)
	if err != nil {
		return nil, fmt.Errorf("upstream: socks5 dialer for %s: %w", p.Socks5, err)
	}
	// x/net/proxy's SOCKS5 dialer has implemented ContextDialer since
	// golang.org/x/net v0.0.0-20190227: the assertion only fails on a
	// downgrade far below anything in go.mod.
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("upstream: socks5 dialer does not support context dialing")
	}
	return cd, nil
}

// dial establishes one physical connection to the relay per the profile's
// transport.
func (p *Profile) dial(ctx context.Context) (net.Conn, error) {
	nd, err := p.netDialer()
	if err != nil {
		return nil, err
	}
	hostPort := net.JoinHostPort(p.Address, strconv.Itoa(p.Port))

	switch p.Transport {
	case "ws":
		scheme := "ws"
		if p.Scheme == "wss" {
			scheme = "wss"
		}
		u := url.URL{Scheme: scheme, Host: hostPort, Path: p.Path}
		if u.Path == "" {
			u.Path = "/"
		}
		header := http.Header{}
		if p.Host != "" {
			header.Set("Host", p.Host)
		}
		dialer := websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			NetDialContext:   nd.DialContext,
		}
		ws, _, err := dialer.DialContext(ctx, u.String(), header)
		if err != nil {
			return nil, fmt.Errorf("upstream: websocket dial %s: %w", u.String(), err)
		}
		return newWSConn(ws), nil

	case "tcp", "":
		conn, err := nd.DialContext(ctx, "tcp", hostPort)
		if err != nil {
			return nil, fmt.Errorf("upstream: tcp dial %s: %w", hostPort, err)
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("upstream: unsupported transport %q", p.Transport)
	}
}
