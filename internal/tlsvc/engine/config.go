package engine

import (
	"crypto/tls"

	utls "github.com/refraction-networking/utls"
)

// DefaultHelloID is the fingerprint profile client-side sessions present
// when the caller doesn't need a specific one: a single well-known
// browser profile rather than letting every dial choose its own.
var DefaultHelloID = utls.HelloChrome_Auto

// Option mutates a server-side tls.Config before the Adapter is built
// around it.
type Option func(*tls.Config)

// WithALPN sets the protocol preference list offered during the handshake,
// matching the order returned by the alpn-registry.
func WithALPN(protocols ...string) Option {
	return func(c *tls.Config) {
		if len(protocols) > 0 {
			c.NextProtos = protocols
		}
	}
}

// WithClientAuth asks for a client certificate, for the mutual-TLS
// peer-certificate accessor: with required it demands and verifies one,
// otherwise it requests one without requiring it.
func WithClientAuth(required bool) Option {
	return func(c *tls.Config) {
		if required {
			c.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			c.ClientAuth = tls.RequestClientCert
		}
	}
}

// ServerConfig builds the base *tls.Config a server-side Adapter is
// constructed from. cert is the certificate the default cert-store
// context resolved before the engine session was created; the actual
// per-SNI certificate is later swapped in by getConfigForClient.
func ServerConfig(cert tls.Certificate, opts ...Option) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// ClientConfig builds the base *utls.Config a client-side Adapter is
// constructed from, plus the fingerprint profile to present.
func ClientConfig(serverName string, alpn []string, insecureSkipVerify bool) *utls.Config {
	return &utls.Config{
		ServerName:         serverName,
		NextProtos:         alpn,
		InsecureSkipVerify: insecureSkipVerify,
	}
}
