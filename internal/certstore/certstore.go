// Package certstore is the certificate-lookup store indexed by local IP
// and server name. The
// handshake coordinator (internal/tlsvc) consults it exactly twice per
// connection: once to pick a default context before the TLS engine starts,
// and once more, indirectly, whenever the engine's SNI callback asks it to
// rebind to the context matching the negotiated server name.
package certstore

import (
	"crypto/tls"
	"fmt"
	"sync"

	"tlsvcproxy/internal/shared/logger"
	"tlsvcproxy/internal/shared/settings"
)

// Context bundles a certificate with the policy flags the handshake
// coordinator needs when deciding whether to hand the connection off to
// blind-tunnel mode before ever creating a TLS session.
type Context struct {
	Name        string
	Certificate *tls.Certificate
	// IsTunnelDestination marks a context that should never be TLS
	// terminated locally — e.g. a passthrough listener for a backend that
	// terminates its own TLS. See the handshake coordinator's step 3.
	IsTunnelDestination bool
}

// Store maps a local IP (the address the connection was accepted on) to a
// Context, plus one default used before SNI has resolved anything.
type Store struct {
	mu      sync.RWMutex
	byIP    map[string]*Context
	bySNI   map[string]*Context
	dflt    *Context
}

// New returns an empty store; call OnSettingsUpdate (or LoadDefault) before
// serving traffic.
func New() *Store {
	return &Store{
		byIP:  make(map[string]*Context),
		bySNI: make(map[string]*Context),
	}
}

// LoadDefault installs ctx as both the fallback default context and the
// context returned for every local IP not otherwise bound.
func (s *Store) LoadDefault(ctx *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dflt = ctx
}

// Bind associates a local IP address string with ctx.
func (s *Store) Bind(localIP string, ctx *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIP[localIP] = ctx
	s.bySNI[ctx.Name] = ctx
}

// BindSNI registers ctx for SNI-based lookup only, without binding it to
// any specific local IP — for certs.json entries that only ever get
// selected once the negotiated server name is known.
func (s *Store) BindSNI(ctx *Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySNI[ctx.Name] = ctx
}

// LookupByLocalIP returns the context bound to a local IP, or the store's
// default if none is bound.
func (s *Store) LookupByLocalIP(localIP string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ctx, ok := s.byIP[localIP]; ok {
		return ctx, nil
	}
	if s.dflt != nil {
		return s.dflt, nil
	}
	return nil, fmt.Errorf("certstore: no certificate context bound for %s and no default configured", localIP)
}

// LookupBySNI returns the context matching a negotiated server name, used
// by the engine's SNI callback to rebind the session mid-handshake.
func (s *Store) LookupBySNI(serverName string) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, ok := s.bySNI[serverName]
	return ctx, ok
}

// OnSettingsUpdate implements settings.ConfigurableModule so certificate
// bindings can be hot-reloaded without a restart.
func (s *Store) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != "certstore" {
		return nil
	}
	bindings, ok := newSettings.(map[string]*Context)
	if !ok {
		return fmt.Errorf("certstore: received incorrect settings type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIP = make(map[string]*Context, len(bindings))
	s.bySNI = make(map[string]*Context, len(bindings))
	for ip, ctx := range bindings {
		s.byIP[ip] = ctx
		s.bySNI[ctx.Name] = ctx
	}
	logger.Info().Int("count", len(bindings)).Msg("Certificate store bindings reloaded.")
	return nil
}

var _ settings.ConfigurableModule = (*Store)(nil)
