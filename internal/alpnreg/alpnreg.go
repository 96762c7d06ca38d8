// Package alpnreg is the protocol-selection registry for ALPN. The
// handshake coordinator resolves a negotiated protocol string into a
// concrete endpoint through this registry; a protocol no registrant
// claims is a configuration error.
package alpnreg

import (
	"sync"
)

// Endpoint is whatever downstream consumer a negotiated ALPN protocol
// string is bound to — e.g. an HTTP/2 handler versus a plain HTTP/1.1
// forwarder. It is opaque to the TLS engine and the handshake coordinator;
// only alpnreg and its registrants know its concrete type.
type Endpoint interface {
	Name() string
}

// Registry maps negotiated protocol strings to endpoints and supplies
// the advertisement list servers offer.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	order     []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{endpoints: make(map[string]Endpoint)}
}

// Register binds a protocol name (e.g. "h2") to an endpoint. Registration
// order is preserved and is what AdvertiseProtocols returns, so the
// server's ALPN preference order matches registration order.
func (r *Registry) Register(protocol string, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[protocol]; !exists {
		r.order = append(r.order, protocol)
	}
	r.endpoints[protocol] = ep
}

// AdvertiseProtocols returns the ALPN protocol list to offer, in
// registration order.
func (r *Registry) AdvertiseProtocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// FindEndpoint resolves a negotiated protocol string to its endpoint. The
// second return value is false when no registrant claims that protocol,
// which the handshake coordinator treats as a configuration error.
func (r *Registry) FindEndpoint(protocol string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[protocol]
	return ep, ok
}
