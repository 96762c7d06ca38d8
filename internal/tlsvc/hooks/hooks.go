// Package hooks is the hook runner and dual-lock invoker. It owns the
// two plugin-hook chains — pre-accept (asynchronous, one hook active at
// a time) and SNI (synchronous, walked inside the TLS engine's SNI
// callback) — plus the dispatch mechanism that lets a continuation
// always run under its own mutex without ever blocking the calling
// thread.
package hooks

import (
	"crypto/x509"
	"sync"

	"tlsvcproxy/internal/netpoll"
)

// EventID names the interception point a hook chain fires at.
type EventID int

const (
	EventPreAccept EventID = iota
	EventSNI
)

// Verdict is the plugin-requested outcome that redirects handshake
// completion.
type Verdict int

const (
	VerdictDefault Verdict = iota
	VerdictTunnel
	VerdictTerminate
)

// VC is the narrow view of a TlsVc a hook callback is allowed to act on.
// Defining it here, rather than importing the tlsvc package, keeps the
// hook chain decoupled from the façade it drives — tlsvc.TlsVc implements
// this interface structurally.
type VC interface {
	RequestTunnel()
	RequestTerminate()
	Reenable()
	// RequestSNISuspend marks the SNI hook currently running as wanting to
	// suspend the walk rather than let it continue to the next hook
	// synchronously — the hook will call Reenable itself, later, possibly
	// from another goroutine.
	RequestSNISuspend()
	// PeerCertificate gives a pre-accept hook read access to the client
	// certificate presented so far, without granting it any say over
	// validation policy: nil until a session exists and the client has
	// actually presented one.
	PeerCertificate() *x509.Certificate
}

// Continuation is a plugin's registered callback, run under its own
// mutex. The handshake coordinator holds the TlsVc's mutex while walking
// the chain, so dispatch must never block waiting for this mutex — see
// Invoker.
type Continuation struct {
	mu sync.Mutex
	fn func(event EventID, vc VC)
}

// NewContinuation wraps fn as a dispatchable continuation.
func NewContinuation(fn func(event EventID, vc VC)) *Continuation {
	return &Continuation{fn: fn}
}

// TryInvoke attempts to acquire the continuation's own mutex and, on
// success, runs fn inline before releasing it. It reports whether the
// invocation happened.
func (c *Continuation) TryInvoke(event EventID, vc VC) bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()
	c.fn(event, vc)
	return true
}

// Hook is one link in a chain, owned by the hook-registry, never by a vc.
type Hook struct {
	ID   string
	Cont *Continuation
	next *Hook
}

// Next returns the next hook in registration order, or nil at the tail.
func (h *Hook) Next() *Hook { return h.next }

// Chain is an ordered, singly-linked, append-only list of hooks bound to
// one event id. It is process-wide and read-mostly once startup
// registration finishes.
type Chain struct {
	mu   sync.RWMutex
	head *Hook
	tail *Hook
}

// NewChain returns an empty chain.
func NewChain() *Chain { return &Chain{} }

// Register appends a hook to the chain in call order.
func (c *Chain) Register(id string, fn func(event EventID, vc VC)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &Hook{ID: id, Cont: NewContinuation(fn)}
	if c.tail == nil {
		c.head = h
	} else {
		c.tail.next = h
	}
	c.tail = h
}

// Head returns the first hook in the chain, or nil if empty.
func (c *Chain) Head() *Hook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Invoker is the dual-lock invocation helper: try the
// continuation's mutex inline; on contention, post an indirection closure
// onto the runtime's affinity queue for this vc, which repeats the
// try-lock and either delivers the callback or reschedules itself again.
// A continuation thus always runs under its own mutex, and the scheduler
// never blocks waiting for one.
type Invoker struct {
	rt *netpoll.Runtime
}

// NewInvoker binds an Invoker to the runtime its indirection objects will
// be posted on.
func NewInvoker(rt *netpoll.Runtime) *Invoker {
	return &Invoker{rt: rt}
}

// Dispatch runs cont under its own mutex, either immediately or via
// repeated rescheduling.
func (inv *Invoker) Dispatch(key netpoll.AffinityKey, event EventID, vc VC, cont *Continuation) {
	if cont.TryInvoke(event, vc) {
		return
	}
	inv.rt.Post(key, func() {
		inv.Dispatch(key, event, vc, cont)
	})
}
