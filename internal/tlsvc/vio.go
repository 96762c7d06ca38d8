package tlsvc

import (
	"sync"

	"tlsvcproxy/internal/chainbuf"
	"tlsvcproxy/internal/netpoll"
)

// VIOOp names which direction a VIO drives.
type VIOOp int

const (
	VIOOpRead VIOOp = iota
	VIOOpWrite
)

// VIO is one direction's pending-operation descriptor: a buffer, a byte
// demand (NBytes), progress (NDone), and the handler signalled on
// completion. It carries its own mutex, separate from the TlsVc's.
type VIO struct {
	mu sync.Mutex

	Buffer *chainbuf.Chain
	NBytes int64
	NDone  int64
	Op     VIOOp

	handler   netpoll.Handler
	signalled bool // at most one completion signal, ever
}

func newVIO(op VIOOp) *VIO {
	return &VIO{Buffer: chainbuf.New(), Op: op}
}

// Remaining reports the demand not yet satisfied: NBytes - NDone.
func (v *VIO) Remaining() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.NBytes - v.NDone
}

// TryLock attempts to acquire the VIO's mutex without blocking; a caller
// that cannot acquire it immediately reschedules itself rather than
// stalling its worker.
func (v *VIO) TryLock() bool { return v.mu.TryLock() }
func (v *VIO) Lock()         { v.mu.Lock() }
func (v *VIO) Unlock()       { v.mu.Unlock() }

// SetHandler binds the net-handler this VIO signals through.
func (v *VIO) SetHandler(h netpoll.Handler) {
	v.mu.Lock()
	v.handler = h
	v.mu.Unlock()
}

// AddDone advances ndone by n, e.g. after decrypted bytes are appended to
// the read VIO's buffer or plaintext bytes are handed to the engine's
// write.
func (v *VIO) AddDone(n int64) {
	v.mu.Lock()
	v.NDone += n
	v.mu.Unlock()
}

// signalOnce delivers only the first completion signal of this VIO's
// lifetime.
func (v *VIO) signalOnce(fn func(netpoll.Handler)) {
	v.mu.Lock()
	if v.signalled || v.handler == nil {
		v.mu.Unlock()
		return
	}
	v.signalled = true
	h := v.handler
	v.mu.Unlock()
	fn(h)
}

// SignalReadReady reports partial progress; it is not a completion event
// and may fire any number of times.
func (v *VIO) SignalReadReady() {
	v.mu.Lock()
	h := v.handler
	done := v.signalled
	v.mu.Unlock()
	if h == nil || done {
		return
	}
	h.ReadSignalDone(netpoll.EventReadReady)
}

// SignalReadComplete, SignalEOS, and SignalError are the three mutually
// exclusive, at-most-once completion signals.
func (v *VIO) SignalReadComplete() {
	v.signalOnce(func(h netpoll.Handler) { h.ReadSignalDone(netpoll.EventReadComplete) })
}

func (v *VIO) SignalEOS() {
	v.signalOnce(func(h netpoll.Handler) { h.ReadSignalDone(netpoll.EventEOF) })
}

func (v *VIO) SignalError(err error) {
	v.signalOnce(func(h netpoll.Handler) { h.ReadSignalError(err) })
}

// signalReadCompleteRaw delivers ReadSignalDone(EventReadComplete)
// directly, bypassing the at-most-once latch. Used only by the
// blind-tunnel promotion sequence, which needs two read-complete signals
// in a row: once to wake the continuation parked on the tunnel decision,
// once more once the replayed bytes land.
func (v *VIO) signalReadCompleteRaw() {
	v.mu.Lock()
	h := v.handler
	v.mu.Unlock()
	if h != nil {
		h.ReadSignalDone(netpoll.EventReadComplete)
	}
}

// latchSignalled locks out any further completion signal through the
// normal SignalReadComplete/SignalEOS/SignalError API, once the raw
// double-signal sequence above has run.
func (v *VIO) latchSignalled() {
	v.mu.Lock()
	v.signalled = true
	v.mu.Unlock()
}

// Reset clears a VIO for reuse. It does not reset the completion latch
// independently of the whole vc's teardown — Free() replaces the VIOs
// wholesale on the next allocation instead of resetting signalled, so a
// freed connection's late-arriving events can never reach a handler that
// has moved on to a different vc.
func (v *VIO) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Buffer.Reset()
	v.NBytes = 0
	v.NDone = 0
}
