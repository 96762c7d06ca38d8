package tlsvc

import (
	"context"
	"io"
	"sync"
	"time"

	"tlsvcproxy/internal/netpoll"
)

// idlePollInterval bounds how long Conn's blocking Read/Write wait before
// retrying a want-read/want-write result. This package has no OS-level
// readiness notifier of its own; a short bounded poll in place of one
// keeps the blocking adapter self-contained.
const idlePollInterval = 2 * time.Millisecond

// connHandler is the netpoll.Handler a Conn binds to the TlsVc it drives.
// Reschedule calls fold into small buffered wake channels instead of
// touching any outside scheduler, so a goroutine blocked in Conn.Read can
// be woken early by a concurrent Conn.Write discovering it needs a read
// (and vice versa) rather than always riding out the idle poll interval.
type connHandler struct {
	readWake  chan struct{}
	writeWake chan struct{}

	mu      sync.Mutex
	lastErr error
}

func newConnHandler() *connHandler {
	return &connHandler{
		readWake:  make(chan struct{}, 1),
		writeWake: make(chan struct{}, 1),
	}
}

func (h *connHandler) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *connHandler) ReadReschedule()  { h.wake(h.readWake) }
func (h *connHandler) WriteReschedule() { h.wake(h.writeWake) }
func (h *connHandler) ReadDisable()     {}

func (h *connHandler) ReadSignalDone(event netpoll.Event) {
	h.wake(h.readWake)
}

func (h *connHandler) ReadSignalError(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
	h.wake(h.readWake)
}

func (h *connHandler) ReadSignalAndUpdate(event netpoll.Event) netpoll.SignalOutcome {
	return netpoll.SignalContinue
}

func (h *connHandler) InsertReady() {}
func (h *connHandler) RemoveReady() {}

func (h *connHandler) takeErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.lastErr
	h.lastErr = nil
	return err
}

// Conn adapts a TlsVc into an ordinary io.ReadWriteCloser for application
// code that wants to Handshake once and then Read/Write a plaintext
// stream, the way net.Conn callers expect. internal/core/gateway's
// TerminateStrategy is the concrete caller: it terminates TLS via a Conn
// and forwards the decrypted bytes to a backend with io.Copy, the same
// shape the gateway's DIRECT forwarding uses between two net.Conns.
type Conn struct {
	vc      *TlsVc
	handler *connHandler
}

// NewConn binds a fresh connHandler to vc and returns the Conn wrapping
// it. vc must not already have a handler bound.
func NewConn(vc *TlsVc) *Conn {
	h := newConnHandler()
	vc.BindHandler(h)
	return &Conn{vc: vc, handler: h}
}

// Handshake drives the handshake coordinator to completion (TLS done, or
// promoted to blind-tunnel), blocking the calling goroutine. Only one
// goroutine should call Handshake at a time.
func (c *Conn) Handshake(ctx context.Context) error {
	for {
		switch result := c.vc.ReadIO(); result {
		case ResultDone:
			return nil
		case ResultWaitingForHook, ResultContinue:
			continue
		case ResultWantRead:
			if err := c.wait(ctx, c.handler.readWake); err != nil {
				return err
			}
		case ResultWantWrite:
			if err := c.wait(ctx, c.handler.writeWake); err != nil {
				return err
			}
		case ResultError:
			if err := c.handler.takeErr(); err != nil {
				return err
			}
			return errHandshakeFailed
		default:
			continue
		}
	}
}

func (c *Conn) wait(ctx context.Context, wake chan struct{}) error {
	t := time.NewTimer(idlePollInterval)
	defer t.Stop()
	select {
	case <-wake:
		return nil
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read returns decrypted application bytes once the handshake (or
// blind-tunnel promotion) has completed. It blocks until at least one
// byte is available, EOS, or an error.
func (c *Conn) Read(p []byte) (int, error) {
	vio := c.vc.readVIO
	for {
		vio.Lock()
		avail := vio.Buffer.Len()
		if avail > 0 {
			n, _ := vio.Buffer.Read(p)
			vio.Unlock()
			return n, nil
		}
		vio.NBytes = vio.NDone + int64(len(p))
		vio.Unlock()

		switch result := c.vc.ReadIO(); result {
		case ResultReadReady, ResultReadComplete, ResultDone, ResultContinue:
			continue
		case ResultEOS:
			return 0, io.EOF
		case ResultError:
			if err := c.handler.takeErr(); err != nil {
				return 0, err
			}
			return 0, errReadFailed
		case ResultWantRead:
			_ = c.wait(context.Background(), c.handler.readWake)
		case ResultWantWrite:
			_ = c.wait(context.Background(), c.handler.writeWake)
		default:
		}
	}
}

// Write encrypts and sends p, blocking until every byte is accepted by
// the record layer or an error occurs.
func (c *Conn) Write(p []byte) (int, error) {
	vio := c.vc.writeVIO
	vio.Lock()
	vio.Buffer.Write(p)
	vio.NBytes += int64(len(p))
	vio.Unlock()

	written := 0
	for written < len(p) {
		before := vio.Remaining()
		switch result := c.vc.WriteIO(); result {
		case ResultDone, ResultContinue:
			after := vio.Remaining()
			written += int(before - after)
			if after <= 0 {
				return len(p), nil
			}
		case ResultError:
			if err := c.handler.takeErr(); err != nil {
				return written, err
			}
			return written, errWriteFailed
		case ResultWantRead:
			after := vio.Remaining()
			written += int(before - after)
			_ = c.wait(context.Background(), c.handler.readWake)
		case ResultWantWrite:
			after := vio.Remaining()
			written += int(before - after)
			_ = c.wait(context.Background(), c.handler.writeWake)
		default:
		}
	}
	return written, nil
}

// Close tears down the underlying TlsVc.
func (c *Conn) Close() error {
	return c.vc.Free()
}
