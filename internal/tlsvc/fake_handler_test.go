package tlsvc

import (
	"sync"

	"tlsvcproxy/internal/netpoll"
)

// fakeHandler records every call a VIO or TlsVc makes on it, so tests can
// assert on exactly which signal fired without needing a real net-poller.
type fakeHandler struct {
	mu sync.Mutex

	readRescheduled  int
	writeRescheduled int
	readDisabled     int
	doneEvents       []netpoll.Event
	errs             []error
	insertReady      int
	removeReady      int
}

func (h *fakeHandler) ReadReschedule()  { h.mu.Lock(); h.readRescheduled++; h.mu.Unlock() }
func (h *fakeHandler) WriteReschedule() { h.mu.Lock(); h.writeRescheduled++; h.mu.Unlock() }
func (h *fakeHandler) ReadDisable()     { h.mu.Lock(); h.readDisabled++; h.mu.Unlock() }

func (h *fakeHandler) ReadSignalDone(event netpoll.Event) {
	h.mu.Lock()
	h.doneEvents = append(h.doneEvents, event)
	h.mu.Unlock()
}

func (h *fakeHandler) ReadSignalError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *fakeHandler) ReadSignalAndUpdate(event netpoll.Event) netpoll.SignalOutcome {
	h.ReadSignalDone(event)
	return netpoll.SignalContinue
}

func (h *fakeHandler) InsertReady() { h.mu.Lock(); h.insertReady++; h.mu.Unlock() }
func (h *fakeHandler) RemoveReady() { h.mu.Lock(); h.removeReady++; h.mu.Unlock() }

func (h *fakeHandler) doneCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.doneEvents)
}

func (h *fakeHandler) lastDone() netpoll.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doneEvents[len(h.doneEvents)-1]
}

var _ netpoll.Handler = (*fakeHandler)(nil)
