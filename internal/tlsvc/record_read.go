package tlsvc

import (
	"time"

	"tlsvcproxy/internal/tlsvc/engine"
)

// rebindRecordInput mirrors rebindEngineInput for the post-handshake
// read path: once the handshake replay
// buffer drains, the engine's input side permanently switches to reading
// straight off the socket; until then, reads keep coming from whatever
// replay bytes remain.
func (vc *TlsVc) rebindRecordInput() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.handshakeReplay != nil {
		if vc.handshakeReplay.Len() == 0 {
			vc.handshakeReplay = nil
			vc.session.SetInputSource(&socketReader{conn: vc.raw})
			return
		}
		vc.session.SetInputSource(&replayReader{chain: vc.handshakeReplay})
		return
	}
	vc.session.SetInputSource(&socketReader{conn: vc.raw})
}

// recordRead is the record-layer read path: decrypt
// into the read VIO's chain-buffer write blocks until demand is
// satisfied, the engine blocks, or the connection ends.
func (vc *TlsVc) recordRead() Result {
	vio := vc.readVIO
	vc.rebindRecordInput()

	vio.Lock()
	produced := int64(0)
	result := ResultReadReady

decryptLoop:
	for {
		ntodo := vio.NBytes - vio.NDone
		if ntodo <= 0 {
			break
		}
		slots := vio.Buffer.WriteSlices(1)
		if len(slots) == 0 {
			break
		}
		target := slots[0]
		if int64(len(target)) > ntodo {
			target = target[:ntodo]
		}

		vc.mu.Lock()
		session := vc.session
		vc.mu.Unlock()

		n, status := session.Read(target)
		if n > 0 {
			vio.Buffer.Commit(n)
			vio.NDone += int64(n)
			produced += int64(n)
		}

		switch status {
		case engine.StatusNone:
			continue decryptLoop
		case engine.StatusWantRead:
			result = ResultWantRead // "read-would-block"
		case engine.StatusWantWrite, engine.StatusWantX509Lookup:
			result = ResultWantWrite // "write-would-block", a cross-signal
		case engine.StatusZeroReturn:
			result = ResultEOS
		case engine.StatusSyscall:
			if n == 0 {
				result = ResultEOS
			} else {
				result = ResultError
			}
		default:
			result = ResultError
		}
		break
	}

	ntodoAfter := vio.NBytes - vio.NDone
	switch {
	case ntodoAfter <= 0:
		result = ResultReadComplete
	case produced > 0:
		result = ResultReadReady
	}
	vio.Unlock()

	vc.mu.Lock()
	sameVIO := vio == vc.readVIO
	vc.mu.Unlock()
	if !sameVIO {
		// The caller retargeted the VIO mid-call: reschedule rather than
		// signal a continuation that no longer owns this read.
		return ResultContinue
	}

	vc.touchActivity()

	switch result {
	case ResultReadComplete:
		vio.SignalReadComplete()
	case ResultEOS:
		vio.SignalEOS()
	case ResultError:
		vio.SignalError(newVCError(KindTransport, "record read failed"))
	case ResultReadReady:
		vio.SignalReadReady()
	}
	return result
}

// touchActivity updates the connection's last-activity bookkeeping; the
// net-poller's inactivity timeout consults this indirectly through the
// handler it owns.
func (vc *TlsVc) touchActivity() {
	vc.mu.Lock()
	vc.lastActivityTimeNs = time.Now().UnixNano()
	vc.mu.Unlock()
}
