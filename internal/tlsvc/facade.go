package tlsvc

import "io"

// ReadIO is the top-level entry the net-poller calls on read-ready.
// It dispatches to the handshake
// coordinator while the handshake is still in flight, to the record-layer
// read path once it's done and mode is still tls, or straight to the
// socket once mode has been promoted to blind-tunnel.
func (vc *TlsVc) ReadIO() Result {
	vc.mu.Lock()
	mode := vc.mode
	done := vc.handshakeDone
	vc.mu.Unlock()

	if mode == ModeBlindTunnel {
		return vc.plainRead()
	}
	if !done {
		return vc.driveHandshake()
	}
	return vc.recordRead()
}

// WriteIO is the top-level entry the net-poller calls on write-ready. Past
// the handshake it drives the record-layer write path and turns its
// needs back-signal into handler reschedules rather than a completion
// event; only the read side carries completion signals.
func (vc *TlsVc) WriteIO() Result {
	vc.mu.Lock()
	mode := vc.mode
	done := vc.handshakeDone
	handler := vc.handler
	vc.mu.Unlock()

	if mode == ModeBlindTunnel {
		return vc.plainWrite()
	}
	if !done {
		return vc.driveHandshake()
	}

	vio := vc.writeVIO
	towrite := vio.Remaining()
	_, _, needs, result := vc.recordWrite(vio, towrite)
	if handler != nil {
		if needs&NeedsRead != 0 {
			handler.ReadReschedule()
		}
		if needs&NeedsWrite != 0 {
			handler.WriteReschedule()
		}
	}
	return result
}

// plainRead implements the blind-tunnel fast path's read side: raw
// socket bytes land directly in the read VIO's buffer, bypassing the TLS
// engine entirely.
func (vc *TlsVc) plainRead() Result {
	vio := vc.readVIO
	vio.Lock()
	n, err := fillReplay(vc.raw, vio.Buffer)
	if err != nil {
		vio.Unlock()
		if err == io.EOF {
			vio.SignalEOS()
			return ResultEOS
		}
		vio.SignalError(newVCError(KindTransport, "blind-tunnel read failed"))
		return ResultError
	}
	if n > 0 {
		vio.NDone += int64(n)
	}
	vio.Unlock()

	vc.touchActivity()
	if n == 0 {
		return ResultWantRead
	}
	vio.SignalReadReady()
	return ResultReadReady
}

// plainWrite implements the blind-tunnel fast path's write side: bytes
// staged in the write VIO's buffer go straight to the raw socket, with no
// record-sizing rule applied; the sizing modes only govern TLS-mode
// writes.
func (vc *TlsVc) plainWrite() Result {
	vio := vc.writeVIO
	vio.Lock()
	defer vio.Unlock()

	n := vio.Buffer.Len()
	if n == 0 {
		return ResultDone
	}
	data := vio.Buffer.Peek(n)
	res := vc.raw.Write(data)
	if res.Err != nil {
		return ResultError
	}
	if res.N > 0 {
		vio.Buffer.Discard(res.N)
		vio.NDone += int64(res.N)
		vc.recordProgress(int64(res.N))
	}
	if res.WouldBlock || res.N < len(data) {
		return ResultWantWrite
	}
	return ResultDone
}
