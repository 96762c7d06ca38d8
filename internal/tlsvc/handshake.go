package tlsvc

import (
	"time"

	"tlsvcproxy/internal/tlsvc/engine"
	"tlsvcproxy/internal/tlsvc/hooks"
)

// driveHandshake is the coordinator's entry point, called by ReadIO while
// the handshake is still in flight. It returns one of {done, want-read,
// want-write, want-accept, want-connect, waiting-for-hook, error,
// continue}.
func (vc *TlsVc) driveHandshake() Result {
	vc.mu.Lock()
	state := vc.preAcceptState
	vc.mu.Unlock()

	if state != PreAcceptDone {
		return vc.stepPreAccept()
	}

	vc.mu.Lock()
	op := vc.hookOpRequested
	vc.mu.Unlock()

	switch op {
	case hooks.VerdictTunnel:
		return vc.promoteToBlindTunnelFromPreAccept()
	case hooks.VerdictTerminate:
		vc.mu.Lock()
		vc.handshakeDone = true
		vc.mu.Unlock()
		return ResultDone
	}

	if tunnel, err := vc.checkTunnelDestination(); err != nil {
		vc.readVIO.SignalError(err)
		return ResultError
	} else if tunnel {
		return vc.promoteToBlindTunnelFromPreAccept()
	}

	if err := vc.ensureSession(); err != nil {
		vc.readVIO.SignalError(err)
		return ResultError
	}

	if _, err := fillReplay(vc.raw, vc.handshakeReplay); err != nil {
		vc.readVIO.SignalError(err)
		return ResultError
	}
	vc.rebindEngineInput()

	vc.mu.Lock()
	role := vc.role
	session := vc.session
	vc.mu.Unlock()

	var status engine.Status
	if role == RoleServer {
		status = session.Accept()
	} else {
		status = session.Connect()
	}
	return vc.handleHandshakeStatus(status)
}

// stepPreAccept advances the pre-accept hook walk by one hook.
func (vc *TlsVc) stepPreAccept() Result {
	vc.mu.Lock()
	switch vc.preAcceptState {
	case PreAcceptActive:
		vc.mu.Unlock()
		return ResultWaitingForHook
	case PreAcceptDone:
		vc.mu.Unlock()
		return ResultContinue
	}

	var next *hooks.Hook
	if vc.preAcceptState == PreAcceptInit {
		if vc.preAcceptChain != nil {
			next = vc.preAcceptChain.Head()
		}
	} else if vc.curPreAcceptHook != nil {
		next = vc.curPreAcceptHook.Next()
	}

	if next == nil {
		vc.preAcceptState = PreAcceptDone
		vc.mu.Unlock()
		return ResultContinue
	}

	vc.curPreAcceptHook = next
	vc.preAcceptState = PreAcceptActive
	affinity := vc.affinity
	invoker := vc.invoker
	vc.mu.Unlock()

	// Dispatch outside the vc mutex: a hook that resolves synchronously
	// may call back into Reenable(), which needs that mutex itself.
	invoker.Dispatch(affinity, hooks.EventPreAccept, vc, next.Cont)
	return ResultWaitingForHook
}

// promoteToBlindTunnelFromPreAccept handles a tunnel verdict delivered
// before the engine ever ran: no bytes have been buffered from the
// socket yet, so there is nothing to replay.
func (vc *TlsVc) promoteToBlindTunnelFromPreAccept() Result {
	vc.mu.Lock()
	vc.mode = ModeBlindTunnel
	if vc.session != nil {
		_ = vc.session.Close()
		vc.session = nil
	}
	vc.handshakeDone = true
	vc.mu.Unlock()
	return ResultDone
}

// checkTunnelDestination short-circuits session creation: a cert-store
// context flagged as a tunnel destination, on a transparently accepted
// connection, skips TLS entirely. No bytes have been consumed yet, so
// the promotion needs no replay.
func (vc *TlsVc) checkTunnelDestination() (bool, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.session != nil {
		return false, nil
	}
	if vc.certCtx == nil {
		return false, errNoDefaultCertCtx
	}
	return vc.certCtx.IsTunnelDestination && vc.transparent, nil
}

// ensureSession creates the TLS engine session against the cert-store's
// bound or default context, the first time the handshake actually needs
// to drive the engine.
func (vc *TlsVc) ensureSession() error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.session != nil {
		return nil
	}
	if vc.certCtx == nil || vc.certCtx.Certificate == nil {
		return errNoDefaultCertCtx
	}
	vc.handshakeBeginTimeNs = time.Now().UnixNano()

	var alpn []string
	if vc.alpnSelector != nil {
		alpn = vc.alpnSelector.AdvertiseProtocols()
	}

	if vc.role == RoleServer {
		base := engine.ServerConfig(*vc.certCtx.Certificate, engine.WithALPN(alpn...))
		vc.session = engine.NewServerSession(base, vc.sniCallback)
		return nil
	}

	base := engine.ClientConfig(vc.certCtx.Name, alpn, false)
	sess, err := engine.NewClientSession(base, engine.DefaultHelloID)
	if err != nil {
		return err
	}
	vc.session = sess
	return nil
}

// rebindEngineInput points the engine's input side at the right source:
// while the replay buffer still holds bytes, the engine reads from it;
// once drained, reads come straight off the socket.
func (vc *TlsVc) rebindEngineInput() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.handshakeReplay.Len() > 0 {
		vc.session.SetInputSource(&replayReader{chain: vc.handshakeReplay})
		return
	}
	vc.session.SetInputSource(&socketReader{conn: vc.raw})
}

// flushHandshakeOutput drains whatever the engine wants written and pushes
// it straight to the raw socket; record sizing only governs
// post-handshake writes, never handshake output.
func (vc *TlsVc) flushHandshakeOutput() {
	out := vc.session.PullOutput()
	for len(out) > 0 {
		res := vc.raw.Write(out)
		if res.Err != nil || res.WouldBlock {
			return
		}
		out = out[res.N:]
	}
}

// handleHandshakeStatus maps the engine's drive status onto the
// coordinator's result vocabulary.
func (vc *TlsVc) handleHandshakeStatus(status engine.Status) Result {
	switch status {
	case engine.StatusNone:
		return vc.completeHandshake()
	case engine.StatusWantRead, engine.StatusWantAccept:
		return ResultWantRead
	case engine.StatusWantWrite, engine.StatusWantConnect:
		vc.flushHandshakeOutput()
		return ResultWantWrite
	case engine.StatusWantX509Lookup:
		return ResultContinue
	case engine.StatusWantSNIResolve:
		vc.mu.Lock()
		session := vc.session
		vc.mu.Unlock()
		if adapter, ok := session.(*engine.Adapter); ok && adapter.TunnelRequested() {
			return vc.promoteToBlindTunnelFromSNI()
		}
		return ResultContinue
	default:
		vc.readVIO.SignalError(newVCError(KindTLSFatal, "engine reported ", status.String()))
		return ResultError
	}
}

// completeHandshake records completion, then resolves the negotiated
// protocol against the ALPN registry.
func (vc *TlsVc) completeHandshake() Result {
	vc.flushHandshakeOutput()

	vc.mu.Lock()
	vc.handshakeDone = true
	session := vc.session
	selector := vc.alpnSelector
	vc.mu.Unlock()

	// When both ALPN and NPN report a selected protocol, ALPN wins.
	negotiated := session.NegotiatedALPN()
	if negotiated == "" {
		negotiated = session.NegotiatedNPN()
	}
	if negotiated == "" {
		return ResultDone
	}
	if selector == nil {
		vc.readVIO.SignalError(errALPNWithoutSet)
		return ResultError
	}
	ep, ok := selector.FindEndpoint(negotiated)
	if !ok {
		vc.readVIO.SignalError(errALPNUnresolved)
		return ResultError
	}
	vc.mu.Lock()
	vc.alpnEndpoint = ep
	vc.mu.Unlock()
	return ResultDone
}

// promoteToBlindTunnelFromSNI abandons the TLS state machine after the
// SNI hook demanded a tunnel, replaying every byte still buffered from
// the socket into the read VIO verbatim. The read VIO receives two
// read-complete signals: one waking whatever continuation was parked on
// the tunnel decision, one more once the replayed bytes have actually
// landed in its buffer. This bypasses the VIO's usual at-most-once latch
// for exactly these two calls and then locks it afterward.
func (vc *TlsVc) promoteToBlindTunnelFromSNI() Result {
	vc.mu.Lock()
	vc.mode = ModeBlindTunnel
	vc.handshakeDone = true
	if vc.session != nil {
		_ = vc.session.Close()
		vc.session = nil
	}
	vc.mu.Unlock()

	vc.readVIO.signalReadCompleteRaw()

	n := vc.handshakeReplay.Len()
	replayed := make([]byte, n)
	got, _ := vc.handshakeReplay.Read(replayed)
	vc.handshakeReplay.Reset()

	vc.readVIO.Lock()
	vc.readVIO.Buffer.Write(replayed[:got])
	vc.readVIO.NBytes += int64(got)
	vc.readVIO.NDone += int64(got)
	vc.readVIO.Unlock()

	vc.readVIO.signalReadCompleteRaw()
	vc.readVIO.latchSignalled()
	return ResultDone
}

// sniCallback is installed as the engine's SNICallback. It runs the SNI
// hook chain synchronously inside the TLS library's own handshake
// goroutine.
func (vc *TlsVc) sniCallback(serverName string) engine.SNIOutcome {
	result := vc.walkSNIChain()

	vc.mu.Lock()
	op := vc.hookOpRequested
	vc.mu.Unlock()

	if op == hooks.VerdictTunnel {
		return engine.SNIOutcome{Kind: engine.SNITunnel}
	}
	if !result.Continue {
		return engine.SNIOutcome{Kind: engine.SNISuspend}
	}

	vc.mu.Lock()
	store := vc.certStore
	vc.mu.Unlock()
	if store == nil || serverName == "" {
		return engine.SNIOutcome{Kind: engine.SNIContinue}
	}
	if ctx, ok := store.LookupBySNI(serverName); ok {
		vc.mu.Lock()
		vc.certCtx = ctx
		vc.mu.Unlock()
		return engine.SNIOutcome{Kind: engine.SNIContinue, Certificate: ctx.Certificate}
	}
	return engine.SNIOutcome{Kind: engine.SNIContinue}
}

// walkSNIChain implements the façade's call_hooks(EventSNI): it walks the
// SNI chain synchronously, invoking each hook in turn. A hook calls
// RequestSNISuspend before returning if it wants to do asynchronous work
// and call Reenable later instead of letting the walk fall through to the
// next hook immediately; walkSNIChain resumes from exactly where it left
// off on the next call, tracked via curSNIHook.
func (vc *TlsVc) walkSNIChain() SNIWalkResult {
	vc.mu.Lock()
	chain := vc.sniChain
	var start *hooks.Hook
	if vc.sniState == SNIInit {
		if chain != nil {
			start = chain.Head()
		}
	} else if vc.curSNIHook != nil {
		start = vc.curSNIHook.Next()
	}
	vc.mu.Unlock()

	if chain == nil {
		vc.mu.Lock()
		vc.sniState = SNIDone
		vc.mu.Unlock()
		return SNIWalkResult{Continue: true}
	}

	for hook := start; hook != nil; hook = hook.Next() {
		vc.mu.Lock()
		vc.sniSuspendRequested = false
		vc.sniState = SNIContinuing
		vc.mu.Unlock()

		hook.Cont.TryInvoke(hooks.EventSNI, vc)

		vc.mu.Lock()
		suspend := vc.sniSuspendRequested
		vc.mu.Unlock()
		if suspend {
			vc.mu.Lock()
			vc.curSNIHook = hook
			vc.mu.Unlock()
			return SNIWalkResult{Continue: false}
		}
	}

	vc.mu.Lock()
	vc.sniState = SNIDone
	vc.mu.Unlock()
	return SNIWalkResult{Continue: true}
}
