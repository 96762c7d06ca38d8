package tlsvc

import "fmt"

// Kind classifies an error by failure domain: transport, tls-fatal, eos,
// hook-protocol, config. Flow control (want-read/want-write) never
// surfaces as an error value; it is a Result, not an error.
type Kind int

const (
	KindTransport Kind = iota
	KindTLSFatal
	KindEOS
	KindHookProtocol
	KindConfig
)

// VCError tags a message with its failure domain so callers can classify
// it without string matching.
type VCError struct {
	kind Kind
	msg  string
}

func newVCError(kind Kind, msg ...interface{}) *VCError {
	return &VCError{kind: kind, msg: fmt.Sprint(msg...)}
}

func (e *VCError) Error() string { return e.msg }

// ErrorKind reports which failure domain this error belongs to.
func (e *VCError) ErrorKind() Kind { return e.kind }

var (
	errFreeWhileHookActive = newVCError(KindHookProtocol, "free called with an active pre-accept hook")
	errNoDefaultCertCtx    = newVCError(KindConfig, "no certificate context bound for local address")
	errALPNUnresolved      = newVCError(KindConfig, "negotiated ALPN protocol has no registered endpoint")
	errALPNWithoutSet      = newVCError(KindHookProtocol, "ALPN protocol selected but no registry bound to this vc")
	errHandshakeFailed     = newVCError(KindTransport, "handshake failed with no error signalled on the read VIO")
	errReadFailed          = newVCError(KindTransport, "record read failed with no error signalled on the read VIO")
	errWriteFailed         = newVCError(KindTransport, "record write failed with no error signalled")
)

// SNIWalkResult is what CallHooks(EventSNI) reports back to the engine's
// SNI callback: whether the chain re-enabled (Continue) or a hook
// suspended it (Continue=false).
type SNIWalkResult struct {
	Continue bool
}
