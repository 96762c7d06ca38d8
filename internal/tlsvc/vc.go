// Package tlsvc is the TLS virtual-connection engine: the per-connection
// state machine (TlsVc) that drives the handshake coordinator, the
// record-layer read/write paths, and the raw-socket-backed handshake
// replay buffer, wired to the hook runner and the TLS engine adapter.
package tlsvc

import (
	"crypto/x509"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"tlsvcproxy/internal/alpnreg"
	"tlsvcproxy/internal/certstore"
	"tlsvcproxy/internal/chainbuf"
	"tlsvcproxy/internal/netpoll"
	"tlsvcproxy/internal/rawsock"
	"tlsvcproxy/internal/shared/logger"
	"tlsvcproxy/internal/tlsvc/engine"
	"tlsvcproxy/internal/tlsvc/hooks"
)

// Role distinguishes the two handshake directions a TlsVc can drive.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Mode is the connection's operating mode. It transitions from TLS to
// blind-tunnel at most once, during pre-accept or the SNI hook, and
// never back.
type Mode int

const (
	ModeTLS Mode = iota
	ModeBlindTunnel
)

// PreAcceptState tracks the asynchronous pre-accept hook walk.
type PreAcceptState int

const (
	PreAcceptInit PreAcceptState = iota
	PreAcceptInvoke
	PreAcceptActive
	PreAcceptDone
)

// SNIState tracks the synchronous SNI hook walk.
type SNIState int

const (
	SNIInit SNIState = iota
	SNIContinuing
	SNIDone
)

// RecordSizing selects how the write path caps the plaintext handed to
// the engine per record: a fixed cap, a burst-sensitive dynamic cap, or
// no cap at all.
type RecordSizing int

const (
	RecordSizingDynamic RecordSizing = iota // max_record == -1
	RecordSizingOff                         // max_record == 0
	RecordSizingFixed                       // max_record > 0
)

const (
	dynamicSmallRecordSize = 1400
	dynamicByteThreshold   = 1 << 20 // 1 MiB before switching to full-size records
	dynamicIdleThreshold   = 100 * time.Millisecond
	tlsMaxRecordSize       = 16384
)

// TlsVc is the per-connection façade exposed to the net-poller: the
// socket, the engine session, the handshake and hook state machines, the
// two VIOs, and the record-sizing counters.
type TlsVc struct {
	mu sync.Mutex

	conn        net.Conn
	raw         rawsock.Conn
	role        Role
	mode        Mode
	transparent bool

	session engine.Session

	handshakeDone        bool
	handshakeBeginTimeNs int64
	handshakeReplay      *chainbuf.Chain

	readVIO  *VIO
	writeVIO *VIO

	preAcceptChain   *hooks.Chain
	preAcceptState   PreAcceptState
	curPreAcceptHook *hooks.Hook

	sniChain            *hooks.Chain
	sniState            SNIState
	curSNIHook          *hooks.Hook
	sniSuspendRequested bool

	hookOpRequested hooks.Verdict

	alpnSelector *alpnreg.Registry
	alpnEndpoint alpnreg.Endpoint

	recordSizing            RecordSizing
	maxRecord               int
	lastWriteTimeNs         int64
	totalBytesSentSinceIdle int64
	lastActivityTimeNs      int64

	certCtx   *certstore.Context
	certStore *certstore.Store

	invoker  *hooks.Invoker
	affinity netpoll.AffinityKey
	handler  netpoll.Handler

	earlyDataBytes int64
	traceID        string

	freed bool
}

// Config bundles the collaborators a TlsVc needs at construction time.
type Config struct {
	Role         Role
	Conn         net.Conn
	Transparent  bool
	CertStore    *certstore.Store
	ALPN         *alpnreg.Registry
	PreAccept    *hooks.Chain
	SNI          *hooks.Chain
	Invoker      *hooks.Invoker
	Runtime      *netpoll.Runtime
	RecordSizing RecordSizing
	MaxRecord    int
}

// New builds a TlsVc bound to conn. It does not start the handshake;
// call ReadIO (server) or dial a session via Connect-driving code in
// handshake.go to begin driving it.
func New(cfg Config) (*TlsVc, error) {
	raw, err := rawsock.New(cfg.Conn)
	if err != nil {
		return nil, err
	}
	vc := &TlsVc{
		conn:            cfg.Conn,
		raw:             raw,
		role:            cfg.Role,
		mode:            ModeTLS,
		transparent:     cfg.Transparent,
		handshakeReplay: chainbuf.New(),
		readVIO:         newVIO(VIOOpRead),
		writeVIO:        newVIO(VIOOpWrite),
		preAcceptChain:  cfg.PreAccept,
		sniChain:        cfg.SNI,
		alpnSelector:    cfg.ALPN,
		recordSizing:    cfg.RecordSizing,
		maxRecord:       cfg.MaxRecord,
		invoker:         cfg.Invoker,
		traceID:         uuid.NewString(),
	}
	if cfg.Runtime != nil {
		vc.affinity = cfg.Runtime.Assign()
	}
	if cfg.CertStore != nil {
		vc.certStore = cfg.CertStore
		localIP := ""
		if a, ok := cfg.Conn.LocalAddr().(*net.TCPAddr); ok {
			localIP = a.IP.String()
		}
		ctx, err := cfg.CertStore.LookupByLocalIP(localIP)
		if err != nil {
			return nil, err
		}
		vc.certCtx = ctx
	}
	return vc, nil
}

// SeedReplay primes the handshake replay buffer with bytes a caller already
// consumed off the connection before handing it to New — e.g. an edge
// gateway that peeked the ClientHello to sniff SNI/ALPN for routing before
// deciding to terminate TLS locally. It must be called before the first
// ReadIO; driveHandshake's own fillReplay call appends anything arriving on
// the wire after that point behind whatever was seeded here.
func (vc *TlsVc) SeedReplay(data []byte) {
	if len(data) == 0 {
		return
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.handshakeReplay.Write(data)
}

// BindHandler attaches the net-handler this vc signals through.
func (vc *TlsVc) BindHandler(h netpoll.Handler) {
	vc.mu.Lock()
	vc.handler = h
	vc.mu.Unlock()
	vc.readVIO.SetHandler(h)
	vc.writeVIO.SetHandler(h)
}

// TraceID returns the per-connection trace identifier carried alongside
// every log line this vc emits.
func (vc *TlsVc) TraceID() string { return vc.traceID }

// EarlyDataBytes reports bytes accepted as TLS 1.3 early data, tracked
// separately from total_bytes_sent_since_idle for metrics purposes. Go's
// crypto/tls and refraction-networking/utls don't currently surface 0-RTT
// application data as a distinct byte count, so this stays at zero until
// the engine adapter gains that visibility; the counter and accessor exist
// now so the metrics shape doesn't change when it does.
func (vc *TlsVc) EarlyDataBytes() int64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.earlyDataBytes
}

// RegisterALPNSet binds the vc to an ALPN registry exactly once.
func (vc *TlsVc) RegisterALPNSet(reg *alpnreg.Registry) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.alpnSelector == nil {
		vc.alpnSelector = reg
	}
}

// SSLContextSet rebinds the current session's certificate context. It
// returns false if no session exists yet.
func (vc *TlsVc) SSLContextSet(ctx *certstore.Context) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.session == nil {
		return false
	}
	vc.certCtx = ctx
	return true
}

// RequestTunnel implements hooks.VC: a plugin demands blind-tunnel mode.
func (vc *TlsVc) RequestTunnel() {
	vc.mu.Lock()
	vc.hookOpRequested = hooks.VerdictTunnel
	vc.mu.Unlock()
}

// RequestTerminate implements hooks.VC: a plugin demands the connection
// be torn down without completing the handshake.
func (vc *TlsVc) RequestTerminate() {
	vc.mu.Lock()
	vc.hookOpRequested = hooks.VerdictTerminate
	vc.mu.Unlock()
}

// PeerCertificate implements hooks.VC, giving a pre-accept hook read access
// to the client certificate for mTLS policy decisions without granting the
// coordinator itself any say over validation policy.
func (vc *TlsVc) PeerCertificate() *x509.Certificate {
	vc.mu.Lock()
	session := vc.session
	vc.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.PeerCertificate()
}

// RequestSNISuspend implements hooks.VC: the SNI hook currently running
// wants to suspend the walk instead of letting it fall through to the
// next hook, and will call Reenable itself later.
func (vc *TlsVc) RequestSNISuspend() {
	vc.mu.Lock()
	vc.sniSuspendRequested = true
	vc.mu.Unlock()
}

// Reenable implements hooks.VC: if the pre-accept walk hasn't finished,
// advance it and reschedule a read; if a SNI suspension is outstanding,
// resume it.
func (vc *TlsVc) Reenable() {
	vc.mu.Lock()
	if vc.preAcceptState != PreAcceptDone {
		vc.preAcceptState = PreAcceptInvoke
	}
	sniSuspended := vc.sniState == SNIContinuing
	session := vc.session
	handler := vc.handler
	vc.mu.Unlock()

	if sniSuspended && session != nil {
		session.Resume()
	}
	if handler != nil {
		handler.ReadReschedule()
	}
}

// CallHooks implements the façade's `call_hooks`: it currently only
// accepts the SNI event id, and is invoked from inside the engine's own
// SNI callback rather than by the net-poller.
func (vc *TlsVc) CallHooks(event hooks.EventID) SNIWalkResult {
	if event != hooks.EventSNI {
		return SNIWalkResult{Continue: true}
	}
	return vc.walkSNIChain()
}

// Free tears down the session and returns the vc's buffers, refusing if
// a pre-accept hook is still active: freeing under an outstanding hook
// invocation would leak the continuation.
func (vc *TlsVc) Free() error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.preAcceptState == PreAcceptActive {
		lg := logger.WithComponent("tlsvc")
		lg.Error().
			Str("trace_id", vc.traceID).
			Msg("free called while a pre-accept hook is still active")
		return errFreeWhileHookActive
	}
	if vc.session != nil {
		_ = vc.session.Close()
		vc.session = nil
	}
	if vc.raw != nil {
		_ = vc.raw.Close()
	}
	vc.handshakeReplay.Reset()
	vc.readVIO.Buffer.Reset()
	vc.writeVIO.Buffer.Reset()
	vc.freed = true
	return nil
}
