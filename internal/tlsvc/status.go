package tlsvc

// Result is what the handshake coordinator and the record-layer read/write
// paths return to their caller: the coordinator's want/waiting vocabulary
// plus the record layer's {read-ready, read-complete, eos, error} one.
// Both share one type so ReadIO/WriteIO need no translation table.
type Result int

const (
	ResultNone Result = iota
	ResultDone
	ResultWantRead
	ResultWantWrite
	ResultWantAccept
	ResultWantConnect
	ResultWaitingForHook
	ResultContinue
	ResultError

	ResultReadReady
	ResultReadComplete
	ResultEOS
)

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultDone:
		return "done"
	case ResultWantRead:
		return "want-read"
	case ResultWantWrite:
		return "want-write"
	case ResultWantAccept:
		return "want-accept"
	case ResultWantConnect:
		return "want-connect"
	case ResultWaitingForHook:
		return "waiting-for-hook"
	case ResultContinue:
		return "continue"
	case ResultError:
		return "error"
	case ResultReadReady:
		return "read-ready"
	case ResultReadComplete:
		return "read-complete"
	case ResultEOS:
		return "eos"
	default:
		return "unknown"
	}
}
