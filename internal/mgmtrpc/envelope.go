// Package mgmtrpc is the thin marshalling layer in front of the local
// management daemon: frame a request, send it, read back one framed
// response, and parse it against the op that sent it. It carries no
// control-plane semantics of its own.
package mgmtrpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Op identifies a management-daemon operation. Op codes are opaque
// integers on the wire; this package only needs enough of them to
// exercise the framing contract and the DumpRecords diagnostic call.
type Op int32

const (
	OpGetRecord Op = iota + 1
	OpSetRecord
	OpDumpRecords
)

// Code is the daemon's per-call status, returned alongside a response
// payload.
type Code int32

const (
	CodeOK Code = iota
	CodeErrNoSuchRecord
	CodeErrPermission
	CodeErrMarshal
	CodeErrUnknownOp
)

// maxFrameLen bounds a single frame so a corrupted length prefix can never
// make recvFramed try to allocate an unbounded buffer.
const maxFrameLen = 16 << 20

// envelope is the wire message: an op code followed by a sequence of
// opaque byte arguments. Encoded with protowire's field primitives
// directly rather than a generated message type; the daemon side speaks
// the same fixed layout, so field numbers 1 (op) and 2 (repeated args)
// are reserved and never renumbered.
type envelope struct {
	op   Op
	args [][]byte
}

func encodeEnvelope(e envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.op))
	for _, a := range e.args {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	return b
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("mgmtrpc: malformed envelope tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("mgmtrpc: malformed op field")
			}
			e.op = Op(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, fmt.Errorf("mgmtrpc: malformed arg field")
			}
			e.args = append(e.args, append([]byte(nil), v...))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("mgmtrpc: malformed unknown field")
			}
			b = b[n:]
		}
	}
	return e, nil
}

// sendFramed frames op and args as one protobuf-encoded envelope,
// length-prefixes it, and writes it whole.
func sendFramed(w io.Writer, op Op, args ...[]byte) error {
	payload := encodeEnvelope(envelope{op: op, args: args})
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("mgmtrpc: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("mgmtrpc: write frame payload: %w", err)
	}
	return nil
}

// recvFramed reads the 4-byte length prefix, then exactly that many
// bytes.
func recvFramed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("mgmtrpc: frame length %d exceeds %d", n, maxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("mgmtrpc: read frame payload: %w", err)
	}
	return buf, nil
}

// parseResponse decodes the envelope, confirms it answers wantOp, and
// hands back its argument list along with the daemon's status code.
func parseResponse(payload []byte, wantOp Op) ([][]byte, Code, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return nil, CodeErrMarshal, err
	}
	if env.op != wantOp {
		return nil, CodeErrUnknownOp, fmt.Errorf("mgmtrpc: response op %d does not match request op %d", env.op, wantOp)
	}
	if len(env.args) == 0 {
		return nil, CodeErrMarshal, fmt.Errorf("mgmtrpc: response carried no status argument")
	}
	code := Code(0)
	if len(env.args[0]) >= 4 {
		code = Code(binary.BigEndian.Uint32(env.args[0]))
	}
	return env.args[1:], code, nil
}
