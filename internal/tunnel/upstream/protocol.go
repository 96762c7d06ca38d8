package upstream

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"tlsvcproxy/internal/shared/securecrypt"
)

// Every byte crossing the relay link is carried in a length-prefixed sealed
// frame: a 2-byte big-endian length followed by the cipher's nonce || tag
// envelope. The first frame on each stream is a metadata record naming the
// original destination; everything after it is opaque payload.

const (
	streamTCP byte = 0x01

	// maxFramePlaintext keeps a sealed frame inside the 2-byte length
	// prefix with room for the cipher overhead.
	maxFramePlaintext = 32 * 1024
)

// metadata is the per-stream header the gateway sends before payload.
type metadata struct {
	network byte
	host    string
	port    int
}

func (m *metadata) marshal() ([]byte, error) {
	if len(m.host) > 255 {
		return nil, fmt.Errorf("upstream: host %q too long for metadata record", m.host)
	}
	out := make([]byte, 0, 4+len(m.host))
	out = append(out, m.network, byte(len(m.host)))
	out = append(out, m.host...)
	out = binary.BigEndian.AppendUint16(out, uint16(m.port))
	return out, nil
}

func parseMetadata(b []byte) (*metadata, error) {
	if len(b) < 2 {
		return nil, io.ErrShortBuffer
	}
	hostLen := int(b[1])
	if len(b) != 2+hostLen+2 {
		return nil, fmt.Errorf("upstream: metadata record has %d bytes, want %d", len(b), 2+hostLen+2)
	}
	return &metadata{
		network: b[0],
		host:    string(b[2 : 2+hostLen]),
		port:    int(binary.BigEndian.Uint16(b[2+hostLen:])),
	}, nil
}

func (m *metadata) target() string {
	return net.JoinHostPort(m.host, strconv.Itoa(m.port))
}

// writeFrame seals plaintext and writes it as one length-prefixed frame.
func writeFrame(w io.Writer, c *securecrypt.Cipher, plaintext []byte) error {
	sealed, err := c.Seal(plaintext)
	if err != nil {
		return err
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(sealed)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(sealed)
	return err
}

// readFrame reads one length-prefixed frame and opens it.
func readFrame(r io.Reader, c *securecrypt.Cipher) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	sealed := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, err
	}
	return c.Open(sealed)
}
