package mgmtrpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"tlsvcproxy/internal/shared/logger"
)

// MaxConnTries bounds the reconnect loop: past this many failed dials
// the call gives up rather than waiting out more backoff.
const MaxConnTries = 10

const (
	backoffBase = 50 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// Client is the management-daemon RPC client: it owns one socket to the
// local control daemon and serializes calls
// across it, reconnecting with jittered exponential backoff when the
// daemon is unreachable. It holds no cache of record values and no
// retry-at-the-call-level semantics beyond the connection itself.
type Client struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

// New returns a client bound to addr (a unix socket path or host:port),
// unconnected until the first call.
func New(addr string) *Client {
	return &Client{addr: addr}
}

// Close releases the underlying socket, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ensureConn dials the daemon, retrying up to MaxConnTries times with
// jittered exponential backoff so a restarting daemon isn't hammered by
// every caller at once. It returns early when ctx is done, or when the
// next backoff would not end before ctx's deadline.
func (c *Client) ensureConn(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	var lastErr error
	delay := backoffBase
	for attempt := 1; attempt <= MaxConnTries; attempt++ {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", c.addr)
		if err == nil {
			c.conn = conn
			return conn, nil
		}
		lastErr = err
		lg := logger.WithComponent("mgmtrpc")
		lg.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("addr", c.addr).
			Msg("management daemon dial failed, backing off")

		if attempt == MaxConnTries {
			break
		}
		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		if jittered > backoffCap {
			jittered = backoffCap
		}
		// A backoff that would outlast the caller's deadline cannot lead to
		// another attempt; give up now instead of sleeping into ctx expiry.
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= jittered {
			return nil, fmt.Errorf("mgmtrpc: failed to connect to %s after %d tries, next backoff exceeds the context deadline: %w", c.addr, attempt, lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	return nil, fmt.Errorf("mgmtrpc: failed to connect to %s after %d tries: %w", c.addr, MaxConnTries, lastErr)
}

// dropConn discards the current connection so the next call redials.
func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// call sends op with args, reads back the one response frame, and parses
// it against op. One round trip per call; this client never pipelines
// requests.
func (c *Client) call(ctx context.Context, op Op, args ...[]byte) ([][]byte, Code, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, CodeErrMarshal, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	if err := sendFramed(conn, op, args...); err != nil {
		c.dropConn()
		return nil, CodeErrMarshal, err
	}
	payload, err := recvFramed(conn)
	if err != nil {
		c.dropConn()
		return nil, CodeErrMarshal, err
	}
	outs, code, err := parseResponse(payload, op)
	if err != nil {
		return nil, code, err
	}
	return outs, code, nil
}

// GetRecord fetches one named record's raw value from the daemon.
func (c *Client) GetRecord(ctx context.Context, name string) ([]byte, error) {
	outs, code, err := c.call(ctx, OpGetRecord, []byte(name))
	if err != nil {
		return nil, err
	}
	if code != CodeOK {
		return nil, fmt.Errorf("mgmtrpc: get_record(%q): daemon returned code %d", name, code)
	}
	if len(outs) == 0 {
		return nil, fmt.Errorf("mgmtrpc: get_record(%q): empty response", name)
	}
	return outs[0], nil
}

// SetRecord pushes a new raw value for a named record.
func (c *Client) SetRecord(ctx context.Context, name string, value []byte) error {
	_, code, err := c.call(ctx, OpSetRecord, []byte(name), value)
	if err != nil {
		return err
	}
	if code != CodeOK {
		return fmt.Errorf("mgmtrpc: set_record(%q): daemon returned code %d", name, code)
	}
	return nil
}

// Record is one (name, value) pair as returned by DumpRecords.
type Record struct {
	Name  string
	Value []byte
}

// DumpRecords fetches the daemon's full record set for diagnostics:
// marshal a request carrying no arguments, unpack a flat name/value
// stream from the response. It exists as an operational read-out for
// mgmtsh; a daemon that doesn't support it replies with zero records.
func (c *Client) DumpRecords(ctx context.Context) ([]Record, error) {
	outs, code, err := c.call(ctx, OpDumpRecords)
	if err != nil {
		return nil, err
	}
	if code != CodeOK {
		return nil, fmt.Errorf("mgmtrpc: dump_records: daemon returned code %d", code)
	}
	records := make([]Record, 0, len(outs)/2)
	for i := 0; i+1 < len(outs); i += 2 {
		records = append(records, Record{Name: string(outs[i]), Value: outs[i+1]})
	}
	return records, nil
}

// encodeCodeArg renders a Code as the 4-byte big-endian status argument
// parseResponse expects as the envelope's first arg.
func encodeCodeArg(code Code) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(code))
	return b[:]
}
