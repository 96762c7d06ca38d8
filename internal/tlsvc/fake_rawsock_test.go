package tlsvc

import "tlsvcproxy/internal/rawsock"

// fakeRaw is a scriptable rawsock.Conn double for the blind-tunnel fast
// path tests, where the record-layer read/write paths are never exercised
// and a real duplicated file descriptor would be overkill.
type fakeRaw struct {
	readChunks [][]byte // each ReadScatter call hands back the next chunk
	readIdx    int
	readEOF    bool

	writes    [][]byte
	writeRes  rawsock.Result
	closed    bool
}

func (f *fakeRaw) ReadScatter(bufs [][]byte, capBytes int) rawsock.Result {
	if f.readIdx >= len(f.readChunks) {
		if f.readEOF {
			return rawsock.Result{EOF: true}
		}
		return rawsock.Result{WouldBlock: true}
	}
	chunk := f.readChunks[f.readIdx]
	f.readIdx++
	n := 0
	for _, b := range bufs {
		if n >= len(chunk) {
			break
		}
		c := copy(b, chunk[n:])
		n += c
	}
	return rawsock.Result{N: n}
}

func (f *fakeRaw) Write(p []byte) rawsock.Result {
	f.writes = append(f.writes, append([]byte(nil), p...))
	if f.writeRes.N == 0 && !f.writeRes.WouldBlock && f.writeRes.Err == nil {
		return rawsock.Result{N: len(p)}
	}
	return f.writeRes
}

func (f *fakeRaw) Close() error { f.closed = true; return nil }

var _ rawsock.Conn = (*fakeRaw)(nil)
