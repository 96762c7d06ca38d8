// Package chainbuf implements the append-only writer / consuming reader view
// over a linked sequence of fixed-size blocks that the record-layer read and
// write paths use to stage decrypted and plaintext bytes.
package chainbuf

import (
	"sync"
)

// BlockSize is the size of one block in the chain. It is deliberately larger
// than a single TLS record so that a full record's plaintext usually lands
// in one block.
const BlockSize = 16 * 1024

var blockPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, BlockSize)
	},
}

// block is one fixed-size link in the chain. Bytes [read:written) are
// readable, bytes [written:len) are writable.
type block struct {
	data    []byte
	written int
	read    int
	next    *block
}

func newBlock() *block {
	return &block{data: blockPool.Get().([]byte)}
}

func (b *block) release() {
	b.written = 0
	b.read = 0
	b.next = nil
	blockPool.Put(b.data[:cap(b.data)]) //nolint:staticcheck // return full backing array
}

func (b *block) writable() []byte  { return b.data[b.written:] }
func (b *block) readable() []byte  { return b.data[b.read:b.written] }
func (b *block) readLen() int      { return b.written - b.read }
func (b *block) writeLen() int     { return len(b.data) - b.written }

// Chain is an append-only writer plus a consuming reader over a linked list
// of fixed blocks. A single Chain is not safe for concurrent use; callers
// hold the owning VIO's mutex (see internal/tlsvc) around every call.
type Chain struct {
	head, tail *block
	length     int // total unread bytes across the chain
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{}
}

// Len returns the number of unread bytes buffered in the chain.
func (c *Chain) Len() int { return c.length }

// ensureWritable appends a fresh block if the tail has no writable space
// left, or if the chain is empty.
func (c *Chain) ensureWritable() *block {
	if c.tail == nil || c.tail.writeLen() == 0 {
		b := newBlock()
		if c.tail == nil {
			c.head = b
			c.tail = b
		} else {
			c.tail.next = b
			c.tail = b
		}
	}
	return c.tail
}

// Write appends p to the chain, allocating new blocks as needed. It never
// fails: chainbuf has no fixed capacity.
func (c *Chain) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		b := c.ensureWritable()
		n := copy(b.writable(), p)
		b.written += n
		p = p[n:]
		c.length += n
	}
	return total, nil
}

// WriteSlices returns scatter-write targets: the writable tail regions of
// the chain, growing the chain by fresh blocks so the caller has at least
// minBytes of total writable space across the returned slices. The
// record-layer decrypt loop and the raw-socket scatter read both walk
// these in order, consuming each block's write-available space via
// readv-style vectors.
func (c *Chain) WriteSlices(minBytes int) [][]byte {
	var out [][]byte
	have := 0
	if c.tail != nil {
		if w := c.tail.writeLen(); w > 0 {
			out = append(out, c.tail.writable())
			have += w
		}
	}
	for have < minBytes {
		b := newBlock()
		if c.tail == nil {
			c.head = b
		} else {
			c.tail.next = b
		}
		c.tail = b
		out = append(out, b.writable())
		have += b.writeLen()
	}
	return out
}

// Commit records that n bytes were actually written into the most recently
// returned WriteSlices() targets, walking blocks in order the way the
// record-read decrypt loop does.
func (c *Chain) Commit(n int) {
	// Commit into blocks in order, starting from the first block that still
	// has writable room, until n is exhausted.
	for b := c.firstWritable(); n > 0 && b != nil; b = b.next {
		room := b.writeLen()
		if room == 0 {
			continue
		}
		take := n
		if take > room {
			take = room
		}
		b.written += take
		n -= take
		c.length += take
	}
}

func (c *Chain) firstWritable() *block {
	for b := c.head; b != nil; b = b.next {
		if b.writeLen() > 0 {
			return b
		}
	}
	return nil
}

// Read drains up to len(p) bytes from the front of the chain, releasing
// fully-consumed blocks back to the pool.
func (c *Chain) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 && c.head != nil {
		b := c.head
		n := copy(p, b.readable())
		b.read += n
		p = p[n:]
		total += n
		c.length -= n
		if b.readLen() == 0 && b.writeLen() == 0 {
			c.head = b.next
			if c.head == nil {
				c.tail = nil
			}
			b.release()
		} else if b.readLen() == 0 {
			// no more unread bytes but block still has writable tail space;
			// stop so a subsequent Write can keep appending to it.
			break
		}
	}
	if total == 0 && len(p) > 0 {
		return 0, nil
	}
	return total, nil
}

// Discard drops n unread bytes from the front of the chain without copying
// them anywhere, used when the handshake replay buffer's engine-consumed
// prefix must be released.
func (c *Chain) Discard(n int) {
	var scratch [BlockSize]byte
	for n > 0 && c.head != nil {
		chunk := n
		if chunk > BlockSize {
			chunk = BlockSize
		}
		got, _ := c.Read(scratch[:chunk])
		if got == 0 {
			return
		}
		n -= got
	}
}

// Peek returns up to n unread bytes without consuming them. The returned
// slice may span an internal copy when the request crosses a block
// boundary; callers must not retain it past the next mutation of the chain.
func (c *Chain) Peek(n int) []byte {
	if n > c.length {
		n = c.length
	}
	if n <= 0 {
		return nil
	}
	if c.head != nil && c.head.readLen() >= n {
		return c.head.readable()[:n]
	}
	out := make([]byte, 0, n)
	for b := c.head; b != nil && len(out) < n; b = b.next {
		remain := n - len(out)
		r := b.readable()
		if len(r) > remain {
			r = r[:remain]
		}
		out = append(out, r...)
	}
	return out
}

// Reset releases every block back to the pool and clears the chain.
func (c *Chain) Reset() {
	for b := c.head; b != nil; {
		next := b.next
		b.release()
		b = next
	}
	c.head, c.tail, c.length = nil, nil, 0
}
