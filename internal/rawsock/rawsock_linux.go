//go:build linux

// FILE: internal/rawsock/rawsock_linux.go
package rawsock

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// syscallConn drives a duplicated, non-blocking file descriptor
// directly: read/readv/write returning bytes-or-errno, no buffering.
type syscallConn struct {
	fd int
}

func newSyscallConn(conn net.Conn) (Conn, error) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, ErrNotTCP
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return nil, err
	}
	var dupFd int
	var dupErr error
	err = raw.Control(func(fd uintptr) {
		dupFd, dupErr = unix.Dup(int(fd))
	})
	if err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, dupErr
	}
	if err := unix.SetNonblock(dupFd, true); err != nil {
		unix.Close(dupFd)
		return nil, err
	}
	return &syscallConn{fd: dupFd}, nil
}

func (c *syscallConn) ReadScatter(bufs [][]byte, capBytes int) Result {
	total := 0
	for total < capBytes && len(bufs) > 0 {
		vecs := bufs
		if len(vecs) > MaxScatterVectors {
			vecs = vecs[:MaxScatterVectors]
		}
		n, err := readv(c.fd, vecs)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOTCONN) {
				return Result{N: total, WouldBlock: true}
			}
			if errors.Is(err, syscall.ECONNRESET) {
				return Result{N: total, EOF: true}
			}
			return Result{N: total, Err: err}
		}
		if n == 0 {
			return Result{N: total, EOF: true}
		}
		total += n
		attempted := vectorLen(vecs)
		if n != attempted {
			// short read: the kernel gave everything it had, stop.
			break
		}
		bufs = advance(bufs, n)
	}
	return Result{N: total}
}

func (c *syscallConn) Write(p []byte) Result {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) {
			return Result{N: n, WouldBlock: true}
		}
		return Result{N: n, Err: err}
	}
	return Result{N: n}
}

func (c *syscallConn) Close() error {
	return unix.Close(c.fd)
}

func readv(fd int, bufs [][]byte) (int, error) {
	if len(bufs) == 1 {
		return unix.Read(fd, bufs[0])
	}
	iovs := make([][]byte, len(bufs))
	copy(iovs, bufs)
	return unix.Readv(fd, iovs)
}

func vectorLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

func advance(bufs [][]byte, n int) [][]byte {
	for len(bufs) > 0 && n > 0 {
		if n < len(bufs[0]) {
			bufs[0] = bufs[0][n:]
			return bufs
		}
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	return bufs
}
