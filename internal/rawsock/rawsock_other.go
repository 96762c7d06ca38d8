//go:build !linux

// FILE: internal/rawsock/rawsock_other.go
package rawsock

import "net"

// newSyscallConn has no raw-fd implementation outside Linux; callers fall
// back to the deadline-polling adapter in rawsock.go.
func newSyscallConn(conn net.Conn) (Conn, error) {
	return nil, ErrNotTCP
}
