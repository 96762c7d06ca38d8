package types

import (
	"context"
	"net"
)

// Protocol identifies the sniffed wire protocol of an inbound connection.
type Protocol string

const (
	ProtoSOCKS5  Protocol = "SOCKS5"
	ProtoHTTP    Protocol = "HTTP"
	ProtoTLS     Protocol = "TLS"
	ProtoUnknown Protocol = "UNKNOWN"
)

// Dispatcher matches an inbound connection's (source, target) pair against
// the routing table and resolves it to one of the gateway's four virtual
// decisions: "DIRECT", "REJECT", "TERMINATE", or "TUNNEL".
type Dispatcher interface {
	Dispatch(ctx context.Context, source net.Addr, target string) (string, error)
}
