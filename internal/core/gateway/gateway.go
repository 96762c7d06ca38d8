package gateway

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/pires/go-proxyproto"
	"github.com/rs/zerolog/log"
	"github.com/sagernet/sing/common/control"
	"tlsvcproxy/internal/shared/logger"
	"tlsvcproxy/internal/shared/types"
	"net"
	"strings"
	"sync"
)

type Gateway struct {
	listener      net.Listener
	listenerInfo  *types.ListenerInfo // 新增: 存储监听信息
	dispatcher    types.Dispatcher
	closeOnce     sync.Once
	waitGroup     sync.WaitGroup
	listenPort    int
	directConn    VirtualStrategy
	rejectConn    VirtualStrategy
	terminateConn VirtualStrategy
	tunnelConn    VirtualStrategy
	proxyProto    bool
}

func New(listenPort int, dispatcher types.Dispatcher) *Gateway {
	return &Gateway{
		listenPort: listenPort,
		dispatcher: dispatcher,
		directConn: NewDirectStrategy(),
		rejectConn: NewRejectStrategy(),
	}
}

// EnableProxyProtocol makes InitializeListener wrap its net.Listener in a
// PROXY-protocol v1/v2 unwrapper, so the true client address survives an
// upstream load balancer hop before any strategy sees the connection.
func (g *Gateway) EnableProxyProtocol() {
	g.proxyProto = true
}

// SetTerminateStrategy registers the VirtualStrategy used for serverID ==
// "TERMINATE" decisions — the gateway's TLS-terminating reverse-proxy edge,
// as opposed to DIRECT's blind passthrough.
func (g *Gateway) SetTerminateStrategy(s VirtualStrategy) {
	g.terminateConn = s
}

// SetTunnelStrategy registers the VirtualStrategy used for serverID ==
// "TUNNEL" decisions: instead of dialing the sniffed target itself the way
// DIRECT does, the stream is handed to an upstream relay over a shared
// multiplexed link (internal/tunnel/upstream).
func (g *Gateway) SetTunnelStrategy(s VirtualStrategy) {
	g.tunnelConn = s
}

// InitializeListener 负责监听端口并准备服务，但不阻塞。
// 它返回实际监听的端口号。
func (g *Gateway) InitializeListener() (int, error) {
	// 如果 listenPort 为 0, net.Listen 会选择一个可用的动态端口
	listenAddr := fmt.Sprintf("0.0.0.0:%d", g.listenPort)
	// SO_REUSEADDR keeps fast restarts from tripping over TIME_WAIT
	// remnants of the previous process's connections.
	lc := net.ListenConfig{Control: control.ReuseAddr()}
	listener, err := lc.Listen(context.Background(), "tcp", listenAddr)
	if err != nil {
		return 0, fmt.Errorf("gateway failed to listen on %s: %w", listenAddr, err)
	}
	if g.proxyProto {
		listener = &proxyproto.Listener{Listener: listener}
		logger.Info().Msg("Gateway: PROXY protocol unwrapping enabled on unified listener.")
	}
	g.listener = listener

	// 存储监听器信息
	tcpAddr := g.listener.Addr().(*net.TCPAddr)
	g.listenerInfo = &types.ListenerInfo{
		Address: tcpAddr.IP.String(),
		Port:    tcpAddr.Port,
	}
	logger.Info().Str("listen_addr", g.listener.Addr().String()).Msg(">>> Gateway is listening on unified port.")

	return g.listenerInfo.Port, nil
}

// Serve 启动阻塞的 accept 循环。必须在 InitializeListener 之后调用。
func (g *Gateway) Serve() {
	if g.listener == nil {
		logger.Error().Msg("Gateway.Serve() called before InitializeListener()")
		return
	}
	g.waitGroup.Add(1)
	g.acceptLoop()
}

// GetListenerInfo 返回网关的监听信息。
func (g *Gateway) GetListenerInfo() *types.ListenerInfo {
	return g.listenerInfo
}

// Start 是旧的启动方法，现在封装了新流程以保持向后兼容。
func (g *Gateway) Start() error {
	if _, err := g.InitializeListener(); err != nil {
		return err
	}
	g.Serve()
	return nil
}

func (g *Gateway) acceptLoop() {
	defer g.waitGroup.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if opErr, ok := err.(*net.OpError); ok && strings.Contains(opErr.Err.Error(), "use of closed network connection") {
				logger.Info().Msg("Gateway listener is closing.")
				return
			}
			logger.Warn().Err(err).Msg("Gateway failed to accept connection")
			continue
		}
		g.waitGroup.Add(1)
		go g.handleConnection(conn)
	}
}

func (g *Gateway) handleConnection(inboundConn net.Conn) {
	defer g.waitGroup.Done()
	defer inboundConn.Close()

	traceID := uuid.NewString()
	l := log.With().Str("trace_id", traceID).Logger()
	ctx := l.WithContext(context.Background())
	clientIP := inboundConn.RemoteAddr().String()
	inboundReader := bufio.NewReader(inboundConn)

	targetDest, proto, req, err := sniffTargetForRouting(inboundConn, inboundReader)
	if err != nil {
		l.Warn().Err(err).Str("client_ip", clientIP).Msg("Could not determine target")
		return
	}
	l.Debug().Str("proto", string(proto)).Str("client_ip", clientIP).Str("target", targetDest).Msg("Gateway: Sniffed target for routing")

	decision, err := g.dispatcher.Dispatch(ctx, inboundConn.RemoteAddr(), targetDest)
	if err != nil {
		l.Warn().Err(err).Str("client_ip", clientIP).Str("target", targetDest).Msg("Gateway: Dispatcher returned error")
		return
	}
	l.Info().Str("client_ip", clientIP).Str("target", targetDest).Str("decision", decision).Msg("Gateway: Dispatcher decided")

	targetNetAddr, _ := net.ResolveTCPAddr("tcp", targetDest)

	// 如果协议是 SOCKS5，必须在这里发送成功响应！
	switch proto {
	case types.ProtoSOCKS5:
		// 发送 SOCKS5 CONNECT 成功响应
		if _, err := inboundConn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
			l.Warn().Err(err).Msg("Gateway: Failed to write SOCKS5 success reply")
			return
		}
	case types.ProtoHTTP:
		// 如果是 HTTP CONNECT 请求，发送 200 OK
		if req != nil && req.Method == "CONNECT" {
			if _, err := inboundConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
				l.Warn().Err(err).Msg("Gateway: Failed to write HTTP CONNECT success reply")
				return
			}
			// Drop the CONNECT head from the buffer; the tunnel starts
			// with whatever the client sends after our 200.
			if buffered := inboundReader.Buffered(); buffered > 0 {
				peeked, _ := inboundReader.Peek(buffered)
				if idx := bytes.Index(peeked, []byte("\r\n\r\n")); idx >= 0 {
					inboundReader.Discard(idx + 4)
				}
			}
		}
		// 对于普通的 HTTP GET/POST 等请求，我们什么都不用发，直接转发请求本身即可
	}

	switch decision {
	case "DIRECT":
		g.directConn.Handle(inboundConn, inboundReader, targetNetAddr)
	case "REJECT":
		g.rejectConn.Handle(inboundConn, inboundReader, targetNetAddr)
	case "TERMINATE":
		if g.terminateConn == nil {
			l.Warn().Msg("Gateway: [TERMINATE] decision with no terminate strategy registered, rejecting")
			g.rejectConn.Handle(inboundConn, inboundReader, targetNetAddr)
			return
		}
		g.terminateConn.Handle(inboundConn, inboundReader, targetNetAddr)
	case "TUNNEL":
		if g.tunnelConn == nil {
			l.Warn().Msg("Gateway: [TUNNEL] decision with no tunnel strategy registered, rejecting")
			g.rejectConn.Handle(inboundConn, inboundReader, targetNetAddr)
			return
		}
		g.tunnelConn.Handle(inboundConn, inboundReader, targetNetAddr)
	default:
		l.Warn().Str("decision", decision).Msg("Gateway: unrecognized dispatcher decision, rejecting")
		g.rejectConn.Handle(inboundConn, inboundReader, targetNetAddr)
	}
}

func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		if g.listener != nil {
			g.listener.Close()
		}
		g.waitGroup.Wait()
		log.Info().Msg("Gateway has been shut down")
	})
}
