package types

// LocalConf holds the unified-gateway listener configuration.
type LocalConf struct {
	UnifiedPort int `ini:"unified_port"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// TlsVcConf enables the gateway's TLS-terminating edge path (the
// TERMINATE virtual strategy, backed by internal/tlsvc) alongside its
// existing blind-passthrough DIRECT path.
type TlsVcConf struct {
	Enabled       bool   `ini:"enabled"`
	ProxyProtocol bool   `ini:"proxy_protocol"`
	CertStorePath string `ini:"certstore_path"`
}

// TunnelConf configures the gateway's TUNNEL routing decision: the
// upstream relay every tunneled stream is multiplexed toward.
type TunnelConf struct {
	Enabled   bool   `ini:"enabled"`
	Address   string `ini:"address"`
	Port      int    `ini:"port"`
	Transport string `ini:"transport"` // "tcp" or "ws"
	Scheme    string `ini:"scheme"`    // "ws" or "wss"
	Path      string `ini:"path"`
	Host      string `ini:"host"`
	Socks5    string `ini:"socks5"`
	Multiplex bool   `ini:"multiplex"`
	Secret    string `ini:"secret"`
}

// Config is the program's unified behavioral configuration.
type Config struct {
	LocalConf  `ini:"local"`
	LogConf    `ini:"log"`
	TlsVcConf  `ini:"tlsvc"`
	TunnelConf `ini:"tunnel"`
}
