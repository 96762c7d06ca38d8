package app

import (
	"fmt"
	"tlsvcproxy/internal/alpnreg"
	"tlsvcproxy/internal/certstore"
	"tlsvcproxy/internal/core/dispatcher"
	"tlsvcproxy/internal/core/gateway"
	"tlsvcproxy/internal/netpoll"
	"tlsvcproxy/internal/shared/logger"
	"tlsvcproxy/internal/shared/settings"
	"tlsvcproxy/internal/tlsvc/hooks"
	"tlsvcproxy/internal/tunnel/upstream"
	"os"
	"path/filepath"
	"sync"

	"tlsvcproxy/internal/shared/types"
)

// AppServer is the application's main struct. It wires the routing
// dispatcher to the unified gateway listener and, when tlsvc is enabled,
// to the TLS-terminating edge strategy that backs TERMINATE decisions.
type AppServer struct {
	cfg     *types.Config
	iniPath string

	settingsManager *settings.SettingsManager

	dispatcher *dispatcher.Dispatcher
	gateway    *gateway.Gateway
	tunnel     *upstream.Strategy

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// NewForPC creates a new AppServer instance for PC/file-based mode.
func NewForPC(cfg *types.Config, iniPath string) *AppServer {
	configDir := filepath.Dir(iniPath)
	s := &AppServer{
		cfg:     cfg,
		iniPath: iniPath,
	}

	settingsPath := filepath.Join(configDir, "settings.json")
	sm, err := settings.NewSettingsManager(settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize settings manager: %v\n", err)
		os.Exit(1)
	}
	s.settingsManager = sm

	initialSettings := sm.Get()
	disp := dispatcher.New(initialSettings.Routing)
	sm.Register("routing", disp)
	s.dispatcher = disp

	s.gateway = gateway.New(cfg.LocalConf.UnifiedPort, disp)
	if cfg.TlsVcConf.ProxyProtocol {
		s.gateway.EnableProxyProtocol()
	}
	if cfg.TlsVcConf.Enabled {
		store, err := certstore.LoadFromFile(cfg.TlsVcConf.CertStorePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: Failed to load TLS certificate store '%s': %v\n", cfg.TlsVcConf.CertStorePath, err)
			os.Exit(1)
		}
		rt := netpoll.NewRuntime(0)
		s.gateway.SetTerminateStrategy(gateway.NewTerminateStrategy(
			store, alpnreg.New(), rt, hooks.NewInvoker(rt), hooks.NewChain(), hooks.NewChain(),
		))
		logger.Info().Str("certstore_path", cfg.TlsVcConf.CertStorePath).Msg("Gateway: TLS-terminating edge strategy registered for TERMINATE routing decisions.")
	}
	if cfg.TunnelConf.Enabled {
		tun, err := upstream.NewStrategy(&upstream.Profile{
			Address:   cfg.TunnelConf.Address,
			Port:      cfg.TunnelConf.Port,
			Transport: cfg.TunnelConf.Transport,
			Scheme:    cfg.TunnelConf.Scheme,
			Path:      cfg.TunnelConf.Path,
			Host:      cfg.TunnelConf.Host,
			Socks5:    cfg.TunnelConf.Socks5,
			Multiplex: cfg.TunnelConf.Multiplex,
			Secret:    cfg.TunnelConf.Secret,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize upstream tunnel strategy: %v\n", err)
			os.Exit(1)
		}
		s.tunnel = tun
		s.gateway.SetTunnelStrategy(tun)
		logger.Info().Str("relay", cfg.TunnelConf.Address).Msg("Gateway: Upstream tunnel strategy registered for TUNNEL routing decisions.")
	}

	return s
}

// Run is the server's entry point.
func (s *AppServer) Run() {
	logger.Info().Msg("Starting server in 'local' mode...")

	if s.cfg.LocalConf.UnifiedPort > 0 {
		s.waitGroup.Add(1)
		go func() {
			defer s.waitGroup.Done()
			if _, err := s.gateway.InitializeListener(); err != nil {
				logger.Fatal().Err(err).Msg("Gateway failed to initialize listener")
			}
			s.gateway.Serve()
		}()
	} else {
		logger.Warn().Msg("Gateway is disabled.")
	}

	s.Wait()
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		if s.gateway != nil {
			s.gateway.Close()
		}
		if s.tunnel != nil {
			s.tunnel.Close()
		}
	})
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

// GetIniPath returns the path to the ini config file.
func (s *AppServer) GetIniPath() string {
	return s.iniPath
}
