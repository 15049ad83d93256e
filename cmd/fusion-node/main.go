package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fusionlink/go-backend/internal/adapters/rpc"
	"fusionlink/go-backend/internal/app"
	"fusionlink/go-backend/internal/bootstrap/nodeconfig"
	"fusionlink/go-backend/internal/crypto"
	"fusionlink/go-backend/internal/identity"
	"fusionlink/go-backend/internal/securestore"
	"fusionlink/go-backend/internal/storage"
	"fusionlink/go-backend/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to fusion-node.yaml (optional)")
	transportBackend := flag.String("transport", "", "Transport override: memory | go-waku")
	nodeID := flag.String("node-id", "", "Relay node id override (derived from the public key when empty)")
	rpcAddr := flag.String("rpc-addr", "", "Serve the local JSON-RPC API on this address")
	headless := flag.Bool("headless", false, "Run without the interactive console")
	flag.Parse()
	if *showVersion {
		fmt.Printf("fusion-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}
	if *transportBackend != "" {
		_ = os.Setenv(nodeconfig.EnvTransportBackend, *transportBackend)
	}
	if *nodeID != "" {
		_ = os.Setenv(nodeconfig.EnvNodeID, *nodeID)
	}
	if *rpcAddr != "" {
		_ = os.Setenv(nodeconfig.EnvRPCAddr, *rpcAddr)
	}

	cfg, err := nodeconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("fusion-node config: %v", err)
	}
	logger := app.DefaultLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *headless); err != nil {
		logger.Error("fusion-node failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg nodeconfig.Config, logger *slog.Logger, headless bool) error {
	dialer, stopDialer, err := newDialer(cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer stopDialer()

	history, err := storage.NewPersistentMessageLog(cfg.HistoryPath, cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	vaultOpts := []identity.VaultOption{identity.WithLogger(logger)}
	if store := identity.NewVaultStore(cfg.VaultPath, cfg.Passphrase); store != nil {
		vaultOpts = append(vaultOpts, identity.WithStore(store))
	} else if cfg.VaultPath != "" {
		logger.Warn("vault path set without passphrase, key pair stays in memory", "env", nodeconfig.EnvVaultPassphrase)
	}
	vault := identity.NewKeyVault(vaultOpts...)

	var sessions crypto.SessionStore
	if securestore.IsConfigured(cfg.SessionsPath, cfg.Passphrase) {
		fileStore, err := crypto.NewFileSessionStore(cfg.SessionsPath, cfg.Passphrase)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		sessions = fileStore
	}

	session := transport.NewSession(cfg.Transport, dialer, cfg.NodeID, logger)
	defer session.Close()

	var metrics *app.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = app.NewMetrics(reg)
		metrics.ObserveTransport(session.Stats)
		stopMetrics := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer stopMetrics()
	}

	coord, err := app.New(app.Config{
		LocalNodeID:        cfg.NodeID,
		MinNodeIDLength:    cfg.MinNodeIDLength,
		MaxConnectAttempts: cfg.Session.MaxConnectAttempts,
		RetryBaseDelay:     cfg.Session.RetryBaseDelay,
		RetryMaxDelay:      cfg.Session.RetryMaxDelay,
		AutoReconnect:      cfg.AutoReconnect(),
	}, app.Deps{
		Vault:     vault,
		Transport: session,
		Scanner:   transport.NewStaticScanner(cfg.Nodes),
		History:   history,
		Sessions:  sessions,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer coord.Close()
	if err := coord.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var rpcDone chan error
	if cfg.RPCAddr != "" {
		rpcCfg := rpc.DefaultConfig()
		rpcCfg.Addr = cfg.RPCAddr
		rpcCfg.Token = cfg.RPCToken
		srv := rpc.NewServer(rpcCfg, coord, logger)
		rpcDone = make(chan error, 1)
		go func() { rpcDone <- srv.Run(ctx) }()
	}
	waitRPC := func() error {
		cancel()
		if rpcDone == nil {
			return nil
		}
		return <-rpcDone
	}

	logger.Info("fusion-node started", "version", version, "transport", cfg.Transport.Backend, "headless", headless)
	if headless {
		select {
		case <-ctx.Done():
		case err := <-rpcDone:
			return err
		}
		return waitRPC()
	}
	if err := newConsole(coord, os.Stdin, os.Stdout).Run(ctx); err != nil {
		_ = waitRPC()
		return err
	}
	return waitRPC()
}

func newDialer(cfg transport.Config, logger *slog.Logger) (transport.Dialer, func(), error) {
	switch cfg.Backend {
	case transport.BackendGoWaku:
		d, err := transport.NewWakuDialer(cfg.Waku, logger)
		if err != nil {
			return nil, nil, err
		}
		stop := func() {}
		if s, ok := d.(interface{ Stop() }); ok {
			stop = s.Stop
		}
		return d, stop, nil
	default:
		return transport.NewMemoryRelay(), func() {}, nil
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
