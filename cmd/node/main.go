package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jinshui820/partx/internal/cachegroup"
	"github.com/jinshui820/partx/internal/conf"
	"github.com/jinshui820/partx/internal/discovery"
	"github.com/jinshui820/partx/internal/exchmgr"
	"github.com/jinshui820/partx/internal/store"
	"github.com/jinshui820/partx/internal/transport"
	"github.com/jinshui820/partx/pkg/obslog"
)

const (
	envConfigFilePath         = "PARTX_CONFIG_PATH"
	defaultConfigPath         = "./config.yaml"
	defaultShutdownTimeout    = 30 * time.Second
	defaultServerStartTimeout = 60 * time.Second
)

var logger = obslog.New("node")

func main() {
	if err := run(); err != nil {
		logger.Error(err, "application run failed")
		os.Exit(1)
	}
	logger.Info("application shutdown complete")
}

// run orchestrates the node process lifecycle, mirroring the teacher's
// load-config -> start-services -> wait-for-signal -> shutdown shape.
func run() error {
	configPath, ok := os.LookupEnv(envConfigFilePath)
	if !ok {
		configPath = defaultConfigPath
	}
	logger.Info("loading configuration", "path", configPath)
	cfg, err := conf.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if len(cfg.Exchange.GroupIDs) == 0 {
		cfg.Exchange.GroupIDs = []string{"default"}
	}
	logger.Info("configuration loaded", "node", cfg.Node.NodeName, "dataDir", cfg.Node.DataDir)

	svc, grpcErrCh, err := startServices(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	logRuntimeInfo(cfg, svc)
	reason, runErr := handleShutdown(grpcErrCh)
	if runErr != nil {
		logger.Error(runErr, "shutdown initiated due to service error", "reason", reason)
	} else {
		logger.Info("shutdown initiated", "reason", reason)
	}
	shutdownServices(cfg, svc)
	return runErr
}

// services bundles every long-lived component a node process owns.
type services struct {
	etcd       *discovery.EmbeddedServer
	membership *discovery.Membership
	history    *store.HistoryStore
	transport  *transport.GRPCTransport
	server     *transport.Server
	manager    *exchmgr.Manager
}

// startServices brings up the embedded etcd discovery substrate, the
// local history store, the exchange manager, and the transport server,
// in that order -- each later component depends on the ones before it.
func startServices(ctx context.Context, cfg *conf.PartxConfig) (*services, <-chan error, error) {
	logger.Info("starting embedded etcd server", "node", cfg.Node.NodeName)
	etcdServer := discovery.NewEmbeddedServer(cfg, logger)
	if err := etcdServer.Start(ctx, defaultServerStartTimeout); err != nil {
		return nil, nil, fmt.Errorf("etcd server start: %w", err)
	}
	logger.Info("embedded etcd server started", "state", etcdServer.State())

	selfAddr := fmt.Sprintf("%s:%d", cfg.Node.HostName, cfg.Node.RPCPort)
	self := discovery.Member{NodeID: cfg.Node.NodeName, Addr: selfAddr, Client: cfg.Node.Client}

	membership, err := discovery.NewMembership(etcdServer.ClientEndpoints(), self, logger)
	if err != nil {
		_ = etcdServer.Stop(context.Background())
		return nil, nil, fmt.Errorf("membership init: %w", err)
	}
	if err := membership.Start(ctx); err != nil {
		_ = etcdServer.Stop(context.Background())
		return nil, nil, fmt.Errorf("membership start: %w", err)
	}
	logger.Info("membership registered", "node", self.NodeID, "order", membership.Self().Order)

	historyPath := filepath.Join(cfg.Node.DataDir, "history.db")
	history, err := store.Open(historyPath)
	if err != nil {
		_ = membership.Close()
		_ = etcdServer.Stop(context.Background())
		return nil, nil, fmt.Errorf("history store open: %w", err)
	}

	grpcTransport := transport.NewGRPCTransport(cfg.Node.NodeName, membership, logger)

	manager := exchmgr.New(cfg.Node.NodeName, cfg.Exchange.GroupIDs, membership, grpcTransport,
		history, cachegroup.NewInMemory(), cfg.Exchange, logger)
	manager.Start(ctx)

	listenAddr := fmt.Sprintf(":%d", cfg.Node.RPCPort)
	transportServer := transport.NewServer(listenAddr, manager, logger)
	grpcErrCh := make(chan error, 1)
	go func() {
		if err := transportServer.Start(context.Background()); err != nil && err != context.Canceled {
			grpcErrCh <- err
		}
	}()

	return &services{
		etcd:       etcdServer,
		membership: membership,
		history:    history,
		transport:  grpcTransport,
		server:     transportServer,
		manager:    manager,
	}, grpcErrCh, nil
}

func logRuntimeInfo(cfg *conf.PartxConfig, svc *services) {
	members, err := svc.membership.Members(context.Background())
	if err != nil {
		logger.Error(err, "list members for runtime info")
		return
	}
	logger.Info("partx node is running",
		"node", cfg.Node.NodeName,
		"clusterSize", len(members),
		"rpcAddress", fmt.Sprintf("%s:%d", cfg.Node.HostName, cfg.Node.RPCPort),
		"etcdState", svc.etcd.State())
}

func handleShutdown(grpcErrCh <-chan error) (reason string, err error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("all services started, waiting for shutdown signal")

	select {
	case sig := <-sigCh:
		return fmt.Sprintf("received signal: %s", sig), nil
	case err := <-grpcErrCh:
		return "transport server error", err
	}
}

func shutdownServices(cfg *conf.PartxConfig, svc *services) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	logger.Info("stopping transport server")
	if err := svc.server.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "transport server shutdown failed")
	}

	logger.Info("stopping exchange manager")
	svc.manager.Stop()

	logger.Info("closing transport client connections")
	if err := svc.transport.Close(); err != nil {
		logger.Error(err, "transport client close failed")
	}

	logger.Info("closing history store")
	if err := svc.history.Close(); err != nil {
		logger.Error(err, "history store close failed")
	}

	logger.Info("stopping membership")
	if err := svc.membership.Close(); err != nil {
		logger.Error(err, "membership close failed")
	}

	logger.Info("stopping embedded etcd server")
	if err := svc.etcd.Stop(shutdownCtx); err != nil {
		logger.Error(err, "embedded etcd server shutdown failed")
	}

	logger.Info("partx node shutdown sequence finished", "node", cfg.Node.NodeName)
}
