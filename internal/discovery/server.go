package discovery

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.etcd.io/etcd/server/v3/embed"

	"github.com/jinshui820/partx/internal/conf"
)

// ServerState is the embedded etcd server's lifecycle state, ported from
// the teacher's TypeServerState.
type ServerState int32

const (
	ServerStateInit ServerState = iota
	ServerStateReady
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateReady:
		return "ready"
	case ServerStateStopped:
		return "stopped"
	default:
		return "init"
	}
}

const (
	defaultQuotaBackendBytes                 = 6 << 30
	defaultCompactionRetention               = "100000"
	defaultServerStartDeadline time.Duration = 60 * time.Second
)

// EmbeddedServer runs the etcd instance a node uses as its discovery
// substrate, ported from the teacher's LeibrixNodeServer.
type EmbeddedServer struct {
	cfg   *conf.PartxConfig
	etcd  *embed.Etcd
	state int32
	log   logr.Logger
}

// NewEmbeddedServer prepares (but does not start) an embedded etcd server.
func NewEmbeddedServer(cfg *conf.PartxConfig, log logr.Logger) *EmbeddedServer {
	return &EmbeddedServer{cfg: cfg, state: int32(ServerStateInit), log: log}
}

// State returns the server's current lifecycle state.
func (s *EmbeddedServer) State() ServerState { return ServerState(atomic.LoadInt32(&s.state)) }

// Start brings the embedded etcd instance up, blocking until ready or
// startTimeout elapses.
func (s *EmbeddedServer) Start(ctx context.Context, startTimeout time.Duration) error {
	if atomic.LoadInt32(&s.state) != int32(ServerStateInit) {
		return nil
	}
	cfg, err := buildEtcdConfig(s.cfg)
	if err != nil {
		return fmt.Errorf("discovery: build etcd config: %w", err)
	}
	e, err := embed.StartEtcd(cfg)
	if err != nil {
		return fmt.Errorf("discovery: start etcd: %w", err)
	}
	if startTimeout <= 0 {
		startTimeout = defaultServerStartDeadline
	}
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	select {
	case <-e.Server.ReadyNotify():
		s.etcd = e
		atomic.StoreInt32(&s.state, int32(ServerStateReady))
		return nil
	case <-startCtx.Done():
		e.Close()
		return startCtx.Err()
	}
}

// Stop gracefully shuts the embedded etcd instance down.
func (s *EmbeddedServer) Stop(ctx context.Context) error {
	if atomic.LoadInt32(&s.state) != int32(ServerStateReady) {
		return nil
	}
	if s.etcd == nil {
		atomic.StoreInt32(&s.state, int32(ServerStateStopped))
		return fmt.Errorf("discovery: inconsistent state: etcd is nil while ready")
	}
	s.etcd.Close()
	select {
	case <-s.etcd.Server.StopNotify():
		atomic.StoreInt32(&s.state, int32(ServerStateStopped))
		return nil
	case <-ctx.Done():
		atomic.StoreInt32(&s.state, int32(ServerStateStopped))
		return ctx.Err()
	}
}

// ClientEndpoints returns the addresses this node's own embedded etcd
// instance is reachable on, for a client built against the local node.
func (s *EmbeddedServer) ClientEndpoints() []string {
	return s.cfg.Cluster.ListenClientUrls
}

func buildEtcdConfig(cfg *conf.PartxConfig) (*embed.Config, error) {
	ecfg := embed.NewConfig()
	ecfg.Name = cfg.Node.NodeName
	ecfg.Dir = cfg.Node.DataDir

	ecfg.InitialClusterToken = cfg.Cluster.InitialClusterToken
	ecfg.InitialCluster = cfg.Cluster.InitialCluster
	ecfg.ClusterState = detectClusterState(cfg.Node.DataDir)

	clientURLs, err := parseURLs(cfg.Cluster.ListenClientUrls)
	if err != nil {
		return nil, fmt.Errorf("invalid client urls: %w", err)
	}
	ecfg.ListenClientUrls = clientURLs
	ecfg.AdvertiseClientUrls = clientURLs

	peerURLs, err := parseURLs(cfg.Cluster.AdvertisePeerUrls)
	if err != nil {
		return nil, fmt.Errorf("invalid peer urls: %w", err)
	}
	ecfg.ListenPeerUrls = peerURLs
	ecfg.AdvertisePeerUrls = peerURLs

	if cfg.Cluster.HeartbeatMs > 0 {
		ecfg.TickMs = cfg.Cluster.HeartbeatMs
	} else {
		ecfg.TickMs = 100
	}
	electionMs := cfg.Cluster.ElectionMs
	if electionMs == 0 {
		electionMs = 1000
	}
	minRequired := 10 * ecfg.TickMs
	if electionMs < minRequired {
		return nil, fmt.Errorf("election_ms (%dms) must be at least 10x heartbeat_ms (%dms)", electionMs, ecfg.TickMs)
	}
	ecfg.AutoCompactionMode = "revision"
	ecfg.AutoCompactionRetention = defaultCompactionRetention
	ecfg.QuotaBackendBytes = defaultQuotaBackendBytes
	ecfg.ElectionMs = electionMs
	ecfg.LogLevel = cfg.Cluster.LogLevel
	return ecfg, nil
}

func parseURLs(raw []string) ([]url.URL, error) {
	urls := make([]url.URL, 0, len(raw))
	for _, s := range raw {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", s, err)
		}
		urls = append(urls, *u)
	}
	return urls, nil
}

// detectClusterState decides whether this node is bootstrapping a fresh
// cluster or rejoining an existing one, from the on-disk etcd data
// directory layout, ported from the teacher's detectClusterState.
func detectClusterState(dataDir string) string {
	memberDir := filepath.Join(dataDir, "member")
	walDir := filepath.Join(memberDir, "wal")
	snapDB := filepath.Join(memberDir, "snap", "db")

	info, err := os.Stat(memberDir)
	if err != nil {
		if os.IsNotExist(err) {
			return embed.ClusterStateFlagNew
		}
		panic(fmt.Sprintf("discovery: failed to access member directory %s: %v", memberDir, err))
	}
	if !info.IsDir() {
		panic(fmt.Sprintf("discovery: member path exists but is not a directory: %s", memberDir))
	}
	if hasFiles(walDir) || hasNonEmptyFile(snapDB) {
		return embed.ClusterStateFlagExisting
	}
	panic(fmt.Sprintf(
		"discovery: member directory %s exists but contains no valid etcd data; "+
			"remove it to re-bootstrap, or restore from backup", memberDir))
}

func hasFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			return true
		}
	}
	return false
}

func hasNonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}
