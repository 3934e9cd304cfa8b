// Package exchmgr is the node-level glue that owns the partition exchange
// protocol end to end: it turns discovery.Membership events into
// exchange.Exchange instances, drives each through Init, feeds inbound
// transport messages to whichever exchange they address, and starts
// cache groups once a round finishes.
//
// The discovery-event consumption loop is ported from the teacher's
// internal/cluster/membership_listener.go: a producer goroutine pushes
// onto an xsync.MPMCQueue with exponential-backoff retry on a full queue,
// and a single consumer goroutine pulls events for sequential processing
// -- the same push/pull split the teacher uses to keep discovery's watch
// goroutine from ever blocking on application-level work.
package exchmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/jinshui820/partx/internal/affinity"
	"github.com/jinshui820/partx/internal/cachegroup"
	"github.com/jinshui820/partx/internal/classify"
	"github.com/jinshui820/partx/internal/conf"
	"github.com/jinshui820/partx/internal/discovery"
	"github.com/jinshui820/partx/internal/exchange"
	"github.com/jinshui820/partx/internal/exchid"
	"github.com/jinshui820/partx/internal/quiesce"
	"github.com/jinshui820/partx/internal/topology"
	"github.com/jinshui820/partx/internal/xchgmsg"
)

const eventQueueSize = 256
const enqueueMaxElapsed = 500 * time.Millisecond

// membershipSource is the narrow slice of *discovery.Membership the
// manager needs, kept as an interface so tests can supply a fake rather
// than standing up a real etcd session.
type membershipSource interface {
	Watch(buffer int) (events <-chan discovery.Event, unsubscribe func())
	Members(ctx context.Context) ([]discovery.Member, error)
	Self() discovery.Member
}

// Manager owns the live and most-recently-finished exchanges for one
// node, and implements transport.Router against them.
type Manager struct {
	selfID      string
	selfClient  bool
	log         logr.Logger
	membership  membershipSource
	transport   exchange.Transport
	persistence exchange.Persistence
	affinityFn  *affinity.Function
	lifecycle   cachegroup.Lifecycle
	cfg         conf.ExchangeConfig

	mu     sync.Mutex
	groups map[string]*topology.GroupTopology
	ver    exchid.TopologyVersion

	current *exchange.Exchange
	// finished answers late single-messages/requests for exchange ids
	// this node has already completed or superseded (spec §3 finishState,
	// §4.10 "answer late messages from the cache").
	finished *xsync.Map[string, exchange.FinishState]

	queue *xsync.MPMCQueue[discovery.Event]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager for groupIDs, each partitioned into cfg's
// configured partition count.
func New(selfID string, groupIDs []string, membership membershipSource, transport exchange.Transport,
	persistence exchange.Persistence, lifecycle cachegroup.Lifecycle, cfg conf.ExchangeConfig, log logr.Logger) *Manager {

	groups := make(map[string]*topology.GroupTopology, len(groupIDs))
	for _, id := range groupIDs {
		groups[id] = topology.NewGroupTopology(id, selfID, cfg.PartitionsPerGroup)
	}

	return &Manager{
		selfID:      selfID,
		selfClient:  membership.Self().Client,
		log:         log,
		membership:  membership,
		transport:   transport,
		persistence: persistence,
		affinityFn:  affinity.New(cfg.AffinityReplicas),
		lifecycle:   lifecycle,
		cfg:         cfg,
		groups:      groups,
		finished:    xsync.NewMap[string, exchange.FinishState](),
		queue:       xsync.NewMPMCQueue[discovery.Event](eventQueueSize),
	}
}

// Start subscribes to membership events and begins processing them.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	events, unsubscribe := m.membership.Watch(eventQueueSize)

	m.wg.Add(2)
	go m.produce(runCtx, events, unsubscribe)
	go m.consume(runCtx)
}

// Stop unsubscribes and waits for both loops to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) produce(ctx context.Context, events <-chan discovery.Event, unsubscribe func()) {
	defer m.wg.Done()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.tryEnqueue(ev)
		}
	}
}

// tryEnqueue retries a full queue with exponential backoff rather than
// blocking the watch goroutine or dropping the event outright.
func (m *Manager) tryEnqueue(ev discovery.Event) {
	operation := func() (struct{}, error) {
		if !m.queue.TryEnqueue(ev) {
			return struct{}{}, context.DeadlineExceeded
		}
		return struct{}{}, nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 20 * time.Millisecond
	bo.Multiplier = 2.0

	if _, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(enqueueMaxElapsed)); err != nil {
		m.log.Error(err, "exchmgr: dropping discovery event, queue stayed full", "node", ev.Member.NodeID)
	}
}

func (m *Manager) consume(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ev, ok := m.queue.TryDequeue()
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		m.handleDiscoveryEvent(ctx, ev)
	}
}

func (m *Manager) handleDiscoveryEvent(ctx context.Context, ev discovery.Event) {
	kind := discovery.EventKindToDiscoEventKind(ev.Kind, ev.Member.Client)

	members, err := m.membership.Members(ctx)
	if err != nil {
		m.log.Error(err, "exchmgr: list members for exchange snapshot")
		return
	}
	snapshot := make([]exchange.Node, 0, len(members))
	for _, mem := range members {
		snapshot = append(snapshot, exchange.Node{ID: mem.NodeID, Order: mem.Order, Client: mem.Client})
	}

	m.mu.Lock()
	m.ver = m.ver.NextMajor()
	id := exchid.ID{TopologyVersion: m.ver, InitiatorNodeID: ev.Member.NodeID, EventKind: kind}
	m.mu.Unlock()

	initEvent := exchange.Event{
		Kind:     kind,
		NodeID:   ev.Member.NodeID,
		IsClient: ev.Member.Client,
		Local:    ev.Member.NodeID == m.selfID,
	}

	m.mu.Lock()
	groupsSnapshot := make(map[string]*topology.GroupTopology, len(m.groups))
	for gid, g := range m.groups {
		groupsSnapshot[gid] = g
	}
	m.mu.Unlock()

	ex := exchange.New(id, initEvent, m.selfID, m.selfClient, groupsSnapshot, m.transport, m.persistence, exchangeAffinity{m.affinityFn}, m.log)

	m.mu.Lock()
	m.current = ex
	m.mu.Unlock()

	qcfg := quiesce.Config{
		NetworkTimeout:              m.cfg.NetworkTimeout(),
		LongOpDumpTimeoutLimit:      m.cfg.LongOpDumpTimeoutLimit(),
		ReleaseFutureDumpThreshold:  time.Duration(m.cfg.ReleaseFutureDumpThreshold) * time.Second,
		ThreadDumpOnExchangeTimeout: m.cfg.ThreadDumpOnExchangeTimeout,
	}

	exType, err := ex.Init(ctx, snapshot, nil, qcfg, nopDumper{})
	if err != nil {
		m.log.Error(err, "exchmgr: exchange init failed", "exchId", id.String())
		return
	}

	switch exType {
	case classify.All, classify.Client:
		if ex.State() == exchange.StateSRV || ex.State() == exchange.StateClient {
			if err := ex.SendSingleMessage(); err != nil {
				m.log.Error(err, "exchmgr: send single-message", "exchId", id.String())
			}
		}
	}

	go m.awaitCompletion(ex)
}

func (m *Manager) awaitCompletion(ex *exchange.Exchange) {
	<-ex.Done()
	fs, ok := ex.FinishStateSnapshot()
	if !ok {
		return
	}
	m.finished.Store(ex.ID.String(), fs)
	m.startLocalCaches(fs.FullMsg)
	m.scheduleLostPartitionResend(fs)
}

// scheduleLostPartitionResend implements spec §4.5 step 4 / §8 scenario 4's
// "schedule a follow-up partition-map resend": once decide has newly
// marked a group's partitions LOST, redistribute the decided full-message
// to every current server peer again rather than relying solely on the
// original distribute pass, which was already in flight when the loss was
// detected.
func (m *Manager) scheduleLostPartitionResend(fs exchange.FinishState) {
	if fs.FullMsg == nil || len(fs.LostPartitionGroups) == 0 {
		return
	}
	m.log.Info("lost partitions detected, resending partition map", "groups", fs.LostPartitionGroups)

	members, err := m.membership.Members(context.Background())
	if err != nil {
		m.log.Error(err, "exchmgr: list members for lost-partition resend")
		return
	}
	for _, mem := range members {
		if mem.NodeID == m.selfID || mem.Client {
			continue
		}
		if err := m.transport.SendFull(mem.NodeID, fs.FullMsg); err != nil {
			m.log.Error(err, "exchmgr: lost-partition resend failed", "node", mem.NodeID)
		}
	}
}

func (m *Manager) startLocalCaches(full *xchgmsg.FullMessage) {
	if full == nil {
		return
	}
	groupIDs := make([]string, 0, len(full.Groups))
	for gid := range full.Groups {
		groupIDs = append(groupIDs, gid)
	}
	toStart := m.lifecycle.CachesToStartOnLocalJoin(groupIDs)
	for _, gid := range toStart {
		fpm := full.Groups[gid]
		var owned []int
		for part, owners := range fpm.Owners {
			if owners[m.selfID] {
				owned = append(owned, part)
			}
		}
		if err := m.lifecycle.StartReceivedCaches(gid, owned); err != nil {
			m.log.Error(err, "exchmgr: start received caches", "group", gid)
		}
	}
}

// RouteSingle implements transport.Router.
func (m *Manager) RouteSingle(from string, msg *xchgmsg.SingleMessage) error {
	cur := m.currentExchange()
	if cur != nil && cur.ID.Equal(msg.ExchID) {
		return cur.OnSingleMessage(from, msg)
	}
	if fs, ok := m.finished.Load(msg.ExchID.String()); ok {
		return replyFinished(m.transport, from, msg.ExchID, fs)
	}
	return fmt.Errorf("exchmgr: no exchange for single-message %s", msg.ExchID.String())
}

// RouteFull implements transport.Router.
func (m *Manager) RouteFull(from string, senderOrder int64, msg *xchgmsg.FullMessage) error {
	cur := m.currentExchange()
	if cur == nil {
		return fmt.Errorf("exchmgr: no active exchange for full-message %s", msg.ExchID.String())
	}
	return cur.OnFullMessage(from, senderOrder, msg)
}

// RouteRestoreRequest implements transport.Router.
func (m *Manager) RouteRestoreRequest(from string, req *xchgmsg.SingleRequest) (*xchgmsg.SingleMessage, *xchgmsg.FullMessage) {
	cur := m.currentExchange()
	if cur == nil {
		return nil, nil
	}
	return cur.OnRestoreStateRequest(from)
}

func (m *Manager) currentExchange() *exchange.Exchange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func replyFinished(t exchange.Transport, to string, lateID exchid.ID, fs exchange.FinishState) error {
	if t == nil {
		return nil
	}
	full, err := fs.FullMsg.Copy()
	if err != nil {
		return fmt.Errorf("exchmgr: copy cached full-message: %w", err)
	}
	full.ExchID = lateID
	full.ClientSnapshot = false
	return t.SendFull(to, full)
}

// exchangeAffinity adapts *affinity.Function to exchange.Affinity's
// single-method surface.
type exchangeAffinity struct {
	fn *affinity.Function
}

func (a exchangeAffinity) OnServerLeft(nodeID string) bool { return a.fn.OnServerLeft(nodeID) }

// nopDumper discards quiesce diagnostics; a real node wires a dumper that
// inspects the transaction/lock manager (spec §6, out of scope here).
type nopDumper struct{}

func (nopDumper) DumpPending(f quiesce.Future) string { return f.Name() + ": no diagnostics available" }
