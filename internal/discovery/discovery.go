// Package discovery is the node's membership and liveness substrate: an
// embedded etcd server (ported from the teacher's internal/cluster/server.go)
// plus a session-leased member registry (ported from
// internal/cluster/election.go's registerMember/observeMembers). Unlike the
// teacher, this package does not run a leader campaign: the partition
// exchange protocol picks its coordinator as the lowest-ordered surviving
// server (spec §3), not an etcd-elected leader. The member key's
// CreateRevision supplies that total order.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	clientv3 "go.etcd.io/etcd/client/v3"
	concurrencyv3 "go.etcd.io/etcd/client/v3/concurrency"

	"github.com/jinshui820/partx/internal/exchid"
)

const (
	membersKey = "/partx/cluster/members/"
	sessionTTL = 15
)

// Member is one cluster node's identity and liveness-ordering position.
type Member struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
	Client bool   `json:"client"`
	// Order is the member key's etcd CreateRevision: a total, monotonic
	// join order across the whole cluster, used to pick the exchange
	// coordinator (spec §3 "lowest-ordered surviving server").
	Order int64 `json:"-"`
}

// EventKind classifies a membership change, translating 1:1 to
// classify.Event / exchid.EventKind at the call site.
type EventKind int

const (
	EventJoined EventKind = iota
	EventLeft
	EventUpdated
)

// Event is one membership change delivered to a subscriber.
type Event struct {
	Kind   EventKind
	Member Member
}

// Membership wraps an etcd session-leased member registration plus a watch
// over every other member's registration, ported from
// LeibrixLeaderElection.registerMember/observeMembers.
type Membership struct {
	client  *clientv3.Client
	session *concurrencyv3.Session
	self    Member
	log     logr.Logger

	mu        sync.Mutex
	listeners map[uint64]chan Event
	nextID    uint64
	known     map[string]Member // nodeID -> last-seen Member, for Resolve/Peers

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// etcdClientConfig builds the clientv3.Config used for every member's
// connection to the discovery substrate, ported from the teacher's
// pkg/common.DefaultEtcdClientConfig (keepalive + autosync + generous
// message sizes for full-message broadcasts).
func etcdClientConfig(endpoints []string) clientv3.Config {
	return clientv3.Config{
		Endpoints:            endpoints,
		DialTimeout:          5 * time.Second,
		DialKeepAliveTime:    2 * time.Second,
		DialKeepAliveTimeout: 2 * time.Second,
		AutoSyncInterval:     30 * time.Second,
		MaxCallSendMsgSize:   16 * 1024 * 1024,
		MaxCallRecvMsgSize:   16 * 1024 * 1024,
	}
}

// NewMembership dials etcd and prepares a membership registrar for self.
// Call Start to actually register and begin watching.
func NewMembership(endpoints []string, self Member, log logr.Logger) (*Membership, error) {
	cli, err := clientv3.New(etcdClientConfig(endpoints))
	if err != nil {
		return nil, fmt.Errorf("discovery: dial etcd: %w", err)
	}
	return &Membership{
		client:    cli,
		self:      self,
		log:       log,
		listeners: make(map[uint64]chan Event),
		known:     make(map[string]Member),
	}, nil
}

// Start creates the session lease, registers self as a member, and begins
// watching for membership changes.
func (m *Membership) Start(ctx context.Context) error {
	session, err := concurrencyv3.NewSession(m.client, concurrencyv3.WithTTL(sessionTTL))
	if err != nil {
		return fmt.Errorf("discovery: create session: %w", err)
	}
	m.session = session

	key := membersKey + m.self.NodeID
	body, err := json.Marshal(m.self)
	if err != nil {
		return fmt.Errorf("discovery: marshal self: %w", err)
	}
	putResp, err := m.client.Put(ctx, key, string(body), clientv3.WithLease(session.Lease()))
	if err != nil {
		return fmt.Errorf("discovery: register member: %w", err)
	}
	m.self.Order = putResp.Header.Revision
	m.log.Info("registered member", "node", m.self.NodeID, "order", m.self.Order)

	existing, err := m.Members(ctx)
	if err != nil {
		return fmt.Errorf("discovery: seed member cache: %w", err)
	}
	m.mu.Lock()
	for _, mem := range existing {
		m.known[mem.NodeID] = mem
	}
	m.mu.Unlock()

	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.watch(watchCtx)
	return nil
}

// Self returns this node's own registered Member, including its assigned
// Order, valid only after Start returns successfully.
func (m *Membership) Self() Member { return m.self }

// Close revokes the session lease (removing the member key) and stops
// watching.
func (m *Membership) Close() error {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
	if m.session != nil {
		if err := m.session.Close(); err != nil {
			m.log.Error(err, "discovery: session close failed", "node", m.self.NodeID)
		}
	}
	return m.client.Close()
}

// Members lists every currently-registered member, ordered by join order.
func (m *Membership) Members(ctx context.Context) ([]Member, error) {
	resp, err := m.client.Get(ctx, membersKey, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: list members: %w", err)
	}
	members := make([]Member, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var mem Member
		if err := json.Unmarshal(kv.Value, &mem); err != nil {
			m.log.Error(err, "discovery: unmarshal member", "key", string(kv.Key))
			continue
		}
		mem.Order = kv.CreateRevision
		members = append(members, mem)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Order < members[j].Order })
	return members, nil
}

// Watch registers a subscriber for membership events. The returned
// unsubscribe function removes and closes the channel.
func (m *Membership) Watch(buffer int) (events <-chan Event, unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan Event, buffer)
	m.listeners[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if c, ok := m.listeners[id]; ok {
			delete(m.listeners, id)
			close(c)
		}
		m.mu.Unlock()
	}
}

func (m *Membership) watch(ctx context.Context) {
	defer m.wg.Done()
	watchChan := m.client.Watch(ctx, membersKey, clientv3.WithPrefix(), clientv3.WithPrevKV())
	for resp := range watchChan {
		for _, ev := range resp.Events {
			m.handleWatchEvent(ev)
		}
	}
}

func (m *Membership) handleWatchEvent(ev *clientv3.Event) {
	var kind EventKind
	var value []byte
	var order int64
	switch ev.Type {
	case clientv3.EventTypePut:
		value = ev.Kv.Value
		order = ev.Kv.CreateRevision
		if ev.IsCreate() {
			kind = EventJoined
		} else {
			kind = EventUpdated
		}
	case clientv3.EventTypeDelete:
		kind = EventLeft
		if ev.PrevKv != nil {
			value = ev.PrevKv.Value
			order = ev.PrevKv.CreateRevision
		}
	}

	var mem Member
	if len(value) > 0 {
		if err := json.Unmarshal(value, &mem); err != nil {
			m.log.Error(err, "discovery: unmarshal watch event")
			return
		}
	}
	mem.Order = order

	m.mu.Lock()
	if kind == EventLeft {
		delete(m.known, mem.NodeID)
	} else {
		m.known[mem.NodeID] = mem
	}
	m.mu.Unlock()

	m.broadcast(Event{Kind: kind, Member: mem})
}

// Resolve implements transport.PeerResolver, answering from the
// membership cache kept current by watch rather than round-tripping to
// etcd on every send.
func (m *Membership) Resolve(nodeID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nodeID == m.self.NodeID {
		return m.self.Addr, nil
	}
	mem, ok := m.known[nodeID]
	if !ok {
		return "", fmt.Errorf("discovery: unknown peer %s", nodeID)
	}
	return mem.Addr, nil
}

// Peers implements transport.PeerResolver, listing every node id known
// to this member (including self).
func (m *Membership) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.known)+1)
	ids = append(ids, m.self.NodeID)
	for id := range m.known {
		ids = append(ids, id)
	}
	return ids
}

func (m *Membership) broadcast(ev Event) {
	m.mu.Lock()
	chans := make([]chan Event, 0, len(m.listeners))
	for _, c := range m.listeners {
		chans = append(chans, c)
	}
	m.mu.Unlock()
	for _, c := range chans {
		select {
		case c <- ev:
		default:
			m.log.Info("discovery: listener backlogged, dropping event", "node", ev.Member.NodeID)
		}
	}
}

// EventKindToDiscoEventKind translates a membership event into the
// exchid.EventKind the exchange classifier expects (spec §4.1).
func EventKindToDiscoEventKind(k EventKind, client bool) exchid.EventKind {
	switch {
	case k == EventJoined && client:
		return exchid.EventClientJoin
	case k == EventJoined:
		return exchid.EventNodeJoin
	case k == EventLeft && client:
		return exchid.EventClientLeave
	case k == EventLeft:
		return exchid.EventNodeLeave
	default:
		return exchid.EventNodeLeave
	}
}
