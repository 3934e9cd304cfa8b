// Package exchange implements the per-exchange coordination state machine
// (spec §3-§5): one instance per exchange event, driving the coordinator /
// server / client roles through the single-to-full message round,
// quiescence, counter reconciliation, failover and merge.
//
// Ported from original_source's GridDhtPartitionsExchangeFuture, in the
// concurrency idiom of the teacher's event_dispatcher.go/session_manager.go
// (xsync concurrent maps guarded by a narrow mutex for the handful of
// fields original_source protects with its own monitor).
package exchange

import (
	"errors"
	"sync"

	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/jinshui820/partx/internal/exchid"
	"github.com/jinshui820/partx/internal/topology"
	"github.com/jinshui820/partx/internal/xchgmsg"
)

// State is one of the six roles an Exchange instance can occupy (spec §3),
// plus INIT, the state of an Exchange before Init runs.
type State int

const (
	StateInit State = iota
	StateCRD
	StateSRV
	StateClient
	StateBecomeCRD
	StateMerged
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateCRD:
		return "CRD"
	case StateSRV:
		return "SRV"
	case StateClient:
		return "CLIENT"
	case StateBecomeCRD:
		return "BECOME_CRD"
	case StateMerged:
		return "MERGED"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors the protocol distinguishes by identity (spec §7).
var (
	// ErrPeerGone means a send failed because the destination node has
	// already left the cluster. Logged and swallowed: the coordinator
	// learns of the departure independently via the discovery layer.
	ErrPeerGone = errors.New("exchange: peer gone")
	// ErrNeedReconnect wraps causes that must force this node to rejoin:
	// a transport failure the transport itself reports as reconnectable,
	// or a client-disconnected signal from the discovery layer.
	ErrNeedReconnect = errors.New("exchange: need reconnect")
	// ErrStale means a message or request referenced an exchange id this
	// node has already superseded.
	ErrStale = errors.New("exchange: stale exchange id")
)

// FinishState is the immutable (coordinatorId, resultTopologyVersion,
// fullMessage) triple set exactly once when an exchange completes (spec
// §3 "finishState"). Late single-message/request senders are answered
// from a re-stamped copy of FullMsg.
type FinishState struct {
	CoordinatorID         string
	ResultTopologyVersion exchid.TopologyVersion
	FullMsg               *xchgmsg.FullMessage
	// LostPartitionGroups names every group that had at least one
	// partition with no owner, marked LOST during decide (spec §4.5 step
	// 4), whether or not it was already LOST before. Its
	// caller (the exchange manager) is expected to schedule a follow-up
	// partition-map resend once it observes this non-empty.
	LostPartitionGroups []string
}

// Node is the minimal server-ordering information the state machine
// needs: an id and the monotonic order used to pick the coordinator
// (lowest order among survivors) and to resolve failover races (spec §9
// "requester.order > currentCrd.order").
type Node struct {
	ID      string
	Order   int64
	Client  bool
}

// Transport is the messaging collaborator (spec §6 "Transport
// (consumed)"): send with a peer-gone error distinct from a fatal one.
type Transport interface {
	SendSingle(nodeID string, msg *xchgmsg.SingleMessage) error
	SendFull(nodeID string, msg *xchgmsg.FullMessage) error
	SendRequest(nodeID string, msg *xchgmsg.SingleRequest) error
	// BroadcastRing publishes msg via the discovery ring's total order,
	// used when centralizedAff is in effect (spec §4.6).
	BroadcastRing(msg *xchgmsg.FullMessage) error
}

// Persistence is the write-ahead-log/checkpoint collaborator (spec §6
// "Persistence (consumed)"), narrowed to what the decide step needs:
// the local node's own WAL-reservation view for history-supplier
// carve-outs (spec §4.5 step 2, ported in internal/reconcile).
type Persistence interface {
	// ReserveHistoryForExchange returns, per group, the partitions this
	// node can supply WAL history for and from which counter.
	ReserveHistoryForExchange() (map[string]map[int]int64, error)
	ReleaseHistoryForExchange()
}

// Affinity is the affinity-function collaborator (spec §6), narrowed to
// the one decision the exchange itself makes: whether a server leave
// forces centralized (ring-distributed) affinity propagation.
type Affinity interface {
	OnServerLeft(nodeID string) (centralizedAff bool)
}

// Event is the initial triggering event (spec §3 "initialEvent").
type Event struct {
	Kind     exchid.EventKind
	NodeID   string // the node that joined/left/failed, or "" for a custom message
	IsClient bool
	Local    bool // true if NodeID is this node
}

// Exchange is one per-version coordination instance (spec §3).
type Exchange struct {
	// Immutable after Init.
	ID           exchid.ID
	initialEvent Event
	localID      string
	localClient  bool

	transport   Transport
	persistence Persistence
	affinity    Affinity
	groups      map[string]*topology.GroupTopology
	log         logr.Logger

	// mu guards every field original_source protects with the exchange's
	// own monitor (spec §5 "per-exchange monitor").
	mu                  sync.Mutex
	state               State
	discoSnapshot       []Node
	srvNodes            []Node // ordered; mutated only to drop failed nodes
	crd                 string
	remaining           map[string]bool
	mergedJoinExchMsgs  map[string]*xchgmsg.SingleMessage // present-with-nil == awaited
	awaitMergedMsgs     int
	mergedWith          *Exchange
	pendingJoinMsg      *xchgmsg.SingleMessage
	lastVer             int64
	finishState         *FinishState
	centralizedAff      bool
	changeGlobalStateEx map[string]string // nodeID -> error

	// msgs/pendingSingleMsgs/fullMsgs are read far more than they are
	// written under lock contention from concurrent message delivery, so
	// they use xsync's lock-free maps (teacher idiom, e.g. SessionManager,
	// EventDispatcher) rather than living inside mu.
	msgs             *xsync.Map[string, *xchgmsg.SingleMessage]
	pendingSingleMsgs *xsync.Map[string, *xchgmsg.SingleMessage]
	fullMsgs         *xsync.Map[string, *xchgmsg.FullMessage]

	// pendingUpdates/updatesCond implement awaitSingleMapUpdates (spec §4.4
	// "a counter pendingSingleUpdates tracks in-flight updates"): the heavy
	// per-message partition-map merge runs outside mu, and decide must not
	// run until every in-flight merge has completed.
	updatesMu      sync.Mutex
	updatesCond    *sync.Cond
	pendingUpdates int

	partHistSuppliers map[xchgmsg.HistorySupplierKey]int64
	partsToReload     map[string]map[string][]int // nodeID -> groupID -> partIDs

	// restoreRemaining tracks outstanding restore-state replies during
	// InitNewCoordinator (spec §4.8); empty/nil outside a failover.
	restoreRemaining map[string]bool
	restoreFull      *xchgmsg.FullMessage
	restoreFullFrom  string

	done chan struct{}
}

// Done implements quiesce.Future so callers can use internal/quiesce to
// wait on an exchange's completion alongside partition-release futures.
func (e *Exchange) Done() <-chan struct{} { return e.done }

// Name implements quiesce.Future.
func (e *Exchange) Name() string { return e.ID.String() }

// New creates an Exchange in StateInit; call Init to classify the event,
// pick the coordinator and start the protocol.
func New(id exchid.ID, event Event, localID string, localClient bool, groups map[string]*topology.GroupTopology,
	transport Transport, persistence Persistence, affinity Affinity, log logr.Logger) *Exchange {

	e := &Exchange{
		ID:                id,
		initialEvent:      event,
		localID:           localID,
		localClient:       localClient,
		transport:         transport,
		persistence:       persistence,
		affinity:          affinity,
		groups:            groups,
		log:               log.WithValues("exchId", id.String()),
		state:             StateInit,
		remaining:         make(map[string]bool),
		mergedJoinExchMsgs: make(map[string]*xchgmsg.SingleMessage),
		changeGlobalStateEx: make(map[string]string),
		msgs:              xsync.NewMap[string, *xchgmsg.SingleMessage](),
		pendingSingleMsgs: xsync.NewMap[string, *xchgmsg.SingleMessage](),
		fullMsgs:          xsync.NewMap[string, *xchgmsg.FullMessage](),
		partHistSuppliers: make(map[xchgmsg.HistorySupplierKey]int64),
		partsToReload:     make(map[string]map[string][]int),
		done:              make(chan struct{}),
	}
	e.updatesCond = sync.NewCond(&e.updatesMu)
	return e
}

// State returns the exchange's current state under lock.
func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Coordinator returns the current coordinator node id under lock.
func (e *Exchange) Coordinator() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crd
}

// FinishStateSnapshot returns the finish state if the exchange has completed.
func (e *Exchange) FinishStateSnapshot() (FinishState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finishState == nil {
		return FinishState{}, false
	}
	return *e.finishState, true
}

// IsCompleted reports whether state has reached DONE.
func (e *Exchange) IsCompleted() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func lowestOrdered(nodes []Node) string {
	best := ""
	var bestOrder int64
	first := true
	for _, n := range nodes {
		if n.Client {
			continue
		}
		if first || n.Order < bestOrder {
			best, bestOrder, first = n.ID, n.Order, false
		}
	}
	return best
}

func removeNode(nodes []Node, id string) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

func containsNode(nodes []Node, id string) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}
