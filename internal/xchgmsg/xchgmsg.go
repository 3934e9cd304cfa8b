// Package xchgmsg defines the wire messages exchanged between the
// coordinator and the remaining servers (spec §6 "Wire messages produced")
// and a gob-based copy helper for the per-recipient customization the
// protocol needs (spec §5 "msg.copy() when any per-recipient field must
// differ").
package xchgmsg

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/jinshui820/partx/internal/exchid"
	"github.com/jinshui820/partx/internal/topology"
)

// PartitionEntry is one partition's reported state plus its update
// counters, as carried inside a single-message's "partitions" map.
type PartitionEntry struct {
	State topology.PartitionState
	Ctr   topology.Counters
}

// GroupReport is one cache group's worth of single-message content:
// per-partition state and the group's own update counter, plus any
// historical (WAL-reserved) counters the sender can supply.
type GroupReport struct {
	Partitions map[int]PartitionEntry
	HistoryCtr map[int]int64 // partitionHistoryCounters
}

// SingleMessage is what a non-coordinator server (or a client) sends to
// the coordinator during collect (spec §6).
type SingleMessage struct {
	ExchID      exchid.ID
	Client      bool
	Groups      map[string]GroupReport
	LastVersion int64
	Error       string // non-empty if the sender hit a local activation/deactivation error

	CacheGroupsAffinityRequest []string // groups this joining node wants ideal-affinity info for
	RestoreState               bool     // answering a restore-state request, not a normal collect
	RestoreExchangeID          *exchid.ID
	FinishMessage              bool // synthesized reply replaying a cached finishState
}

// FullPartitionMap is the reconciled owner set plus state for every node,
// for one group, as distributed in a full-message.
type FullPartitionMap struct {
	Owners map[int]map[string]bool // partition -> set of owning node ids
	NodeSt map[string]map[int]topology.PartitionState
	Ctr    map[int]int64 // reconciled update counter per partition
}

// HistorySupplierKey names a (node, group, partition) triple that can
// serve WAL-based rebalance.
type HistorySupplierKey struct {
	NodeID  string
	GroupID string
	PartID  int
}

// FullMessage is what the coordinator sends to every server (and, via
// copy-on-customize, to clients) after decide (spec §6).
type FullMessage struct {
	ExchID                exchid.ID
	Groups                map[string]FullPartitionMap
	PartitionHistSuppliers map[HistorySupplierKey]int64 // -> minCntr, the rebalance-from counter
	PartsToReload         map[string]map[string][]int  // nodeID -> groupID -> partition ids
	LastVersion           int64
	ResultTopologyVersion *exchid.TopologyVersion
	IdealAffinityDiff     map[string]map[int][]string // groupID -> partition -> ideal owner order; the coordinator's decide step never fills it
	ErrorsMap             map[string]string            // nodeID -> error string
	JoinedNodeAffinity    map[string]map[int][]string  // affinity handed to a joining node that requested it

	// ClientSnapshot marks a full-message synthesized for a client from the
	// live (uncompressed) group topology by Exchange.SnapshotForClient,
	// rather than replayed from a completed finishState (spec §4.10).
	ClientSnapshot bool
}

// SingleRequest is the restore-state probe a newly-elevated coordinator
// sends to every surviving server (spec §6, §4.8).
type SingleRequest struct {
	ExchID             exchid.ID
	RestoreState       bool
	RestoreExchangeID  *exchid.ID
}

// Copy returns a deep copy of msg via gob round-trip, used whenever a
// per-recipient field (ExchID, in practice) must differ from a cached
// message without mutating the cached copy (spec §5).
func (m *FullMessage) Copy() (*FullMessage, error) {
	var out FullMessage
	if err := gobRoundTrip(m, &out); err != nil {
		return nil, fmt.Errorf("copy full-message: %w", err)
	}
	return &out, nil
}

// Restamp returns a copy of m with its ExchID replaced, for replaying a
// cached full-message to a late sender (spec §3, §4.6).
func (m *FullMessage) Restamp(id exchid.ID) (*FullMessage, error) {
	cp, err := m.Copy()
	if err != nil {
		return nil, err
	}
	cp.ExchID = id
	return cp, nil
}

func gobRoundTrip(src, dst any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(src); err != nil {
		return err
	}
	return gob.NewDecoder(&buf).Decode(dst)
}

// Encode serializes a message for transport.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode exchange message: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a message produced by Encode into v (a pointer).
func Decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("decode exchange message: %w", err)
	}
	return nil
}
