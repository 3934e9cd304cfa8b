// Package classify implements the pure event-to-exchange-type decision
// table of spec §4.1, ported from original_source's exchangeType()
// dispatch in GridDhtPartitionsExchangeFuture.
package classify

import "github.com/jinshui820/partx/internal/exchid"

// ExchangeType is what kind of partition-map round a triggering event
// requires, per spec §4.1.
type ExchangeType int

const (
	// None means the event requires no exchange at all.
	None ExchangeType = iota
	// All is a full exchange involving every server node.
	All
	// Client is a lightweight exchange that only the client itself (and
	// the nodes it talks to) needs to process.
	Client
)

func (t ExchangeType) String() string {
	switch t {
	case None:
		return "NONE"
	case All:
		return "ALL"
	case Client:
		return "CLIENT"
	default:
		return "UNKNOWN"
	}
}

// Event is the minimal shape classify needs from whatever triggered a
// potential exchange: its kind, whether the affected node is a client,
// and whether the local node is itself a client.
type Event struct {
	Kind           exchid.EventKind
	NodeIsClient   bool
	LocalIsClient  bool
	LocalNodeID    string
	AffectedNodeID string
}

// CentralizedAffinity reports whether a NODE_LEAVE/NODE_FAILED event
// should also force centralized affinity recalculation: a server leaving
// (as opposed to a client) always does, since some partitions it owned
// may now lack any owner (spec §4.1, original_source's
// affinityChangeMessage gating on serverNodeLeft).
func CentralizedAffinity(e Event) bool {
	return (e.Kind == exchid.EventNodeLeave || e.Kind == exchid.EventNodeFailed) && !e.NodeIsClient
}

// Classify maps a triggering event to the exchange type it requires.
func Classify(e Event) ExchangeType {
	switch e.Kind {
	case exchid.EventNodeJoin, exchid.EventNodeLeave, exchid.EventNodeFailed:
		return All

	case exchid.EventClientJoin, exchid.EventClientLeave:
		if e.AffectedNodeID == e.LocalNodeID && e.LocalIsClient {
			return Client
		}
		return None

	case exchid.EventActivate, exchid.EventDeactivate, exchid.EventCacheChange,
		exchid.EventSnapshot, exchid.EventAffinityChange:
		if e.LocalIsClient {
			return Client
		}
		return All

	default:
		return None
	}
}
