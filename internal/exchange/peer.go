package exchange

import (
	"fmt"

	"github.com/jinshui820/partx/internal/exchid"
	"github.com/jinshui820/partx/internal/topology"
	"github.com/jinshui820/partx/internal/xchgmsg"
)

// buildSingleMessage assembles this node's current single-message from
// every group's local partition view, without sending it anywhere.
func (e *Exchange) buildSingleMessage() *xchgmsg.SingleMessage {
	e.mu.Lock()
	lastVer := e.lastVer
	e.mu.Unlock()

	msg := &xchgmsg.SingleMessage{
		ExchID:      e.ID,
		Client:      e.localClient,
		Groups:      make(map[string]xchgmsg.GroupReport),
		LastVersion: lastVer,
	}

	for groupID, g := range e.groups {
		report := xchgmsg.GroupReport{
			Partitions: make(map[int]xchgmsg.PartitionEntry),
			HistoryCtr: make(map[int]int64),
		}
		for _, lp := range g.CurrentLocalPartitions() {
			report.Partitions[lp.ID] = xchgmsg.PartitionEntry{
				State: lp.State,
				Ctr:   topology.Counters{Initial: lp.InitialCounter, Applied: lp.AppliedCounter},
			}
		}
		msg.Groups[groupID] = report
	}
	return msg
}

// SendSingleMessage builds and sends this node's single-message to the
// coordinator (spec §4.7, §4.10). Servers call it after topology update
// and quiesce; clients call it immediately, skipping quiesce entirely.
func (e *Exchange) SendSingleMessage() error {
	e.mu.Lock()
	crd := e.crd
	e.mu.Unlock()

	msg := e.buildSingleMessage()

	if crd == e.localID {
		// We are our own coordinator (single-node cluster, or we raced a
		// failover and already took over): handle locally rather than
		// round-tripping through the transport.
		return e.OnSingleMessage(e.localID, msg)
	}

	if e.transport == nil {
		return nil
	}
	if err := e.transport.SendSingle(crd, msg); err != nil {
		return fmt.Errorf("send single-message to %s: %w", crd, err)
	}
	return nil
}

// OnFullMessage handles an inbound full-message (spec §4.7). Messages
// from a higher-order node than the believed coordinator are buffered in
// fullMsgs (they may become authoritative if the believed coordinator
// dies); a message from the believed coordinator is applied and completes
// the exchange.
func (e *Exchange) OnFullMessage(from string, senderOrder int64, msg *xchgmsg.FullMessage) error {
	e.mu.Lock()
	crd := e.crd
	crdOrder := e.orderOf(crd)
	if from != crd && senderOrder > crdOrder {
		e.fullMsgs.Store(from, msg)
		e.mu.Unlock()
		return nil
	}
	if from != crd {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.applyFullMessage(msg)

	resTopVer := e.ID.TopologyVersion
	if msg.ResultTopologyVersion != nil {
		resTopVer = *msg.ResultTopologyVersion
	}
	e.finishWith(from, resTopVer, msg, nil)
	return nil
}

// orderOf looks up a node's order from discoSnapshot; callers hold e.mu.
func (e *Exchange) orderOf(nodeID string) int64 {
	for _, n := range e.discoSnapshot {
		if n.ID == nodeID {
			return n.Order
		}
	}
	return -1
}

// applyFullMessage implements updatePartitionFullMap (spec §4.7): apply
// the coordinator's reconciled owner sets to every local group topology.
func (e *Exchange) applyFullMessage(msg *xchgmsg.FullMessage) {
	for groupID, fpm := range msg.Groups {
		g, ok := e.groups[groupID]
		if !ok {
			continue
		}
		for p, owners := range fpm.Owners {
			g.SetOwners(p, owners, true, true)
		}
	}
}

// finishWith sets finishState and transitions to DONE exactly once (spec
// §3 "finishState, once set, is never rewritten"), closing the done
// channel so Wait-style callers observe completion.
func (e *Exchange) finishWith(coordinatorID string, resTopVer exchid.TopologyVersion, msg *xchgmsg.FullMessage, lostGroups []string) {
	e.mu.Lock()
	if e.finishState != nil {
		e.mu.Unlock()
		return
	}
	e.finishState = &FinishState{
		CoordinatorID:         coordinatorID,
		ResultTopologyVersion: resTopVer,
		FullMsg:               msg,
		LostPartitionGroups:   lostGroups,
	}
	e.state = StateDone
	e.mu.Unlock()

	close(e.done)
}

// completeImmediately finishes a NONE/CLIENT-with-nothing-to-do exchange
// with the initial version and no full-message (spec §8 scenario 5).
func (e *Exchange) completeImmediately(ver exchid.TopologyVersion) {
	e.mu.Lock()
	if e.finishState != nil {
		e.mu.Unlock()
		return
	}
	e.finishState = &FinishState{CoordinatorID: e.crd, ResultTopologyVersion: ver}
	e.state = StateDone
	e.mu.Unlock()
	close(e.done)
}

// SnapshotForClient synthesizes and sends a current, uncompressed
// full-message to a client whose single-message arrived either at a
// coordinator whose exchange is still collecting, or at a node whose own
// exchange for that event classified NONE and completed with nothing to
// distribute (spec §4.1, §4.10). Unlike replyFinishState, this builds from
// the live group topology rather than a cached finishState, since neither
// case has a decided full-message to replay.
func (e *Exchange) SnapshotForClient(to string, lateID exchid.ID) error {
	full := &xchgmsg.FullMessage{
		ExchID:         lateID,
		Groups:         make(map[string]xchgmsg.FullPartitionMap, len(e.groups)),
		ClientSnapshot: true,
	}
	for groupID, g := range e.groups {
		full.Groups[groupID] = snapshotFullPartitionMap(g)
	}

	e.mu.Lock()
	full.LastVersion = e.lastVer
	resTopVer := e.ID.TopologyVersion
	e.mu.Unlock()
	full.ResultTopologyVersion = &resTopVer

	if e.transport == nil {
		return nil
	}
	return e.transport.SendFull(to, full)
}

// replyFinishState answers a late single-message sender by re-stamping a
// copy of the cached full-message with its own exchange id (spec §3,
// §4.6). If there is no full-message (a NONE/CLIENT-fast-path finish),
// nothing is sent back besides the fact that finishState already exists.
func (e *Exchange) replyFinishState(to string, lateID exchid.ID, fs *FinishState) error {
	if fs == nil || fs.FullMsg == nil {
		return nil
	}
	restamped, err := fs.FullMsg.Restamp(lateID)
	if err != nil {
		return fmt.Errorf("restamp full-message for late sender %s: %w", to, err)
	}
	if e.transport == nil {
		return nil
	}
	return e.transport.SendFull(to, restamped)
}
