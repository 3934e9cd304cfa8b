package exchange

import (
	"context"

	"github.com/jinshui820/partx/internal/lostpartition"
	"github.com/jinshui820/partx/internal/reconcile"
	"github.com/jinshui820/partx/internal/xchgmsg"
)

// OnSingleMessage handles an inbound single-message, implementing the
// coordinator-path dispatch of spec §4.4.
func (e *Exchange) OnSingleMessage(from string, msg *xchgmsg.SingleMessage) error {
	e.mu.Lock()
	state := e.state

	switch state {
	case StateDone:
		fs := e.finishState
		e.mu.Unlock()
		if fs != nil && fs.FullMsg == nil && msg.Client {
			// This node's own exchange for the client's join/leave
			// classified NONE and completed with nothing to distribute
			// (spec §4.1), but the client's own CLIENT-state exchange
			// still needs a full-message to complete on (spec §4.10).
			return e.SnapshotForClient(from, msg.ExchID)
		}
		return e.replyFinishState(from, msg.ExchID, fs)

	case StateSRV, StateBecomeCRD:
		e.mu.Unlock()
		e.pendingSingleMsgs.Store(from, msg)
		return nil

	case StateCRD:
		if !e.remaining[from] {
			// Either already collected, or this sender was routed here via
			// a merge (mergedJoinExchMsgs), handled separately below.
			if _, awaited := e.mergedJoinExchMsgs[from]; awaited {
				e.mu.Unlock()
				e.processMergedMessage(from, msg)
				return nil
			}
			e.mu.Unlock()
			if msg.Client {
				// Clients are never in remaining; answer with a snapshot of
				// the current topology instead of making them wait for decide.
				return e.SnapshotForClient(from, msg.ExchID)
			}
			return nil
		}
		delete(e.remaining, from)
		if msg.Error != "" {
			e.changeGlobalStateEx[from] = msg.Error
		}
		if msg.LastVersion > e.lastVer {
			e.lastVer = msg.LastVersion
		}
		allIn := len(e.remaining) == 0 && e.awaitMergedMsgs == 0
		e.mu.Unlock()

		e.beginMergeUpdate()
		e.msgs.Store(from, msg)
		e.mergeSingleMessageIntoTopology(from, msg)
		e.endMergeUpdate()

		if allIn {
			e.maybeDecide()
		}
		return nil

	default:
		// INIT/CLIENT/MERGED: single-messages aren't expected here; buffer
		// defensively rather than drop, mirroring the SRV/BECOME_CRD path.
		e.mu.Unlock()
		e.pendingSingleMsgs.Store(from, msg)
		return nil
	}
}

// beginMergeUpdate/endMergeUpdate implement awaitSingleMapUpdates' back
// pressure counter (spec §4.4 "pendingSingleUpdates"): decide must not run
// while a per-message topology merge is still in flight.
func (e *Exchange) beginMergeUpdate() {
	e.updatesMu.Lock()
	e.pendingUpdates++
	e.updatesMu.Unlock()
}

func (e *Exchange) endMergeUpdate() {
	e.updatesMu.Lock()
	e.pendingUpdates--
	if e.pendingUpdates == 0 {
		e.updatesCond.Broadcast()
	}
	e.updatesMu.Unlock()
}

func (e *Exchange) awaitAllUpdates() {
	e.updatesMu.Lock()
	for e.pendingUpdates > 0 {
		e.updatesCond.Wait()
	}
	e.updatesMu.Unlock()
}

// mergeSingleMessageIntoTopology folds one sender's per-partition state
// into every group's topology view, the "heavy per-message work" spec §4.4
// says runs outside the state-guarding monitor.
func (e *Exchange) mergeSingleMessageIntoTopology(from string, msg *xchgmsg.SingleMessage) {
	for groupID, report := range msg.Groups {
		g, ok := e.groups[groupID]
		if !ok {
			continue
		}
		for p, entry := range report.Partitions {
			g.SetNodeState(from, p, entry.State, entry.Ctr)
		}
	}
}

// maybeDecide runs the decide step once remaining and every merged slot
// are empty and no per-message merge is still in flight; safe to call
// speculatively from multiple goroutines.
func (e *Exchange) maybeDecide() {
	e.mu.Lock()
	if e.state != StateCRD || len(e.remaining) != 0 || e.awaitMergedMsgs != 0 {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.awaitAllUpdates()

	e.mu.Lock()
	if e.state != StateCRD || len(e.remaining) != 0 || e.awaitMergedMsgs != 0 {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.decide()
}

// decide implements spec §4.5: reconcile counters per group, assign
// owners, detect lost partitions, build and stamp the full-message, then
// distribute it.
func (e *Exchange) decide() {
	full := &xchgmsg.FullMessage{
		ExchID: e.ID,
		Groups: make(map[string]xchgmsg.FullPartitionMap),
	}

	localReserved, err := e.reserveLocalHistory()
	if err != nil {
		e.log.Error(err, "local history reservation failed, degrading to full reload for this node")
		localReserved = nil
	}

	var lostGroups []string

	for groupID, g := range e.groups {
		msgs := e.collectGroupReports(groupID)

		sink := func(nodeID string, p int, from int64) {
			e.mu.Lock()
			e.partHistSuppliers[xchgmsg.HistorySupplierKey{NodeID: nodeID, GroupID: groupID, PartID: p}] = from
			e.mu.Unlock()
		}

		res := reconcile.AssignPartitionStates(g, groupID, msgs, localReserved[groupID], sink)

		for p, nodes := range res.ToReload {
			for nodeID := range nodes {
				e.mu.Lock()
				if e.partsToReload[nodeID] == nil {
					e.partsToReload[nodeID] = make(map[string][]int)
				}
				e.partsToReload[nodeID][groupID] = append(e.partsToReload[nodeID][groupID], p)
				e.mu.Unlock()
			}
		}

		if affected := lostpartition.Detect(context.Background(), []lostpartition.Group{g}, e.ID.TopologyVersion); len(affected) > 0 {
			lostGroups = append(lostGroups, affected...)
		}

		full.Groups[groupID] = snapshotFullPartitionMap(g)
	}

	e.mu.Lock()
	e.lastVer++
	if e.lastVer < 1 {
		e.lastVer = 1
	}
	full.LastVersion = e.lastVer
	resTopVer := e.ID.TopologyVersion
	full.ResultTopologyVersion = &resTopVer
	if len(e.partHistSuppliers) > 0 {
		full.PartitionHistSuppliers = e.partHistSuppliers
	}
	if len(e.partsToReload) > 0 {
		full.PartsToReload = e.partsToReload
	}
	if len(e.changeGlobalStateEx) > 0 {
		full.ErrorsMap = e.changeGlobalStateEx
	}
	coordinatorID := e.localID
	e.mu.Unlock()

	if e.persistence != nil {
		e.persistence.ReleaseHistoryForExchange()
	}

	e.finishWith(coordinatorID, resTopVer, full, lostGroups)
	e.distribute(full)
}

func (e *Exchange) reserveLocalHistory() (map[string]map[int]int64, error) {
	if e.persistence == nil {
		return nil, nil
	}
	return e.persistence.ReserveHistoryForExchange()
}

// collectGroupReports gathers every collected single-message's report for
// one group. It adds no entry for the local node: reconcile.AssignPartitionStates
// folds the local view in separately via CurrentLocalPartitions, so msgs
// here only needs peers.
func (e *Exchange) collectGroupReports(groupID string) map[string]xchgmsg.GroupReport {
	out := make(map[string]xchgmsg.GroupReport)
	e.msgs.Range(func(nodeID string, msg *xchgmsg.SingleMessage) bool {
		if report, ok := msg.Groups[groupID]; ok {
			out[nodeID] = report
		}
		return true
	})
	return out
}

func snapshotFullPartitionMap(g interface {
	NumParts() int
	Owners(p int) map[string]bool
}) xchgmsg.FullPartitionMap {
	owners := make(map[int]map[string]bool, g.NumParts())
	for p := 0; p < g.NumParts(); p++ {
		if o := g.Owners(p); len(o) > 0 {
			owners[p] = o
		}
	}
	return xchgmsg.FullPartitionMap{Owners: owners}
}

// distribute implements spec §4.6: send the full-message to every server
// (or via the ring if centralizedAff), then reply to buffered late
// senders with a re-stamped copy.
func (e *Exchange) distribute(full *xchgmsg.FullMessage) {
	e.mu.Lock()
	centralized := e.centralizedAff
	peers := make([]string, 0, len(e.srvNodes))
	for _, n := range e.srvNodes {
		if n.ID != e.localID {
			peers = append(peers, n.ID)
		}
	}
	merged := make([]string, 0, len(e.mergedJoinExchMsgs))
	for id := range e.mergedJoinExchMsgs {
		merged = append(merged, id)
	}
	e.mu.Unlock()

	if centralized && e.transport != nil {
		if err := e.transport.BroadcastRing(full); err != nil {
			e.log.Error(err, "centralized affinity broadcast failed")
		}
	} else if e.transport != nil {
		for _, nodeID := range peers {
			if err := e.transport.SendFull(nodeID, full); err != nil {
				e.log.V(1).Info("send full-message failed, peer likely gone", "node", nodeID, "err", err)
			}
		}
		for _, nodeID := range merged {
			if err := e.transport.SendFull(nodeID, full); err != nil {
				e.log.V(1).Info("send full-message to merged node failed", "node", nodeID, "err", err)
			}
		}
	}

	e.drainPendingSingleMsgsAfterDone()
}

// drainPendingSingleMsgs replays single-messages buffered while this node
// was not yet coordinator (spec §4.4 "BECOME_CRD"/"SRV" buffering) now
// that it is CRD and ready to collect.
func (e *Exchange) drainPendingSingleMsgs() {
	var pending []struct {
		from string
		msg  *xchgmsg.SingleMessage
	}
	e.pendingSingleMsgs.Range(func(from string, msg *xchgmsg.SingleMessage) bool {
		pending = append(pending, struct {
			from string
			msg  *xchgmsg.SingleMessage
		}{from, msg})
		return true
	})
	for _, p := range pending {
		e.pendingSingleMsgs.Delete(p.from)
		_ = e.OnSingleMessage(p.from, p.msg)
	}
}

// drainPendingSingleMsgsAfterDone replies with the finish state to every
// single-message still buffered in pendingSingleMsgs once finishState is
// set (spec §4.6 "Then replay pendingSingleMsgs"). Messages that arrive in
// DONE are answered directly by OnSingleMessage and are never buffered.
func (e *Exchange) drainPendingSingleMsgsAfterDone() {
	e.mu.Lock()
	fs := e.finishState
	e.mu.Unlock()
	if fs == nil {
		return
	}
	e.pendingSingleMsgs.Range(func(from string, msg *xchgmsg.SingleMessage) bool {
		_ = e.replyFinishState(from, msg.ExchID, fs)
		e.pendingSingleMsgs.Delete(from)
		return true
	})
}

