package exchange

import (
	"github.com/jinshui820/partx/internal/xchgmsg"
)

// OnCoordinatorLeft handles the old coordinator departing mid-exchange
// (spec §4.8). If the local node is the new lowest-ordered survivor, it
// flips to BECOME_CRD and starts InitNewCoordinator; otherwise it just
// updates its view of crd to whichever survivor now holds that rank,
// since the actual election is a pure function of the (already-updated)
// srvNodes list.
func (e *Exchange) OnCoordinatorLeft(newSrvNodes []Node) {
	e.mu.Lock()
	e.srvNodes = newSrvNodes
	newCrd := lowestOrdered(newSrvNodes)
	e.crd = newCrd
	becomeCRD := newCrd == e.localID && e.state != StateDone && e.state != StateMerged
	e.mu.Unlock()

	if becomeCRD {
		e.initNewCoordinator(newSrvNodes)
	}
}

// initNewCoordinator implements spec §4.8 steps 1-2: flip to BECOME_CRD
// and fan out restore-state requests to every surviving server.
func (e *Exchange) initNewCoordinator(peers []Node) {
	e.mu.Lock()
	e.state = StateBecomeCRD
	e.restoreRemaining = make(map[string]bool)
	var targets []string
	for _, n := range peers {
		if n.ID != e.localID {
			e.restoreRemaining[n.ID] = true
			targets = append(targets, n.ID)
		}
	}
	noOneToAsk := len(targets) == 0
	e.mu.Unlock()

	if noOneToAsk {
		// Sole survivor: nothing to restore from, proceed straight to a
		// normal decide with whatever this node already collected.
		e.becomeCoordinatorAndDecide()
		return
	}

	req := &xchgmsg.SingleRequest{ExchID: e.ID, RestoreState: true}
	for _, nodeID := range targets {
		if e.transport == nil {
			continue
		}
		if err := e.transport.SendRequest(nodeID, req); err != nil {
			e.log.V(1).Info("restore-state request failed, peer likely gone", "node", nodeID, "err", err)
			e.OnRestoreStateReply(nodeID, nil, nil)
		}
	}
}

// OnRestoreStateRequest answers a restore-state probe from a newly
// elevated coordinator (spec §4.8 step 2). If this node's own exchange
// already finished with the old coordinator, it replies with both its
// single-message and the finished full-message; otherwise it replies with
// just its single-message and preemptively switches its view of crd to
// the requester, since requester.order necessarily exceeds the dead
// coordinator's order.
func (e *Exchange) OnRestoreStateRequest(requesterID string) (*xchgmsg.SingleMessage, *xchgmsg.FullMessage) {
	e.mu.Lock()
	fs := e.finishState
	e.mu.Unlock()

	single, ok := e.msgs.Load(e.localID)
	if !ok {
		single = e.buildSingleMessage()
		e.msgs.Store(e.localID, single)
	}

	if fs != nil && fs.FullMsg != nil {
		return single, fs.FullMsg
	}

	e.mu.Lock()
	e.crd = requesterID
	e.mu.Unlock()
	return single, nil
}

// OnRestoreStateReply records one restore-state reply. full may be nil
// (the peer hadn't finished, or the send failed outright and this is a
// synthetic "gone" reply). Once every targeted peer has replied, the new
// coordinator either adopts a recovered finishState or proceeds to a
// normal decide (spec §4.8 steps 3-4).
func (e *Exchange) OnRestoreStateReply(from string, single *xchgmsg.SingleMessage, full *xchgmsg.FullMessage) {
	e.mu.Lock()
	if !e.restoreRemaining[from] {
		e.mu.Unlock()
		return
	}
	delete(e.restoreRemaining, from)
	if full != nil && e.restoreFull == nil {
		e.restoreFull = full
		e.restoreFullFrom = from
	}
	done := len(e.restoreRemaining) == 0
	e.mu.Unlock()

	if single != nil {
		e.beginMergeUpdate()
		e.msgs.Store(from, single)
		e.mergeSingleMessageIntoTopology(from, single)
		e.endMergeUpdate()
	}

	if !done {
		return
	}

	e.mu.Lock()
	recovered := e.restoreFull
	e.mu.Unlock()

	if recovered != nil {
		e.adoptRecoveredFullMessage(recovered)
		return
	}

	e.becomeCoordinatorAndDecide()
}

// adoptRecoveredFullMessage implements spec §4.8 step 3's recovered-state
// branch: take the surviving peer's finished full-message as this node's
// own, redistribute it to anyone still missing it, and complete.
func (e *Exchange) adoptRecoveredFullMessage(full *xchgmsg.FullMessage) {
	e.applyFullMessage(full)
	resTopVer := e.ID.TopologyVersion
	if full.ResultTopologyVersion != nil {
		resTopVer = *full.ResultTopologyVersion
	}
	e.mu.Lock()
	e.crd = e.restoreFullFrom
	crd := e.crd
	e.mu.Unlock()
	e.finishWith(crd, resTopVer, full, nil)
	e.distribute(full)
}

// becomeCoordinatorAndDecide implements spec §4.8 step 3's normal-decide
// branch: switch to CRD with remaining empty (every peer already
// accounted for via restore-state replies) and run decide directly.
func (e *Exchange) becomeCoordinatorAndDecide() {
	e.mu.Lock()
	e.state = StateCRD
	e.remaining = make(map[string]bool)
	e.crd = e.localID
	e.mu.Unlock()

	e.drainPendingSingleMsgs()
	e.decide()
}
