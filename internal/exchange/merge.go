package exchange

import "github.com/jinshui820/partx/internal/xchgmsg"

// SetPendingJoinMsg records a single-message this exchange already holds
// from its own initiating join, so a later merge can hand it straight to
// the target rather than waiting for it again (spec §4.9).
func (e *Exchange) SetPendingJoinMsg(msg *xchgmsg.SingleMessage) {
	e.mu.Lock()
	e.pendingJoinMsg = msg
	e.mu.Unlock()
}

// MergeJoinExchange folds e into target when a later join event arrives
// while e is still running and affinity semantics permit merging (spec
// §4.9). e transitions to MERGED (terminal for e; it now delegates to
// target) and hands off its pending join single-message, if any.
func (e *Exchange) MergeJoinExchange(target *Exchange) error {
	e.mu.Lock()
	if e.state == StateDone {
		e.mu.Unlock()
		return ErrStale
	}
	if e.mergedWith != nil {
		e.mu.Unlock()
		panic("exchange: MergeJoinExchange called twice on " + e.ID.String())
	}
	e.state = StateMerged
	e.mergedWith = target
	pending := e.pendingJoinMsg
	joinedNode := e.initialEvent.NodeID
	e.mu.Unlock()

	target.registerMergedSlot(joinedNode, pending)
	return nil
}

// registerMergedSlot adds (or resolves) an awaited slot in
// mergedJoinExchMsgs. A nil msg means "awaited" (spec §3
// "mergedJoinExchMsgs ... slot may be present-with-null").
func (e *Exchange) registerMergedSlot(nodeID string, msg *xchgmsg.SingleMessage) {
	e.mu.Lock()
	if _, exists := e.mergedJoinExchMsgs[nodeID]; !exists {
		e.mergedJoinExchMsgs[nodeID] = nil
		e.awaitMergedMsgs++
	}
	e.mu.Unlock()

	if msg != nil {
		e.resolveMergedSlot(nodeID, msg)
	}
}

// processMergedMessage routes a single-message for a node whose exchange
// merged into this one (spec §4.9 "processMergedMessage").
func (e *Exchange) processMergedMessage(from string, msg *xchgmsg.SingleMessage) {
	e.resolveMergedSlot(from, msg)
}

// CancelMergedSlot drops an awaited merged slot when that node departs
// before its single-message arrives (spec §4.9 "cancelled if the merged
// node departs before its message arrives").
func (e *Exchange) CancelMergedSlot(nodeID string) {
	e.mu.Lock()
	if msg, ok := e.mergedJoinExchMsgs[nodeID]; ok && msg == nil {
		e.awaitMergedMsgs--
	}
	delete(e.mergedJoinExchMsgs, nodeID)
	allIn := e.state == StateCRD && len(e.remaining) == 0 && e.awaitMergedMsgs == 0
	e.mu.Unlock()

	if allIn {
		e.maybeDecide()
	}
}

func (e *Exchange) resolveMergedSlot(nodeID string, msg *xchgmsg.SingleMessage) {
	e.mu.Lock()
	existing, awaited := e.mergedJoinExchMsgs[nodeID]
	if !awaited {
		e.mu.Unlock()
		return
	}
	wasAwaited := existing == nil
	e.mergedJoinExchMsgs[nodeID] = msg
	if wasAwaited {
		e.awaitMergedMsgs--
	}
	allIn := e.state == StateCRD && len(e.remaining) == 0 && e.awaitMergedMsgs == 0
	e.mu.Unlock()

	e.beginMergeUpdate()
	e.msgs.Store(nodeID, msg)
	e.mergeSingleMessageIntoTopology(nodeID, msg)
	e.endMergeUpdate()

	if allIn {
		e.maybeDecide()
	}
}
