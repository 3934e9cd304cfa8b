package exchange

import (
	"testing"

	"github.com/go-logr/logr"

	"github.com/jinshui820/partx/internal/exchid"
	"github.com/jinshui820/partx/internal/topology"
	"github.com/jinshui820/partx/internal/xchgmsg"
)

func newTestExchange(id exchid.ID, ev Event, localID string, net *fakeNetwork, order int64) *Exchange {
	g := topology.NewGroupTopology("g0", localID, 1)
	ex := New(id, ev, localID, false, map[string]*topology.GroupTopology{"g0": g},
		&fakeTransport{self: localID, net: net}, fakePersistence{}, fakeAffinity{}, logr.Discard())
	net.register(localID, order, ex)
	return ex
}

func stubSingleMessage(exID exchid.ID) *xchgmsg.SingleMessage {
	return &xchgmsg.SingleMessage{ExchID: exID, Groups: map[string]xchgmsg.GroupReport{}}
}

// TestMergeHandsOffAlreadyCollectedMessage ports spec §8 scenario 6's
// "E1 already holds B's single-message" branch: merging E1 into E2
// resolves B's merged slot immediately rather than waiting for it again.
func TestMergeHandsOffAlreadyCollectedMessage(t *testing.T) {
	net := newFakeNetwork()
	idE1 := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 2}, InitiatorNodeID: "B", EventKind: exchid.EventNodeJoin}
	idE2 := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 3}, InitiatorNodeID: "C", EventKind: exchid.EventNodeJoin}

	e1 := newTestExchange(idE1, Event{Kind: exchid.EventNodeJoin, NodeID: "B"}, "A", net, 0)
	e2 := newTestExchange(idE2, Event{Kind: exchid.EventNodeJoin, NodeID: "C"}, "A2", net, 1)

	e2.mu.Lock()
	e2.state = StateCRD
	e2.remaining = map[string]bool{"C": true}
	e2.mu.Unlock()

	pendingFromB := stubSingleMessage(idE1)

	e1.SetPendingJoinMsg(pendingFromB)
	if err := e1.MergeJoinExchange(e2); err != nil {
		t.Fatalf("MergeJoinExchange: %v", err)
	}
	if e1.State() != StateMerged {
		t.Fatalf("expected e1 to transition to MERGED, got %s", e1.State())
	}

	e2.mu.Lock()
	msg, awaited := e2.mergedJoinExchMsgs["B"]
	awaitCount := e2.awaitMergedMsgs
	e2.mu.Unlock()
	if !awaited || msg != pendingFromB {
		t.Fatalf("expected e2's merged slot for B to be resolved with the handed-off message")
	}
	if awaitCount != 0 {
		t.Fatalf("expected no outstanding awaited merged slots, got %d", awaitCount)
	}
}

// TestMergeAwaitsLaterArrivingMessage covers the other branch: E1 has not
// yet collected B's single-message when the merge happens, so the slot
// stays awaited until B's message is routed in via processMergedMessage.
func TestMergeAwaitsLaterArrivingMessage(t *testing.T) {
	net := newFakeNetwork()
	idE1 := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 2}, InitiatorNodeID: "B", EventKind: exchid.EventNodeJoin}
	idE2 := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 3}, InitiatorNodeID: "C", EventKind: exchid.EventNodeJoin}

	e1 := newTestExchange(idE1, Event{Kind: exchid.EventNodeJoin, NodeID: "B"}, "A", net, 0)
	e2 := newTestExchange(idE2, Event{Kind: exchid.EventNodeJoin, NodeID: "C"}, "A2", net, 1)

	e2.mu.Lock()
	e2.state = StateCRD
	e2.remaining = map[string]bool{"C": true}
	e2.mu.Unlock()

	if err := e1.MergeJoinExchange(e2); err != nil {
		t.Fatalf("MergeJoinExchange: %v", err)
	}

	e2.mu.Lock()
	_, awaited := e2.mergedJoinExchMsgs["B"]
	awaitCount := e2.awaitMergedMsgs
	e2.mu.Unlock()
	if !awaited || awaitCount != 1 {
		t.Fatalf("expected B's merged slot still awaited, count=%d awaited=%v", awaitCount, awaited)
	}

	msgFromB := stubSingleMessage(idE2)
	e2.processMergedMessage("B", msgFromB)

	e2.mu.Lock()
	awaitCount = e2.awaitMergedMsgs
	e2.mu.Unlock()
	if awaitCount != 0 {
		t.Fatalf("expected merged slot resolved after processMergedMessage, count=%d", awaitCount)
	}
}

// TestMergeJoinExchangeTwicePanics ports spec §9's "treat as contract, not
// bug": mergedWith is set exactly once per exchange, same as the original's
// assert on a null mergedWith.
func TestMergeJoinExchangeTwicePanics(t *testing.T) {
	net := newFakeNetwork()
	idE1 := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 2}, InitiatorNodeID: "B", EventKind: exchid.EventNodeJoin}
	idE2 := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 3}, InitiatorNodeID: "C", EventKind: exchid.EventNodeJoin}
	idE3 := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 4}, InitiatorNodeID: "D", EventKind: exchid.EventNodeJoin}

	e1 := newTestExchange(idE1, Event{Kind: exchid.EventNodeJoin, NodeID: "B"}, "A", net, 0)
	e2 := newTestExchange(idE2, Event{Kind: exchid.EventNodeJoin, NodeID: "C"}, "A2", net, 1)
	e3 := newTestExchange(idE3, Event{Kind: exchid.EventNodeJoin, NodeID: "D"}, "A3", net, 2)

	if err := e1.MergeJoinExchange(e2); err != nil {
		t.Fatalf("first MergeJoinExchange: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on a second MergeJoinExchange call")
		}
	}()
	_ = e1.MergeJoinExchange(e3)
}

// TestCancelMergedSlotDropsAwaitedNode covers spec §4.9's cancellation
// case: the merged node departs before its single-message arrives.
func TestCancelMergedSlotDropsAwaitedNode(t *testing.T) {
	net := newFakeNetwork()
	idE2 := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 3}, InitiatorNodeID: "C", EventKind: exchid.EventNodeJoin}
	e2 := newTestExchange(idE2, Event{Kind: exchid.EventNodeJoin, NodeID: "C"}, "A", net, 0)

	e2.mu.Lock()
	e2.state = StateCRD
	e2.remaining = map[string]bool{}
	e2.mu.Unlock()

	e2.registerMergedSlot("B", nil)
	e2.mu.Lock()
	count := e2.awaitMergedMsgs
	e2.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 awaited slot, got %d", count)
	}

	e2.CancelMergedSlot("B")
	e2.mu.Lock()
	_, stillThere := e2.mergedJoinExchMsgs["B"]
	count = e2.awaitMergedMsgs
	e2.mu.Unlock()
	if stillThere {
		t.Fatal("expected cancelled slot removed")
	}
	if count != 0 {
		t.Fatalf("expected no outstanding slots after cancel, got %d", count)
	}
}
