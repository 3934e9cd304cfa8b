package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/jinshui820/partx/internal/exchid"
	"github.com/jinshui820/partx/internal/quiesce"
	"github.com/jinshui820/partx/internal/topology"
)

func waitDone(t *testing.T, e *Exchange, label string) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: exchange did not complete", label)
	}
}

// TestScenarioSingleJoinAllComplete ports spec §8 scenario 1: cluster
// {A(crd), B}; C joins. All three must complete with the same
// resultTopologyVersion.
func TestScenarioSingleJoinAllComplete(t *testing.T) {
	net := newFakeNetwork()
	snapshot := []Node{{ID: "A", Order: 0}, {ID: "B", Order: 1}, {ID: "C", Order: 2}}
	id := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 2}, InitiatorNodeID: "C", EventKind: exchid.EventNodeJoin}
	event := Event{Kind: exchid.EventNodeJoin, NodeID: "C"}

	exchanges := make(map[string]*Exchange)
	for _, n := range snapshot {
		g := topology.NewGroupTopology("g0", n.ID, 4)
		g.SetNodeState(n.ID, 0, topology.StateOwning, topology.Counters{Applied: 10})
		ex := New(id, event, n.ID, false, map[string]*topology.GroupTopology{"g0": g},
			&fakeTransport{self: n.ID, net: net}, fakePersistence{}, fakeAffinity{}, logr.Discard())
		exchanges[n.ID] = ex
		net.register(n.ID, n.Order, ex)
	}

	for _, n := range snapshot {
		ex := exchanges[n.ID]
		_, err := ex.Init(context.Background(), snapshot, nil, defaultQcfg(), nil)
		if err != nil {
			t.Fatalf("node %s Init: %v", n.ID, err)
		}
	}

	// Non-coordinator servers send their single-message now that Init has
	// run (mirrors the caller driving quiesce-then-send in the real
	// exchange manager).
	for _, n := range snapshot {
		if n.ID == "A" {
			continue
		}
		if err := exchanges[n.ID].SendSingleMessage(); err != nil {
			t.Fatalf("node %s SendSingleMessage: %v", n.ID, err)
		}
	}

	for _, n := range snapshot {
		waitDone(t, exchanges[n.ID], n.ID)
	}

	var versions []exchid.TopologyVersion
	for _, n := range snapshot {
		fs, ok := exchanges[n.ID].FinishStateSnapshot()
		if !ok {
			t.Fatalf("node %s: expected finish state", n.ID)
		}
		versions = append(versions, fs.ResultTopologyVersion)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] != versions[0] {
			t.Fatalf("expected identical resultTopologyVersion across nodes, got %v", versions)
		}
	}
}

// TestClientOnlyExchangeCompletesImmediately ports spec §8 scenario 5:
// client-only events complete with no messaging at all.
func TestClientOnlyExchangeCompletesImmediately(t *testing.T) {
	net := newFakeNetwork()
	id := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 1}, InitiatorNodeID: "X", EventKind: exchid.EventClientJoin}
	event := Event{Kind: exchid.EventClientJoin, NodeID: "X", IsClient: true}

	ex := New(id, event, "A", false, map[string]*topology.GroupTopology{}, &fakeTransport{self: "A", net: net}, fakePersistence{}, fakeAffinity{}, logr.Discard())
	net.register("A", 0, ex)

	snapshot := []Node{{ID: "A", Order: 0}}
	exType, err := ex.Init(context.Background(), snapshot, nil, defaultQcfg(), nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if exType.String() != "NONE" {
		t.Fatalf("expected NONE on a server observing a remote client join, got %s", exType)
	}
	waitDone(t, ex, "A")
	fs, ok := ex.FinishStateSnapshot()
	if !ok || fs.FullMsg != nil {
		t.Fatalf("expected a no-messaging finish state, got %+v (ok=%v)", fs, ok)
	}
}

// TestLateSingleMessageAfterDoneReplaysFinishState exercises spec §3's
// "finishState, once set, is never rewritten; late sender gets a
// re-stamped copy" invariant directly against a DONE exchange.
func TestLateSingleMessageAfterDoneReplaysFinishState(t *testing.T) {
	net := newFakeNetwork()
	snapshot := []Node{{ID: "A", Order: 0}, {ID: "B", Order: 1}}
	id := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 2}, InitiatorNodeID: "B", EventKind: exchid.EventNodeJoin}
	event := Event{Kind: exchid.EventNodeJoin, NodeID: "B"}

	exA := New(id, event, "A", false, map[string]*topology.GroupTopology{"g0": topology.NewGroupTopology("g0", "A", 1)},
		&fakeTransport{self: "A", net: net}, fakePersistence{}, fakeAffinity{}, logr.Discard())
	net.register("A", 0, exA)
	exB := New(id, event, "B", false, map[string]*topology.GroupTopology{"g0": topology.NewGroupTopology("g0", "B", 1)},
		&fakeTransport{self: "B", net: net}, fakePersistence{}, fakeAffinity{}, logr.Discard())
	net.register("B", 1, exB)

	if _, err := exA.Init(context.Background(), snapshot, nil, defaultQcfg(), nil); err != nil {
		t.Fatalf("A Init: %v", err)
	}
	if _, err := exB.Init(context.Background(), snapshot, nil, defaultQcfg(), nil); err != nil {
		t.Fatalf("B Init: %v", err)
	}
	if err := exB.SendSingleMessage(); err != nil {
		t.Fatalf("B send: %v", err)
	}
	waitDone(t, exA, "A")
	waitDone(t, exB, "B")

	// A late duplicate arrives after DONE; it must be answered, not
	// dropped, without touching finishState.
	lateMsg := exB.buildSingleMessage()
	lateMsg.ExchID = exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 2}, InitiatorNodeID: "B", EventKind: exchid.EventNodeJoin}
	if err := exA.OnSingleMessage("B", lateMsg); err != nil {
		t.Fatalf("late message handling: %v", err)
	}
	fs, ok := exA.FinishStateSnapshot()
	if !ok {
		t.Fatal("expected finish state still present")
	}
	if fs.FullMsg == nil {
		t.Fatal("expected a cached full-message to replay from")
	}
}

// TestClientJoinReceivesSynthesizedSnapshot ports spec §4.10: a server
// whose own exchange for a remote client's join classified NONE (and so
// never runs decide) must still synthesize a current full-message when
// that client's single-message arrives, rather than leave it hanging.
func TestClientJoinReceivesSynthesizedSnapshot(t *testing.T) {
	net := newFakeNetwork()
	id := exchid.ID{TopologyVersion: exchid.TopologyVersion{Major: 1}, InitiatorNodeID: "X", EventKind: exchid.EventClientJoin}
	snapshot := []Node{{ID: "A", Order: 0}, {ID: "X", Order: 1, Client: true}}

	serverEvent := Event{Kind: exchid.EventClientJoin, NodeID: "X", IsClient: true}
	g := topology.NewGroupTopology("g0", "A", 4)
	g.SetNodeState("A", 0, topology.StateOwning, topology.Counters{Applied: 5})
	exA := New(id, serverEvent, "A", false, map[string]*topology.GroupTopology{"g0": g},
		&fakeTransport{self: "A", net: net}, fakePersistence{}, fakeAffinity{}, logr.Discard())
	net.register("A", 0, exA)

	clientEvent := Event{Kind: exchid.EventClientJoin, NodeID: "X", IsClient: true, Local: true}
	exX := New(id, clientEvent, "X", true, map[string]*topology.GroupTopology{},
		&fakeTransport{self: "X", net: net}, fakePersistence{}, fakeAffinity{}, logr.Discard())
	net.register("X", 1, exX)

	exTypeA, err := exA.Init(context.Background(), snapshot, nil, defaultQcfg(), nil)
	if err != nil {
		t.Fatalf("A Init: %v", err)
	}
	if exTypeA.String() != "NONE" {
		t.Fatalf("expected NONE on the server observing the client join, got %s", exTypeA)
	}
	if fs, ok := exA.FinishStateSnapshot(); !ok || fs.FullMsg != nil {
		t.Fatalf("expected A to finish immediately with no full-message, got %+v (ok=%v)", fs, ok)
	}

	exTypeX, err := exX.Init(context.Background(), snapshot, nil, defaultQcfg(), nil)
	if err != nil {
		t.Fatalf("X Init: %v", err)
	}
	if exTypeX.String() != "CLIENT" {
		t.Fatalf("expected CLIENT on the joining client itself, got %s", exTypeX)
	}

	if err := exX.SendSingleMessage(); err != nil {
		t.Fatalf("X SendSingleMessage: %v", err)
	}

	waitDone(t, exX, "X")
	fs, ok := exX.FinishStateSnapshot()
	if !ok {
		t.Fatal("expected X to have a finish state")
	}
	if fs.FullMsg == nil || !fs.FullMsg.ClientSnapshot {
		t.Fatalf("expected a synthesized client snapshot full-message, got %+v", fs.FullMsg)
	}
}

func defaultQcfg() quiesce.Config { return quiesce.Config{} }
