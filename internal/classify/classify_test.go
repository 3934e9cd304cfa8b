package classify

import (
	"testing"

	"github.com/jinshui820/partx/internal/exchid"
)

func TestServerJoinLeaveFailedAlwaysAll(t *testing.T) {
	for _, kind := range []exchid.EventKind{exchid.EventNodeJoin, exchid.EventNodeLeave, exchid.EventNodeFailed} {
		got := Classify(Event{Kind: kind})
		if got != All {
			t.Errorf("%s: expected ALL, got %s", kind, got)
		}
	}
}

func TestClientJoinLeaveLocalClientIsClientExchange(t *testing.T) {
	e := Event{
		Kind:           exchid.EventClientJoin,
		LocalIsClient:  true,
		LocalNodeID:    "n1",
		AffectedNodeID: "n1",
	}
	if got := Classify(e); got != Client {
		t.Errorf("expected CLIENT for local client join, got %s", got)
	}
}

func TestClientJoinLeaveOtherNodeIsNone(t *testing.T) {
	e := Event{
		Kind:           exchid.EventClientLeave,
		LocalIsClient:  false,
		LocalNodeID:    "n1",
		AffectedNodeID: "n2",
	}
	if got := Classify(e); got != None {
		t.Errorf("expected NONE for a remote client's join/leave, got %s", got)
	}
}

func TestClientJoinOnServerLocalIsNone(t *testing.T) {
	e := Event{
		Kind:           exchid.EventClientJoin,
		LocalIsClient:  false,
		LocalNodeID:    "n1",
		AffectedNodeID: "n2",
	}
	if got := Classify(e); got != None {
		t.Errorf("expected NONE, servers don't exchange on client join, got %s", got)
	}
}

func TestCustomMessagesAllOnServerClientOnClient(t *testing.T) {
	for _, kind := range []exchid.EventKind{
		exchid.EventActivate, exchid.EventDeactivate, exchid.EventCacheChange,
		exchid.EventSnapshot, exchid.EventAffinityChange,
	} {
		if got := Classify(Event{Kind: kind, LocalIsClient: false}); got != All {
			t.Errorf("%s on server: expected ALL, got %s", kind, got)
		}
		if got := Classify(Event{Kind: kind, LocalIsClient: true}); got != Client {
			t.Errorf("%s on client: expected CLIENT, got %s", kind, got)
		}
	}
}

func TestCentralizedAffinityOnlyForServerLeaveOrFail(t *testing.T) {
	cases := []struct {
		e    Event
		want bool
	}{
		{Event{Kind: exchid.EventNodeLeave, NodeIsClient: false}, true},
		{Event{Kind: exchid.EventNodeFailed, NodeIsClient: false}, true},
		{Event{Kind: exchid.EventNodeLeave, NodeIsClient: true}, false},
		{Event{Kind: exchid.EventNodeJoin, NodeIsClient: false}, false},
	}
	for _, c := range cases {
		if got := CentralizedAffinity(c.e); got != c.want {
			t.Errorf("%+v: expected %v, got %v", c.e, c.want, got)
		}
	}
}

func TestUnknownEventKindIsNone(t *testing.T) {
	if got := Classify(Event{Kind: exchid.EventKind("BOGUS")}); got != None {
		t.Errorf("expected NONE for unrecognised kind, got %s", got)
	}
}
