package exchange

import (
	"github.com/jinshui820/partx/internal/xchgmsg"
)

// fakeNetwork wires a handful of Exchange instances together in-process,
// standing in for the transport collaborator (spec §6) for tests: sends
// are synchronous direct calls into the destination's handler methods.
type fakeNetwork struct {
	exchanges map[string]*Exchange
	orders    map[string]int64
	dropped   map[string]bool // nodes that have "left": sends to them fail peer-gone
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		exchanges: make(map[string]*Exchange),
		orders:    make(map[string]int64),
		dropped:   make(map[string]bool),
	}
}

func (n *fakeNetwork) register(id string, order int64, ex *Exchange) {
	n.exchanges[id] = ex
	n.orders[id] = order
}

func (n *fakeNetwork) drop(id string) { n.dropped[id] = true }

type fakeTransport struct {
	self string
	net  *fakeNetwork
}

func (t *fakeTransport) SendSingle(nodeID string, msg *xchgmsg.SingleMessage) error {
	if t.net.dropped[nodeID] {
		return ErrPeerGone
	}
	dst, ok := t.net.exchanges[nodeID]
	if !ok {
		return ErrPeerGone
	}
	return dst.OnSingleMessage(t.self, msg)
}

func (t *fakeTransport) SendFull(nodeID string, msg *xchgmsg.FullMessage) error {
	if t.net.dropped[nodeID] {
		return ErrPeerGone
	}
	dst, ok := t.net.exchanges[nodeID]
	if !ok {
		return ErrPeerGone
	}
	cp, err := msg.Copy()
	if err != nil {
		return err
	}
	return dst.OnFullMessage(t.self, t.net.orders[t.self], cp)
}

func (t *fakeTransport) SendRequest(nodeID string, msg *xchgmsg.SingleRequest) error {
	if t.net.dropped[nodeID] {
		return ErrPeerGone
	}
	dst, ok := t.net.exchanges[nodeID]
	if !ok {
		return ErrPeerGone
	}
	single, full := dst.OnRestoreStateRequest(t.self)
	caller := t.net.exchanges[t.self]
	caller.OnRestoreStateReply(nodeID, single, full)
	return nil
}

func (t *fakeTransport) BroadcastRing(msg *xchgmsg.FullMessage) error {
	for id, dst := range t.net.exchanges {
		if id == t.self || t.net.dropped[id] {
			continue
		}
		cp, err := msg.Copy()
		if err != nil {
			return err
		}
		if err := dst.OnFullMessage(t.self, t.net.orders[t.self], cp); err != nil {
			return err
		}
	}
	return nil
}

type fakePersistence struct{}

func (fakePersistence) ReserveHistoryForExchange() (map[string]map[int]int64, error) { return nil, nil }
func (fakePersistence) ReleaseHistoryForExchange()                                    {}

type fakeAffinity struct{ centralized bool }

func (a fakeAffinity) OnServerLeft(string) bool { return a.centralized }
