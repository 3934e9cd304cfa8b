package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jinshui820/partx/internal/exchid"
	"github.com/jinshui820/partx/internal/xchgmsg"
)

func bytesValue(raw []byte) *wrapperspb.BytesValue {
	return &wrapperspb.BytesValue{Value: raw}
}

// fakeRouter records whatever the server handed it and optionally answers
// restore-state requests.
type fakeRouter struct {
	singles  []*xchgmsg.SingleMessage
	fulls    []*xchgmsg.FullMessage
	restore  *xchgmsg.SingleMessage
	restoreF *xchgmsg.FullMessage
}

func (r *fakeRouter) RouteSingle(from string, msg *xchgmsg.SingleMessage) error {
	r.singles = append(r.singles, msg)
	return nil
}

func (r *fakeRouter) RouteFull(from string, senderOrder int64, msg *xchgmsg.FullMessage) error {
	r.fulls = append(r.fulls, msg)
	return nil
}

func (r *fakeRouter) RouteRestoreRequest(from string, req *xchgmsg.SingleRequest) (*xchgmsg.SingleMessage, *xchgmsg.FullMessage) {
	return r.restore, r.restoreF
}

type staticResolver struct {
	addr  string
	peers []string
}

func (s staticResolver) Resolve(nodeID string) (string, error) { return s.addr, nil }
func (s staticResolver) Peers() []string                       { return s.peers }

func bufDialer(lis *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
}

func newBufconnPair(t *testing.T, router Router) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)

	grpcServer := grpc.NewServer()
	srv := &Server{grpcServer: grpcServer, router: router, log: logr.Discard()}
	grpcServer.RegisterService(&serviceDesc, srv)

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(bufDialer(lis)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	return conn, func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
	}
}

func testExchID() exchid.ID {
	return exchid.ID{
		TopologyVersion: exchid.TopologyVersion{Major: 1, Minor: 0},
		InitiatorNodeID: "node-a",
		EventKind:       exchid.EventNodeJoin,
	}
}

func TestRoundTripSingleAndFullMessage(t *testing.T) {
	router := &fakeRouter{}
	conn, cleanup := newBufconnPair(t, router)
	defer cleanup()

	client := newExchangeTransportClient(conn)
	id := testExchID()

	single := &xchgmsg.SingleMessage{ExchID: id, Groups: map[string]xchgmsg.GroupReport{}}
	raw, err := encodeEnvelope("node-b", 0, single)
	if err != nil {
		t.Fatalf("encodeEnvelope single: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.SendSingleMessage(ctx, bytesValue(raw)); err != nil {
		t.Fatalf("SendSingleMessage: %v", err)
	}

	full := &xchgmsg.FullMessage{ExchID: id, Groups: map[string]xchgmsg.FullPartitionMap{}, LastVersion: 7}
	raw, err = encodeEnvelope("node-b", 7, full)
	if err != nil {
		t.Fatalf("encodeEnvelope full: %v", err)
	}
	if _, err := client.SendFullMessage(ctx, bytesValue(raw)); err != nil {
		t.Fatalf("SendFullMessage: %v", err)
	}

	if len(router.singles) != 1 || router.singles[0].ExchID != id {
		t.Fatalf("router did not receive single message: %+v", router.singles)
	}
	if len(router.fulls) != 1 || router.fulls[0].LastVersion != 7 {
		t.Fatalf("router did not receive full message: %+v", router.fulls)
	}
}

func TestRoundTripRestoreStateRequest(t *testing.T) {
	id := testExchID()
	reply := &xchgmsg.SingleMessage{ExchID: id, Groups: map[string]xchgmsg.GroupReport{}}
	router := &fakeRouter{restore: reply}
	conn, cleanup := newBufconnPair(t, router)
	defer cleanup()

	client := newExchangeTransportClient(conn)
	req := &xchgmsg.SingleRequest{ExchID: id, RestoreState: true}
	raw, err := encodeEnvelope("node-c", 0, req)
	if err != nil {
		t.Fatalf("encodeEnvelope request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := client.SendRestoreStateRequest(ctx, bytesValue(raw))
	if err != nil {
		t.Fatalf("SendRestoreStateRequest: %v", err)
	}

	var decoded restoreStateReply
	if err := xchgmsg.Decode(out.GetValue(), &decoded); err != nil {
		t.Fatalf("decode restore reply: %v", err)
	}
	if decoded.Single == nil || decoded.Single.ExchID != id {
		t.Fatalf("unexpected restore reply: %+v", decoded)
	}
}

func TestGRPCTransportSendSingleRoutesThroughServer(t *testing.T) {
	router := &fakeRouter{}
	lis := bufconn.Listen(1024 * 1024)
	grpcServer := grpc.NewServer()
	srv := &Server{grpcServer: grpcServer, router: router, log: logr.Discard()}
	grpcServer.RegisterService(&serviceDesc, srv)
	go func() { _ = grpcServer.Serve(lis) }()
	defer grpcServer.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(bufDialer(lis)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	transport := NewGRPCTransport("node-b", staticResolver{addr: "passthrough:///bufnet", peers: []string{"node-b"}}, logr.Discard())
	transport.conns.Store("node-a", conn)

	id := testExchID()
	msg := &xchgmsg.SingleMessage{ExchID: id, Groups: map[string]xchgmsg.GroupReport{}}
	if err := transport.SendSingle("node-a", msg); err != nil {
		t.Fatalf("SendSingle: %v", err)
	}
	if len(router.singles) != 1 {
		t.Fatalf("expected 1 routed single message, got %d", len(router.singles))
	}
}
