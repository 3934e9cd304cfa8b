package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jinshui820/partx/internal/xchgmsg"
)

const dialTimeout = 5 * time.Second

// GRPCTransport is the exchange.Transport implementation dialing peers
// over the exchange transport service, pooling one *grpc.ClientConn per
// peer the way the teacher's worker clients keep a long-lived channel
// rather than redialing per call.
type GRPCTransport struct {
	selfID   string
	resolver PeerResolver
	conns    *xsync.Map[string, *grpc.ClientConn]
	log      logr.Logger

	// sendBackoff governs retries when a peer has gone quiet (connection
	// refused, deadline exceeded) rather than rejected the RPC outright;
	// a node that has truly left drops out of the next topology version
	// instead of being retried forever.
	sendBackoff func() backoff.BackOff
}

// NewGRPCTransport builds a transport dialing peers through resolver,
// identifying outgoing messages as coming from selfID.
func NewGRPCTransport(selfID string, resolver PeerResolver, log logr.Logger) *GRPCTransport {
	return &GRPCTransport{
		selfID:   selfID,
		resolver: resolver,
		conns:    xsync.NewMap[string, *grpc.ClientConn](),
		log:      log,
		sendBackoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Close tears down every pooled connection.
func (t *GRPCTransport) Close() error {
	var firstErr error
	t.conns.Range(func(nodeID string, cc *grpc.ClientConn) bool {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func (t *GRPCTransport) connFor(nodeID string) (*grpc.ClientConn, error) {
	if cc, ok := t.conns.Load(nodeID); ok {
		return cc, nil
	}
	addr, err := t.resolver.Resolve(nodeID)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", nodeID, err)
	}
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s (%s): %w", nodeID, addr, err)
	}
	actual, loaded := t.conns.LoadOrStore(nodeID, cc)
	if loaded {
		cc.Close()
		return actual, nil
	}
	return cc, nil
}

// forget drops a pooled connection so the next send re-resolves the
// peer's address, used after repeated send failures in case the peer
// reappeared under a new address.
func (t *GRPCTransport) forget(nodeID string) {
	if cc, ok := t.conns.LoadAndDelete(nodeID); ok {
		cc.Close()
	}
}

func (t *GRPCTransport) send(nodeID string, senderOrder int64, payload any, invoke func(*exchangeTransportClient, context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)) (*wrapperspb.BytesValue, error) {
	raw, err := encodeEnvelope(t.selfID, senderOrder, payload)
	if err != nil {
		return nil, err
	}
	req := &wrapperspb.BytesValue{Value: raw}

	op := func() (*wrapperspb.BytesValue, error) {
		cc, err := t.connFor(nodeID)
		if err != nil {
			return nil, err
		}
		client := newExchangeTransportClient(cc)
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		out, err := invoke(client, ctx, req)
		if err != nil {
			t.forget(nodeID)
			if code := status.Code(err); code != codes.Unavailable && code != codes.DeadlineExceeded {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out, nil
	}

	return backoff.Retry(context.Background(), func() (*wrapperspb.BytesValue, error) {
		out, err := op()
		if err != nil {
			t.log.V(1).Info("transport send failed, retrying", "peer", nodeID, "err", err.Error())
			return nil, err
		}
		return out, nil
	}, backoff.WithBackOff(t.sendBackoff()), backoff.WithMaxElapsedTime(30*time.Second))
}

// SendSingle implements exchange.Transport.
func (t *GRPCTransport) SendSingle(nodeID string, msg *xchgmsg.SingleMessage) error {
	_, err := t.send(nodeID, 0, msg, func(c *exchangeTransportClient, ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
		return c.SendSingleMessage(ctx, req)
	})
	return err
}

// SendFull implements exchange.Transport.
func (t *GRPCTransport) SendFull(nodeID string, msg *xchgmsg.FullMessage) error {
	_, err := t.send(nodeID, msg.LastVersion, msg, func(c *exchangeTransportClient, ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
		return c.SendFullMessage(ctx, req)
	})
	return err
}

// SendRequest implements exchange.Transport.
func (t *GRPCTransport) SendRequest(nodeID string, msg *xchgmsg.SingleRequest) error {
	_, err := t.send(nodeID, 0, msg, func(c *exchangeTransportClient, ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
		return c.SendRestoreStateRequest(ctx, req)
	})
	return err
}

// BroadcastRing implements exchange.Transport for the centralized-affinity
// path: every currently resolvable peer is sent msg directly, since this
// transport has no native ring-multicast primitive.
func (t *GRPCTransport) BroadcastRing(msg *xchgmsg.FullMessage) error {
	var firstErr error
	for _, nodeID := range t.resolver.Peers() {
		if nodeID == t.selfID {
			continue
		}
		if err := t.SendFull(nodeID, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
