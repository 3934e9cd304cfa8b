// Package transport is the inter-node RPC layer carrying single-/full-/
// restore-request messages between exchange coordinators and servers
// (spec §6 "transport" collaborator), ported from the teacher's
// internal/api/grpc (lanuch_grpc_server.go's server options, health and
// reflection registration) generalized from its worker-registration
// service to a fixed three-method exchange transport.
//
// The teacher generates its service stubs from a .proto file that isn't
// part of this retrieval pack; rather than hand-author unverifiable
// protoc-gen-go-grpc output, the wire envelope is carried inside
// google.golang.org/protobuf's pre-built wrapperspb.BytesValue (a real,
// already-compiled proto.Message needing no codegen) and the payload
// itself is gob-encoded via xchgmsg.Encode/Decode, exactly as
// internal/xchgmsg's own FullMessage.Copy already does for in-memory
// customization.
package transport

import (
	"fmt"

	"github.com/jinshui820/partx/internal/xchgmsg"
)

// envelope carries the sender's identity alongside the gob-encoded
// payload, since the wire body is otherwise just opaque bytes.
type envelope struct {
	From        string
	SenderOrder int64
	Data        []byte
}

func encodeEnvelope(from string, senderOrder int64, payload any) ([]byte, error) {
	data, err := xchgmsg.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: encode payload: %w", err)
	}
	return xchgmsg.Encode(envelope{From: from, SenderOrder: senderOrder, Data: data})
}

func decodeEnvelope(raw []byte, payload any) (from string, senderOrder int64, err error) {
	var env envelope
	if err := xchgmsg.Decode(raw, &env); err != nil {
		return "", 0, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if err := xchgmsg.Decode(env.Data, payload); err != nil {
		return "", 0, fmt.Errorf("transport: decode payload: %w", err)
	}
	return env.From, env.SenderOrder, nil
}

// Router dispatches an inbound message to whichever in-flight exchange
// (or cached finishState) should handle it. Implemented by the exchange
// manager, which knows about every live *exchange.Exchange.
type Router interface {
	RouteSingle(from string, msg *xchgmsg.SingleMessage) error
	RouteFull(from string, senderOrder int64, msg *xchgmsg.FullMessage) error
	RouteRestoreRequest(from string, req *xchgmsg.SingleRequest) (*xchgmsg.SingleMessage, *xchgmsg.FullMessage)
}

// PeerResolver maps a node id to a dialable address, backed by
// discovery.Membership in production.
type PeerResolver interface {
	Resolve(nodeID string) (addr string, err error)
	// Peers lists every node id currently known, for BroadcastRing's
	// direct-fanout fallback.
	Peers() []string
}
