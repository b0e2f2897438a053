// Package rpc implements the ULDM/DLDM control-plane surface of spec.md
// §4.4 and §6 ("RPC surface (version 7)... Transport is ONC-RPC over
// TCP"). No ONC-RPC or gRPC stack exists anywhere in the retrieval pack,
// so this is built on the standard library's net/rpc + encoding/gob,
// the closest idiomatic-Go analogue to ONC-RPC's synchronous call/reply
// semantics (see DESIGN.md).
package rpc

import (
	"encoding/gob"
	"time"

	"github.com/ldmgo/ldm/internal/xdr"
)

// ProtocolVersion matches spec.md §6's "RPC surface (version 7)".
const ProtocolVersion = 7

// FeedtypeSpecArg is the wire form of a classmatch.FeedtypeSpec (the
// compiled regex is rebuilt server-side; only the pattern travels).
type FeedtypeSpecArg struct {
	Feedtype uint32
	Pattern  string
}

// ClassArg is the wire form of a classmatch.Class.
type ClassArg struct {
	From  time.Time
	To    time.Time
	Specs []FeedtypeSpecArg
}

// SubscribeArgs is the request for Upstream.Subscribe. CallbackAddress is
// where the downstream's own RPC listener accepts DeliverProduct calls,
// since the data plane of spec.md §6 has the upstream push products back
// to the caller rather than the caller polling for them.
type SubscribeArgs struct {
	Class           ClassArg
	CallbackAddress string
}

// SubscribeReply carries the session-id and, if the upstream runs a
// multicast sender for the subscribed feedtype, the FMTP endpoint to
// join instead of falling back to unicast RPC delivery (spec.md §4.4:
// "assigned-FMTP-endpoint-or-none").
type SubscribeReply struct {
	SessionID        string
	HasMulticast     bool
	MulticastAddress string
}

// RequestByIndexArgs is the request for Upstream.RequestByIndex
// (spec.md §4.4 request-by-index, used by the DLDM backstop requester).
type RequestByIndexArgs struct {
	SessionID string
	Index     uint64
}

// RequestByIndexReply carries the recovered product, if found.
type RequestByIndexReply struct {
	Found bool
	Info  xdr.Info
	Data  []byte
}

// RequestBacklogArgs is the request for Upstream.RequestBacklog
// (spec.md §4.5 "backlog requester").
type RequestBacklogArgs struct {
	SessionID string
	Since     time.Time
}

// RequestBacklogReply is empty: backlog products stream back to the
// caller via DeliverProduct calls made against the caller's own listener
// (spec.md §6: "deliver_product(product) -> void (async, transport
// level)"), followed by EndBacklog.
type RequestBacklogReply struct{}

// EndBacklogArgs signals the end of a backlog replay.
type EndBacklogArgs struct {
	SessionID string
}

// DeliverProductArgs is the product delivery call a downstream's RPC
// listener exposes for the upstream to call back into; the upstream
// makes it as a synchronous call and waits for the reply
// (the unicast fallback data plane of spec.md §6).
type DeliverProductArgs struct {
	SessionID string
	Info      xdr.Info
	Data      []byte
}

func init() {
	gob.Register(SubscribeArgs{})
	gob.Register(SubscribeReply{})
	gob.Register(RequestByIndexArgs{})
	gob.Register(RequestByIndexReply{})
	gob.Register(RequestBacklogArgs{})
	gob.Register(RequestBacklogReply{})
	gob.Register(EndBacklogArgs{})
	gob.Register(DeliverProductArgs{})
}
