package signaling

import (
	"context"
	"net/netip"

	"github.com/opd-ai/peercall/identity"
)

// Transport is the abstract message-delivery contract the signaling layer
// runs over. Implementations exist for in-memory test networks and
// Noise-encrypted pipes in the transport package; DHT or gossip substrates
// implement the same three operations.
//
// ReceiveMessage must preserve per-peer delivery order; no ordering is
// required across distinct peers. Both Send and Receive observe context
// cancellation.
type Transport interface {
	// SendMessage delivers one signaling message to the peer.
	SendMessage(ctx context.Context, peer identity.Identity, msg Message) error

	// ReceiveMessage blocks until a message arrives or the context is done.
	ReceiveMessage(ctx context.Context) (identity.Identity, Message, error)

	// DiscoverEndpoint resolves the peer's current network endpoint, if the
	// substrate knows one. The second return is false when the peer is
	// known but has no resolvable endpoint.
	DiscoverEndpoint(ctx context.Context, peer identity.Identity) (netip.AddrPort, bool, error)
}
