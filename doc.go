// Package dealer is the client side of a request/response protocol
// spoken with backends over identity-addressed router sockets.
//
// A `Client` holds one `Service` per backend service, and a service runs
// one `Handle` per named entry point of the backend. Each handle owns a
// dispatch loop, a `MessageCache` and a `Balancer`:
//
//	Client.Send -> Service.Send -> Handle.Enqueue -> MessageCache
//	dispatch loop -> Balancer.Send -> router.Socket -> backend
//	backend -> router.Socket -> Balancer.Receive -> dispatch loop -> Response
//
// ## Delivery
//
// Messages are spread over the endpoints of their handle in round-robin.
// A backend acknowledges a message with ACK, streams CHUNKs and ends with
// CHOKE or an ERROR. A message not acknowledged within its timeout is
// sent again while its retry budget allows it, and fails with a
// `request_error` otherwise. Its deadline bounds the whole exchange.
//
// Endpoints come and go: the `discovery` package polls host lists, HTTP
// endpoints or a gossip cluster, and messages in flight to an endpoint
// which disappeared are dispatched again.
//
// ## Persistence
//
// Messages whose `Policy` is persistent are committed to a
// `storage.Store` before being queued, and removed once they reach a
// terminal state. A restarted process lists them with
// `Client.StoredMessages` and sends them again with `Client.Resend`.
//
// ## Transport
//
// The `router` package provides QUIC sockets, one connection per
// endpoint multiplexed over a single UDP socket, and an in-memory
// network for tests.
package dealer
