// `dotp` is a small distribution layer for Go programs: *isolates* are
// addressable processes which can be called from any `Node` they are
// connected to, as if they were local.
//
// ## How it works
//
// A `Node` hosts isolates and listens for peer connections. On `Node.Start`,
// it dials every configured peer once. On each new connection, the side which
// accepted the stream greets first with its node id, the dialing side answers
// with its own id and the `PID`s it hosts. From then on, both sides speak the
// same protocol:
//
// * `Call` and `Response`, correlated by a fresh id, for RPC-style calls.
// * `Cast`, for fire-and-forget messages delivered to `Behaviour.Receive`.
// * `RemoteStop`, to stop a process owned by the peer.
// * `Deregistered`, telling peers one of our processes is gone.
//
// Frames are CBOR-encoded and varint length-prefixed on top of a
// `transport.Stream`, either TCP or mTLS-secured QUIC.
//
// A `PID` names a process by its visible id and the id of its owning node.
// Application code only ever deals with `Node.Spawn`, `Node.Call`,
// `Node.Send` and `Node.Stop`: whether the target is local or remote is
// resolved by the node.
//
// ## What it does not do
//
// There is no reconnection, no retry and no supervision. A lost connection
// is simply removed, the calls waiting on it time out. Users MUST be ready to
// handle `ErrCallTimeout` and `ErrNoRoute` and re-issue operations if they
// need to.
package dotp
