// Package cluster provides the point-to-point transport connecting the N
// DSM peers: a full TCP mesh with blocking sends and non-blocking
// probe-receives over one untagged channel.
//
// # Topology
//
//	        rank 0 ◄──────► rank 1
//	          ▲  ▲            ▲  ▲
//	          │   ╲          ╱   │
//	          │    ╲        ╱    │
//	          │     ╲      ╱     │
//	          ▼      ╲    ╱      ▼
//	        rank 2 ◄──────► rank 3
//
// Every rank listens on its address from the configuration and dials every
// other rank, so each ordered pair of peers has a dedicated TCP stream:
// frames a peer sends travel over its dialed connection, frames it receives
// arrive on accepted connections. One stream per direction gives the
// in-order, reliable, non-duplicating delivery the protocol assumes.
//
// # Handshake
//
// A dialer opens each connection with a hello frame carrying a magic
// number, the protocol version, the dialer's rank, and a per-process
// instance UUID. A hello claiming the receiver's own rank or a rank outside
// the cluster is rejected and logged with its instance UUID; instance ids
// are not otherwise compared or tracked.
//
// # Receive model
//
// Per-connection reader goroutines decode frames and funnel them into one
// bounded inbound queue. Recv is a non-blocking probe of that queue: the
// protocol layer polls it from its waiter loops exactly as it would probe a
// message-passing runtime, and backs off between empty probes. Sends are
// blocking and serialized by a single transport mutex.
//
// # Startup
//
// Peers start in any order, so dialing retries with backoff until the
// configured startup timeout. A mesh is usable only once a connection to
// every other rank is established.
package cluster
