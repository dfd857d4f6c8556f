// Package dsm implements a distributed shared memory: one flat byte address
// space of K·T bytes spanning N peer processes, readable and writable from
// any peer through two operations, Read and Write.
//
// # Overview
//
// The address space is divided into K blocks of T bytes. Each block has
// exactly one authoritative owner, assigned round-robin by rank, and owners
// never change. A peer reads and writes its own blocks directly; remote
// blocks are read through a local write-invalidate coherent cache and
// written by forwarding the bytes to the owner.
//
//	         Read(pos, buf)                Write(pos, buf)
//	              │                              │
//	              ▼                              ▼
//	 ┌───────────────────────── access path ─────────────────────────┐
//	 │ slice into per-block chunks, route each chunk:                │
//	 │                                                               │
//	 │  owned block ──► local block store                            │
//	 │  remote read ──► cache hit? ──► cached copy                   │
//	 │                  cache miss ──► READ_REQ round trip ──► cache │
//	 │  remote write ─► WRITE_REQ round trip, then drop stale copy   │
//	 └───────────────────────────────────────────────────────────────┘
//
// # Coherence
//
// The protocol is single-writer/multiple-reader with write-invalidate
// coherence. When an owner applies a write, its own or one forwarded by
// another peer, it broadcasts INVALIDATE for the block and collects one
// INVALIDATE_ACK per addressee before the write is confirmed. A writer that
// has returned from Write therefore knows no peer's cache will serve the
// pre-write bytes: any later read anywhere observes the written data.
//
// # Concurrency model
//
// Operations on one handle are serialized, and inbound requests from other
// peers are handled single-flight: while an operation waits for a response
// it drains the transport itself, dispatching interposed requests inline
// and routing responses through a correlation table to whichever waiter
// registered for them. When the peer is otherwise idle, a background
// drainer services inbound traffic. Waits time out after about one second
// and surface ErrCommunication.
//
// # Usage
//
//	cfg := config.Config{Processes: 4, Blocks: 8, BlockSize: 16, ProcessID: rank, Peers: addrs}
//	mesh, err := cluster.NewMesh(rank, addrs, config.DefaultStartupTimeout)
//	if err != nil { ... }
//	d, err := dsm.Open(cfg, mesh)
//	if err != nil { ... }
//	defer d.Close()
//
//	err = d.Write(0, []byte("ALO MUNDO"))
//	buf := make([]byte, 9)
//	err = d.Read(0, buf)
package dsm
