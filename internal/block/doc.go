// Package block maps the flat DSM address space onto blocks and owners, and
// stores the blocks a peer owns.
//
// # Address layout
//
// The address space is K·T bytes: K fixed-size blocks of T bytes each,
// distributed round-robin over N peers. For a byte position p and block b:
//
//	block(p)  = p / T
//	offset(p) = p mod T
//	owner(b)  = b mod N
//
// Placement is static: it never changes at runtime, so every peer can
// compute any block's owner locally with no directory service.
//
// # Local store
//
// Each peer backs its owned blocks with one contiguous, zero-initialized
// buffer. Because ownership is round-robin, the i-th block a peer owns (in
// ascending block-id order) is block self + i·N, and block b lands in local
// slot b / N. The store performs bounds-checked intra-block reads and
// writes; serialization of concurrent access is the caller's concern (the
// protocol layer funnels all owner-side mutations through a single-flight
// inbound handler).
//
// # Example
//
//	layout := block.Layout{N: 4, K: 8, T: 16}
//	store := block.NewStore(layout, 2)        // rank 2 owns blocks 2 and 6
//	err := store.WriteAt(6, 0, []byte("hi"))  // patch block 6 in place
package block
