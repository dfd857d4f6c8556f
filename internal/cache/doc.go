// Package cache implements the fixed-capacity block cache a DSM peer keeps
// for remote blocks: blocks owned by other peers that this peer has read.
//
// # Structure
//
// The cache is a fixed array of entries. Each entry holds a block id, a
// block-sized data buffer, a valid flag, and a dirty flag. Two locks are in
// play:
//
//   - The cache-wide mutex serializes lookup, allocation, eviction
//     decisions, and every flag transition, and guards the round-robin
//     victim pointer.
//   - A per-entry mutex guards the entry's data buffer.
//
// The acquisition order is strict: cache-wide before per-entry, never the
// reverse, and neither lock is held across a network round trip.
//
// # Replacement
//
// Allocation first claims any invalid entry. When all entries are valid, a
// round-robin victim pointer selects the entry to evict. A valid, dirty
// victim is written back to its owner, through the write-back function the
// protocol layer injects, before its slot is reused; a write-back failure
// fails the allocation. The victim is claimed (marked invalid) and its
// payload snapshotted before the locks are released for the write-back, so
// no other allocation can reuse the slot while the dirty bytes are still in
// flight.
//
// # Invariants
//
//   - A peer never caches a block it owns (enforced by the access path).
//   - At most one valid entry per block id.
//   - dirty implies valid.
//   - The number of valid entries never exceeds the capacity.
//
// Invalidation is idempotent: invalidating an absent block, or the same
// block twice, leaves the cache unchanged.
package cache
