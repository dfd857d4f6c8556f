// Package block maps positions onto blocks and stores owned blocks.
// See doc.go for complete package documentation.
package block

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned for positions or block ids outside the address
// space, and for intra-block ranges that cross a block boundary.
var ErrOutOfRange = errors.New("block: out of range")

// ErrNotOwned is returned when a store is asked for a block whose owner is
// another peer.
var ErrNotOwned = errors.New("block: not owned by this peer")

// Layout describes the shared geometry of the address space. All peers in a
// cluster hold identical Layout values; it is immutable after construction.
type Layout struct {
	// N is the peer count.
	N int

	// K is the total block count.
	K int

	// T is the block size in bytes, the coherence granule.
	T int
}

// TotalBytes returns the size of the whole address space, K·T.
func (l Layout) TotalBytes() int {
	return l.K * l.T
}

// BlockOf returns the block id containing byte position p.
// The result is only meaningful for 0 <= p < TotalBytes.
func (l Layout) BlockOf(p int) int {
	return p / l.T
}

// OffsetOf returns the intra-block offset of byte position p.
func (l Layout) OffsetOf(p int) int {
	return p % l.T
}

// Owner returns the rank owning block b, or an error for block ids outside
// [0, K). Placement is round-robin: owner(b) = b mod N.
func (l Layout) Owner(b int) (int, error) {
	if b < 0 || b >= l.K {
		return -1, fmt.Errorf("%w: block %d of %d", ErrOutOfRange, b, l.K)
	}
	return b % l.N, nil
}

// LocalSlot returns the index of block b within its owner's store. Under
// round-robin placement the blocks a rank owns are r, r+N, r+2N, …, so the
// slot is simply b / N. The caller must have verified ownership.
func (l Layout) LocalSlot(b int) int {
	return b / l.N
}

// LocalBlocks returns how many blocks rank r owns: ceil((K−r)/N).
func (l Layout) LocalBlocks(r int) int {
	if r >= l.K {
		return 0
	}
	return (l.K - r + l.N - 1) / l.N
}

// Store is the contiguous backing for the blocks one peer owns. It is a
// plain byte buffer: slot i holds the i-th owned block. The store itself is
// not locked; the inbound message handler is single-flight per peer, which
// serializes every owner-side mutation.
type Store struct {
	// data backs all owned blocks, zero-initialized at startup.
	data []byte

	// layout is the shared address-space geometry.
	layout Layout

	// self is the owning peer's rank.
	self int
}

// NewStore allocates the zero-initialized backing buffer for the blocks
// rank self owns under the given layout.
func NewStore(layout Layout, self int) *Store {
	return &Store{
		layout: layout,
		self:   self,
		data:   make([]byte, layout.LocalBlocks(self)*layout.T),
	}
}

// Blocks returns how many blocks the store holds.
func (s *Store) Blocks() int {
	return len(s.data) / s.layout.T
}

// slice bounds-checks an intra-block range of block b and returns the
// backing bytes for it.
func (s *Store) slice(b, off, n int) ([]byte, error) {
	owner, err := s.layout.Owner(b)
	if err != nil {
		return nil, err
	}
	if owner != s.self {
		return nil, fmt.Errorf("%w: block %d belongs to rank %d", ErrNotOwned, b, owner)
	}
	if off < 0 || n < 0 || off+n > s.layout.T {
		return nil, fmt.Errorf("%w: offset %d + %d bytes in %d-byte block",
			ErrOutOfRange, off, n, s.layout.T)
	}
	base := s.layout.LocalSlot(b) * s.layout.T
	return s.data[base+off : base+off+n], nil
}

// ReadAt copies len(dst) bytes from block b starting at intra-block offset
// off into dst.
func (s *Store) ReadAt(b, off int, dst []byte) error {
	src, err := s.slice(b, off, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// WriteAt patches block b in place with src, starting at intra-block
// offset off.
func (s *Store) WriteAt(b, off int, src []byte) error {
	dst, err := s.slice(b, off, len(src))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Block returns a copy of the full contents of block b.
func (s *Store) Block(b int) ([]byte, error) {
	src, err := s.slice(b, 0, s.layout.T)
	if err != nil {
		return nil, err
	}
	out := make([]byte, s.layout.T)
	copy(out, src)
	return out, nil
}
