// Package cache implements the peer-local block cache for remote blocks.
// See doc.go for complete package documentation.
package cache

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// DefaultSize is the number of cache entries a peer keeps when no explicit
// capacity is configured.
const DefaultSize = 128

// ErrWriteBack is returned when a dirty victim could not be written back to
// its owner during eviction; the allocation that needed the slot fails.
var ErrWriteBack = errors.New("cache: write-back failed")

// noBlock marks an entry that houses no block: never used, or cleared by
// Flush.
const noBlock = -1

// WriteBackFunc transmits a dirtied cached block back to its owner. The
// protocol layer injects it so the cache stays free of transport concerns.
// It is always called without any cache lock held.
type WriteBackFunc func(block int, data []byte) error

// entry is one cache slot.
//
// block, valid, and dirty are guarded by the cache-wide mutex; data is
// guarded by the entry's own mutex. Flag transitions always happen with the
// cache-wide mutex held, so scans under that mutex see consistent state.
type entry struct {
	data  []byte
	mu    sync.Mutex
	block int
	valid bool
	dirty bool
}

// Stats is a point-in-time snapshot of cache activity counters.
//
// Counters are cumulative since the cache was created and are maintained
// with atomic operations, so reading them never contends with the cache
// locks.
type Stats struct {
	Hits          int64 // Reads served from a valid entry
	Misses        int64 // Reads that required an owner round trip
	Evictions     int64 // Valid entries displaced by allocation
	WriteBacks    int64 // Dirty payloads transmitted to their owner
	Invalidations int64 // Entries dropped by invalidate requests
}

// Cache is the fixed-capacity, write-invalidate coherent cache of remote
// blocks. All methods are safe for concurrent use.
type Cache struct {
	writeBack WriteBackFunc
	entries   []entry
	mu        sync.Mutex
	victim    int
	blockSize int

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	writeBacks    atomic.Int64
	invalidations atomic.Int64
}

// New creates a cache of capacity entries for blockSize-byte blocks.
// writeBack is invoked, outside the cache locks, whenever a dirty entry
// must reach its owner (eviction and flush).
func New(capacity, blockSize int, writeBack WriteBackFunc) *Cache {
	c := &Cache{
		entries:   make([]entry, capacity),
		blockSize: blockSize,
		writeBack: writeBack,
	}
	for i := range c.entries {
		c.entries[i].block = noBlock
		c.entries[i].data = make([]byte, blockSize)
	}
	return c
}

// find returns the valid entry housing block, or nil.
// Caller must hold c.mu.
func (c *Cache) find(block int) *entry {
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].block == block {
			return &c.entries[i]
		}
	}
	return nil
}

// Contains reports whether a valid entry for block exists.
func (c *Cache) Contains(block int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.find(block) != nil
}

// Len returns the number of valid entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := range c.entries {
		if c.entries[i].valid {
			n++
		}
	}
	return n
}

// Read copies n=len(dst) bytes of the cached copy of block, starting at
// intra-block offset off, into dst. It reports whether the cache held a
// valid entry; a miss leaves dst untouched.
func (c *Cache) Read(block, off int, dst []byte) bool {
	c.mu.Lock()
	e := c.find(block)
	if e == nil {
		c.mu.Unlock()
		c.misses.Add(1)
		return false
	}
	e.mu.Lock()
	copy(dst, e.data[off:off+len(dst)])
	e.mu.Unlock()
	c.mu.Unlock()
	c.hits.Add(1)
	return true
}

// Write patches the cached copy of block in place and marks the entry
// dirty, reporting whether a valid entry was present. The dirtied payload
// reaches the owner on eviction or flush via the write-back function.
//
// The forwarding protocol does not use this path (writes go to the owner
// and the writer's stale copy is invalidated) but it is part of the cache
// contract and keeps write-back exercised.
func (c *Cache) Write(block, off int, src []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.find(block)
	if e == nil {
		return false
	}
	e.mu.Lock()
	copy(e.data[off:off+len(src)], src)
	e.mu.Unlock()
	e.dirty = true
	return true
}

// Insert houses block in the cache with the given full-block contents,
// valid and clean. It allocates a slot per the replacement policy: any
// invalid entry first, then the round-robin victim with a synchronous
// write-back if the victim is dirty. A write-back failure fails the insert
// with ErrWriteBack.
func (c *Cache) Insert(block int, data []byte) error {
	for {
		c.mu.Lock()

		// A concurrent miss may have housed the block already; refresh
		// it in place so at most one valid entry per block exists.
		e := c.find(block)
		if e != nil {
			e.mu.Lock()
			copy(e.data, data)
			e.mu.Unlock()
			e.dirty = false
			c.mu.Unlock()
			return nil
		}

		// Reuse an invalid slot when one exists.
		for i := range c.entries {
			if !c.entries[i].valid {
				e = &c.entries[i]
				break
			}
		}

		if e == nil {
			// All slots valid: evict the round-robin victim.
			e = &c.entries[c.victim]
			c.victim = (c.victim + 1) % len(c.entries)
			c.evictions.Add(1)

			if e.dirty {
				// Claim the victim and snapshot its payload so
				// the slot cannot be reused while the dirty
				// bytes are in flight, then write back without
				// holding any cache lock: the round trip
				// services interposed requests that need this
				// cache.
				victimBlock := e.block
				e.mu.Lock()
				snapshot := make([]byte, len(e.data))
				copy(snapshot, e.data)
				e.mu.Unlock()
				e.valid = false
				e.dirty = false
				c.mu.Unlock()

				c.writeBacks.Add(1)
				if err := c.writeBack(victimBlock, snapshot); err != nil {
					return fmt.Errorf("%w: block %d: %v", ErrWriteBack, victimBlock, err)
				}
				// Slot freed; rerun the allocation scan.
				continue
			}
		}

		e.mu.Lock()
		copy(e.data, data)
		e.mu.Unlock()
		e.block = block
		e.valid = true
		e.dirty = false
		c.mu.Unlock()
		return nil
	}
}

// Invalidate drops the cached copy of block if one exists. It is idempotent
// and reports whether an entry was dropped.
func (c *Cache) Invalidate(block int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.find(block)
	if e == nil {
		return false
	}
	e.valid = false
	e.dirty = false
	c.invalidations.Add(1)
	return true
}

// Flush writes every dirty entry back to its owner, then clears the whole
// cache. Write-back failures are logged and do not stop the flush; the
// first failure is returned once the cache is clear.
func (c *Cache) Flush() error {
	// First pass: claim dirty entries and snapshot their payloads.
	type dirtyBlock struct {
		data  []byte
		block int
	}
	var pending []dirtyBlock

	c.mu.Lock()
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.dirty {
			e.mu.Lock()
			snapshot := make([]byte, len(e.data))
			copy(snapshot, e.data)
			e.mu.Unlock()
			pending = append(pending, dirtyBlock{block: e.block, data: snapshot})
			e.dirty = false
		}
	}
	c.mu.Unlock()

	// Write-backs happen outside the locks; the round trips service
	// interposed requests.
	var firstErr error
	for _, d := range pending {
		c.writeBacks.Add(1)
		if err := c.writeBack(d.block, d.data); err != nil {
			log.Printf("cache: flush write-back of block %d failed: %v", d.block, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: block %d: %v", ErrWriteBack, d.block, err)
			}
		}
	}

	// Second pass: clear every entry.
	c.mu.Lock()
	for i := range c.entries {
		c.entries[i].valid = false
		c.entries[i].dirty = false
		c.entries[i].block = noBlock
	}
	c.mu.Unlock()

	return firstErr
}

// Stats returns a snapshot of the activity counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		WriteBacks:    c.writeBacks.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
