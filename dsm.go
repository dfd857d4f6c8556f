// Package dsm implements the distributed shared memory handle.
// See doc.go for complete package documentation.
package dsm

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/dsm/cluster"
	"github.com/dreamware/dsm/config"
	"github.com/dreamware/dsm/internal/block"
	"github.com/dreamware/dsm/internal/cache"
)

// defaultMaxWait is how many empty transport probes a waiter tolerates
// before giving up; combined with waitTick it bounds a block-level round
// trip at roughly one second.
const defaultMaxWait = 1000

// waitTick is the back-off between empty transport probes.
const waitTick = time.Millisecond

// DSM is the handle to one peer's view of the shared address space. It is
// created by Open and released by Close; there is no other global state.
//
// Public operations on one handle are serialized: while one Read or Write
// is in flight, others queue on the handle. Inbound requests from other
// peers are serviced throughout, by the waiting operation itself or by the
// idle drainer.
type DSM struct {
	transport cluster.Transport
	store     *block.Store
	cache     *cache.Cache
	pending   *waitTable

	// cancel and wg manage the idle drainer goroutine.
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// opMu is the dispatch right: exactly one top-level driver (a
	// public operation or one drainer iteration) probes the transport
	// and handles inbound requests at a time. Nested waits inside the
	// inbound handler run on the holder's stack.
	opMu sync.Mutex

	layout block.Layout
	self   int

	// maxWait is the waiter budget in empty probes; tests shrink it.
	maxWait int
}

// Open validates the configuration, allocates the local store and cache,
// and starts the idle drainer. The transport must already connect all
// Processes peers; a peer-count mismatch between the configuration and the
// transport fails with ErrInvalidProcess.
func Open(cfg config.Config, t cluster.Transport) (*DSM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProcess, err)
	}
	if t.N() != cfg.Processes {
		return nil, fmt.Errorf("%w: configured for %d processes but transport has %d",
			ErrInvalidProcess, cfg.Processes, t.N())
	}

	layout := block.Layout{N: cfg.Processes, K: cfg.Blocks, T: cfg.BlockSize}
	d := &DSM{
		layout:    layout,
		self:      cfg.ProcessID,
		transport: t,
		store:     block.NewStore(layout, cfg.ProcessID),
		pending:   newWaitTable(),
		maxWait:   defaultMaxWait,
	}
	d.cache = cache.New(cache.DefaultSize, layout.T, d.writeBack)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.drainLoop(ctx)

	log.Printf("dsm: rank %d up: %d blocks of %d bytes over %d peers, %d owned",
		d.self, layout.K, layout.T, layout.N, layout.LocalBlocks(d.self))
	return d, nil
}

// FlushLocalCache writes every dirty cached block back to its owner and
// drops all cached copies. Owned blocks are unaffected.
func (d *DSM) FlushLocalCache() error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.cache.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrCommunication, err)
	}
	return nil
}

// CacheStats returns a snapshot of the block-cache activity counters.
func (d *DSM) CacheStats() cache.Stats {
	return d.cache.Stats()
}

// Close stops the drainer, flushes the cache, and tears down the
// transport. The handle is unusable afterwards.
func (d *DSM) Close() error {
	d.cancel()
	d.wg.Wait()

	d.opMu.Lock()
	flushErr := d.cache.Flush()
	d.opMu.Unlock()

	closeErr := d.transport.Close()

	log.Printf("dsm: rank %d shut down", d.self)
	if flushErr != nil {
		return fmt.Errorf("%w: flush on close: %v", ErrCommunication, flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close transport: %v", ErrCommunication, closeErr)
	}
	return nil
}

// drainLoop services inbound traffic while no operation is active. Each
// iteration claims the dispatch right; when an operation holds it, the
// operation's own waiter loop is draining the transport instead.
func (d *DSM) drainLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !d.opMu.TryLock() {
			time.Sleep(waitTick)
			continue
		}
		m, ok, err := d.transport.Recv()
		if ok {
			d.dispatch(m)
		}
		d.opMu.Unlock()

		if err != nil {
			return
		}
		if !ok {
			time.Sleep(waitTick)
		}
	}
}
