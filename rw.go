package dsm

import (
	"errors"
	"fmt"

	"github.com/dreamware/dsm/internal/block"
	"github.com/dreamware/dsm/internal/message"
)

// checkRange validates the position/length pair shared by Read and Write.
func (d *DSM) checkRange(pos int, buf []byte) error {
	if buf == nil || pos < 0 || len(buf) == 0 {
		return fmt.Errorf("%w: pos=%d len=%d", ErrInvalidPosition, pos, len(buf))
	}
	if pos+len(buf) > d.layout.TotalBytes() {
		return fmt.Errorf("%w: pos=%d len=%d exceeds %d-byte address space",
			ErrInvalidSize, pos, len(buf), d.layout.TotalBytes())
	}
	return nil
}

// mapStoreErr converts local-store errors to the public vocabulary.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, block.ErrNotOwned):
		return fmt.Errorf("%w: %v", ErrBlockNotFound, err)
	case errors.Is(err, block.ErrOutOfRange):
		return fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	default:
		return err
	}
}

// Read copies len(buf) bytes starting at byte position pos into buf. The
// range may span any number of blocks and ownership boundaries.
//
// Owned blocks are read from the local store. Remote blocks are served from
// the cache when a valid copy exists; a miss fetches the full block from
// its owner and caches it clean before copying out. Blocks are processed
// sequentially; if a sub-operation fails, bytes from earlier blocks are
// already in buf and the first error is returned.
func (d *DSM) Read(pos int, buf []byte) error {
	if err := d.checkRange(pos, buf); err != nil {
		return err
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	for done := 0; done < len(buf); {
		cur := pos + done
		b := d.layout.BlockOf(cur)
		off := d.layout.OffsetOf(cur)
		chunk := min(d.layout.T-off, len(buf)-done)
		dst := buf[done : done+chunk]

		owner, err := d.layout.Owner(b)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPosition, err)
		}

		if owner == d.self {
			if err := d.store.ReadAt(b, off, dst); err != nil {
				return mapStoreErr(err)
			}
		} else if !d.cache.Read(b, off, dst) {
			if err := d.fetchBlock(b, owner, off, dst); err != nil {
				return err
			}
		}
		done += chunk
	}
	return nil
}

// fetchBlock performs the miss path for one remote block: a READ_REQ round
// trip to the owner, caching the returned block clean and copying the
// requested chunk out of the response payload.
func (d *DSM) fetchBlock(b, owner, off int, dst []byte) error {
	req := &message.Message{Type: message.ReadReq, Block: b}
	resp, err := d.roundTrip(owner, req, message.ReadResp)
	if err != nil {
		return err
	}
	if len(resp.Data) != d.layout.T {
		return fmt.Errorf("%w: block %d response carries %d bytes, want %d",
			ErrCommunication, b, len(resp.Data), d.layout.T)
	}
	if err := d.cache.Insert(b, resp.Data); err != nil {
		return fmt.Errorf("%w: %v", ErrCommunication, err)
	}
	copy(dst, resp.Data[off:off+len(dst)])
	return nil
}

// Write stores buf at byte position pos. The range may span any number of
// blocks and ownership boundaries; per-block sub-operations run strictly in
// order, each fully confirmed before the next starts.
//
// A chunk for an owned block is patched in place, then INVALIDATE is
// broadcast and every ack collected before the next chunk, so the
// cross-peer visibility guarantee holds for owner-local writes too. A chunk
// for a remote block is forwarded to the owner as a WRITE_REQ; the owner
// confirms only after all other caches acknowledged invalidation, and the
// writer then drops its own stale cached copy.
//
// On failure the first error is returned; chunks already written stay
// written.
func (d *DSM) Write(pos int, buf []byte) error {
	if err := d.checkRange(pos, buf); err != nil {
		return err
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	for done := 0; done < len(buf); {
		cur := pos + done
		b := d.layout.BlockOf(cur)
		off := d.layout.OffsetOf(cur)
		chunk := min(d.layout.T-off, len(buf)-done)
		src := buf[done : done+chunk]

		owner, err := d.layout.Owner(b)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPosition, err)
		}

		if owner == d.self {
			if err := d.store.WriteAt(b, off, src); err != nil {
				return mapStoreErr(err)
			}
			if err := d.invalidateOthers(b, -1); err != nil {
				return err
			}
		} else {
			req := &message.Message{
				Type:     message.WriteReq,
				Block:    b,
				Position: off,
				Data:     src,
			}
			if _, err := d.roundTrip(owner, req, message.WriteResp); err != nil {
				return err
			}
			// Our own cached copy, if any, predates the write.
			d.cache.Invalidate(b)
		}
		done += chunk
	}
	return nil
}
