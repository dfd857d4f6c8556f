package dsm

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/dsm/internal/message"
)

// waitKey correlates a response with the waiter that requested it. The
// channel is untagged, so expected type plus block id is the whole
// predicate.
type waitKey struct {
	typ   message.Type
	block int
}

// waitTable routes inbound responses to registered rendezvous channels.
//
// Waiters can nest: the inbound handler for WRITE_REQ awaits invalidate
// acks while an outer operation awaits its own response. Delivery goes to
// the most recent registrant for a key, the waiter actively probing;
// earlier registrants collect their responses from their buffered
// channels when the stack unwinds. Responses nobody registered for are
// dropped, as the protocol requires.
type waitTable struct {
	waiters map[waitKey][]chan *message.Message
	mu      sync.Mutex
}

func newWaitTable() *waitTable {
	return &waitTable{waiters: make(map[waitKey][]chan *message.Message)}
}

// register adds a rendezvous for key with room for capacity responses.
func (w *waitTable) register(key waitKey, capacity int) chan *message.Message {
	ch := make(chan *message.Message, capacity)
	w.mu.Lock()
	w.waiters[key] = append(w.waiters[key], ch)
	w.mu.Unlock()
	return ch
}

// deregister removes a rendezvous; late responses for it will be dropped.
func (w *waitTable) deregister(key waitKey, ch chan *message.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	chans := w.waiters[key]
	for i := range chans {
		if chans[i] == ch {
			w.waiters[key] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(w.waiters[key]) == 0 {
		delete(w.waiters, key)
	}
}

// deliver hands a response to the innermost waiter for its key, reporting
// whether anyone wanted it.
func (w *waitTable) deliver(m *message.Message) bool {
	key := waitKey{typ: m.Type, block: m.Block}
	w.mu.Lock()
	defer w.mu.Unlock()
	chans := w.waiters[key]
	if len(chans) == 0 {
		return false
	}
	select {
	case chans[len(chans)-1] <- m:
		return true
	default:
		return false
	}
}

// dispatch routes one inbound message: responses go to the correlation
// table (or are dropped when no waiter claims them), requests run through
// the inbound handler on the caller's stack.
//
// The caller must hold the dispatch right (opMu), directly or through the
// operation it is nested under.
func (d *DSM) dispatch(m *message.Message) {
	if m.Type.IsResponse() {
		if !d.pending.deliver(m) {
			log.Printf("dsm: rank %d dropping unclaimed %s", d.self, m)
		}
		return
	}
	d.handle(m)
}

// handle services one inbound request.
//
// READ_REQ answers with the full block. WRITE_REQ applies the patch, then
// broadcasts INVALIDATE and collects every ack before confirming, so a
// writer observing success knows no peer caches the old bytes. INVALIDATE
// drops the local cached copy and acks. Requests for blocks this peer does
// not own are logged and left unanswered; the requester times out.
func (d *DSM) handle(m *message.Message) {
	switch m.Type {
	case message.ReadReq:
		data, err := d.store.Block(m.Block)
		if err != nil {
			log.Printf("dsm: rank %d rejecting %s: %v", d.self, m, err)
			return
		}
		resp := &message.Message{Type: message.ReadResp, Block: m.Block, Data: data}
		if err := d.transport.Send(m.Source, resp); err != nil {
			log.Printf("dsm: rank %d read response to rank %d: %v", d.self, m.Source, err)
		}

	case message.WriteReq:
		if err := d.store.WriteAt(m.Block, m.Position, m.Data); err != nil {
			log.Printf("dsm: rank %d rejecting %s: %v", d.self, m, err)
			return
		}
		// Confirmation is withheld until every other cache has
		// acknowledged invalidation; the requester's own copy is its
		// own concern.
		if err := d.invalidateOthers(m.Block, m.Source); err != nil {
			log.Printf("dsm: rank %d invalidation for block %d incomplete: %v",
				d.self, m.Block, err)
			return
		}
		resp := &message.Message{Type: message.WriteResp, Block: m.Block}
		if err := d.transport.Send(m.Source, resp); err != nil {
			log.Printf("dsm: rank %d write response to rank %d: %v", d.self, m.Source, err)
		}

	case message.Invalidate:
		d.cache.Invalidate(m.Block)
		ack := &message.Message{Type: message.InvalidateAck, Block: m.Block}
		if err := d.transport.Send(m.Source, ack); err != nil {
			log.Printf("dsm: rank %d invalidate ack to rank %d: %v", d.self, m.Source, err)
		}

	default:
		log.Printf("dsm: rank %d ignoring unexpected %s", d.self, m)
	}
}

// awaitResponses collects need responses from ch, draining the transport
// between arrivals: interposed requests are dispatched inline, unrelated
// responses routed to their own waiters. Only empty probes consume the
// maxWait budget, so a busy peer does not time out early.
func (d *DSM) awaitResponses(ch chan *message.Message, need int) ([]*message.Message, error) {
	got := make([]*message.Message, 0, need)
	attempts := 0
	for attempts < d.maxWait {
		select {
		case m := <-ch:
			got = append(got, m)
			if len(got) == need {
				return got, nil
			}
			continue
		default:
		}

		m, ok, err := d.transport.Recv()
		if err != nil {
			return nil, fmt.Errorf("%w: probe: %v", ErrCommunication, err)
		}
		if ok {
			d.dispatch(m)
			continue
		}
		attempts++
		time.Sleep(waitTick)
	}
	return nil, fmt.Errorf("%w: timed out after %d probes waiting for %d response(s)",
		ErrCommunication, d.maxWait, need)
}

// roundTrip sends req to target and waits for the matching response type
// for the same block.
func (d *DSM) roundTrip(target int, req *message.Message, want message.Type) (*message.Message, error) {
	key := waitKey{typ: want, block: req.Block}
	ch := d.pending.register(key, 1)
	defer d.pending.deregister(key, ch)

	if err := d.transport.Send(target, req); err != nil {
		return nil, fmt.Errorf("%w: send %s to rank %d: %v", ErrCommunication, req.Type, target, err)
	}
	resps, err := d.awaitResponses(ch, 1)
	if err != nil {
		return nil, err
	}
	return resps[0], nil
}

// invalidateOthers broadcasts INVALIDATE for a block to every peer except
// this one and except skip (pass a negative rank to address everyone
// else), then collects one ack per addressee.
func (d *DSM) invalidateOthers(blockID, skip int) error {
	var targets []int
	for r := 0; r < d.layout.N; r++ {
		if r != d.self && r != skip {
			targets = append(targets, r)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	key := waitKey{typ: message.InvalidateAck, block: blockID}
	ch := d.pending.register(key, len(targets))
	defer d.pending.deregister(key, ch)

	for _, r := range targets {
		inv := &message.Message{Type: message.Invalidate, Block: blockID}
		if err := d.transport.Send(r, inv); err != nil {
			return fmt.Errorf("%w: invalidate block %d at rank %d: %v",
				ErrCommunication, blockID, r, err)
		}
	}

	_, err := d.awaitResponses(ch, len(targets))
	return err
}

// writeBack transmits a dirtied cached block to its owner as a full-block
// WRITE_REQ and waits for the confirmation. The cache calls it during
// eviction and flush, outside the cache locks.
func (d *DSM) writeBack(blockID int, data []byte) error {
	owner, err := d.layout.Owner(blockID)
	if err != nil {
		return err
	}
	log.Printf("dsm: rank %d writing back dirty block %d to rank %d", d.self, blockID, owner)
	req := &message.Message{Type: message.WriteReq, Block: blockID, Position: 0, Data: data}
	_, err = d.roundTrip(owner, req, message.WriteResp)
	return err
}
