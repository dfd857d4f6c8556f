package dsm

import (
	"fmt"
	"sync/atomic"

	"github.com/dreamware/dsm/cluster"
	"github.com/dreamware/dsm/internal/message"
)

// chanNet wires N in-process transports together through buffered
// channels, standing in for the TCP mesh so protocol tests run whole
// clusters inside one test binary. Delivery is reliable, in order, and
// non-duplicating, matching the transport contract.
type chanNet struct {
	queues []chan *message.Message
}

// newChanNet creates a network of n ranks.
func newChanNet(n int) *chanNet {
	cn := &chanNet{queues: make([]chan *message.Message, n)}
	for i := range cn.queues {
		cn.queues[i] = make(chan *message.Message, 1024)
	}
	return cn
}

// transport returns rank self's endpoint on the network.
func (cn *chanNet) transport(self int) *chanTransport {
	return &chanTransport{net: cn, self: self}
}

// chanTransport is one rank's view of a chanNet. It implements
// cluster.Transport.
type chanTransport struct {
	net    *chanNet
	self   int
	closed atomic.Bool
}

var _ cluster.Transport = (*chanTransport)(nil)

func (t *chanTransport) Send(target int, m *message.Message) error {
	if t.closed.Load() {
		return cluster.ErrClosed
	}
	if target < 0 || target >= len(t.net.queues) || target == t.self {
		return fmt.Errorf("%w: rank %d", cluster.ErrNoPeer, target)
	}

	// Receivers retain the message, so detach it from the sender's
	// buffers the way the wire codec would.
	cp := &message.Message{
		Type:     m.Type,
		Source:   t.self,
		Target:   target,
		Block:    m.Block,
		Position: m.Position,
	}
	if len(m.Data) > 0 {
		cp.Data = make([]byte, len(m.Data))
		copy(cp.Data, m.Data)
	}
	t.net.queues[target] <- cp
	return nil
}

func (t *chanTransport) Recv() (*message.Message, bool, error) {
	if t.closed.Load() {
		return nil, false, cluster.ErrClosed
	}
	select {
	case m := <-t.net.queues[t.self]:
		return m, true, nil
	default:
		return nil, false, nil
	}
}

func (t *chanTransport) N() int {
	return len(t.net.queues)
}

func (t *chanTransport) Close() error {
	t.closed.Store(true)
	return nil
}
