// Package cluster provides the TCP mesh transport between DSM peers.
// See doc.go for complete package documentation.
package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/dsm/internal/message"
)

// helloMagic opens every connection so a stray client dialing the listen
// port is rejected before it can inject frames.
const helloMagic = 0x44534d31 // "DSM1"

// helloVersion is the protocol version carried in the hello frame.
const helloVersion = 1

// helloSize is the hello frame length: magic, version, rank, 16-byte UUID.
const helloSize = 4 + 4 + 4 + 16

// inboundDepth bounds the shared inbound queue. Readers park when the
// protocol layer falls behind, which back-pressures senders through TCP.
const inboundDepth = 256

// dialRetryInterval is the pause between connection attempts while the
// mesh assembles.
const dialRetryInterval = 100 * time.Millisecond

// ErrNoPeer is returned for sends addressed to a rank with no connection,
// including the sender's own rank.
var ErrNoPeer = errors.New("cluster: no such peer")

// ErrClosed is returned once the mesh has been shut down.
var ErrClosed = errors.New("cluster: mesh closed")

// Transport is the point-to-point byte transport the protocol layer runs
// on. Implementations must deliver messages between any two peers reliably,
// in send order, without duplication.
//
// Send blocks until the frame is handed to the network. Recv never blocks:
// it returns the next pending message from any sender, or ok=false when
// none is pending.
type Transport interface {
	// Send transmits m to the peer with the given rank, filling in the
	// source and target fields.
	Send(target int, m *message.Message) error

	// Recv returns the next available inbound message, if any.
	Recv() (m *message.Message, ok bool, err error)

	// N returns the number of peers in the cluster, including self.
	N() int

	// Close tears the transport down. Subsequent operations fail with
	// ErrClosed.
	Close() error
}

// Stats is a snapshot of transport activity counters.
type Stats struct {
	Sent     int64 // Frames transmitted
	Received int64 // Frames decoded off the wire
}

// Mesh is the TCP Transport implementation: one dialed connection per
// remote rank for sends, accepted connections feeding a shared inbound
// queue for receives.
//
// A Mesh is safe for concurrent use. Sends are serialized by a single
// mutex; receives are decoupled through the inbound queue.
type Mesh struct {
	inbound  chan *message.Message
	outbound []net.Conn
	listener net.Listener
	id       uuid.UUID
	addrs    []string
	closed   chan struct{}

	sendMu sync.Mutex
	wg     sync.WaitGroup

	// accepted tracks inbound connections so Close can unblock their
	// readers.
	acceptedMu sync.Mutex
	accepted   []net.Conn

	self int

	sent     atomic.Int64
	received atomic.Int64

	closeOnce sync.Once
}

// NewMesh assembles the full mesh for rank self over the rank-indexed
// address list: it starts listening on addrs[self], dials every other rank
// (retrying until timeout so peers may start in any order), and spawns the
// reader goroutines. It returns only when a connection to every other rank
// is up, or fails once the timeout expires.
func NewMesh(self int, addrs []string, timeout time.Duration) (*Mesh, error) {
	if self < 0 || self >= len(addrs) {
		return nil, fmt.Errorf("cluster: rank %d out of range for %d peers", self, len(addrs))
	}

	ln, err := net.Listen("tcp", addrs[self])
	if err != nil {
		return nil, fmt.Errorf("cluster: listen %s: %w", addrs[self], err)
	}

	m := &Mesh{
		self:     self,
		addrs:    addrs,
		id:       uuid.New(),
		listener: ln,
		inbound:  make(chan *message.Message, inboundDepth),
		outbound: make([]net.Conn, len(addrs)),
		closed:   make(chan struct{}),
	}

	m.wg.Add(1)
	go m.acceptLoop()

	if err := m.dialAll(timeout); err != nil {
		m.Close()
		return nil, err
	}

	log.Printf("cluster: rank %d mesh up (%d peers, instance %s)", self, len(addrs), m.id)
	return m, nil
}

// N returns the peer count, including self.
func (m *Mesh) N() int {
	return len(m.addrs)
}

// Rank returns this peer's rank.
func (m *Mesh) Rank() int {
	return m.self
}

// dialAll connects to every other rank, retrying each until deadline.
func (m *Mesh) dialAll(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for r := range m.addrs {
		if r == m.self {
			continue
		}
		conn, err := m.dialPeer(r, deadline)
		if err != nil {
			return err
		}
		m.outbound[r] = conn
	}
	return nil
}

// dialPeer establishes the outbound connection to rank r, sending the
// hello frame once connected.
func (m *Mesh) dialPeer(r int, deadline time.Time) (net.Conn, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("cluster: connect rank %d at %s: %w", r, m.addrs[r], lastErr)
		}

		conn, err := net.DialTimeout("tcp", m.addrs[r], time.Until(deadline))
		if err != nil {
			lastErr = err
			time.Sleep(dialRetryInterval)
			continue
		}

		if err := m.sendHello(conn); err != nil {
			conn.Close()
			lastErr = err
			time.Sleep(dialRetryInterval)
			continue
		}

		if attempt > 0 {
			log.Printf("cluster: rank %d connected to rank %d after %d attempts", m.self, r, attempt+1)
		}
		return conn, nil
	}
}

// sendHello writes the connection-opening hello frame.
func (m *Mesh) sendHello(conn net.Conn) error {
	var hello [helloSize]byte
	binary.BigEndian.PutUint32(hello[0:4], helloMagic)
	binary.BigEndian.PutUint32(hello[4:8], helloVersion)
	binary.BigEndian.PutUint32(hello[8:12], uint32(int32(m.self)))
	copy(hello[12:], m.id[:])
	_, err := conn.Write(hello[:])
	return err
}

// readHello validates a hello frame on an accepted connection and returns
// the dialing peer's rank and instance id.
func readHello(conn net.Conn) (int, uuid.UUID, error) {
	var hello [helloSize]byte
	if _, err := io.ReadFull(conn, hello[:]); err != nil {
		return -1, uuid.Nil, err
	}
	if binary.BigEndian.Uint32(hello[0:4]) != helloMagic {
		return -1, uuid.Nil, errors.New("cluster: bad hello magic")
	}
	if v := binary.BigEndian.Uint32(hello[4:8]); v != helloVersion {
		return -1, uuid.Nil, fmt.Errorf("cluster: protocol version %d, want %d", v, helloVersion)
	}
	rank := int(int32(binary.BigEndian.Uint32(hello[8:12])))
	var id uuid.UUID
	copy(id[:], hello[12:])
	return rank, id, nil
}

// acceptLoop accepts inbound connections and hands each to a reader
// goroutine after validating its hello.
func (m *Mesh) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			log.Printf("cluster: rank %d accept: %v", m.self, err)
			return
		}

		rank, id, err := readHello(conn)
		if err != nil {
			log.Printf("cluster: rank %d rejecting connection from %s: %v",
				m.self, conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		if rank < 0 || rank >= len(m.addrs) || rank == m.self {
			log.Printf("cluster: rank %d rejecting hello claiming rank %d (instance %s)",
				m.self, rank, id)
			conn.Close()
			continue
		}

		m.acceptedMu.Lock()
		m.accepted = append(m.accepted, conn)
		m.acceptedMu.Unlock()

		m.wg.Add(1)
		go m.readLoop(conn, rank)
	}
}

// readLoop decodes frames off one accepted connection into the shared
// inbound queue, preserving that sender's order.
func (m *Mesh) readLoop(conn net.Conn, rank int) {
	defer m.wg.Done()
	defer conn.Close()
	for {
		msg, err := message.Read(conn)
		if err != nil {
			select {
			case <-m.closed:
			default:
				if !errors.Is(err, io.EOF) {
					log.Printf("cluster: rank %d read from rank %d: %v", m.self, rank, err)
				}
			}
			return
		}
		m.received.Add(1)

		select {
		case m.inbound <- msg:
		case <-m.closed:
			return
		}
	}
}

// Send transmits m to the given rank, filling in source and target. It
// blocks until the frame is written to the connection.
func (m *Mesh) Send(target int, msg *message.Message) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	if target < 0 || target >= len(m.outbound) || target == m.self {
		return fmt.Errorf("%w: rank %d", ErrNoPeer, target)
	}
	conn := m.outbound[target]
	if conn == nil {
		return fmt.Errorf("%w: rank %d not connected", ErrNoPeer, target)
	}

	msg.Source = m.self
	msg.Target = target

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := message.Write(conn, msg); err != nil {
		return fmt.Errorf("cluster: send %s to rank %d: %w", msg.Type, target, err)
	}
	m.sent.Add(1)
	return nil
}

// Recv returns the next pending inbound message from any sender, or
// ok=false when nothing is pending. It never blocks.
func (m *Mesh) Recv() (*message.Message, bool, error) {
	select {
	case <-m.closed:
		return nil, false, ErrClosed
	default:
	}
	select {
	case msg := <-m.inbound:
		return msg, true, nil
	case <-m.closed:
		return nil, false, ErrClosed
	default:
		return nil, false, nil
	}
}

// Stats returns a snapshot of the transport counters.
func (m *Mesh) Stats() Stats {
	return Stats{
		Sent:     m.sent.Load(),
		Received: m.received.Load(),
	}
}

// Close tears down the listener and every connection and waits for the
// reader goroutines to drain.
func (m *Mesh) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.listener.Close()
		for _, conn := range m.outbound {
			if conn != nil {
				conn.Close()
			}
		}
		m.acceptedMu.Lock()
		for _, conn := range m.accepted {
			conn.Close()
		}
		m.acceptedMu.Unlock()
	})
	m.wg.Wait()
	return nil
}
