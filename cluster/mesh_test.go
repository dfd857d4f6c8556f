package cluster

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/dsm/internal/message"
)

// freeAddrs reserves n distinct loopback addresses for a test mesh.
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = ln.Addr().String()
		ln.Close()
	}
	return addrs
}

// buildMesh assembles a full n-peer mesh concurrently, the way n separate
// processes would start.
func buildMesh(t *testing.T, n int) []*Mesh {
	t.Helper()
	addrs := freeAddrs(t, n)
	meshes := make([]*Mesh, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			meshes[r], errs[r] = NewMesh(r, addrs, 10*time.Second)
		}(r)
	}
	wg.Wait()

	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
	t.Cleanup(func() {
		for _, m := range meshes {
			m.Close()
		}
	})
	return meshes
}

// recvWait polls a mesh until a message arrives or the deadline passes,
// the way the protocol layer's waiter loops do.
func recvWait(t *testing.T, m *Mesh, timeout time.Duration) *message.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, ok, err := m.Recv()
		require.NoError(t, err)
		if ok {
			return msg
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no message before deadline")
	return nil
}

func TestMeshSendRecv(t *testing.T) {
	meshes := buildMesh(t, 2)

	sent := &message.Message{Type: message.ReadReq, Block: 7}
	require.NoError(t, meshes[0].Send(1, sent))

	got := recvWait(t, meshes[1], 2*time.Second)
	assert.Equal(t, message.ReadReq, got.Type)
	assert.Equal(t, 7, got.Block)
	assert.Equal(t, 0, got.Source, "source filled by Send")
	assert.Equal(t, 1, got.Target)
}

func TestMeshPayloadIntegrity(t *testing.T) {
	meshes := buildMesh(t, 2)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, meshes[1].Send(0, &message.Message{
		Type: message.ReadResp, Block: 3, Data: payload,
	}))

	got := recvWait(t, meshes[0], 2*time.Second)
	assert.Equal(t, message.ReadResp, got.Type)
	assert.Equal(t, payload, got.Data)
}

// TestMeshOrdering verifies in-order delivery between one pair of peers.
func TestMeshOrdering(t *testing.T) {
	meshes := buildMesh(t, 2)

	const frames = 50
	for i := 0; i < frames; i++ {
		require.NoError(t, meshes[0].Send(1, &message.Message{Type: message.Invalidate, Block: i}))
	}
	for i := 0; i < frames; i++ {
		got := recvWait(t, meshes[1], 2*time.Second)
		assert.Equal(t, i, got.Block, "frame %d out of order", i)
	}
}

// TestMeshThreePeers verifies every directed pair of a 3-peer mesh.
func TestMeshThreePeers(t *testing.T) {
	meshes := buildMesh(t, 3)

	for src := 0; src < 3; src++ {
		for dst := 0; dst < 3; dst++ {
			if src == dst {
				continue
			}
			block := src*10 + dst
			require.NoError(t, meshes[src].Send(dst, &message.Message{
				Type: message.Invalidate, Block: block,
			}))
			got := recvWait(t, meshes[dst], 2*time.Second)
			assert.Equal(t, block, got.Block)
			assert.Equal(t, src, got.Source)
		}
	}
}

func TestMeshRecvNonBlocking(t *testing.T) {
	meshes := buildMesh(t, 2)

	start := time.Now()
	_, ok, err := meshes[0].Recv()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Recv must not block")
}

func TestMeshSendErrors(t *testing.T) {
	meshes := buildMesh(t, 2)

	t.Run("to self", func(t *testing.T) {
		err := meshes[0].Send(0, &message.Message{Type: message.ReadReq})
		assert.ErrorIs(t, err, ErrNoPeer)
	})

	t.Run("out of range", func(t *testing.T) {
		err := meshes[0].Send(5, &message.Message{Type: message.ReadReq})
		assert.ErrorIs(t, err, ErrNoPeer)
	})

	t.Run("recv after close", func(t *testing.T) {
		addrs := freeAddrs(t, 1)
		m, err := NewMesh(0, addrs, time.Second)
		require.NoError(t, err)
		require.NoError(t, m.Close())
		_, _, err = m.Recv()
		assert.ErrorIs(t, err, ErrClosed)
	})
}

// TestMeshDialTimeout verifies that a mesh missing a peer fails once the
// startup timeout expires instead of hanging.
func TestMeshDialTimeout(t *testing.T) {
	addrs := freeAddrs(t, 2) // rank 1 never starts
	start := time.Now()
	_, err := NewMesh(0, addrs, 300*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMeshStats(t *testing.T) {
	meshes := buildMesh(t, 2)

	require.NoError(t, meshes[0].Send(1, &message.Message{Type: message.ReadReq, Block: 1}))
	recvWait(t, meshes[1], 2*time.Second)

	assert.Equal(t, int64(1), meshes[0].Stats().Sent)
	assert.Equal(t, int64(1), meshes[1].Stats().Received)
	assert.Equal(t, 0, meshes[0].Rank())
	assert.Equal(t, 2, meshes[0].N())
}
