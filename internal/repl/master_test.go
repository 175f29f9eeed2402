package repl

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flonle/rdis/internal/trigger"
)

func TestNewMasterGeneratesA40CharReplID(t *testing.T) {
	m := NewMaster(zap.NewNop())
	assert.Len(t, m.ReplID, 40)
}

func pipeWriter(t *testing.T) (*bufio.Writer, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return bufio.NewWriter(server), client
}

func TestCountAcksByOffset(t *testing.T) {
	m := NewMaster(zap.NewNop())
	w1, _ := pipeWriter(t)
	w2, _ := pipeWriter(t)
	r1 := m.RegisterReplica(nil, w1, 6380)
	r2 := m.RegisterReplica(nil, w2, 6381)

	m.UpdateReplicaOffset(r1, 100)
	m.UpdateReplicaOffset(r2, 50)

	assert.Equal(t, 2, m.CountAcksByOffset(0))
	assert.Equal(t, 1, m.CountAcksByOffset(100))
	assert.Equal(t, 0, m.CountAcksByOffset(101))
}

func TestPropagateAdvancesOffsetEvenWithNoReplicas(t *testing.T) {
	m := NewMaster(zap.NewNop())
	require.Equal(t, int64(0), m.Offset())
	m.Propagate([]byte("*1\r\n$4\r\nPING\r\n"))
	assert.Equal(t, int64(len("*1\r\n$4\r\nPING\r\n")), m.Offset())
}

// Concurrent Propagate calls must not interleave within a replica's byte
// stream: each frame arrives whole, in one global order.
func TestConcurrentPropagationsDoNotInterleave(t *testing.T) {
	m := NewMaster(zap.NewNop())

	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	m.RegisterReplica(server, bufio.NewWriter(server), 6380)

	frameA := []byte("*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n")
	frameB := []byte("*3\r\n$3\r\nSET\r\n$1\r\nb\r\n$1\r\n2\r\n")

	const rounds = 20
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range rounds {
			m.Propagate(frameA)
		}
	}()
	go func() {
		defer wg.Done()
		for range rounds {
			m.Propagate(frameB)
		}
	}()

	total := 2 * rounds * len(frameA)
	got := make([]byte, total)
	_, err := io.ReadFull(client, got)
	require.NoError(t, err)
	wg.Wait()

	for len(got) > 0 {
		frame := got[:len(frameA)]
		if !bytes.Equal(frame, frameA) && !bytes.Equal(frame, frameB) {
			t.Fatalf("interleaved frame on replica stream: %q", frame)
		}
		got = got[len(frameA):]
	}
	assert.Equal(t, int64(total), m.Offset())
}

func TestPropagateDropsReplicaOnClosedConn(t *testing.T) {
	m := NewMaster(zap.NewNop())
	server, client := net.Pipe()
	client.Close()
	server.Close()
	m.RegisterReplica(server, bufio.NewWriter(server), 6380)
	require.Equal(t, 1, m.ReplicaCount())

	m.Propagate([]byte("*1\r\n$4\r\nPING\r\n"))
	assert.Equal(t, 0, m.ReplicaCount())
}

func TestUpdateReplicaOffsetFiresSatisfiedWaitTrigger(t *testing.T) {
	m := NewMaster(zap.NewNop())
	w, _ := pipeWriter(t)
	r := m.RegisterReplica(nil, w, 6380)

	wt := trigger.NewWaitTrigger(1, 50)
	m.RegisterWaitTrigger(wt)
	assert.False(t, wt.Fired())

	m.UpdateReplicaOffset(r, 50)
	assert.True(t, wt.Fired())
}
