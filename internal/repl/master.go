// Package repl implements the master and replica halves of replication:
// the replica registry and byte-offset propagation a master keeps, and
// the handshake and offset tracking a replica performs against its
// master. Frames are always propagated verbatim (the caller's raw wire
// bytes), never re-encoded, so replication offsets stay exact byte counts.
package repl

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flonle/rdis/internal/trigger"
)

// Replica is a master's view of one connected replica: its connection
// for propagation, and the offset it last acknowledged via REPLCONF ACK.
type Replica struct {
	Conn   net.Conn
	Writer *bufio.Writer
	Port   int

	offset atomic.Int64
}

func (r *Replica) Offset() int64     { return r.offset.Load() }
func (r *Replica) setOffset(n int64) { r.offset.Store(n) }

// Master tracks every replica attached to this server, the running
// master_repl_offset, and the wait triggers parked by in-flight WAIT
// commands.
type Master struct {
	ReplID string

	mu       sync.Mutex
	replicas []*Replica
	offset   int64

	// propMu is held for the whole of a Propagate call, offset bump
	// through the last replica write, so frames from overlapping commands
	// reach every replica in one global order and never interleave within
	// a single replica's byte stream.
	propMu sync.Mutex

	waitTriggers *trigger.Registry[*trigger.WaitTrigger]

	log *zap.Logger
}

// NewMaster builds a fresh master replication state with a newly
// generated 40-character replication id.
func NewMaster(log *zap.Logger) *Master {
	return &Master{
		ReplID: generateReplID(),
		waitTriggers: trigger.NewRegistry[*trigger.WaitTrigger](
			func(t *trigger.WaitTrigger) bool { return t.Fired() },
		),
		log: log,
	}
}

// generateReplID builds a 40-character alphanumeric id in the shape of
// Redis' master_replid: no library in reach emits that exact format, so
// two UUID v4s are concatenated and their hyphens stripped, then
// truncated to 40 characters.
func generateReplID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	return raw[:40]
}

func (m *Master) Offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// RegisterReplica attaches a newly PSYNC'd connection as a replica.
func (m *Master) RegisterReplica(conn net.Conn, w *bufio.Writer, port int) *Replica {
	r := &Replica{Conn: conn, Writer: w, Port: port}
	m.mu.Lock()
	m.replicas = append(m.replicas, r)
	m.mu.Unlock()
	m.log.Info("replica registered", zap.Int("port", port))
	return r
}

// Propagate writes raw to every attached replica, after first advancing
// master_repl_offset by its length — offset accounting happens before
// the write completes, matching how a WAIT racing this call must see the
// new target offset rather than the old one. A replica whose write or
// flush fails is dropped from the registry; its connection is already
// gone and replicas do not resynchronize here.
func (m *Master) Propagate(raw []byte) {
	m.propMu.Lock()
	defer m.propMu.Unlock()

	m.mu.Lock()
	m.offset += int64(len(raw))
	replicas := append([]*Replica(nil), m.replicas...)
	m.mu.Unlock()

	for _, r := range replicas {
		if _, err := r.Writer.Write(raw); err != nil {
			m.log.Warn("propagate failed, dropping replica", zap.Int("port", r.Port), zap.Error(err))
			m.remove(r)
			continue
		}
		if err := r.Writer.Flush(); err != nil {
			m.log.Warn("propagate flush failed, dropping replica", zap.Int("port", r.Port), zap.Error(err))
			m.remove(r)
		}
	}
}

func (m *Master) remove(gone *Replica) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.replicas {
		if r == gone {
			m.replicas = append(m.replicas[:i], m.replicas[i+1:]...)
			return
		}
	}
}

// UpdateReplicaOffset records a REPLCONF ACK and wakes any WAIT trigger
// that is now satisfied.
func (m *Master) UpdateReplicaOffset(r *Replica, offset int64) {
	r.setOffset(offset)
	for _, t := range m.waitTriggers.Sweep() {
		if m.CountAcksByOffset(t.MasterOffset) >= t.NumReplicas {
			t.Fire()
		}
	}
}

// CountAcksByOffset reports how many replicas have acknowledged at least offset.
func (m *Master) CountAcksByOffset(offset int64) int {
	m.mu.Lock()
	replicas := append([]*Replica(nil), m.replicas...)
	m.mu.Unlock()

	count := 0
	for _, r := range replicas {
		if r.Offset() >= offset {
			count++
		}
	}
	return count
}

// RegisterWaitTrigger parks a trigger for WAIT's slow path.
func (m *Master) RegisterWaitTrigger(t *trigger.WaitTrigger) {
	m.waitTriggers.Add(t)
}

// ReplicaCount reports how many replicas are currently attached, for INFO.
func (m *Master) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}
