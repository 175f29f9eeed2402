package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/flonle/rdis/internal/repl"
	"github.com/flonle/rdis/internal/resp"
)

// Session drives one client connection's command loop: read bytes,
// decode whatever complete frames they contain, dispatch each, and
// carry any trailing partial frame forward to the next read.
type Session struct {
	conn net.Conn
	db   *Database
	log  *zap.Logger

	// reader is where Serve pulls bytes from. Normally the conn itself;
	// the master link instead reads through the handshake's buffered
	// reader, so propagated commands the kernel coalesced in behind the
	// RDB payload are not stranded in that buffer.
	reader io.Reader
	writer *bufio.Writer
	enc    resp.Encoder

	// listeningPort is set by REPLCONF listening-port ahead of PSYNC, so
	// that PSYNC can register the replica under the port it actually
	// listens on rather than its ephemeral outbound port.
	listeningPort int

	// replica is set once this connection issues PSYNC and becomes a
	// propagation target; REPLCONF ACK on this connection updates it.
	replica *repl.Replica

	// isMasterLink is true only for the single outbound connection a
	// replica opens to its own master (server.go's bootstrapReplica).
	// slave_repl_offset must advance only for frames arriving on that
	// link, never for frames an ordinary client sends this replica's
	// listener, which accepts plain client connections the same way.
	isMasterLink bool
}

func NewSession(conn net.Conn, db *Database) *Session {
	return &Session{
		conn:   conn,
		db:     db,
		log:    db.Log.With(zap.String("remote", conn.RemoteAddr().String())),
		reader: conn,
		writer: bufio.NewWriter(conn),
	}
}

// NewMasterLinkSession wraps the replica's own connection to its master,
// the one session whose dispatched frames count toward slave_repl_offset.
// It reads through the handshake's buffered reader rather than the raw
// conn, picking up any propagated commands already sitting behind the
// RDB payload.
func NewMasterLinkSession(r *repl.Replication, db *Database) *Session {
	s := NewSession(r.Conn, db)
	s.reader = r.Reader
	s.isMasterLink = true
	return s
}

// Serve reads and dispatches commands until the connection closes.
func (s *Session) Serve() {
	defer s.conn.Close()

	pending := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := s.reader.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			frames, rest, decErr := resp.Decode(pending)
			if decErr != nil {
				s.log.Warn("malformed frame", zap.Error(decErr))
				s.writer.Write(resp.EncodeError("ERR", "Protocol error"))
				s.writer.Flush()
				return
			}
			for _, f := range frames {
				if f.Kind != resp.FrameCommand {
					continue
				}
				s.dispatch(f)
			}
			pending = append(pending[:0], rest...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *Session) dispatch(f resp.Frame) {
	if len(f.Command) == 0 {
		return
	}
	name := strings.ToUpper(f.Command[0])
	s.log.Debug("received command", zap.String("name", name))

	handler, ok := commandTable[name]
	if !ok {
		s.writeReply(resp.EncodeUnknownCommand(f.Command))
		return
	}
	handler(s, f)

	if s.isMasterLink {
		s.db.Replication.IncOffset(len(f.Raw))
	}
}

// writeReply sends a reply, unless this session is the master link:
// commands the master forwards execute silently, so an ordinary reply
// must never leak back onto the replication stream.
func (s *Session) writeReply(b []byte) {
	if len(b) == 0 || s.isMasterLink {
		return
	}
	s.writer.Write(b)
	s.writer.Flush()
}

// writeRaw bypasses the master-link silence rule; REPLCONF GETACK's ACK
// is the one reply a replica sends back up its master link.
func (s *Session) writeRaw(b []byte) {
	s.writer.Write(b)
	s.writer.Flush()
}
