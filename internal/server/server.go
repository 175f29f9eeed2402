package server

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/flonle/rdis/internal/config"
	"github.com/flonle/rdis/internal/rdb"
	"github.com/flonle/rdis/internal/repl"
	"github.com/flonle/rdis/internal/store"
)

// Server owns the listening socket and the shared Database every
// accepted connection's Session dispatches against.
type Server struct {
	db       *Database
	listener net.Listener
	quitch   chan os.Signal
	wg       sync.WaitGroup
}

func New(cfg config.Config, log *zap.Logger) *Server {
	return &Server{
		db:     NewDatabase(cfg, log),
		quitch: make(chan os.Signal, 1),
	}
}

// Start binds the listening port, boots this server's role (loading any
// on-disk snapshot as a master, or handshaking and pulling the initial
// snapshot from a master as a replica), then serves connections until
// SIGINT/SIGTERM.
func (s *Server) Start() error {
	if err := s.bootstrap(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.db.Config.Port))
	if err != nil {
		return fmt.Errorf("server: binding port %d: %w", s.db.Config.Port, err)
	}
	s.listener = listener
	defer listener.Close()

	go s.serve()
	signal.Notify(s.quitch, syscall.SIGINT, syscall.SIGTERM)

	<-s.quitch
	s.db.Log.Info("shutting down")
	s.listener.Close()
	s.wg.Wait()
	return nil
}

func (s *Server) bootstrap() error {
	if s.db.Config.Role() == config.RoleReplica {
		return s.bootstrapReplica()
	}
	return s.bootstrapMaster()
}

func (s *Server) bootstrapMaster() error {
	if err := rdb.Load(s.db.Config.Dir, s.db.Config.DBFilename, s.db.Store, s.db.Log); err != nil {
		// A snapshot that does not parse is abandoned, not fatal: the
		// server comes up with an empty store instead.
		s.db.Log.Warn("rdb snapshot did not load, starting empty", zap.Error(err))
		s.db.Store = store.New(nil)
	}
	s.db.Master = repl.NewMaster(s.db.Log)
	return nil
}

// bootstrapReplica dials the configured master, completes the PSYNC
// handshake, loads the inline RDB payload it returns, then spawns a
// session over that same connection to keep receiving propagated
// commands for the life of the process.
func (s *Server) bootstrapReplica() error {
	target := s.db.Config.ReplicaOf
	replication, rdbBlob, err := repl.Handshake(target.Host, target.Port, s.db.Config.Port, s.db.Log)
	if err != nil {
		return fmt.Errorf("server: replication handshake: %w", err)
	}
	s.db.Replication = replication

	if err := rdb.LoadBytesInto(bufio.NewReader(bytes.NewReader(rdbBlob)), s.db.Store, s.db.Log); err != nil {
		s.db.Log.Warn("rdb payload did not parse as a full snapshot", zap.Error(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		NewMasterLinkSession(replication, s.db).Serve()
	}()
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quitch:
				return
			default:
			}
			s.db.Log.Debug("accept error", zap.Error(err))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s.db).Serve()
		}()
	}
}

// Addr reports the bound listener address, mainly useful for tests that
// bind an ephemeral port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
