// Package server wires the RESP connection loop to the rest of the
// database: command dispatch, replication, and blocking reads.
package server

import (
	"go.uber.org/zap"

	"github.com/flonle/rdis/internal/config"
	"github.com/flonle/rdis/internal/repl"
	"github.com/flonle/rdis/internal/store"
	"github.com/flonle/rdis/internal/streams"
	"github.com/flonle/rdis/internal/trigger"
)

// Database owns every piece of shared state a connection's commands can
// touch. All of it is safe for concurrent use from the per-connection
// goroutines that drive Session.Serve.
type Database struct {
	Config config.Config
	Store  *store.Store
	Stream *streams.KeySpace
	Log    *zap.Logger

	Master      *repl.Master      // nil on a replica
	Replication *repl.Replication // nil on a master
	StreamConds *trigger.Registry[*trigger.StreamTrigger]
}

func NewDatabase(cfg config.Config, log *zap.Logger) *Database {
	return &Database{
		Config: cfg,
		Store:  store.New(nil),
		Stream: streams.NewKeySpace(),
		Log:    log,
		StreamConds: trigger.NewRegistry[*trigger.StreamTrigger](
			func(t *trigger.StreamTrigger) bool { return t.Fired() },
		),
	}
}

func (db *Database) Role() config.Role { return db.Config.Role() }

// CheckStreamTriggers wakes every blocked XREAD whose condition is
// satisfied by the entry that was just appended at id.
func (db *Database) CheckStreamTriggers(key string, id streams.Key) {
	for _, t := range db.StreamConds.Sweep() {
		for _, cond := range t.Conditions {
			if cond.Key != key {
				continue
			}
			after, err := streams.ParseKey(cond.AfterID, streams.Key{}, false)
			if err == nil && id.GreaterThan(after) {
				t.Fire()
				break
			}
		}
	}
}
