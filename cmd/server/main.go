// Command server boots the database: parse flags into a config.Config,
// build a zap logger, and hand both to server.New. Flag parsing and
// process lifetime are this binary's whole job; everything else lives
// in internal/.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flonle/rdis/internal/config"
	"github.com/flonle/rdis/internal/server"
)

func main() {
	var (
		dir        = flag.String("dir", "", "directory containing the RDB snapshot")
		dbfilename = flag.String("dbfilename", "", "RDB snapshot filename")
		port       = flag.Int("port", config.DefaultPort, "listening port")
		replicaof  = flag.String("replicaof", "", `master to replicate from, as "<host> <port>"`)
	)
	flag.Parse()

	cfg := config.Config{Dir: *dir, DBFilename: *dbfilename, Port: *port}
	if *replicaof != "" {
		target, err := config.ParseReplicaOf(*replicaof)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg.ReplicaOf = target
	}

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("rdis").With(zap.Int("port", cfg.Port), zap.String("role", string(cfg.Role())))

	if err := server.New(cfg, log).Start(); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}
