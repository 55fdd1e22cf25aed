package main

import (
	"fmt"
	"os"

	"github.com/mahaj/mingle-realtime/pkg/config"
	"github.com/mahaj/mingle-realtime/pkg/db"
	"github.com/mahaj/mingle-realtime/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadSchema()
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Log, "migrate")
	if err != nil {
		return err
	}
	defer closeLog()

	sys, err := db.NewSession(cfg.Scylla.Hosts, "system", logger)
	if err != nil {
		return err
	}
	err = db.CreateKeyspace(sys, cfg.Scylla.Keyspace, cfg.Replication)
	sys.Close()
	if err != nil {
		return err
	}

	session, err := db.NewSession(cfg.Scylla.Hosts, cfg.Scylla.Keyspace, logger)
	if err != nil {
		return err
	}
	defer session.Close()
	return db.Migrate(session, logger)
}
