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
		fmt.Fprintln(os.Stderr, "reset:", err)
		os.Exit(1)
	}
}

// run drops every table and recreates the empty schema.
func run() error {
	cfg, err := config.LoadSchema()
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Log, "reset")
	if err != nil {
		return err
	}
	defer closeLog()

	session, err := db.NewSession(cfg.Scylla.Hosts, cfg.Scylla.Keyspace, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	logger.Info("dropping tables", "keyspace", cfg.Scylla.Keyspace)
	if err := db.DropAll(session); err != nil {
		return err
	}
	return db.Migrate(session, logger)
}
