package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/getpup/clustercode/bus"
	"github.com/getpup/clustercode/bus/memory"
	"github.com/getpup/clustercode/bus/sqlbus"
	"github.com/getpup/clustercode/cluster"
	"github.com/getpup/clustercode/config"
	"github.com/getpup/clustercode/logging"
	"github.com/getpup/clustercode/node"
	"github.com/getpup/clustercode/transcode"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger := logging.New(os.Stderr, level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// last resort for faults outside the node's own goroutines
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "uncaught fault, shutting down", "panic", r)
			os.Exit(1)
		}
	}()

	gateway, db, err := openGateway(ctx, cfg.Bus, logger)
	if err != nil {
		logger.Error(ctx, "failed to set up message bus", "driver", cfg.Bus.Driver, "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	n, err := node.New(node.Config{
		Cluster: cluster.Config{
			GroupName:        cfg.Cluster.Name,
			BindAddress:      cfg.Cluster.BindAddress,
			BindPort:         cfg.Cluster.BindPort,
			AdvertiseAddress: cfg.Cluster.AdvertiseAddress,
			PreferIPv4:       cfg.Cluster.PreferIPv4,
			Hostname:         cfg.Cluster.Hostname,
			Seeds:            cfg.Cluster.Seeds,
		},
		Runner: transcode.New(transcode.Config{
			Settings: transcode.Settings{
				Executable:       cfg.Transcode.CLI,
				TempDir:          cfg.Transcode.TempDir,
				IORedirected:     cfg.Transcode.IORedirected,
				DefaultExtension: cfg.Transcode.DefaultVideoExtension,
				Transcoder:       cfg.Transcode.Type,
			},
			Logger: logger,
		}),
		Gateway:           gateway,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		MetricsAddr:       cfg.Metrics.Addr,
		Logger:            logger,
	})
	if err != nil {
		logger.Error(ctx, "failed to create node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info(ctx, "received shutdown signal, leaving cluster")
		cancel()
	}()

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(ctx, "node stopped with error", "error", err)
		os.Exit(1)
	}
}

// openGateway builds the bus gateway for cfg.Driver. The returned DB is nil for the memory driver.
func openGateway(ctx context.Context, cfg config.BusConfig, logger *logging.Logger) (bus.Gateway, *sql.DB, error) {
	if cfg.Driver == "memory" {
		return memory.New(0), nil, nil
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Driver == sqlbus.DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	gateway, err := sqlbus.New(sqlbus.Config{
		DB:                 db,
		Dialect:            cfg.Driver,
		Table:              cfg.Table,
		TaskAddedQueue:     cfg.TaskAddedQueue,
		TaskCompletedQueue: cfg.TaskCompletedQueue,
		PollInterval:       cfg.PollInterval,
		Logger:             logger,
	})
	if err == nil {
		err = gateway.Migrate(ctx)
	}
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return gateway, db, nil
}
