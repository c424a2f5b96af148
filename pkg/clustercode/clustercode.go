// Package clustercode is the public entry point for running a transcoding cluster node.
package clustercode

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	rootpkg "github.com/getpup/clustercode"
	"github.com/getpup/clustercode/bus"
	"github.com/getpup/clustercode/bus/sqlbus"
	"github.com/getpup/clustercode/cluster"
	"github.com/getpup/clustercode/node"
	"github.com/getpup/clustercode/transcode"
)

// Re-export core types from root package
type (
	// Media is a source file to transcode.
	Media = rootpkg.Media

	// Profile describes how a media file is transcoded.
	Profile = rootpkg.Profile

	// ClusterTask is the replicated record of a job owned by a node.
	ClusterTask = rootpkg.ClusterTask

	// TranscodeTask is the input of a single transcoding run.
	TranscodeTask = rootpkg.TranscodeTask

	// TranscodeResult is the outcome of a transcoding run.
	TranscodeResult = rootpkg.TranscodeResult

	// TaskCompletedEvent is published when a node finishes a job.
	TaskCompletedEvent = rootpkg.TaskCompletedEvent

	// Node is a running cluster member.
	Node = node.Node
)

// Errors returned by Node.Process.
var (
	ErrAlreadyQueued = rootpkg.ErrAlreadyQueued
	ErrBusy          = rootpkg.ErrBusy
)

// Option configures a Node.
type Option func(*config)

// config holds the internal configuration for creating a Node.
type config struct {
	cluster           cluster.Config
	runner            transcode.Runner
	transcodeSettings transcode.Settings
	gateway           bus.Gateway
	db                *sql.DB
	dialect           string
	table             string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	onTaskCompleted   bus.TaskCompletedHandler
	metricsAddr       string
	metricsEnabled    *bool
	logger            rootpkg.Logger
}

// New creates a new Node with the given options.
//
// Optional configuration (with defaults):
//   - WithHostname: member name (default: OS hostname)
//   - WithGroupName: cluster name (default: "clustercode")
//   - WithBindAddress, WithBindPort: gossip listener (default: all interfaces, port chosen by the OS)
//   - WithSeeds: existing members to join (default: none, start a new cluster)
//   - WithTranscoder: settings of the ffmpeg or HandBrake runner (default: ffmpeg)
//   - WithRunner: custom runner, overrides WithTranscoder
//   - WithDatabase: SQL outbox bus (default: in-memory bus)
//   - WithGateway: custom bus gateway, overrides WithDatabase
//   - WithHeartbeatInterval: interval between state re-announcements (default: 5s)
//   - WithTaskCompletedHandler: consumer of completion events from the bus
//   - WithMetricsAddr: address of the /metrics endpoint (default: disabled)
//   - WithMetricsEnabled: enable Prometheus metrics (default: true)
//   - WithLogger: logger for observability (default: nil)
//
// Example:
//
//	n, err := clustercode.New(
//	    clustercode.WithHostname("worker-1"),
//	    clustercode.WithSeeds("10.0.0.2:7946"),
//	    clustercode.WithDatabase(db, "postgres"),
//	)
func New(opts ...Option) (*Node, error) {
	cfg := &config{
		heartbeatInterval: 5 * time.Second,
		pollInterval:      1 * time.Second,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.runner == nil {
		cfg.runner = transcode.New(transcode.Config{
			Settings: cfg.transcodeSettings,
			Logger:   cfg.logger,
		})
	}

	if cfg.gateway == nil && cfg.db != nil {
		gateway, err := sqlbus.New(sqlbus.Config{
			DB:           cfg.db,
			Dialect:      cfg.dialect,
			Table:        cfg.table,
			PollInterval: cfg.pollInterval,
			Logger:       cfg.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bus gateway: %w", err)
		}
		cfg.gateway = gateway
	}

	return node.New(node.Config{
		Cluster:           cfg.cluster,
		Runner:            cfg.runner,
		Gateway:           cfg.gateway,
		OnTaskCompleted:   cfg.onTaskCompleted,
		HeartbeatInterval: cfg.heartbeatInterval,
		MetricsAddr:       cfg.metricsAddr,
		MetricsEnabled:    cfg.metricsEnabled,
		Logger:            cfg.logger,
	})
}

// WithHostname sets the member name. It must be unique in the cluster.
func WithHostname(hostname string) Option {
	return func(c *config) {
		c.cluster.Hostname = hostname
	}
}

// WithGroupName sets the cluster name. Nodes only talk to members of the same group.
func WithGroupName(name string) Option {
	return func(c *config) {
		c.cluster.GroupName = name
	}
}

// WithBindAddress sets the gossip listen address.
func WithBindAddress(address string) Option {
	return func(c *config) {
		c.cluster.BindAddress = address
	}
}

// WithBindPort sets the gossip port.
func WithBindPort(port int) Option {
	return func(c *config) {
		c.cluster.BindPort = port
	}
}

// WithAdvertiseAddress sets the address announced to peers, for NAT or containers.
func WithAdvertiseAddress(address string) Option {
	return func(c *config) {
		c.cluster.AdvertiseAddress = address
	}
}

// WithPreferIPv4 selects the IPv4 wildcard address when no bind address is set.
func WithPreferIPv4(prefer bool) Option {
	return func(c *config) {
		c.cluster.PreferIPv4 = prefer
	}
}

// WithSeeds sets host:port addresses of existing members to join.
func WithSeeds(seeds ...string) Option {
	return func(c *config) {
		c.cluster.Seeds = seeds
	}
}

// WithTranscoder configures the built-in transcoding runner.
func WithTranscoder(settings transcode.Settings) Option {
	return func(c *config) {
		c.transcodeSettings = settings
	}
}

// WithRunner sets a custom runner.
// Use this if you want to provide your own implementation of transcode.Runner.
func WithRunner(runner transcode.Runner) Option {
	return func(c *config) {
		c.runner = runner
	}
}

// WithDatabase publishes job events to an SQL outbox table.
// dialect is "postgres", "mysql" or "sqlite3". Run RunMigrations first.
func WithDatabase(db *sql.DB, dialect string) Option {
	return func(c *config) {
		c.db = db
		c.dialect = dialect
	}
}

// WithTableName sets a custom outbox table name for WithDatabase.
func WithTableName(table string) Option {
	return func(c *config) {
		c.table = table
	}
}

// WithPollInterval sets how often the SQL outbox is polled for completion events.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) {
		c.pollInterval = interval
	}
}

// WithGateway sets a custom bus gateway.
// Use this if you want to provide your own implementation of bus.Gateway.
func WithGateway(gateway bus.Gateway) Option {
	return func(c *config) {
		c.gateway = gateway
	}
}

// WithHeartbeatInterval sets the interval between re-announcements of the local task.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *config) {
		c.heartbeatInterval = interval
	}
}

// WithTaskCompletedHandler sets the consumer of completion events from the bus.
// Returning an error causes the event to be redelivered.
func WithTaskCompletedHandler(handler func(ctx context.Context, event TaskCompletedEvent) error) Option {
	return func(c *config) {
		c.onTaskCompleted = handler
	}
}

// WithMetricsAddr serves /metrics and /healthz on addr, e.g. ":9090".
func WithMetricsAddr(addr string) Option {
	return func(c *config) {
		c.metricsAddr = addr
	}
}

// WithLogger sets the logger for observability.
func WithLogger(logger rootpkg.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetricsEnabled enables or disables Prometheus metrics collection.
func WithMetricsEnabled(enabled bool) Option {
	return func(c *config) {
		c.metricsEnabled = &enabled
	}
}

// RunMigrations creates the outbox table used by WithDatabase.
// This should typically be run once during application deployment or startup.
// An empty table selects the default name.
func RunMigrations(ctx context.Context, db *sql.DB, dialect, table string) error {
	gateway, err := sqlbus.New(sqlbus.Config{DB: db, Dialect: dialect, Table: table})
	if err != nil {
		return err
	}
	if err := gateway.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to execute migrations: %w", err)
	}
	return nil
}
