// Package node assembles a clustercode worker: cluster membership, task-state
// replication, transcoding and the message bus.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/bus"
	"github.com/getpup/clustercode/bus/memory"
	"github.com/getpup/clustercode/cluster"
	"github.com/getpup/clustercode/coordinator"
	"github.com/getpup/clustercode/dispatch"
	"github.com/getpup/clustercode/lifecycle"
	"github.com/getpup/clustercode/message"
	"github.com/getpup/clustercode/metrics"
	"github.com/getpup/clustercode/taskstate"
	"github.com/getpup/clustercode/transcode"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for a Node.
type Config struct {
	// Cluster configures the membership. Logger, Collector and LocalState are set by the node.
	Cluster cluster.Config

	// Runner transcodes claimed media (required).
	Runner transcode.Runner

	// Gateway receives job lifecycle events (default: in-memory gateway).
	Gateway bus.Gateway

	// OnTaskCompleted handles completion events consumed from the bus.
	// A returned error causes redelivery. Default: log the event.
	OnTaskCompleted bus.TaskCompletedHandler

	// HeartbeatInterval is the interval between re-announcements of the local entry (default: 5s).
	HeartbeatInterval time.Duration

	// LeaveTimeout bounds how long leaving waits for the departure to propagate (default: 5s).
	LeaveTimeout time.Duration

	// MetricsAddr serves /metrics and /healthz when not empty.
	MetricsAddr string

	// MetricsEnabled enables Prometheus metrics collection (default: true).
	MetricsEnabled *bool

	// Logger is an optional logger for observability.
	Logger clustercode.Logger
}

// Node is a single cluster member.
type Node struct {
	config Config

	replica     *taskstate.Replica
	membership  *cluster.Membership
	dispatcher  *dispatch.Dispatcher
	coordinator *coordinator.Coordinator
	lifecycle   *lifecycle.Manager
	collector   *metrics.Collector

	mu     sync.Mutex
	active *activeRun
}

// activeRun tracks the task this node claimed, from the claim until the
// transcoder returns, so a cancellation cannot miss a transcoder still starting.
type activeRun struct {
	stop      context.CancelFunc
	cancelled bool
}

// cancelFunc adapts a function to dispatch.Canceller.
type cancelFunc func(ctx context.Context) bool

func (f cancelFunc) Cancel(ctx context.Context) bool { return f(ctx) }

// Compile-time check that Node serves the REST facade.
var _ clustercode.TaskHook = (*Node)(nil)

// New creates a Node. It does not touch the network until Run.
func New(cfg Config) (*Node, error) {
	if cfg.Runner == nil {
		return nil, errors.New("node: Runner is required")
	}
	if cfg.Cluster.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve hostname: %w", err)
		}
		cfg.Cluster.Hostname = hostname
	}
	if cfg.Gateway == nil {
		cfg.Gateway = memory.New(0)
	}
	if cfg.LeaveTimeout == 0 {
		cfg.LeaveTimeout = 5 * time.Second
	}

	var collector *metrics.Collector
	if cfg.MetricsEnabled == nil || *cfg.MetricsEnabled {
		collector = metrics.NewCollector(cfg.Cluster.Hostname)
	}

	n := &Node{
		config:    cfg,
		replica:   taskstate.New(clustercode.ClusterNode(cfg.Cluster.Hostname)),
		collector: collector,
	}

	clusterCfg := cfg.Cluster
	clusterCfg.Logger = cfg.Logger
	clusterCfg.Collector = collector
	clusterCfg.LocalState = func() message.Message { return n.coordinator.LocalState() }
	n.membership = cluster.New(clusterCfg)

	n.coordinator = coordinator.New(coordinator.Config{
		Replica:     n.replica,
		Broadcaster: n.membership,
		Gateway:     cfg.Gateway,
		Logger:      cfg.Logger,
		Collector:   collector,
	})

	n.dispatcher = dispatch.New(dispatch.Config{
		Replica:           n.replica,
		Canceller:         cancelFunc(n.cancelLocal),
		Announcer:         n.coordinator,
		OnProfileSelected: n.onProfileSelected,
		OnTaskAdded:       n.onTaskAdded,
		OnTaskCompleted:   n.onTaskCompleted,
		Logger:            cfg.Logger,
		Collector:         collector,
	})
	n.membership.AddHandler(n.dispatcher)

	n.lifecycle = lifecycle.New(lifecycle.Config{
		Replica:           n.replica,
		Announcer:         n.coordinator,
		Progress:          cfg.Runner,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            cfg.Logger,
		Collector:         collector,
	})

	return n, nil
}

// Run joins the cluster and serves until ctx is done or a component fails.
// A failed join is returned immediately. On return the node has left the
// cluster, the running transcoding is cancelled and the gateway is closed.
func (n *Node) Run(ctx context.Context) error {
	if err := n.membership.Join(ctx); err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}
	defer n.shutdown(ctx)

	// drop whatever a previous incarnation of this node announced
	n.coordinator.Reset(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(n.guard(gctx, "heartbeat", func() error {
		return n.lifecycle.StartHeartbeat(gctx)
	}))

	g.Go(n.guard(gctx, "bus consumer", func() error {
		err := n.config.Gateway.HandleTaskCompletedEvents(gctx, n.handleBusCompletion)
		if errors.Is(err, context.Canceled) || errors.Is(err, bus.ErrClosed) {
			return nil
		}
		return err
	}))

	if n.config.MetricsAddr != "" {
		server := metrics.NewServer(metrics.ServerConfig{Addr: n.config.MetricsAddr, Health: n.health})
		g.Go(n.guard(gctx, "metrics server", func() error {
			if err := server.Run(gctx); err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		}))
	}

	if n.config.Logger != nil {
		n.config.Logger.Info(ctx, "node started", "hostname", n.Hostname(), "address", n.membership.Address())
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Process claims media for this node, transcodes it and releases the claim.
// Returns clustercode.ErrAlreadyQueued if another node owns the media and
// clustercode.ErrBusy if this node is already transcoding.
func (n *Node) Process(ctx context.Context, media clustercode.Media, profile clustercode.Profile) (clustercode.TranscodeResult, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	active := &activeRun{stop: stop}
	n.mu.Lock()
	if n.active != nil {
		n.mu.Unlock()
		return clustercode.TranscodeResult{}, clustercode.ErrBusy
	}
	n.active = active
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.active = nil
		n.mu.Unlock()
	}()

	task, err := n.coordinator.Claim(ctx, media, profile)
	if err != nil {
		return clustercode.TranscodeResult{}, err
	}

	result := n.config.Runner.Transcode(runCtx, clustercode.TranscodeTask{Media: media, Profile: profile})

	n.mu.Lock()
	if active.cancelled {
		result.Cancelled = true
		result.Succeeded = false
	}
	n.mu.Unlock()

	n.coordinator.Release(ctx, task, result)
	return result, nil
}

// cancelLocal stops the task claimed by Process, whether or not its transcoder
// has started yet. Returns false if this node has nothing to cancel.
func (n *Node) cancelLocal(ctx context.Context) bool {
	n.mu.Lock()
	active := n.active
	if active != nil {
		active.cancelled = true
	}
	n.mu.Unlock()

	stopped := n.config.Runner.Cancel(ctx)
	if active == nil {
		return stopped
	}
	active.stop()
	return true
}

// Tasks returns the active tasks of every known node.
func (n *Node) Tasks() []clustercode.ClusterTask {
	return n.replica.Tasks()
}

// CancelTask asks the node with the given hostname to stop its task.
// Returns false if that node has no active task.
func (n *Node) CancelTask(ctx context.Context, hostname string) bool {
	if _, ok := n.replica.GetTask(clustercode.ClusterNode(hostname)); !ok {
		return false
	}
	n.membership.Broadcast(ctx, message.NewCancelTask(hostname))
	return true
}

// IsQueuedInCluster reports whether any node is working on media.
func (n *Node) IsQueuedInCluster(media clustercode.Media) bool {
	return n.replica.IsQueuedInCluster(media)
}

// SelectProfile tells the cluster which profile was chosen for media.
// A nil profile announces that no profile matched.
func (n *Node) SelectProfile(ctx context.Context, media clustercode.Media, profile *clustercode.Profile) {
	n.membership.Broadcast(ctx, message.NewProfileSelected(media, profile))
}

// Hostname returns this node's cluster name.
func (n *Node) Hostname() string {
	return string(n.replica.LocalNode())
}

// Members returns the current cluster members.
func (n *Node) Members() []clustercode.ClusterNode {
	return n.membership.Members()
}

// Address returns the gossip address peers can use as a seed.
func (n *Node) Address() string {
	return n.membership.Address()
}

// health reports the node unhealthy until it has joined the cluster.
func (n *Node) health() error {
	if n.membership.Address() == "" {
		return clustercode.ErrNotJoined
	}
	return nil
}

func (n *Node) shutdown(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	if n.cancelLocal(ctx) && n.config.Logger != nil {
		n.config.Logger.Info(ctx, "cancelled running transcoding on shutdown")
	}
	if err := n.membership.Leave(n.config.LeaveTimeout); err != nil && n.config.Logger != nil {
		n.config.Logger.Error(ctx, "failed to leave cluster", "error", err)
	}
	if err := n.config.Gateway.Close(); err != nil && n.config.Logger != nil {
		n.config.Logger.Error(ctx, "failed to close bus gateway", "error", err)
	}
	if n.config.Logger != nil {
		n.config.Logger.Info(ctx, "node stopped", "hostname", n.Hostname())
	}
}

// guard turns a panic in fn into an error so one failing goroutine stops the node cleanly.
func (n *Node) guard(ctx context.Context, name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", name, r)
				if n.config.Logger != nil {
					n.config.Logger.Error(ctx, "recovered from panic", "component", name, "panic", r)
				}
			}
		}()
		return fn()
	}
}

func (n *Node) handleBusCompletion(ctx context.Context, event clustercode.TaskCompletedEvent) error {
	if n.config.OnTaskCompleted != nil {
		return n.config.OnTaskCompleted(ctx, event)
	}
	if n.config.Logger != nil {
		n.config.Logger.Info(ctx, "task completed",
			"jobID", event.JobID,
			"node", event.Node,
			"source", event.Media.SourcePath,
			"succeeded", event.Succeeded)
	}
	return nil
}

func (n *Node) onProfileSelected(ctx context.Context, sender clustercode.ClusterNode, msg message.ProfileSelected) {
	if n.config.Logger == nil {
		return
	}
	if msg.IsNotSelected() {
		n.config.Logger.Debug(ctx, "no profile matched media", "sender", sender, "source", msg.Media.SourcePath)
		return
	}
	n.config.Logger.Debug(ctx, "profile selected", "sender", sender, "source", msg.Media.SourcePath, "profile", msg.Profile.Name)
}

func (n *Node) onTaskAdded(ctx context.Context, event clustercode.TaskAddedEvent) {
	if n.config.Logger != nil {
		n.config.Logger.Debug(ctx, "task added in cluster", "jobID", event.JobID, "node", event.Node)
	}
}

func (n *Node) onTaskCompleted(ctx context.Context, event clustercode.TaskCompletedEvent) {
	if n.config.Logger != nil {
		n.config.Logger.Debug(ctx, "task completed in cluster", "jobID", event.JobID, "node", event.Node, "succeeded", event.Succeeded)
	}
}
