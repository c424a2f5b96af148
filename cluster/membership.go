// Package cluster attaches a node to a gossip group and exchanges typed messages with its members.
package cluster

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/message"
	"github.com/getpup/clustercode/metrics"
	"github.com/hashicorp/memberlist"
)

// Handler receives cluster events on the membership's delivery goroutine.
// Events are delivered one at a time in arrival order; handlers must return quickly.
type Handler interface {
	// OnMessage is called for every message received from a member, including this node.
	OnMessage(ctx context.Context, sender clustercode.ClusterNode, msg message.Message)

	// OnViewChange is called with the current members whenever a node joins or leaves.
	OnViewChange(ctx context.Context, members []clustercode.ClusterNode)
}

// Config configures the cluster membership.
type Config struct {
	// GroupName isolates clusters sharing a network (default: "clustercode").
	GroupName string

	// BindAddress is the address to listen on.
	// Empty means all interfaces, IPv4 or IPv6 depending on PreferIPv4.
	BindAddress string

	// BindPort is the gossip port. Zero picks a free port.
	BindPort int

	// AdvertiseAddress and AdvertisePort override the address announced to peers.
	AdvertiseAddress string
	AdvertisePort    int

	// PreferIPv4 selects the IPv4 wildcard address when BindAddress is empty.
	PreferIPv4 bool

	// Hostname is the member name (default: os.Hostname()). Must be unique in the cluster.
	Hostname string

	// Seeds are host:port addresses of existing members to join.
	// Without seeds the node starts a new cluster.
	Seeds []string

	// ReceiveOwnMessages delivers broadcasts to this node's handlers too (default: true).
	ReceiveOwnMessages *bool

	// InboxSize bounds the number of undelivered events (default: 1024).
	// Events arriving while the inbox is full are dropped.
	InboxSize int

	// OutboxSize bounds the number of unsent broadcasts (default: 256).
	OutboxSize int

	// LocalState returns the message exchanged during full state sync with a peer.
	// Optional.
	LocalState func() message.Message

	// Logger is an optional logger for observability.
	Logger clustercode.Logger

	// Collector is an optional metrics collector.
	Collector *metrics.Collector
}

// Membership is this node's view of the gossip group.
type Membership struct {
	config     Config
	receiveOwn bool

	mu       sync.RWMutex
	list     *memberlist.Memberlist
	handlers []Handler

	inbox  chan event
	outbox chan []byte
	stop   chan struct{}
	wg     sync.WaitGroup

	leaveOnce sync.Once
}

// event is either a received message or a view change notification.
type event struct {
	sender clustercode.ClusterNode
	msg    message.Message
	view   bool
}

// New creates a Membership. Call Join to attach it to the group.
func New(cfg Config) *Membership {
	if cfg.GroupName == "" {
		cfg.GroupName = "clustercode"
	}
	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}
	if cfg.BindAddress == "" {
		if cfg.PreferIPv4 {
			cfg.BindAddress = "0.0.0.0"
		} else {
			cfg.BindAddress = "::"
		}
	}
	if cfg.InboxSize == 0 {
		cfg.InboxSize = 1024
	}
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = 256
	}

	receiveOwn := true
	if cfg.ReceiveOwnMessages != nil {
		receiveOwn = *cfg.ReceiveOwnMessages
	}

	return &Membership{
		config:     cfg,
		receiveOwn: receiveOwn,
		inbox:      make(chan event, cfg.InboxSize),
		outbox:     make(chan []byte, cfg.OutboxSize),
		stop:       make(chan struct{}),
	}
}

// AddHandler registers h. Handlers added after Join only see later events.
func (m *Membership) AddHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Join binds the transport and attaches this node to the group.
// A bind failure returns an error wrapping clustercode.ErrJoinFailed; the node
// must not keep running in isolation. Unreachable seeds are logged and the node
// starts as the first member.
func (m *Membership) Join(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.list != nil {
		m.mu.Unlock()
		return nil
	}

	conf := memberlist.DefaultLANConfig()
	conf.Name = m.config.Hostname
	conf.BindAddr = m.config.BindAddress
	conf.BindPort = m.config.BindPort
	conf.AdvertisePort = m.config.BindPort
	if m.config.AdvertiseAddress != "" {
		conf.AdvertiseAddr = m.config.AdvertiseAddress
	}
	if m.config.AdvertisePort != 0 {
		conf.AdvertisePort = m.config.AdvertisePort
	}
	conf.Label = m.config.GroupName
	conf.Delegate = &delegate{m: m}
	conf.Events = &delegate{m: m}
	conf.LogOutput = &logWriter{logger: m.config.Logger}

	list, err := memberlist.Create(conf)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", clustercode.ErrJoinFailed, err)
	}
	m.list = list
	m.mu.Unlock()

	m.wg.Add(2)
	go m.deliver()
	go m.send()

	if len(m.config.Seeds) > 0 {
		n, err := list.Join(m.config.Seeds)
		if err != nil {
			m.logWarn(ctx, "failed to contact seeds, starting a new cluster", "seeds", m.config.Seeds, "error", err)
		} else {
			m.logInfo(ctx, "joined cluster", "group", m.config.GroupName, "contacted", n)
		}
	}

	m.logInfo(ctx, "cluster membership started",
		"group", m.config.GroupName,
		"node", m.config.Hostname,
		"address", m.Address(),
	)
	return nil
}

// Leave announces departure, waits at most timeout for it to propagate,
// then releases the transport. Safe to call more than once.
func (m *Membership) Leave(timeout time.Duration) error {
	m.mu.RLock()
	list := m.list
	m.mu.RUnlock()

	if list == nil {
		return clustercode.ErrNotJoined
	}

	var err error
	m.leaveOnce.Do(func() {
		if leaveErr := list.Leave(timeout); leaveErr != nil {
			err = fmt.Errorf("failed to leave cluster: %w", leaveErr)
		}
		if shutdownErr := list.Shutdown(); shutdownErr != nil && err == nil {
			err = fmt.Errorf("failed to shut down transport: %w", shutdownErr)
		}
		close(m.stop)
		m.wg.Wait()
	})
	return err
}

// Broadcast sends msg to every current member. Sending is asynchronous and best
// effort: failures are logged and counted, never returned.
// The local node receives its own broadcast unless ReceiveOwnMessages is false.
func (m *Membership) Broadcast(ctx context.Context, msg message.Message) {
	m.mu.RLock()
	list := m.list
	m.mu.RUnlock()

	if list == nil {
		m.logWarn(ctx, "dropping broadcast", "kind", msg.Kind(), "error", clustercode.ErrNotJoined)
		return
	}

	data, err := message.Encode(m.config.GroupName, m.config.Hostname, msg)
	if err != nil {
		m.logError(ctx, "failed to encode broadcast", "kind", msg.Kind(), "error", err)
		return
	}

	if m.receiveOwn {
		m.enqueue(event{sender: m.LocalNode(), msg: msg})
	}

	select {
	case m.outbox <- data:
	default:
		m.logWarn(ctx, "outbox full, dropping broadcast", "kind", msg.Kind())
		if m.config.Collector != nil {
			m.config.Collector.IncBroadcastFailures()
		}
	}
}

// Members returns the names of the current members, sorted.
func (m *Membership) Members() []clustercode.ClusterNode {
	m.mu.RLock()
	list := m.list
	m.mu.RUnlock()

	if list == nil {
		return nil
	}

	nodes := list.Members()
	members := make([]clustercode.ClusterNode, 0, len(nodes))
	for _, n := range nodes {
		members = append(members, clustercode.ClusterNode(n.Name))
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

// LocalNode returns this node's member name.
func (m *Membership) LocalNode() clustercode.ClusterNode {
	return clustercode.ClusterNode(m.config.Hostname)
}

// Address returns the host:port peers use to reach this node, or "" before Join.
func (m *Membership) Address() string {
	m.mu.RLock()
	list := m.list
	m.mu.RUnlock()

	if list == nil {
		return ""
	}
	node := list.LocalNode()
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
}

// receive decodes a frame from the transport and queues it for delivery.
func (m *Membership) receive(data []byte) {
	ctx := context.Background()

	env, msg, err := message.Decode(m.config.GroupName, data)
	if err != nil {
		reason := "malformed"
		if env.Group != "" && env.Group != m.config.GroupName {
			reason = "foreign_group"
		}
		m.logWarn(ctx, "dropping cluster message", "sender", env.Sender, "reason", reason, "error", err)
		if m.config.Collector != nil {
			m.config.Collector.IncClusterMessagesDropped(reason)
		}
		return
	}

	if env.Sender == m.config.Hostname && !m.receiveOwn {
		return
	}
	m.enqueue(event{sender: clustercode.ClusterNode(env.Sender), msg: msg})
}

// enqueue never blocks; a full inbox drops the event.
func (m *Membership) enqueue(ev event) {
	select {
	case m.inbox <- ev:
	default:
		m.logWarn(context.Background(), "inbox full, dropping cluster event", "sender", ev.sender, "view", ev.view)
		if m.config.Collector != nil {
			m.config.Collector.IncClusterMessagesDropped("inbox_full")
		}
	}
}

// deliver runs handlers for queued events until Leave.
func (m *Membership) deliver() {
	defer m.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.inbox:
			m.mu.RLock()
			handlers := append([]Handler(nil), m.handlers...)
			m.mu.RUnlock()

			if ev.view {
				members := m.Members()
				if m.config.Collector != nil {
					m.config.Collector.SetClusterMembers(len(members))
				}
				m.logInfo(ctx, "cluster view changed", "members", members)
				for _, h := range handlers {
					h.OnViewChange(ctx, members)
				}
				continue
			}

			for _, h := range handlers {
				h.OnMessage(ctx, ev.sender, ev.msg)
			}
		}
	}
}

// send writes queued broadcasts to every other member until Leave.
func (m *Membership) send() {
	defer m.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-m.stop:
			return
		case data := <-m.outbox:
			for _, node := range m.list.Members() {
				if node.Name == m.config.Hostname {
					continue
				}
				if err := m.list.SendReliable(node, data); err != nil {
					m.logWarn(ctx, "failed to send cluster message", "to", node.Name, "error", err)
					if m.config.Collector != nil {
						m.config.Collector.IncBroadcastFailures()
					}
				}
			}
		}
	}
}

func (m *Membership) logInfo(ctx context.Context, msg string, keyvals ...interface{}) {
	if m.config.Logger != nil {
		m.config.Logger.Info(ctx, msg, keyvals...)
	}
}

func (m *Membership) logWarn(ctx context.Context, msg string, keyvals ...interface{}) {
	if m.config.Logger != nil {
		m.config.Logger.Warn(ctx, msg, keyvals...)
	}
}

func (m *Membership) logError(ctx context.Context, msg string, keyvals ...interface{}) {
	if m.config.Logger != nil {
		m.config.Logger.Error(ctx, msg, keyvals...)
	}
}
