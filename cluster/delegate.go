package cluster

import (
	"bytes"
	"context"

	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/message"
	"github.com/hashicorp/memberlist"
)

// delegate adapts memberlist callbacks to the membership inbox.
// memberlist invokes these on its own goroutines, some while holding internal
// locks, so every callback only enqueues.
type delegate struct {
	m *Membership
}

var (
	_ memberlist.Delegate      = (*delegate)(nil)
	_ memberlist.EventDelegate = (*delegate)(nil)
)

func (d *delegate) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg receives a frame sent with SendReliable. buf is reused by memberlist.
func (d *delegate) NotifyMsg(buf []byte) {
	d.m.receive(bytes.Clone(buf))
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState returns the frame exchanged during a full state sync.
func (d *delegate) LocalState(join bool) []byte {
	if d.m.config.LocalState == nil {
		return nil
	}
	msg := d.m.config.LocalState()
	if msg == nil {
		return nil
	}

	data, err := message.Encode(d.m.config.GroupName, d.m.config.Hostname, msg)
	if err != nil {
		d.m.logError(context.Background(), "failed to encode local state", "error", err)
		return nil
	}
	return data
}

// MergeRemoteState receives the peer's LocalState frame.
func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	d.m.receive(bytes.Clone(buf))
}

func (d *delegate) NotifyJoin(node *memberlist.Node) {
	d.m.enqueue(event{sender: clustercode.ClusterNode(node.Name), view: true})
}

func (d *delegate) NotifyLeave(node *memberlist.Node) {
	d.m.enqueue(event{sender: clustercode.ClusterNode(node.Name), view: true})
}

func (d *delegate) NotifyUpdate(node *memberlist.Node) {}
