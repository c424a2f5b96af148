// Package taskstate holds each node's view of which job every cluster member is running.
package taskstate

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/getpup/clustercode"
)

// DepartedRetention is how long the tombstone of a node that left the cluster
// is kept to reject its delayed updates.
const DepartedRetention = time.Minute

// Entry is the replicated state of a single node.
// A nil Task is a tombstone recording when the node cleared its task.
type Entry struct {
	Task        *clustercode.ClusterTask
	LastUpdated time.Time

	// departed is when Prune saw the node leave. Zero for members.
	departed time.Time
}

// Active reports whether the entry holds a task.
func (e Entry) Active() bool {
	return e.Task != nil
}

type snapshot map[clustercode.ClusterNode]Entry

// Replica is the local copy of the cluster task state.
//
// Each key has a single writer: the local node writes its own entry through
// SetTask, ClearTask and UpdateProgress; remote entries are written only by the
// message handling goroutine through Merge and Prune. Writers publish a new
// immutable snapshot with compare-and-swap, so readers never block.
type Replica struct {
	local clustercode.ClusterNode
	state atomic.Pointer[snapshot]
	now   func() time.Time
}

// New creates an empty replica owned by local.
// A freshly started node has no active task.
func New(local clustercode.ClusterNode) *Replica {
	r := &Replica{
		local: local,
		now:   time.Now,
	}
	empty := make(snapshot)
	r.state.Store(&empty)
	return r
}

// LocalNode returns the node owning this replica.
func (r *Replica) LocalNode() clustercode.ClusterNode {
	return r.local
}

// SetTask replaces the local node's task. Setting a task never stacks:
// any previous task of the local node is overwritten.
// The task's Owner and LastUpdated are set by the replica.
// Returns the entry as stored.
func (r *Replica) SetTask(task clustercode.ClusterTask) Entry {
	task.Owner = r.local
	var stored Entry
	r.write(r.local, func(current Entry, _ bool) (Entry, bool) {
		next := task
		next.LastUpdated = r.tick(current)
		stored = Entry{Task: &next, LastUpdated: next.LastUpdated}
		return stored, true
	})
	return stored
}

// ClearTask removes the local node's task, leaving a tombstone.
// Returns the entry as stored.
func (r *Replica) ClearTask() Entry {
	var stored Entry
	r.write(r.local, func(current Entry, _ bool) (Entry, bool) {
		stored = Entry{LastUpdated: r.tick(current)}
		return stored, true
	})
	return stored
}

// UpdateProgress records the progress of the local task and bumps LastUpdated.
// Returns false if the local node has no active task.
func (r *Replica) UpdateProgress(percentage float64) (Entry, bool) {
	var stored Entry
	updated := r.write(r.local, func(current Entry, ok bool) (Entry, bool) {
		if !ok || !current.Active() {
			return current, false
		}
		task := *current.Task
		task.Percentage = percentage
		task.LastUpdated = r.tick(current)
		stored = Entry{Task: &task, LastUpdated: task.LastUpdated}
		return stored, true
	})
	return stored, updated
}

// Merge applies an entry received from node.
//
// The update replaces the stored entry if it is newer. On equal timestamps a
// set wins over a clear, which makes the result independent of delivery order,
// except against the tombstone of a departed node: only a strictly newer update,
// sent after the node rejoined, replaces it.
// Updates addressed to the local node are ignored: only the owner changes its entry.
// Returns true if the replica changed.
func (r *Replica) Merge(node clustercode.ClusterNode, update Entry) bool {
	if node == r.local {
		return false
	}
	if update.Task != nil {
		task := *update.Task
		task.Owner = node
		update.Task = &task
	}
	return r.write(node, func(current Entry, ok bool) (Entry, bool) {
		if !ok {
			return update, true
		}
		if update.LastUpdated.After(current.LastUpdated) {
			return update, true
		}
		if update.LastUpdated.Equal(current.LastUpdated) {
			if !current.departed.IsZero() || (!update.Active() && current.Active()) {
				return current, false
			}
			return update, true
		}
		return current, false
	})
}

// Prune drops the tasks of nodes that are no longer members and returns those nodes.
// A departed node keeps a tombstone at its last timestamp for DepartedRetention,
// so its updates still in flight cannot bring the task back. Expired tombstones
// are removed. The local entry is always kept.
func (r *Replica) Prune(members []clustercode.ClusterNode) []clustercode.ClusterNode {
	alive := make(map[clustercode.ClusterNode]struct{}, len(members))
	for _, m := range members {
		alive[m] = struct{}{}
	}

	for {
		now := r.now()
		old := r.state.Load()
		var removed []clustercode.ClusterNode
		changed := false
		next := make(snapshot, len(*old))
		for node, entry := range *old {
			if _, ok := alive[node]; ok || node == r.local {
				if !entry.departed.IsZero() {
					entry.departed = time.Time{}
					changed = true
				}
				next[node] = entry
				continue
			}
			switch {
			case entry.departed.IsZero():
				next[node] = Entry{LastUpdated: entry.LastUpdated, departed: now}
				removed = append(removed, node)
				changed = true
			case now.Sub(entry.departed) < DepartedRetention:
				next[node] = entry
			default:
				changed = true
			}
		}
		if !changed {
			return nil
		}
		if r.state.CompareAndSwap(old, &next) {
			sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
			return removed
		}
	}
}

// GetTask returns the active task of node.
func (r *Replica) GetTask(node clustercode.ClusterNode) (clustercode.ClusterTask, bool) {
	entry, ok := (*r.state.Load())[node]
	if !ok || !entry.Active() {
		return clustercode.ClusterTask{}, false
	}
	return *entry.Task, true
}

// Entry returns the raw entry of node, including tombstones.
func (r *Replica) Entry(node clustercode.ClusterNode) (Entry, bool) {
	entry, ok := (*r.state.Load())[node]
	return entry, ok
}

// LocalEntry returns the local node's entry. The zero Entry is returned if
// the local node never had a task.
func (r *Replica) LocalEntry() Entry {
	entry, _ := r.Entry(r.local)
	return entry
}

// IsQueuedInCluster reports whether any node's active task references media.
func (r *Replica) IsQueuedInCluster(media clustercode.Media) bool {
	for _, entry := range *r.state.Load() {
		if entry.Active() && entry.Task.Source.Equal(media) {
			return true
		}
	}
	return false
}

// Tasks returns the active tasks of all known nodes ordered by
// priority (highest first), then by the date they were added.
func (r *Replica) Tasks() []clustercode.ClusterTask {
	current := *r.state.Load()
	tasks := make([]clustercode.ClusterTask, 0, len(current))
	for _, entry := range current {
		if entry.Active() {
			tasks = append(tasks, *entry.Task)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		if !tasks[i].DateAdded.Equal(tasks[j].DateAdded) {
			return tasks[i].DateAdded.Before(tasks[j].DateAdded)
		}
		return tasks[i].Owner < tasks[j].Owner
	})
	return tasks
}

// write publishes a new snapshot with node's entry replaced by the result of fn.
// fn receives the current entry and reports whether to store the returned one.
// It may run more than once if another writer wins the race.
func (r *Replica) write(node clustercode.ClusterNode, fn func(current Entry, ok bool) (Entry, bool)) bool {
	for {
		old := r.state.Load()
		current, ok := (*old)[node]
		next, changed := fn(current, ok)
		if !changed {
			return false
		}

		copied := make(snapshot, len(*old)+1)
		for k, v := range *old {
			copied[k] = v
		}
		copied[node] = next

		if r.state.CompareAndSwap(old, &copied) {
			return true
		}
	}
}

// tick returns a timestamp for a local mutation that is strictly after prev,
// so consecutive updates are never lost to clock granularity. It runs inside
// write, against the entry the mutation replaces.
func (r *Replica) tick(prev Entry) time.Time {
	now := r.now().UTC()
	if !now.After(prev.LastUpdated) {
		now = prev.LastUpdated.Add(time.Nanosecond)
	}
	return now
}
