// Package message defines the closed set of messages exchanged between cluster members.
//
// Every variant is a value object without mutable state after construction.
// Receivers dispatch on the concrete type; kinds they do not know decode into
// Unknown so that newer peers never break older ones.
package message

import (
	"time"

	"github.com/getpup/clustercode"
	"github.com/google/uuid"
)

// Kind is the wire tag of a message variant.
type Kind string

const (
	KindCancelTask      Kind = "cancel-task"
	KindProfileSelected Kind = "profile-selected"
	KindTaskAdded       Kind = "task-added"
	KindTaskCompleted   Kind = "task-completed"
	KindTaskState       Kind = "task-state"
)

// Message is implemented by every cluster message variant.
// The interface is sealed; only this package can add variants.
type Message interface {
	// Kind returns the wire tag of the variant.
	Kind() Kind

	// ID returns the unique message id used for duplicate suppression.
	ID() string

	isMessage()
}

// CancelTask asks the node with the given hostname to stop its running task.
type CancelTask struct {
	MessageID string `json:"id"`
	Hostname  string `json:"hostname"`
}

// NewCancelTask creates a CancelTask message for hostname.
func NewCancelTask(hostname string) CancelTask {
	return CancelTask{MessageID: uuid.New().String(), Hostname: hostname}
}

func (m CancelTask) Kind() Kind { return KindCancelTask }
func (m CancelTask) ID() string { return m.MessageID }
func (CancelTask) isMessage()   {}

// ProfileSelected reports the outcome of matching a profile against a media.
// A nil Profile means no profile matched, which is a valid terminal state.
type ProfileSelected struct {
	MessageID string               `json:"id"`
	Media     clustercode.Media    `json:"media"`
	Profile   *clustercode.Profile `json:"profile,omitempty"`
}

// NewProfileSelected creates a ProfileSelected message. Pass a nil profile for "not selected".
func NewProfileSelected(media clustercode.Media, profile *clustercode.Profile) ProfileSelected {
	return ProfileSelected{MessageID: uuid.New().String(), Media: media, Profile: profile}
}

func (m ProfileSelected) Kind() Kind { return KindProfileSelected }
func (m ProfileSelected) ID() string { return m.MessageID }
func (ProfileSelected) isMessage()   {}

// IsSelected reports whether a profile was chosen for the media.
func (m ProfileSelected) IsSelected() bool {
	return m.Profile != nil
}

// IsNotSelected reports whether no profile matched the media.
func (m ProfileSelected) IsNotSelected() bool {
	return m.Profile == nil
}

// TaskAdded announces that a node accepted a job.
type TaskAdded struct {
	MessageID string                     `json:"id"`
	Event     clustercode.TaskAddedEvent `json:"event"`
}

// NewTaskAdded wraps event into a cluster message.
func NewTaskAdded(event clustercode.TaskAddedEvent) TaskAdded {
	return TaskAdded{MessageID: uuid.New().String(), Event: event}
}

func (m TaskAdded) Kind() Kind { return KindTaskAdded }
func (m TaskAdded) ID() string { return m.MessageID }
func (TaskAdded) isMessage()   {}

// TaskCompleted announces that a job terminated.
type TaskCompleted struct {
	MessageID string                         `json:"id"`
	Event     clustercode.TaskCompletedEvent `json:"event"`
}

// NewTaskCompleted wraps event into a cluster message.
func NewTaskCompleted(event clustercode.TaskCompletedEvent) TaskCompleted {
	return TaskCompleted{MessageID: uuid.New().String(), Event: event}
}

func (m TaskCompleted) Kind() Kind { return KindTaskCompleted }
func (m TaskCompleted) ID() string { return m.MessageID }
func (TaskCompleted) isMessage()   {}

// TaskStateUpdate carries a node's own task-state entry to its peers.
// A nil Task clears the entry.
type TaskStateUpdate struct {
	MessageID   string                   `json:"id"`
	Node        clustercode.ClusterNode  `json:"node"`
	Task        *clustercode.ClusterTask `json:"task,omitempty"`
	LastUpdated time.Time                `json:"lastUpdated"`
}

// NewTaskStateUpdate creates an update for node. Pass a nil task to announce a cleared entry.
func NewTaskStateUpdate(node clustercode.ClusterNode, task *clustercode.ClusterTask, lastUpdated time.Time) TaskStateUpdate {
	return TaskStateUpdate{
		MessageID:   uuid.New().String(),
		Node:        node,
		Task:        task,
		LastUpdated: lastUpdated,
	}
}

func (m TaskStateUpdate) Kind() Kind { return KindTaskState }
func (m TaskStateUpdate) ID() string { return m.MessageID }
func (TaskStateUpdate) isMessage()   {}

// Unknown is produced when decoding a kind this version does not understand.
type Unknown struct {
	MessageID string
	Tag       Kind
}

func (m Unknown) Kind() Kind { return m.Tag }
func (m Unknown) ID() string { return m.MessageID }
func (Unknown) isMessage()   {}
