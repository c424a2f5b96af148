package clustercode

import "errors"

var (
	// ErrNotJoined indicates an operation requires cluster membership but the node has not joined.
	ErrNotJoined = errors.New("node has not joined the cluster")

	// ErrJoinFailed indicates the node could not bind or join the cluster.
	// A node that cannot join must not keep running in isolation.
	ErrJoinFailed = errors.New("failed to join cluster")

	// ErrAlreadyQueued indicates the media is already owned by a node in the cluster.
	ErrAlreadyQueued = errors.New("media already queued in cluster")

	// ErrBusy indicates the local node already runs a task.
	ErrBusy = errors.New("node is busy with another task")
)
