package transcode

import (
	"context"

	"github.com/getpup/clustercode"
)

// Runner runs transcoding tasks one at a time.
// This interface allows for mock implementations in tests.
type Runner interface {
	// Transcode runs task and blocks until the process exits.
	Transcode(ctx context.Context, task clustercode.TranscodeTask) clustercode.TranscodeResult

	// TranscodeAsync runs task in the background and passes the result to listener.
	TranscodeAsync(ctx context.Context, task clustercode.TranscodeTask, listener func(clustercode.TranscodeResult))

	// Progress returns the live snapshot, or the inactive sentinel when idle.
	Progress() clustercode.TranscodeProgress

	// Transcoder reports the configured backend.
	Transcoder() clustercode.Transcoder

	// Cancel terminates the running process. Returns false if nothing was running.
	Cancel(ctx context.Context) bool

	// Running reports whether a task is in progress.
	Running() bool
}
