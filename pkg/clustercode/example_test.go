package clustercode_test

import (
	"context"
	"log"
	"time"

	"github.com/getpup/clustercode/pkg/clustercode"
	"github.com/getpup/clustercode/transcode"
)

// Example_basic demonstrates running a single node that transcodes one file.
func Example_basic() {
	n, err := clustercode.New(
		clustercode.WithHostname("worker-1"),
		clustercode.WithBindAddress("127.0.0.1"),
		clustercode.WithTranscoder(transcode.Settings{Executable: "ffmpeg", TempDir: "/tmp/clustercode"}),
	)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	go func() {
		media := clustercode.Media{SourcePath: "/media/movie.mkv"}
		profile := clustercode.Profile{Name: "h264", Arguments: []string{"-i", "${INPUT}", "-c:v", "libx264", "${OUTPUT}"}}
		if _, err := n.Process(ctx, media, profile); err != nil {
			log.Printf("Process error: %v", err)
		}
	}()

	// Run blocks until the context is done
	if err := n.Run(ctx); err != nil && err != context.DeadlineExceeded {
		log.Printf("Node error: %v", err)
	}
}

// Example_cluster demonstrates joining an existing cluster and cancelling a peer's task.
func Example_cluster() {
	n, err := clustercode.New(
		clustercode.WithHostname("worker-2"),
		clustercode.WithSeeds("10.0.0.1:7946"),
		clustercode.WithTaskCompletedHandler(func(_ context.Context, event clustercode.TaskCompletedEvent) error {
			log.Printf("job %s finished on %s", event.JobID, event.Node)
			return nil
		}),
	)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	go func() {
		for _, task := range n.Tasks() {
			n.CancelTask(ctx, string(task.Owner))
		}
	}()

	if err := n.Run(ctx); err != nil && err != context.DeadlineExceeded {
		log.Printf("Node error: %v", err)
	}
}
