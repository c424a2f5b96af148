package transcode

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/getpup/clustercode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes an ffmpeg-like header and one status line to stderr, then runs tail.
func fakeFFmpeg(t *testing.T, tail string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake transcoder is a shell script")
	}

	script := `#!/bin/sh
echo "  Duration: 00:00:04.00, start: 0.000000, bitrate: 1205 kb/s" 1>&2
echo "    Stream #0:0: Video: h264, yuv420p, 320x240, 25 fps, 25 tbr" 1>&2
printf 'frame=   50 fps= 25 q=28.0 size=     256kB time=00:00:02.00 bitrate=1048.6kbits/s speed=1x\r' 1>&2
for last; do :; done
` + tail + "\n"

	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testTask() clustercode.TranscodeTask {
	return clustercode.TranscodeTask{
		Media: clustercode.Media{SourcePath: "movies/movie.mp4"},
		Profile: clustercode.Profile{
			Name:      "h264",
			Extension: ".mp4",
			Arguments: []string{"-i", "${INPUT}", "-c:v", "libx264", "${OUTPUT}"},
		},
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := New(Config{})

	assert.Equal(t, "ffmpeg", s.config.Settings.Executable)
	assert.Equal(t, os.TempDir(), s.config.Settings.TempDir)
	assert.Equal(t, ".mkv", s.config.Settings.DefaultExtension)
	assert.Equal(t, clustercode.TranscoderFFmpeg, s.Transcoder())
}

func TestOutputPath(t *testing.T) {
	s := New(Config{Settings: Settings{TempDir: "/tmp/cc", DefaultExtension: "mkv"}})

	task := testTask()
	assert.Equal(t, filepath.Join("/tmp/cc", "movie.mp4"), s.OutputPath(task))

	task.Profile.Extension = ""
	assert.Equal(t, filepath.Join("/tmp/cc", "movie.mkv"), s.OutputPath(task))
}

func TestTranscode_Succeeds(t *testing.T) {
	tempDir := t.TempDir()
	s := New(Config{Settings: Settings{
		Executable: fakeFFmpeg(t, `echo done > "$last"`),
		TempDir:    tempDir,
	}})

	result := s.Transcode(context.Background(), testTask())

	assert.True(t, result.Succeeded)
	assert.True(t, result.HasExitCode)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.Cancelled)
	assert.Equal(t, filepath.Join(tempDir, "movie.mp4"), result.OutputPath)
	assert.FileExists(t, result.OutputPath, "rendered arguments end with the output path")
	assert.False(t, s.Running())
	assert.True(t, s.Progress().IsInactive(), "progress is inactive once idle")
}

func TestTranscode_NonZeroExitFails(t *testing.T) {
	s := New(Config{Settings: Settings{
		Executable: fakeFFmpeg(t, "exit 1"),
		TempDir:    t.TempDir(),
	}})

	result := s.Transcode(context.Background(), testTask())

	assert.False(t, result.Succeeded)
	assert.True(t, result.HasExitCode)
	assert.Equal(t, 1, result.ExitCode)
}

func TestTranscode_MissingExecutableFails(t *testing.T) {
	s := New(Config{Settings: Settings{
		Executable: filepath.Join(t.TempDir(), "missing"),
		TempDir:    t.TempDir(),
	}})

	result := s.Transcode(context.Background(), testTask())

	assert.False(t, result.Succeeded)
	assert.False(t, result.HasExitCode)
}

func TestTranscodeAsync_ProgressAndCancel(t *testing.T) {
	s := New(Config{Settings: Settings{
		Executable: fakeFFmpeg(t, "exec sleep 10"),
		TempDir:    t.TempDir(),
	}})
	results := make(chan clustercode.TranscodeResult, 1)

	s.TranscodeAsync(context.Background(), testTask(), func(r clustercode.TranscodeResult) {
		results <- r
	})

	require.Eventually(t, func() bool {
		return s.Progress().Percentage == 50
	}, 5*time.Second, 10*time.Millisecond)

	prog := s.Progress()
	assert.Equal(t, int64(50), prog.Frame)
	assert.Equal(t, int64(100), prog.MaxFrame)
	assert.True(t, s.Running())

	assert.True(t, s.Cancel(context.Background()))

	select {
	case r := <-results:
		assert.True(t, r.Cancelled)
		assert.False(t, r.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("transcoding not cancelled")
	}
	assert.False(t, s.Running())
	assert.True(t, s.Progress().IsInactive())
}

func TestTranscode_ContextCancelKillsTranscoder(t *testing.T) {
	s := New(Config{Settings: Settings{
		Executable: fakeFFmpeg(t, `sleep 0.5; echo done > "$last"`),
		TempDir:    t.TempDir(),
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result := s.Transcode(ctx, testTask())

	assert.True(t, result.Cancelled)
	assert.False(t, result.Succeeded)
	assert.False(t, s.Running())
	assert.False(t, s.Cancel(context.Background()), "nothing left to cancel")

	time.Sleep(time.Second)
	assert.NoFileExists(t, result.OutputPath, "the killed transcoder must not finish its work")
}

func TestCancel_WithoutRunningTask(t *testing.T) {
	s := New(Config{})

	assert.False(t, s.Cancel(context.Background()))
}

func TestTranscode_RefusesConcurrentTask(t *testing.T) {
	s := New(Config{Settings: Settings{
		Executable: fakeFFmpeg(t, "exec sleep 10"),
		TempDir:    t.TempDir(),
	}})
	done := make(chan struct{})

	s.TranscodeAsync(context.Background(), testTask(), func(clustercode.TranscodeResult) { close(done) })
	require.Eventually(t, s.Running, 5*time.Second, 10*time.Millisecond)

	second := s.Transcode(context.Background(), testTask())

	assert.False(t, second.Succeeded)
	assert.False(t, second.HasExitCode)
	assert.True(t, s.Cancel(context.Background()))
	<-done
}

func TestMockRunner(t *testing.T) {
	t.Run("blocks until cancelled", func(t *testing.T) {
		m := NewMockRunner()
		results := make(chan clustercode.TranscodeResult, 1)

		m.TranscodeAsync(context.Background(), testTask(), func(r clustercode.TranscodeResult) { results <- r })
		require.Eventually(t, m.Running, time.Second, time.Millisecond)

		assert.True(t, m.Cancel(context.Background()))
		r := <-results
		assert.True(t, r.Cancelled)
		assert.False(t, m.Cancel(context.Background()))
		assert.Equal(t, 2, m.CancelCalls)
		assert.Len(t, m.Calls(), 1)
	})

	t.Run("uses TranscodeFunc", func(t *testing.T) {
		m := NewMockRunner()
		m.TranscodeFunc = func(_ context.Context, task clustercode.TranscodeTask) clustercode.TranscodeResult {
			return clustercode.TranscodeResult{Task: task, Succeeded: true, HasExitCode: true}
		}

		r := m.Transcode(context.Background(), testTask())

		assert.True(t, r.Succeeded)
		assert.False(t, m.Running())
	})

	t.Run("returns on context cancellation", func(t *testing.T) {
		m := NewMockRunner()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		r := m.Transcode(ctx, testTask())

		assert.False(t, r.Succeeded)
		assert.False(t, r.Cancelled)
	})

	t.Run("reset", func(t *testing.T) {
		m := NewMockRunner()
		m.Cancel(context.Background())

		m.Reset()

		assert.Empty(t, m.Calls())
		assert.Equal(t, 0, m.CancelCalls)
		assert.True(t, m.Progress().IsInactive())
	})
}
