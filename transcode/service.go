// Package transcode runs a single transcoding job through an external transcoder
// and exposes its live progress.
package transcode

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getpup/clustercode"
	"github.com/getpup/clustercode/metrics"
	"github.com/getpup/clustercode/process"
)

// Settings describe the local transcoder installation.
type Settings struct {
	// Executable is the transcoder binary (default: "ffmpeg").
	Executable string

	// TempDir receives the output files (default: os.TempDir()).
	TempDir string

	// IORedirected makes the transcoder write to the node's own stdout and stderr.
	// No progress is available in that mode.
	IORedirected bool

	// DefaultExtension is used when the profile does not name one (default: ".mkv").
	DefaultExtension string

	// Transcoder is the backend, which decides how output is parsed (default: ffmpeg).
	Transcoder clustercode.Transcoder
}

// Config configures the Service.
type Config struct {
	Settings Settings

	// Logger is an optional logger for observability.
	Logger clustercode.Logger

	// Collector is an optional metrics collector.
	Collector *metrics.Collector
}

// Service runs transcoding tasks, one at a time.
type Service struct {
	config Config

	mu      sync.Mutex
	current *run
}

// run is the state of the task currently being transcoded.
type run struct {
	supervisor *process.Supervisor
	parser     ProgressParser
	cancelled  atomic.Bool
}

// Compile-time check that Service implements Runner.
var _ Runner = (*Service)(nil)

// New creates a new Service with the given configuration.
func New(cfg Config) *Service {
	if cfg.Settings.Executable == "" {
		cfg.Settings.Executable = "ffmpeg"
	}
	if cfg.Settings.TempDir == "" {
		cfg.Settings.TempDir = os.TempDir()
	}
	if cfg.Settings.DefaultExtension == "" {
		cfg.Settings.DefaultExtension = ".mkv"
	}
	if cfg.Settings.Transcoder == "" {
		cfg.Settings.Transcoder = clustercode.TranscoderFFmpeg
	}

	return &Service{config: cfg}
}

// Transcode runs task and blocks until the transcoder exits or ctx is cancelled.
// Cancelling ctx kills the transcoder and reports the result as cancelled.
// The result is failed unless the process exited with code 0. Partial output is
// left in place.
func (s *Service) Transcode(ctx context.Context, task clustercode.TranscodeTask) clustercode.TranscodeResult {
	started := time.Now()
	output := s.OutputPath(task)
	result := clustercode.TranscodeResult{Task: task, OutputPath: output}

	parser := NewProgressParser(s.config.Settings.Transcoder)
	procCfg := process.Config{
		Executable: s.config.Settings.Executable,
		Args:       task.Profile.Render(task.Media.SourcePath, output),
		WorkingDir: task.WorkingDir,
		RedirectIO: s.config.Settings.IORedirected,
		Logger:     s.config.Logger,
	}
	if s.config.Settings.Transcoder == clustercode.TranscoderHandBrake {
		procCfg.StdoutParser = parser
	} else {
		procCfg.StderrParser = parser
	}

	supervisor, err := process.New(procCfg)
	if err != nil {
		s.logError(ctx, "failed to configure transcoder", "error", err)
		return result
	}

	r := &run{supervisor: supervisor, parser: parser}
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		s.logError(ctx, "refusing to transcode", "source", task.Media.SourcePath, "error", clustercode.ErrBusy)
		return result
	}
	s.current = r
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		if s.config.Collector != nil {
			s.config.Collector.SetTranscodeProgress(-1)
		}
	}()

	s.logInfo(ctx, "transcoding started", "source", task.Media.SourcePath, "profile", task.Profile.Name, "output", output)

	code, ok := supervisor.Start(ctx)

	result.ExitCode = code
	result.HasExitCode = ok
	result.Cancelled = r.cancelled.Load() || (!ok && ctx.Err() != nil)
	result.Succeeded = ok && code == 0 && !result.Cancelled
	result.Duration = time.Since(started)

	if s.config.Collector != nil {
		s.config.Collector.ObserveTranscodeDuration(result.Duration)
	}

	if result.Succeeded {
		s.logInfo(ctx, "transcoding finished", "source", task.Media.SourcePath, "output", output, "duration", result.Duration)
	} else {
		s.logWarn(ctx, "transcoding failed", "source", task.Media.SourcePath, "exitCode", code, "hasExitCode", ok, "cancelled", result.Cancelled)
	}

	return result
}

// TranscodeAsync runs Transcode on a new goroutine and passes the result to listener.
func (s *Service) TranscodeAsync(ctx context.Context, task clustercode.TranscodeTask, listener func(clustercode.TranscodeResult)) {
	go func() {
		result := s.Transcode(ctx, task)
		if listener != nil {
			listener(result)
		}
	}()
}

// Progress returns the live snapshot of the running task, or the inactive sentinel.
func (s *Service) Progress() clustercode.TranscodeProgress {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()

	if r == nil {
		return clustercode.InactiveProgress()
	}
	return r.parser.Progress()
}

// Transcoder reports the configured backend.
func (s *Service) Transcoder() clustercode.Transcoder {
	return s.config.Settings.Transcoder
}

// Running reports whether a task is in progress.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Cancel kills the running transcoder and waits for it to terminate.
// Returns false without doing anything if no task is running.
func (s *Service) Cancel(ctx context.Context) bool {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()

	if r == nil {
		s.logDebug(ctx, "no running transcoding to cancel")
		return false
	}

	r.cancelled.Store(true)
	if s.config.Collector != nil {
		s.config.Collector.IncProcessKills()
	}
	if err := r.supervisor.AwaitDestruction(ctx); err != nil {
		s.logWarn(ctx, "interrupted while cancelling transcoding", "error", err)
	}
	return true
}

// OutputPath returns the file the transcoder writes for task: the source base name
// with the profile extension (or the default one) inside the temp dir.
func (s *Service) OutputPath(task clustercode.TranscodeTask) string {
	ext := task.Profile.Extension
	if ext == "" {
		ext = s.config.Settings.DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	base := filepath.Base(task.Media.SourcePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(s.config.Settings.TempDir, base+ext)
}

func (s *Service) logDebug(ctx context.Context, msg string, keyvals ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, msg, keyvals...)
	}
}

func (s *Service) logInfo(ctx context.Context, msg string, keyvals ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, msg, keyvals...)
	}
}

func (s *Service) logWarn(ctx context.Context, msg string, keyvals ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Warn(ctx, msg, keyvals...)
	}
}

func (s *Service) logError(ctx context.Context, msg string, keyvals ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Error(ctx, msg, keyvals...)
	}
}
