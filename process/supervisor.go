// Package process supervises a single external process.
//
// A Supervisor launches its process once, optionally captures stdout and stderr
// into line parsers, and can terminate the process forcibly on demand or after
// a delay. Every termination path releases the supervisor's background
// resources exactly once.
package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/getpup/clustercode"
)

// Config configures a Supervisor. Only Executable is required.
type Config struct {
	// Executable is the path or name of the program to run (required).
	Executable string

	// Args are the arguments passed to the program.
	Args []string

	// WorkingDir is the working directory of the process.
	// Empty means the working directory of the calling process.
	WorkingDir string

	// RedirectIO makes the process inherit stdout and stderr of the calling process.
	// Parsers are not used when RedirectIO is true.
	RedirectIO bool

	// StdoutParser receives the lines written to stdout.
	StdoutParser OutputParser

	// StderrParser receives the lines written to stderr.
	StderrParser OutputParser

	// SuppressArgsLogging keeps the argument list out of the logs.
	SuppressArgsLogging bool

	// MergeStderr writes stderr into the stdout pipe so only one reader is needed.
	// The merged stream goes to StdoutParser, or StderrParser if StdoutParser is nil.
	// Always enabled on Windows.
	MergeStderr bool

	// KillTimeout bounds how long Start waits for the process to terminate
	// after ctx was cancelled (default: 5s).
	KillTimeout time.Duration

	// Logger is an optional logger for observability.
	Logger clustercode.Logger
}

// Supervisor manages the lifecycle of exactly one external process.
// It is not reusable once Start has completed.
type Supervisor struct {
	config Config
	sched  *scheduler

	mu        sync.Mutex
	launched  bool
	destroyed bool
	proc      *os.Process
	state     *os.ProcessState
	done      chan struct{}
}

// New creates a Supervisor for cfg.
// Returns ErrNoExecutable if cfg.Executable is empty.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Executable == "" {
		return nil, ErrNoExecutable
	}
	if runtime.GOOS == "windows" {
		cfg.MergeStderr = true
	}
	if cfg.KillTimeout == 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	cfg.Args = append([]string(nil), cfg.Args...)

	return &Supervisor{
		config: cfg,
		sched:  newScheduler(),
	}, nil
}

// Start launches the process and blocks until it exits or ctx is cancelled.
//
// It returns the exit code and true once the process exited; a process
// terminated by a signal reports -1. It returns false if the process could not
// be launched or ctx was cancelled. Cancelling ctx kills the process and waits
// up to KillTimeout for it to terminate. Neither case is an error for the
// caller; both are logged. Background resources are released before Start returns.
func (s *Supervisor) Start(ctx context.Context) (exitCode int, ok bool) {
	defer s.sched.release()
	return s.run(ctx)
}

// StartAsync runs Start on a background goroutine and delivers its result to
// listener exactly once. Background resources are released after listener returns.
// If the supervisor was already released, listener receives (0, false) on the calling goroutine.
func (s *Supervisor) StartAsync(ctx context.Context, listener func(exitCode int, ok bool)) {
	submitted := s.sched.submit(func() {
		defer s.sched.release()

		code, ok := s.run(ctx)
		if listener != nil {
			listener(code, ok)
		}
	})
	if !submitted {
		s.logWarn(ctx, "supervisor already released, not starting process")
		if listener != nil {
			listener(0, false)
		}
	}
}

// DestroyAfter kills the process once d has elapsed. It does not block.
// The kill applies to whatever runs when the delay expires: a process not yet
// launched by then is never started. It does nothing if the process already
// exited or the supervisor was released.
func (s *Supervisor) DestroyAfter(d time.Duration) {
	if s.exited() {
		s.logDebug(context.Background(), "process already exited, nothing to destroy")
		return
	}

	scheduled := s.sched.schedule(d, func() {
		s.kill()
		s.sched.release()
	})
	if !scheduled {
		s.logDebug(context.Background(), "supervisor already released, not scheduling destruction")
	}
}

// AwaitDestruction kills the process and blocks until it has terminated or ctx is done.
// Background resources are always released, including when no process was started.
// Returns ctx.Err() if the wait was interrupted.
func (s *Supervisor) AwaitDestruction(ctx context.Context) error {
	defer s.sched.release()

	done := s.kill()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logWarn(ctx, "interrupted while waiting for process to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}

// DestroyNowWithTimeout kills the process and waits at most timeout for it to terminate.
// Returns whether the process terminated in time. Returns true immediately if no
// process was ever started. Background resources are always released.
func (s *Supervisor) DestroyNowWithTimeout(timeout time.Duration) bool {
	defer s.sched.release()

	done := s.kill()
	if done == nil {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		s.logWarn(context.Background(), "process did not terminate in time", "timeout", timeout)
		return false
	}
}

// Running reports whether the process has been launched and not yet terminated.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// exited reports whether a launched process has terminated.
func (s *Supervisor) exited() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Released is closed once the supervisor's background resources are released.
func (s *Supervisor) Released() <-chan struct{} {
	return s.sched.released
}

func (s *Supervisor) run(ctx context.Context) (int, bool) {
	s.mu.Lock()
	if s.launched {
		s.mu.Unlock()
		s.logError(ctx, "refusing to start process", "error", ErrAlreadyStarted)
		return 0, false
	}
	s.launched = true
	destroyed := s.destroyed
	s.mu.Unlock()

	if destroyed || s.sched.isReleased() {
		s.logWarn(ctx, "supervisor already released, not starting process")
		return 0, false
	}
	if err := ctx.Err(); err != nil {
		s.logWarn(ctx, "not starting process", "executable", s.config.Executable, "error", err)
		return 0, false
	}

	done, err := s.launch(ctx)
	if err != nil {
		s.logError(ctx, "failed to start process", "executable", s.config.Executable, "error", err)
		return 0, false
	}

	select {
	case <-done:
	case <-ctx.Done():
		s.logWarn(ctx, "interrupted while waiting for process, killing it", "executable", s.config.Executable, "error", ctx.Err())
		s.kill()

		timer := time.NewTimer(s.config.KillTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.logError(ctx, "process did not terminate in time", "executable", s.config.Executable, "timeout", s.config.KillTimeout)
		}
		return 0, false
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	code := state.ExitCode()
	s.logDebug(ctx, "process exited", "executable", s.config.Executable, "exitCode", code)
	return code, true
}

// launch starts the process and its output readers. The returned channel is
// closed once the process has exited and both readers reached EOF.
func (s *Supervisor) launch(ctx context.Context) (<-chan struct{}, error) {
	cmd := exec.Command(s.config.Executable, s.config.Args...)
	cmd.Dir = s.config.WorkingDir

	var (
		readers   []*os.File
		parsers   []OutputParser
		writeEnds []*os.File
	)
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	switch {
	case s.config.RedirectIO:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case s.config.MergeStderr:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		cmd.Stdout = w
		cmd.Stderr = w
		parser := s.config.StdoutParser
		if parser == nil {
			parser = s.config.StderrParser
		}
		readers, parsers, writeEnds = []*os.File{r}, []OutputParser{parser}, []*os.File{w}
	default:
		outR, outW, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		errR, errW, err := os.Pipe()
		if err != nil {
			closeAll([]*os.File{outR, outW})
			return nil, err
		}
		cmd.Stdout = outW
		cmd.Stderr = errW
		readers = []*os.File{outR, errR}
		parsers = []OutputParser{s.config.StdoutParser, s.config.StderrParser}
		writeEnds = []*os.File{outW, errW}
	}

	if s.config.SuppressArgsLogging {
		s.logInfo(ctx, "starting process", "executable", s.config.Executable, "workingDir", s.config.WorkingDir)
	} else {
		s.logInfo(ctx, "starting process", "executable", s.config.Executable, "args", s.config.Args, "workingDir", s.config.WorkingDir)
	}

	if err := cmd.Start(); err != nil {
		closeAll(readers)
		closeAll(writeEnds)
		return nil, err
	}
	// The child holds its own copies of the write ends.
	closeAll(writeEnds)

	done := make(chan struct{})
	s.mu.Lock()
	s.proc = cmd.Process
	s.done = done
	destroyed := s.destroyed
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func(r *os.File, parser OutputParser) {
			defer wg.Done()
			defer r.Close()
			if err := consume(r, parser); err != nil {
				s.logError(ctx, "failed to read process output", "executable", s.config.Executable, "error", err)
			}
		}(readers[i], parsers[i])
	}

	go func() {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.logError(ctx, "failed to wait for process", "executable", s.config.Executable, "error", err)
		}

		s.mu.Lock()
		s.state = cmd.ProcessState
		s.mu.Unlock()

		wg.Wait()
		close(done)
	}()

	// a destroy issued while the process was being launched found nothing to kill
	if destroyed {
		s.logWarn(ctx, "destroy requested during launch", "executable", s.config.Executable)
		s.kill()
	}

	return done, nil
}

// kill forcibly terminates the process if one was launched and marks the
// supervisor destroyed, so a launch still in progress kills its process too.
// Returns the channel closed on termination, or nil if no process was started.
func (s *Supervisor) kill() <-chan struct{} {
	s.mu.Lock()
	s.destroyed = true
	proc, done := s.proc, s.done
	s.mu.Unlock()

	if proc == nil {
		return nil
	}

	select {
	case <-done:
		return done
	default:
	}

	switch err := proc.Kill(); {
	case err == nil:
		s.logInfo(context.Background(), "killed process", "pid", proc.Pid)
	case !errors.Is(err, os.ErrProcessDone):
		s.logError(context.Background(), "failed to kill process", "pid", proc.Pid, "error", err)
	}
	return done
}

func (s *Supervisor) logDebug(ctx context.Context, msg string, keyvals ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, msg, keyvals...)
	}
}

func (s *Supervisor) logInfo(ctx context.Context, msg string, keyvals ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, msg, keyvals...)
	}
}

func (s *Supervisor) logWarn(ctx context.Context, msg string, keyvals ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Warn(ctx, msg, keyvals...)
	}
}

func (s *Supervisor) logError(ctx context.Context, msg string, keyvals ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Error(ctx, msg, keyvals...)
	}
}
