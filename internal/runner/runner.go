package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("command not started")
	ErrInProgress = errors.New("command in progress")
)

// DefaultWaitDelay bounds how long Wait keeps draining output pipes after
// the process has been killed. Children of a killed shell may hold them open.
const DefaultWaitDelay = 2 * time.Second

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string // nil inherits the environment of the current process
	Dir     string
	Timeout time.Duration
}

// Shell returns a Command running line through sh -c.
func Shell(line string, timeout time.Duration) Command {
	return Command{
		Path:    "sh",
		Args:    []string{"-c", line},
		Timeout: timeout,
	}
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Stdout   *bytes.Buffer
	TimedOut bool
	Err      error
}

// ExitCode returns the exit code of the process or -1 when it did not exit
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner runs at most one process at a time.
type Runner struct {
	mx        sync.Mutex
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	result    Result
	done      chan Result
	waitDelay time.Duration
}

func New() *Runner {
	return &Runner{
		result:    Result{Err: ErrNotStarted},
		waitDelay: DefaultWaitDelay,
	}
}

// WithWaitDelay changes the time given to output pipes to close once the
// process is gone.
func (r *Runner) WithWaitDelay(d time.Duration) *Runner {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.waitDelay = d
	return r
}

// Start runs the process and returns without waiting for it. Use ResultsChan
// to obtain the outcome. It returns ErrInProgress if a process started by
// this Runner is still active, or the exec error when the process can't be
// started.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if proto.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, proto.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.SysProcAttr = sysProcAttr()
	cmd.Cancel = func() error {
		return killProcess(cmd)
	}
	cmd.WaitDelay = r.waitDelay

	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf
	var stderr *lineWriter
	if stderrFunc != nil {
		stderr = &lineWriter{ctx: ctx, fn: stderrFunc}
		cmd.Stderr = stderr
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}

	r.cmd = cmd
	r.cancel = cancel
	r.done = make(chan Result, 1)
	go r.wait(ctx, runCtx, cmd, stderr, r.done)
	return nil
}

func (r *Runner) wait(parent, ctx context.Context, cmd *exec.Cmd, stderr *lineWriter, done chan<- Result) {
	err := cmd.Wait()
	// a deadline of the caller is a cancellation, not a timeout of this command
	timedOut := err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil
	stopped := time.Now().UTC()
	if stderr != nil {
		stderr.flush()
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.cancel()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.TimedOut = timedOut
	r.result.Err = err
	r.cmd = nil
	r.cancel = nil
	done <- r.result
	close(done)
}

// ResultsChan returns the channel delivering the result of the last started
// process. The channel is closed once the result was sent. If nothing was
// started yet, the returned channel is already closed.
func (r *Runner) ResultsChan() <-chan Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.done == nil {
		ch := make(chan Result)
		close(ch)
		return ch
	}
	return r.done
}

// Run starts the process and waits for its result. Launch failures are
// reported through Result.Err.
func (r *Runner) Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	if err := r.Start(ctx, proto, stderrFunc); err != nil {
		if errors.Is(err, ErrInProgress) {
			return Result{Path: proto.Path, Args: proto.Args, Err: err}
		}
		return r.LastResult()
	}
	return <-r.ResultsChan()
}

// LastResult returns the last command result, or a result with
// ErrNotStarted if nothing has been executed yet. While a process runs the
// result has a nil error and a zero Stopped time.
func (r *Runner) LastResult() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result
}

// Close kills the running process, if any.
func (r *Runner) Close() {
	r.mx.Lock()
	cancel := r.cancel
	r.mx.Unlock()
	if cancel != nil {
		cancel()
	}
}

// lineWriter calls fn for every complete line written into it.
type lineWriter struct {
	ctx context.Context
	fn  StderrFunc
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.fn(w.ctx, string(bytes.TrimRight(w.buf[:idx], "\r")))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.fn(w.ctx, string(w.buf))
		w.buf = nil
	}
}

// LogStderr returns a StderrFunc logging every line at debug level.
func LogStderr(logger *slog.Logger) StderrFunc {
	return func(ctx context.Context, line string) {
		logger.DebugContext(ctx, "stderr", "line", line)
	}
}
