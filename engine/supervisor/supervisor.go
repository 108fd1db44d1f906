// Package supervisor starts a model-server process, waits for it to become
// ready, and guarantees it is stopped again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrNotReady is returned when the readiness budget is exhausted.
	ErrNotReady = errors.New("model server failed to start")
	// ErrExited is returned when the process exits before becoming ready.
	ErrExited = errors.New("model server exited")
	// ErrNotStarted is returned by operations that need a running process.
	ErrNotStarted = errors.New("model server not started")
)

// Options configures the supervised process.
type Options struct {
	Command string
	Args    []string
	// Env is appended to the current environment.
	Env []string

	// StatusURL is polled with GET until it answers 200.
	StatusURL string
	Attempts  int
	Interval  time.Duration

	// AttemptTimeout bounds each readiness request; it defaults to Interval,
	// so an exhausted budget takes at most Attempts × (AttemptTimeout + Interval).
	AttemptTimeout time.Duration

	// StopGrace is how long Stop waits after SIGTERM before killing the
	// process group. It also bounds how long Wait lingers on output pipes
	// still held by descendants once the process has exited.
	StopGrace time.Duration

	Stdout io.Writer
	Stderr io.Writer

	// OnProbe, if set, is called after every failed readiness probe.
	OnProbe func(attempt int, err error)

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultOptions returns the settings for `ollama serve` on its default port.
func DefaultOptions() Options {
	return Options{
		Command:   "ollama",
		Args:      []string{"serve"},
		StatusURL: "http://localhost:11434/api/tags",
		Attempts:  30,
		Interval:  time.Second,
		StopGrace: 10 * time.Second,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Command == "" {
		o.Command = d.Command
		if len(o.Args) == 0 {
			o.Args = d.Args
		}
	}
	if o.StatusURL == "" {
		o.StatusURL = d.StatusURL
	}
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = o.Interval
	}
	if o.StopGrace <= 0 {
		o.StopGrace = d.StopGrace
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Process is one supervised model-server process.
type Process struct {
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{} // closed once the process has been reaped
	waitErr error
	stopped bool
}

// New creates a Process. Nothing is launched until Start.
func New(opts Options) *Process {
	opts.applyDefaults()
	return &Process{opts: opts}
}

// Start launches the process. The process is not tied to ctx; use Stop.
func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("supervisor: %s already started", p.opts.Command)
	}

	cmd := exec.Command(p.opts.Command, p.opts.Args...)
	cmd.Env = append(os.Environ(), p.opts.Env...)
	cmd.Stdout = p.opts.Stdout
	cmd.Stderr = p.opts.Stderr
	// Own process group, so Stop reaches the runners ollama forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = p.opts.StopGrace
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %s: %w", p.opts.Command, err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	p.opts.Logger.Info("model server started", "cmd", p.opts.Command, "args", p.opts.Args, "pid", cmd.Process.Pid)
	return nil
}

// Pid returns the process id, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited. It is nil before Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// WaitReady polls StatusURL until it answers 200, the attempt budget is
// spent, or the process exits.
func (p *Process) WaitReady(ctx context.Context) error {
	done := p.Done()
	if done == nil {
		return ErrNotStarted
	}

	// Stop polling as soon as the process dies.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	probe := HTTPProbe(p.opts.HTTPClient, p.opts.StatusURL)
	bounded := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
		defer cancel()
		return probe(ctx)
	}
	err := PollReady(ctx, bounded, p.opts.Attempts, p.opts.Interval, p.opts.OnProbe)
	if err != nil {
		select {
		case <-done:
			return fmt.Errorf("%w before becoming ready: %v", ErrExited, p.exitErr())
		default:
		}
		return err
	}
	p.opts.Logger.Info("model server is ready", "url", p.opts.StatusURL, "elapsed", time.Since(start))
	return nil
}

func (p *Process) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr == nil {
		return errors.New("exit status 0")
	}
	return p.waitErr
}

// Stop sends SIGTERM to the process group, waits up to StopGrace, then
// kills the group. It always waits for the process to be reaped. Calling
// Stop more than once, or before Start, is a no-op.
func (p *Process) Stop() error {
	p.mu.Lock()
	if p.cmd == nil || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	pid := cmd.Process.Pid
	select {
	case <-done:
		signalGroup(pid, syscall.SIGKILL)
		return nil
	default:
	}

	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		p.opts.Logger.Warn("terminate model server", "pid", pid, "err", err)
	}

	timer := time.NewTimer(p.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-done:
		// Sweep descendants that outlived the leader.
		signalGroup(pid, syscall.SIGKILL)
		p.opts.Logger.Info("model server stopped", "pid", pid)
		return nil
	case <-timer.C:
	}

	p.opts.Logger.Warn("model server ignored SIGTERM, killing", "pid", pid, "grace", p.opts.StopGrace)
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("supervisor: kill: %w", err)
	}
	<-done
	return nil
}

// signalGroup delivers sig to every process in the group led by pid. A
// group that is already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Run starts the process, waits for readiness, calls fn and stops the
// process again. The process is stopped on every path, including readiness
// failure and panics in fn.
func (p *Process) Run(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if stopErr := p.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	if err := p.WaitReady(ctx); err != nil {
		return err
	}
	return fn(ctx)
}
