// Package procsup supervises the legacy simulation engine binary as a
// subprocess: it starts it, scrapes stdout for a readiness marker, retains a
// bounded tail of its logs, and escalates SIGINT to SIGKILL on shutdown if
// the child doesn't exit within a grace period. Grounded on buildkite-agent's
// process.Process, generalised from "run one job and report its exit status"
// to "supervise one long-lived sidecar process and expose its status".
package procsup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/logring"
	"github.com/buildkite/rcssd/internal/rcsserr"
	"github.com/buildkite/rcssd/internal/watch"
)

// Status is the supervised child's lifecycle state.
type Status int

const (
	NotStarted Status = iota
	Starting
	Ready
	ShuttingDown
	Exited
)

func (s Status) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting_down"
	case Exited:
		return "exited"
	default:
		return "not_started"
	}
}

// Config controls how the child is spawned and how its readiness and
// shutdown are detected.
type Config struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// ReadyLine is the exact stdout line that marks the child as ready to
	// accept connections. The real engine prints "Hit CTRL-C to exit" once
	// its listeners are bound.
	ReadyLine string

	// GracePeriod is how long Shutdown waits after SIGINT before escalating
	// to SIGKILL.
	GracePeriod time.Duration

	// LogCapacity bounds how many lines of stdout/stderr are retained.
	LogCapacity int
}

const defaultReadyLine = "Hit CTRL-C to exit"

func (c Config) withDefaults() Config {
	if c.ReadyLine == "" {
		c.ReadyLine = defaultReadyLine
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = 1000
	}
	return c
}

// Supervisor owns exactly one child process for its whole lifetime: it is
// not reusable across a second Spawn.
type Supervisor struct {
	cfg Config
	log logger.Logger

	stdout *logring.Ring
	stderr *logring.Ring

	status *watch.Value[Status]
	ready  chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	cmd     *exec.Cmd
	pid     int
	done    chan struct{}
	doneOnce sync.Once
	waitErr error

	shutdownOnce sync.Once
}

// New constructs a Supervisor. No process is started until Spawn is called.
func New(cfg Config, log logger.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewBuffer()
	}
	return &Supervisor{
		cfg:    cfg,
		log:    log.WithFields(logger.StringField("component", "procsup")),
		stdout: logring.New(cfg.LogCapacity),
		stderr: logring.New(cfg.LogCapacity),
		status: watch.New(NotStarted),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Status returns the current lifecycle status.
func (s *Supervisor) Status() Status { return s.status.Get() }

// StatusUpdates subscribes to lifecycle status changes; cancel releases it.
func (s *Supervisor) StatusUpdates() (<-chan Status, func()) { return s.status.Subscribe() }

// Pid returns the child's process id, or 0 if it hasn't started yet.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// StdoutTail returns the most recently retained stdout lines, oldest first.
func (s *Supervisor) StdoutTail() []string { return s.stdout.Snapshot() }

// StderrTail returns the most recently retained stderr lines, oldest first.
func (s *Supervisor) StderrTail() []string { return s.stderr.Snapshot() }

// Spawn starts the child process and returns once it has been started (not
// once it's ready - use UntilReady for that). The supplied context governs
// the process's whole lifetime: cancelling it triggers the same
// interrupt-then-kill escalation as Shutdown.
func (s *Supervisor) Spawn(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("procsup: already spawned")
	}

	cmd := exec.Command(s.cfg.Path, s.cfg.Args...)
	setupProcessGroup(cmd)
	if s.cfg.Dir != "" {
		if _, err := os.Stat(s.cfg.Dir); os.IsNotExist(err) {
			s.mu.Unlock()
			return fmt.Errorf("procsup: working directory %q doesn't exist", s.cfg.Dir)
		}
		cmd.Dir = s.cfg.Dir
	}
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("procsup: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("procsup: stderr pipe: %w", err)
	}

	s.status.Set(Starting)

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("procsup: start: %w", err)
	}
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.mu.Unlock()

	s.log.Info("engine process started, pid=%d", s.pid)

	go s.scan(stdoutPipe, s.stdout, s.cfg.ReadyLine)
	go s.scan(stderrPipe, s.stderr, "")

	go s.waitAndEscalate(ctx)

	return nil
}

// scan reads r line by line, retaining every line into ring, and (if
// readyMarker is non-empty) flips the ready signal the first time that
// exact line is seen.
func (s *Supervisor) scan(r io.Reader, ring *logring.Ring, readyMarker string) {
	scanLines(r, func(line string) {
		ring.Push(line)
		if readyMarker != "" && line == readyMarker {
			s.readyOnce.Do(func() {
				s.status.Set(Ready)
				close(s.ready)
			})
		}
	})
}

// UntilReady blocks until the ready marker has been observed, the context
// is cancelled, or the child has already exited without ever becoming
// ready.
func (s *Supervisor) UntilReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return rcsserr.ErrTimeoutWaitingReady
	case <-ctx.Done():
		return rcsserr.ErrTimeoutWaitingReady
	}
}

// waitAndEscalate waits for the child to exit naturally, or for ctx to be
// cancelled, in which case it runs the same interrupt/grace/kill sequence
// as Shutdown.
func (s *Supervisor) waitAndEscalate(ctx context.Context) {
	waitDone := make(chan struct{})
	go func() {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
		s.log.Debug("context done, escalating shutdown. pid=%d", s.Pid())
		_ = s.signalGroup(syscall.SIGINT)
		select {
		case <-waitDone:
		case <-time.After(s.cfg.GracePeriod):
			s.log.Warn("engine did not exit within grace period, killing. pid=%d", s.Pid())
			_ = s.signalGroup(syscall.SIGKILL)
			<-waitDone
		}
	}

	s.status.Set(Exited)
	s.doneOnce.Do(func() { close(s.done) })
}

// Shutdown asks the child to exit, escalating to SIGKILL if it doesn't
// within the configured grace period. Idempotent: safe to call multiple
// times, and safe to call on a Supervisor that was never spawned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	notSpawned := s.cmd == nil
	s.mu.Unlock()
	if notSpawned {
		return nil
	}

	s.shutdownOnce.Do(func() {
		s.status.Set(ShuttingDown)
		if err := s.signalGroup(syscall.SIGINT); err != nil && !errors.Is(err, syscall.ESRCH) {
			s.log.Warn("failed to send SIGINT: %v", err)
		}
	})

	select {
	case <-s.done:
		return nil
	case <-time.After(s.cfg.GracePeriod):
		s.log.Warn("engine did not exit within grace period, killing. pid=%d", s.Pid())
		if err := s.signalGroup(syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return &rcsserr.TaskJoinError{Task: "shutdown", Err: err}
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the child has exited, by whatever
// means.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// WaitErr returns the raw error from the child's Wait() call, valid only
// after Done() is closed.
func (s *Supervisor) WaitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}
