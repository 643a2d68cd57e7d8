// Package match implements the Match State Machine: it watches the Time
// Poller's tick stream and the Process Supervisor's status, drives
// ServerStatus transitions, and runs the half-time and shutdown-on-finish
// watchers on top of one shared cancellation.
package match

import (
	"context"
	"sync"
	"time"

	"github.com/buildkite/roko"

	"github.com/buildkite/rcssd/internal/addon"
	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/procsup"
	"github.com/buildkite/rcssd/internal/rcsscmd"
	"github.com/buildkite/rcssd/internal/resolver"
	"github.com/buildkite/rcssd/internal/watch"
)

// Status is the match's own lifecycle, independent of (but driven by) the
// underlying engine process's status.
type Status int

const (
	Uninitialized Status = iota
	Idle
	Simulating
	Finished
	Shutdown
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Simulating:
		return "simulating"
	case Finished:
		return "finished"
	case Shutdown:
		return "shutdown"
	default:
		return "uninitialized"
	}
}

const finishTick uint16 = 6000

// Config parameterises the watchers. HalfTime of 0 disables the half-time
// auto-kickoff entirely.
type Config struct {
	HalfTime        uint16
	AlwaysLogStdout bool
}

// Machine owns the status transitions and watcher goroutines for one match.
// All watchers share a single cancellation: cancelling (via Stop, or the
// Finished transition firing it internally) aborts every one of them.
type Machine struct {
	cfg Config
	log logger.Logger

	status *watch.Value[Status]

	halfTimeFired sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs and immediately starts a Machine's watchers. sup and r are
// read-only from the Machine's point of view; ownership stays with the
// Supervisor Shell.
func New(cfg Config, tp *addon.TimePoller, sup *procsup.Supervisor, r *resolver.Resolver, log logger.Logger) *Machine {
	if log == nil {
		log = logger.NewBuffer()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:    cfg,
		log:    log.WithFields(logger.StringField("component", "match")),
		status: watch.New(Uninitialized),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run(ctx, tp, sup, r)
	return m
}

// Status returns the current ServerStatus.
func (m *Machine) Status() Status { return m.status.Get() }

// StatusUpdates subscribes to status transitions.
func (m *Machine) StatusUpdates() (<-chan Status, func()) { return m.status.Subscribe() }

// Stop cancels every watcher and waits for them to exit. Idempotent.
func (m *Machine) Stop() {
	m.cancel()
	<-m.done
}

// Done is closed once every watcher has exited, whether because Stop was
// called or because the match reached Finished on its own.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) run(ctx context.Context, tp *addon.TimePoller, sup *procsup.Supervisor, r *resolver.Resolver) {
	defer close(m.done)

	ticks, cancelTicks := tp.Subscribe()
	defer cancelTicks()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sup.Done():
			m.finish(sup)
			return
		case t := <-ticks:
			if t == nil {
				continue
			}
			m.onTick(ctx, *t, r)
			if m.Status() == Finished {
				m.finish(sup)
				return
			}
		}
	}
}

// onTick applies the transition table from spec.md §4.6 and fires the
// half-time watcher on exact equality.
func (m *Machine) onTick(ctx context.Context, t uint16, r *resolver.Resolver) {
	cur := m.status.Get()
	next := cur
	switch cur {
	case Uninitialized:
		if t == 0 {
			next = Idle
		} else {
			next = Simulating
		}
	case Idle:
		if t >= finishTick {
			next = Finished
		} else if t > 0 {
			next = Simulating
		}
	case Simulating:
		if t >= finishTick {
			next = Finished
		}
	}
	if next != cur {
		m.log.Info("match status %s -> %s (tick=%d)", cur, next, t)
		m.status.Set(next)
	}

	if m.cfg.HalfTime > 0 && t == m.cfg.HalfTime {
		m.halfTimeFired.Do(func() {
			m.log.Info("half-time tick %d reached, sending Start", t)
			// A CallElapsed here just means one UDP datagram round-trip was
			// lost; retry a few times before giving up on the kickoff.
			retryStart := func(rt *roko.Retrier) error {
				_, err := r.Call(ctx, rcsscmd.Start{})
				if err != nil {
					m.log.Warn("half-time Start call failed, retrying: %s (%s)", err, rt)
				}
				return err
			}
			err := roko.NewRetrier(
				roko.WithMaxAttempts(3),
				roko.WithStrategy(roko.Constant(200*time.Millisecond)),
			).DoWithContext(ctx, retryStart)
			if err != nil {
				m.log.Warn("half-time Start call gave up after retries: %v", err)
			}
		})
	}
}

// finish transitions to Finished, logs both output tails, then cancels
// every other watcher through the Machine's shared cancel function.
func (m *Machine) finish(sup *procsup.Supervisor) {
	m.status.Set(Finished)
	for _, line := range sup.StdoutTail() {
		m.log.Info("engine stdout: %s", line)
	}
	for _, line := range sup.StderrTail() {
		m.log.Warn("engine stderr: %s", line)
	}
	m.cancel()
}
