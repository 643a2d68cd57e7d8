// Package shell implements the Supervisor Shell: the single top-level
// object composing a Process Supervisor, the trainer Client Core, its Call
// Resolver and Time Poller addon, and the Match State Machine. cmd/rcssd
// constructs exactly one Shell.
package shell

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buildkite/rcssd/internal/addon"
	"github.com/buildkite/rcssd/internal/client"
	"github.com/buildkite/rcssd/internal/engine"
	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/match"
	"github.com/buildkite/rcssd/internal/procsup"
	"github.com/buildkite/rcssd/internal/rcsscmd"
	"github.com/buildkite/rcssd/internal/rcsserr"
	"github.com/buildkite/rcssd/internal/resolver"
	"github.com/buildkite/rcssd/internal/watch"
)

// Status is the Shell's own top-level lifecycle.
type Status int

const (
	Uninitialized Status = iota
	Idle
	Shutdown
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Shutdown:
		return "shutdown"
	default:
		return "uninitialized"
	}
}

// Config parameterises one generation of the supervised engine: its
// argv/env, the ports it listens on, and the match rules applied to it.
type Config struct {
	EnginePath      string
	Env             []string
	PlayerPort      uint16
	TrainerPort     uint16
	OnlineCoachPort uint16
	SynchMode       bool
	LogDir          string

	HalfTime        uint16
	AlwaysLogStdout bool

	ProtocolVersion int
	CallTimeout     time.Duration
	PollInterval    time.Duration
	ReadyTimeout    time.Duration
	GracePeriod     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProtocolVersion <= 0 {
		c.ProtocolVersion = 7
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	return c
}

// Args builds the engine's argv, per spec.md §6's recognized options.
func (c Config) Args() []string {
	return []string{
		fmt.Sprintf("--server::player_port=%d", c.PlayerPort),
		fmt.Sprintf("--server::trainer_port=%d", c.TrainerPort),
		fmt.Sprintf("--server::online_coach_port=%d", c.OnlineCoachPort),
		fmt.Sprintf("--server::synch_mode=%t", c.SynchMode),
		fmt.Sprintf("--server::log_dir=%s", c.LogDir),
	}
}

// TrainerPeerAddr is where the trainer Client Core dials the engine.
func (c Config) TrainerPeerAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.TrainerPort)
}

// Shell is the single object composing one generation of supervised engine
// plus its trainer conversation. It is safe for concurrent use.
type Shell struct {
	cfg Config
	log logger.Logger

	mu        sync.RWMutex
	sup       *procsup.Supervisor
	trainer   *client.Core
	resolver  *resolver.Resolver
	addons    *addon.Registry
	machine   *match.Machine
	genCancel context.CancelFunc

	status *watch.Value[Status]

	finishOnce   sync.Once
	finishSignal chan struct{}
}

// New constructs a Shell. No engine process is started until Spawn.
func New(cfg Config, log logger.Logger) *Shell {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewBuffer()
	}
	return &Shell{
		cfg:          cfg,
		log:          log.WithFields(logger.StringField("component", "shell")),
		status:       watch.New(Uninitialized),
		finishSignal: make(chan struct{}),
	}
}

// Status returns the Shell's current top-level status.
func (s *Shell) Status() Status { return s.status.Get() }

// StatusUpdates subscribes to Shell status changes.
func (s *Shell) StatusUpdates() (<-chan Status, func()) { return s.status.Subscribe() }

// ShutdownSignal resolves when the watcher chain (the Match State Machine
// reaching Finished) decides the generation is over. It does not itself
// tear anything down: callers are expected to call Shutdown in response.
func (s *Shell) ShutdownSignal() <-chan struct{} { return s.finishSignal }

// Spawn starts a new generation: the engine process, the trainer Client
// Core, its Resolver and Time Poller, and the Match State Machine. If a
// generation is already running and force is false, it fails with
// ErrServerStillRunning; with force true, the existing generation is shut
// down first.
func (s *Shell) Spawn(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sup != nil {
		select {
		case <-s.sup.Done():
			// already exited, fine to replace
		default:
			if !force {
				return rcsserr.ErrServerStillRunning
			}
		}
		s.teardownLocked(context.Background())
	}

	genCtx, cancel := context.WithCancel(context.Background())

	sup := procsup.New(procsup.Config{
		Path:        s.cfg.EnginePath,
		Args:        s.cfg.Args(),
		Env:         s.cfg.Env,
		GracePeriod: s.cfg.GracePeriod,
	}, s.log)

	if err := sup.Spawn(genCtx); err != nil {
		cancel()
		return fmt.Errorf("shell: spawn engine: %w", err)
	}

	readyCtx, readyCancel := context.WithTimeout(genCtx, s.cfg.ReadyTimeout)
	err := sup.UntilReady(readyCtx)
	readyCancel()
	if err != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
		_ = sup.Shutdown(shCtx)
		shCancel()
		cancel()
		return fmt.Errorf("shell: engine never became ready: %w", err)
	}

	trainer := engine.NewTrainerCore(engine.TrainerConfig{Peer: s.cfg.TrainerPeerAddr()}, s.log)

	initCmd := rcsscmd.Init{Version: s.cfg.ProtocolVersion}
	select {
	case trainer.Outbound() <- client.Payload(initCmd.Encode()):
	case <-genCtx.Done():
		cancel()
		return genCtx.Err()
	}

	connectCtx, connectCancel := context.WithTimeout(genCtx, 5*time.Second)
	connectErr := trainer.Connect(connectCtx)
	connectCancel()
	if connectErr != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
		_ = sup.Shutdown(shCtx)
		shCancel()
		cancel()
		return fmt.Errorf("shell: trainer failed to connect: %w", connectErr)
	}

	res, err := resolver.New(trainer, s.cfg.CallTimeout)
	if err != nil {
		trainer.Close()
		shCtx, shCancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
		_ = sup.Shutdown(shCtx)
		shCancel()
		cancel()
		return fmt.Errorf("shell: resolver: %w", err)
	}

	addons := addon.NewRegistry()
	tp := addon.NewTimePoller(res, s.cfg.PollInterval, s.log)
	addons.Attach("time", tp)

	machine := match.New(match.Config{
		HalfTime:        s.cfg.HalfTime,
		AlwaysLogStdout: s.cfg.AlwaysLogStdout,
	}, tp, sup, res, s.log)

	s.sup = sup
	s.trainer = trainer
	s.resolver = res
	s.addons = addons
	s.machine = machine
	s.genCancel = cancel

	s.status.Set(Idle)

	go s.watchForFinish(machine)

	return nil
}

// Restart is equivalent to Spawn.
func (s *Shell) Restart(ctx context.Context, force bool) error {
	return s.Spawn(ctx, force)
}

func (s *Shell) watchForFinish(m *match.Machine) {
	<-m.Done()
	if m.Status() != match.Finished {
		return // watchers stopped via explicit Shutdown, not a natural finish
	}
	s.finishOnce.Do(func() { close(s.finishSignal) })
}

// SendTrainerCommand forwards cmd through the trainer's Resolver. Fails
// with ErrServerNotRunning if no generation is active.
func (s *Shell) SendTrainerCommand(ctx context.Context, cmd rcsscmd.Command) (any, error) {
	s.mu.RLock()
	res := s.resolver
	s.mu.RUnlock()
	if res == nil {
		return nil, rcsserr.ErrServerNotRunning
	}
	return res.Call(ctx, cmd)
}

// Pid returns the current engine PID, or 0 if no generation is active.
func (s *Shell) Pid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sup == nil {
		return 0
	}
	return s.sup.Pid()
}

// ProcessStatus returns the current engine process status string, or
// "not_started" if no generation has ever run.
func (s *Shell) ProcessStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sup == nil {
		return procsup.NotStarted.String()
	}
	return s.sup.Status().String()
}

// MatchStatus returns the current ServerStatus string, or "uninitialized"
// if no generation has ever run.
func (s *Shell) MatchStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.machine == nil {
		return match.Uninitialized.String()
	}
	return s.machine.Status().String()
}

// Shutdown cancels the current generation's watchers, tears down the
// trainer conversation, and shuts down the engine process. Idempotent.
func (s *Shell) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(ctx)
	s.status.Set(Shutdown)
	s.finishOnce.Do(func() { close(s.finishSignal) })
	return nil
}

// teardownLocked tears down whatever generation is currently set, if any.
// Caller must hold s.mu.
func (s *Shell) teardownLocked(ctx context.Context) {
	if s.genCancel != nil {
		s.genCancel()
	}
	if s.machine != nil {
		s.machine.Stop()
	}
	if s.addons != nil {
		s.addons.CloseAll()
	}
	if s.resolver != nil {
		s.resolver.Close()
	}
	if s.trainer != nil {
		s.trainer.Close()
	}
	if s.sup != nil {
		_ = s.sup.Shutdown(ctx)
	}
	s.sup, s.trainer, s.resolver, s.addons, s.machine, s.genCancel = nil, nil, nil, nil, nil, nil
}
