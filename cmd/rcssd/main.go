// rcssd is a sidecar supervisor and protocol proxy for a legacy UDP-based
// multi-agent simulation engine (rcssserver by default): it spawns and
// supervises the engine, drives a trainer-channel match lifecycle on top
// of it, and proxies many remote WebSocket/UDP clients into per-client UDP
// sessions against it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli"
	"golang.org/x/term"

	"github.com/buildkite/rcssd/internal/config"
	"github.com/buildkite/rcssd/internal/control"
	"github.com/buildkite/rcssd/internal/engine"
	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/proxy"
	"github.com/buildkite/rcssd/internal/session"
	"github.com/buildkite/rcssd/internal/shell"
	"github.com/buildkite/rcssd/internal/status"
)

func flags() []cli.Flag {
	d := config.Defaults()
	return []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "Path to a YAML configuration file", EnvVar: "RCSSD_CONFIG"},

		cli.StringFlag{Name: "engine-path", Usage: "Path to the rcssserver binary", EnvVar: "RCSSD_ENGINE_PATH"},
		cli.StringFlag{Name: "engine-log-dir", Usage: "Directory the engine writes its own logs to", EnvVar: "RCSSD_ENGINE_LOG_DIR"},
		cli.IntFlag{Name: "player-port", Value: d.PlayerPort, Usage: "Engine player port", EnvVar: "RCSSD_PLAYER_PORT"},
		cli.IntFlag{Name: "trainer-port", Value: d.TrainerPort, Usage: "Engine trainer port", EnvVar: "RCSSD_TRAINER_PORT"},
		cli.IntFlag{Name: "online-coach-port", Value: d.OnlineCoachPort, Usage: "Engine online coach port", EnvVar: "RCSSD_ONLINE_COACH_PORT"},
		cli.BoolFlag{Name: "synch-mode", Usage: "Run the engine in synchronous mode", EnvVar: "RCSSD_SYNCH_MODE"},

		cli.IntFlag{Name: "half-time", Value: d.HalfTime, Usage: "Cycles per half", EnvVar: "RCSSD_HALF_TIME"},
		cli.BoolFlag{Name: "always-log-stdout", Usage: "Accepted and passed to the match state machine, which does not act on it; engine stdout is logged only when the match finishes", EnvVar: "RCSSD_ALWAYS_LOG_STDOUT"},

		cli.StringFlag{Name: "http-listen-addr", Value: d.HTTPListenAddr, Usage: "Address for the HTTP control/status/WebSocket surface", EnvVar: "RCSSD_HTTP_LISTEN_ADDR"},
		cli.StringFlag{Name: "udp-listen-addr", Value: d.UDPListenAddr, Usage: "Address for the raw UDP proxy listener", EnvVar: "RCSSD_UDP_LISTEN_ADDR"},

		cli.IntFlag{Name: "protocol-version", Value: d.ProtocolVersion, Usage: "Protocol version sent in init handshakes", EnvVar: "RCSSD_PROTOCOL_VERSION"},
		cli.DurationFlag{Name: "call-timeout", Value: d.CallTimeout, Usage: "Trainer call reply timeout", EnvVar: "RCSSD_CALL_TIMEOUT"},
		cli.DurationFlag{Name: "poll-interval", Value: d.PollInterval, Usage: "Time Poller interval", EnvVar: "RCSSD_POLL_INTERVAL"},
		cli.DurationFlag{Name: "ready-timeout", Value: d.ReadyTimeout, Usage: "How long to wait for the engine's ready line", EnvVar: "RCSSD_READY_TIMEOUT"},
		cli.DurationFlag{Name: "grace-period", Value: d.GracePeriod, Usage: "SIGINT-to-SIGKILL grace period", EnvVar: "RCSSD_GRACE_PERIOD"},

		cli.DurationFlag{Name: "udp-idle-timeout", Value: d.UDPIdleTimeout, Usage: "Evict a UDP proxy session after this long idle", EnvVar: "RCSSD_UDP_IDLE_TIMEOUT"},
		cli.DurationFlag{Name: "udp-sweep-interval", Value: d.UDPSweepInterval, Usage: "How often the UDP idle sweep runs", EnvVar: "RCSSD_UDP_SWEEP_INTERVAL"},

		cli.StringFlag{Name: "log-level", Value: d.LogLevel, Usage: "debug, info, warn, error, or fatal", EnvVar: "RCSSD_LOG_LEVEL"},
		cli.BoolFlag{Name: "no-color", Usage: "Disable ANSI colour in log output even on a TTY", EnvVar: "RCSSD_NO_COLOR"},
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "rcssd"
	app.Usage = "Supervise and proxy a legacy UDP simulation engine"
	app.Flags = flags()
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		os.Exit(printErrorAndReturnCode(err))
	}
}

// printErrorAndReturnCode mirrors buildkite-agent's
// clicommand.PrintMessageAndReturnExitCode: print the error once, and
// preserve any exit code the Action already chose via cli.NewExitError.
func printErrorAndReturnCode(err error) int {
	fmt.Fprintf(os.Stderr, "rcssd: fatal: %s\n", err)
	if coder, ok := err.(cli.ExitCoder); ok {
		return coder.ExitCode()
	}
	return 1
}

func run(c *cli.Context) error {
	cfg := config.Defaults()
	loader := &config.Loader{CLI: c, Config: &cfg}
	if err := loader.Load(); err != nil {
		return cli.NewExitError(fmt.Sprintf("rcssd: %v", err), 1)
	}

	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.EngineLogDir != "" {
		lock, err := config.LockEngineLogDir(ctx, cfg.EngineLogDir)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("rcssd: locking engine log dir: %v", err), 1)
		}
		defer lock.Unlock()
	}

	sh := shell.New(shell.Config{
		EnginePath:      cfg.EnginePath,
		PlayerPort:      uint16(cfg.PlayerPort),
		TrainerPort:     uint16(cfg.TrainerPort),
		OnlineCoachPort: uint16(cfg.OnlineCoachPort),
		SynchMode:       cfg.SynchMode,
		LogDir:          cfg.EngineLogDir,
		HalfTime:        uint16(cfg.HalfTime),
		AlwaysLogStdout: cfg.AlwaysLogStdout,
		ProtocolVersion: cfg.ProtocolVersion,
		CallTimeout:     cfg.CallTimeout,
		PollInterval:    cfg.PollInterval,
		ReadyTimeout:    cfg.ReadyTimeout,
		GracePeriod:     cfg.GracePeriod,
	}, log)

	sessions := session.New(engine.PlayerFactory(log), log)

	front := proxy.New(proxy.Config{
		EnginePeerAddr:   fmt.Sprintf("127.0.0.1:%d", cfg.PlayerPort),
		ProtocolVersion:  cfg.ProtocolVersion,
		UDPIdleTimeout:   cfg.UDPIdleTimeout,
		UDPSweepInterval: cfg.UDPSweepInterval,
	}, sessions, log)

	d := &daemon{shell: sh, sessions: sessions}
	ctrl := control.New(d, log)
	page := newStatusPage(sh, sessions)

	if err := sh.Spawn(ctx, false); err != nil {
		return cli.NewExitError(fmt.Sprintf("rcssd: starting engine: %v", err), 1)
	}

	closeUDP, err := front.ListenUDP(ctx, cfg.UDPListenAddr)
	if err != nil {
		_ = sh.Shutdown(context.Background())
		return cli.NewExitError(fmt.Sprintf("rcssd: udp listener: %v", err), 1)
	}
	defer closeUDP()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/", ctrl.Router())
	frontRouter := front.Router()
	r.Handle("/ws/*", frontRouter)
	r.Handle("/player/*", frontRouter)
	r.Get("/status", page.ServeHTTP)

	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: r}
	go func() {
		log.Info("http listening on %s", cfg.HTTPListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down on signal")
	case <-sh.ShutdownSignal():
		log.Info("match finished, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = sh.Shutdown(shutdownCtx)

	return nil
}

// newLogger builds rcssd's top-level logger, deciding ANSI colour the way
// buildkite-agent's own terminal output does: only when stdout is actually
// a terminal, and never when the caller asked for --no-color.
func newLogger(cfg config.Config) *logger.ConsoleLogger {
	l := logger.NewConsole(os.Stdout)
	if level, err := logger.LevelFromString(cfg.LogLevel); err == nil {
		l.SetLevel(level)
	}
	l.SetColor(!cfg.NoColor && term.IsTerminal(int(os.Stdout.Fd())))
	return l
}

func newStatusPage(sh *shell.Shell, sessions *session.Manager) *status.Page {
	page := status.New()
	page.AddItem("shell", func() string { return sh.Status().String() })
	page.AddItem("engine process", sh.ProcessStatus)
	page.AddItem("match", sh.MatchStatus)
	page.AddItem("engine pid", func() string { return fmt.Sprintf("%d", sh.Pid()) })
	page.AddItem("tracked sessions", func() string { return fmt.Sprintf("%d", sessions.Len()) })
	return page
}
