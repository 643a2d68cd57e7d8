// Package config defines rcssd's runtime configuration and loads it from
// CLI flags, environment variables, and an optional YAML file, in the
// style of buildkite-agent's cliconfig: struct tags describe where each
// field comes from, and github.com/oleiade/reflections walks the struct at
// load time instead of a generated binding layer.
package config

import "time"

// Config is the full set of knobs cmd/rcssd exposes. Field tags mirror
// buildkite-agent's cliconfig convention: `cli:"name"` names the urfave/cli
// flag and (by convention, handled by the flag definitions in cmd/rcssd)
// its environment variable; `validate` and `normalize` are interpreted by
// Loader the same way.
type Config struct {
	ConfigFile string `cli:"config"`

	EnginePath      string `cli:"engine-path" validate:"required" normalize:"commandpath"`
	EngineLogDir    string `cli:"engine-log-dir" normalize:"filepath"`
	PlayerPort      int    `cli:"player-port"`
	TrainerPort     int    `cli:"trainer-port"`
	OnlineCoachPort int    `cli:"online-coach-port"`
	SynchMode       bool   `cli:"synch-mode"`

	HalfTime        int  `cli:"half-time"`
	AlwaysLogStdout bool `cli:"always-log-stdout"`

	// HTTPListenAddr is rcssd's single HTTP listener, serving the control
	// surface, the status page, and the WebSocket front door alike, per
	// spec.md §6's "--ip, --port for HTTP listener".
	HTTPListenAddr string `cli:"http-listen-addr" validate:"required"`
	UDPListenAddr  string `cli:"udp-listen-addr" validate:"required"`

	ProtocolVersion int           `cli:"protocol-version"`
	CallTimeout     time.Duration `cli:"call-timeout"`
	PollInterval    time.Duration `cli:"poll-interval"`
	ReadyTimeout    time.Duration `cli:"ready-timeout"`
	GracePeriod     time.Duration `cli:"grace-period"`

	UDPIdleTimeout   time.Duration `cli:"udp-idle-timeout"`
	UDPSweepInterval time.Duration `cli:"udp-sweep-interval"`

	LogLevel string `cli:"log-level"`
	NoColor  bool   `cli:"no-color"`
}

// Defaults returns a Config with every field pre-populated. Loader sets
// every cli-tagged field, taking the flag's own default when neither the
// file nor the CLI gives a value, so cmd/rcssd seeds its flag defaults from
// this same Config.
func Defaults() Config {
	return Config{
		PlayerPort:      6000,
		TrainerPort:     6001,
		OnlineCoachPort: 6002,
		HalfTime:        3000,

		HTTPListenAddr: "127.0.0.1:8080",
		UDPListenAddr:  "127.0.0.1:6010",

		ProtocolVersion: 7,
		CallTimeout:     time.Second,
		PollInterval:    2 * time.Second,
		ReadyTimeout:    10 * time.Second,
		GracePeriod:     5 * time.Second,

		UDPIdleTimeout:   60 * time.Second,
		UDPSweepInterval: 10 * time.Second,

		LogLevel: "info",
	}
}
