// Package proxy implements the Proxy Front Door: a WebSocket upgrader and a
// UDP listener that multiplex many remote clients onto per-client UDP
// sessions against the engine, via the Session Manager. Grounded on
// buildkite-agent's use of github.com/gorilla/websocket (agent/nudge_worker.go)
// for the WS half, and on the WS<->UDP<->engine relay shape a browser-facing
// room proxy for this kind of engine needs.
package proxy

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/session"
)

// Config controls timeouts and the engine's fixed player listener address.
type Config struct {
	// EnginePeerAddr is the engine's well-known player listener, used as
	// the Peer for every Client Core this front door creates.
	EnginePeerAddr string

	// ProtocolVersion is sent as the init payload for every new WebSocket
	// client; a UDP client's own first datagram serves as its init.
	ProtocolVersion int

	// UDPIdleTimeout evicts a UDP session after this long without a
	// datagram from its remote address.
	UDPIdleTimeout time.Duration
	// UDPSweepInterval is how often the eviction loop runs.
	UDPSweepInterval time.Duration

	// MaxDatagramSize bounds a single inbound UDP read.
	MaxDatagramSize int
}

func (c Config) withDefaults() Config {
	if c.ProtocolVersion <= 0 {
		c.ProtocolVersion = 7
	}
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = 60 * time.Second
	}
	if c.UDPSweepInterval <= 0 {
		c.UDPSweepInterval = 10 * time.Second
	}
	if c.MaxDatagramSize <= 0 {
		c.MaxDatagramSize = 4096
	}
	return c
}

// FrontDoor is the shared object behind both the WS and UDP code paths.
type FrontDoor struct {
	cfg      Config
	sessions *session.Manager
	log      logger.Logger

	udp *udpFrontDoor
}

// New constructs a FrontDoor. sessions is typically shared with whatever
// else in the process needs to look clients up by id (in cmd/rcssd, the
// control surface's daemon and the status page).
func New(cfg Config, sessions *session.Manager, log logger.Logger) *FrontDoor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewBuffer()
	}
	return &FrontDoor{
		cfg:      cfg,
		sessions: sessions,
		log:      log.WithFields(logger.StringField("component", "proxy")),
	}
}

// Router returns the chi routes this front door serves: WebSocket upgrades
// under /ws/{client_id} and /player/{client_id} (identical handler; two
// paths because the real monitor and player protocols historically used
// different URLs).
func (f *FrontDoor) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws/{client_id}", f.handleWS)
	r.Get("/player/{client_id}", f.handleWS)
	return r
}
