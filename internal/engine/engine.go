// Package engine provides the Trainer/Player wiring: the handful of small
// constructors that turn a destination address and a kind into a Client
// Core, so neither internal/shell nor internal/session needs to know the
// details of client.Config. Grounded on buildkite-agent's habit of keeping
// a thin adapter layer between a generic primitive (client.Core here,
// process.Process there) and the package that actually decides which
// flavour of it to build (clicommand/agent_start.go deciding agent config
// from CLI flags).
package engine

import (
	"github.com/google/uuid"

	"github.com/buildkite/rcssd/internal/client"
	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/session"
)

// TrainerConfig names the trainer Client Core's fixed peer.
type TrainerConfig struct {
	Peer string
}

// NewTrainerCore builds the single trainer Client Core a Supervisor Shell
// generation owns.
func NewTrainerCore(cfg TrainerConfig, log logger.Logger) *client.Core {
	return client.New(client.Config{
		Name: "trainer",
		Kind: client.Trainer,
		Peer: cfg.Peer,
	}, log)
}

// PlayerFactory returns a session.Factory that builds Player Client Cores,
// suitable for internal/session.New and, through it, internal/proxy.
func PlayerFactory(log logger.Logger) session.Factory {
	return func(id uuid.UUID, name, peerAddr string) *client.Core {
		return client.New(client.Config{
			Name: name,
			Kind: client.Player,
			Peer: peerAddr,
		}, log)
	}
}
