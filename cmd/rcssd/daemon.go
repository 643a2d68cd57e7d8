package main

import (
	"context"

	"github.com/buildkite/rcssd/internal/control"
	"github.com/buildkite/rcssd/internal/session"
	"github.com/buildkite/rcssd/internal/shell"
)

// daemon adapts the Supervisor Shell and Session Manager to
// control.Controller. It carries no logic of its own beyond composing the
// two: restart delegates straight to the shell, and room inspection
// straight to the session manager — one thin HTTP-facing object wrapping
// the real state owners.
type daemon struct {
	shell    *shell.Shell
	sessions *session.Manager
}

func (d *daemon) Restart(ctx context.Context, force bool) error {
	return d.shell.Restart(ctx, force)
}

func (d *daemon) Health(ctx context.Context) control.HealthReport {
	return control.HealthReport{
		ProcessStatus: d.shell.ProcessStatus(),
		MatchStatus:   d.shell.MatchStatus(),
		Pid:           d.shell.Pid(),
	}
}

func (d *daemon) RoomClients() []control.RoomClient {
	clients := d.sessions.Clients()
	out := make([]control.RoomClient, 0, len(clients))
	for _, c := range clients {
		out = append(out, control.RoomClient{
			ID:        c.ID.String(),
			Name:      c.Name,
			Transport: c.Kind.String(),
		})
	}
	return out
}

func (d *daemon) ClearRoom() int {
	return d.sessions.Clear()
}
