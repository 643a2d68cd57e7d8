// Package session implements the Session Manager: a concurrent map from
// UUID to a weak reference to a player Client Core, so that reconnecting
// remote clients land on the same Core instead of each opening a fresh UDP
// handshake against the engine. Grounded on buildkite-agent's
// env.Environment, which wraps the same xsync.MapOf concurrent map for a
// different value type.
package session

import (
	"weak"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v2"

	"github.com/buildkite/rcssd/internal/client"
	"github.com/buildkite/rcssd/internal/logger"
)

// Factory builds a new Client Core for a session that doesn't exist yet, or
// whose weak reference has been collected.
type Factory func(id uuid.UUID, name, peerAddr string) *client.Core

// Manager owns no Client Cores itself; it only tracks weak references. The
// strong reference returned by GetOrCreate must be kept alive by the
// caller (typically a proxy connection's forwarding task) for as long as
// the session should live.
type Manager struct {
	sessions *xsync.MapOf[string, weak.Pointer[client.Core]]
	build    Factory
	log      logger.Logger
}

// New constructs a Manager that uses build to create Cores on demand.
func New(build Factory, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewBuffer()
	}
	return &Manager{
		sessions: xsync.NewMapOf[weak.Pointer[client.Core]](),
		build:    build,
		log:      log.WithFields(logger.StringField("component", "session")),
	}
}

// GetOrCreate returns the live Core for id if one still exists, or builds,
// registers, and returns a new one via the Manager's Factory.
func (m *Manager) GetOrCreate(id uuid.UUID, name, peerAddr string) *client.Core {
	key := id.String()
	if existing, ok := m.sessions.Load(key); ok {
		if core := existing.Value(); core != nil {
			return core
		}
		m.log.Debug("session %s's client core was collected, rebuilding", key)
	}

	core := m.build(id, name, peerAddr)
	m.sessions.Store(key, weak.Make(core))
	return core
}

// Remove evicts id's entry, if any. It does not close the Client Core: the
// caller that holds the strong reference is responsible for that.
func (m *Manager) Remove(id uuid.UUID) {
	m.sessions.Delete(id.String())
}

// Len returns the number of tracked entries, including any whose weak
// reference has already been collected but not yet evicted.
func (m *Manager) Len() int {
	return m.sessions.Size()
}

// ClientInfo summarises one tracked session for inspection endpoints.
type ClientInfo struct {
	ID   uuid.UUID
	Name string
	Kind client.Kind
}

// Clients lists every live (non-collected) tracked session.
func (m *Manager) Clients() []ClientInfo {
	var out []ClientInfo
	m.sessions.Range(func(key string, ref weak.Pointer[client.Core]) bool {
		core := ref.Value()
		if core == nil {
			return true
		}
		id, err := uuid.Parse(key)
		if err != nil {
			return true
		}
		cfg := core.Config()
		out = append(out, ClientInfo{ID: id, Name: cfg.Name, Kind: cfg.Kind})
		return true
	})
	return out
}

// Clear evicts every tracked entry and returns how many there were. It
// does not close any Client Core: strong references, and their teardown,
// remain the caller's responsibility.
func (m *Manager) Clear() int {
	n := 0
	m.sessions.Range(func(key string, _ weak.Pointer[client.Core]) bool {
		n++
		m.sessions.Delete(key)
		return true
	})
	return n
}
