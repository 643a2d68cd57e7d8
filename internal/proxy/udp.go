package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v2"

	"github.com/buildkite/rcssd/internal/client"
	"github.com/buildkite/rcssd/internal/rcsserr"
)

// udpConnState tracks one remote UDP client: its Client Core, its last
// activity time, and the forwarding task relaying inbound payloads back to
// its remote address.
type udpConnState struct {
	id         uuid.UUID
	core       *client.Core
	sink       *client.Sink
	subID      uuid.UUID
	remoteAddr *net.UDPAddr

	mu         sync.Mutex
	lastActive time.Time

	cancel context.CancelFunc
}

func (s *udpConnState) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *udpConnState) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

type udpFrontDoor struct {
	conn     *net.UDPConn
	sessions *xsync.MapOf[string, *udpConnState]
	front    *FrontDoor
}

// ListenUDP binds addr and starts the read loop and idle-eviction sweep.
// The returned FrontDoor method set is unaffected; callers interact with
// the UDP path only through Close.
func (f *FrontDoor) ListenUDP(ctx context.Context, addr string) (func() error, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen udp: %w", err)
	}

	u := &udpFrontDoor{
		conn:     conn,
		sessions: xsync.NewMapOf[*udpConnState](),
		front:    f,
	}
	f.udp = u

	go u.readLoop(ctx)
	go u.sweepLoop(ctx)

	return conn.Close, nil
}

func (u *udpFrontDoor) readLoop(ctx context.Context) {
	buf := make([]byte, u.front.cfg.MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, remote, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.front.log.Warn("udp read error: %v", err)
			continue
		}
		payload := client.Payload(string(buf[:n]))
		u.handleDatagram(ctx, remote, payload)
	}
}

func (u *udpFrontDoor) handleDatagram(ctx context.Context, remote *net.UDPAddr, payload client.Payload) {
	key := remote.String()
	state, ok := u.sessions.Load(key)
	if !ok {
		state = u.newSession(ctx, remote)
		u.sessions.Store(key, state)
	}
	state.touch()

	if err := u.deliverInit(ctx, state, payload); err != nil {
		u.front.log.Warn("udp session %s failed to connect to engine: %v", state.id, err)
	}
}

func (u *udpFrontDoor) newSession(ctx context.Context, remote *net.UDPAddr) *udpConnState {
	id := uuid.Must(uuid.NewV7())
	name := fmt.Sprintf("udp-%s", remote.String())
	core := u.front.sessions.GetOrCreate(id, name, u.front.cfg.EnginePeerAddr)
	sink := client.NewSink(wsSinkCapacity)
	subID := core.Subscribe(sink)

	sessCtx, cancel := context.WithCancel(ctx)
	state := &udpConnState{
		id:         id,
		core:       core,
		sink:       sink,
		subID:      subID,
		remoteAddr: remote,
		lastActive: time.Now(),
		cancel:     cancel,
	}
	go u.forward(sessCtx, state)
	return state
}

// forward relays every payload the Client Core fans out back to the
// remote UDP address that owns this session.
func (u *udpFrontDoor) forward(ctx context.Context, state *udpConnState) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-state.sink.Ch:
			if !ok {
				return
			}
			if _, err := u.conn.WriteToUDP([]byte(p), state.remoteAddr); err != nil {
				u.front.log.Warn("udp write to %s failed: %v", state.remoteAddr, err)
			}
		}
	}
}

// deliverInit connects a fresh session's Core on its first datagram, which
// for a real UDP player/monitor client *is* the init handshake the engine
// expects (unlike the WS path, a raw UDP sender already speaks the
// engine's wire protocol). Later datagrams are just forwarded.
func (u *udpFrontDoor) deliverInit(ctx context.Context, state *udpConnState, payload client.Payload) error {
	send := func() error {
		select {
		case state.core.Outbound() <- payload:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if state.core.Status() != client.Disconnected {
		return send()
	}

	if err := send(); err != nil {
		return err
	}
	err := state.core.Connect(ctx)
	if err == rcsserr.ErrAlreadyConnected {
		return nil
	}
	return err
}

// sweepLoop evicts sessions idle longer than UDPIdleTimeout, every
// UDPSweepInterval.
func (u *udpFrontDoor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(u.front.cfg.UDPSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.sweepOnce()
		}
	}
}

func (u *udpFrontDoor) sweepOnce() {
	var stale []string
	u.sessions.Range(func(key string, state *udpConnState) bool {
		if state.idleFor() > u.front.cfg.UDPIdleTimeout {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		if state, ok := u.sessions.LoadAndDelete(key); ok {
			state.cancel()
			state.core.Unsubscribe(state.subID)
			u.front.sessions.Remove(state.id)
			u.front.log.Debug("evicted idle udp session %s (%s)", state.id, key)
		}
	}
}
