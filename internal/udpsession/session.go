// Package udpsession implements the UDP Session primitive: a local socket
// that, after its first successful receive, locks onto the sender as its
// peer. The engine answers an init datagram from a freshly allocated
// ephemeral port, so the caller must learn that port from the first reply
// and pin it; recv_set_peer encodes this atomically.
package udpsession

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/buildkite/rcssd/internal/rcsserr"
)

// Session wraps a UDP socket with a lockable peer address, the way
// buildkite-agent's process.Process wraps an *exec.Cmd with supervised
// lifecycle state: a small struct guarding an OS handle plus the extra
// invariant the domain needs (here, "peer becomes fixed after the first
// datagram").
type Session struct {
	conn *net.UDPConn

	mu     sync.RWMutex
	peer   *net.UDPAddr
	locked bool // set by the first RecvSetPeer; SetPeer does not set it

	closed atomic.Bool
}

// Bind opens a UDP socket on localAddr (use ":0" for an ephemeral port).
func Bind(localAddr string) (*Session, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %q: %v", rcsserr.ErrBindFailed, localAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rcsserr.ErrBindFailed, err)
	}
	return &Session{conn: conn}, nil
}

// LocalAddr returns the address the session is bound to.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Peer returns the current peer address: the sender locked by RecvSetPeer,
// else the address given to SetPeer, else nil.
func (s *Session) Peer() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// Send writes bytes to the locked peer. It fails with ErrNoPeer if the peer
// hasn't been established yet (via RecvSetPeer or SetPeer).
func (s *Session) Send(b []byte) error {
	s.mu.RLock()
	peer := s.peer
	s.mu.RUnlock()

	if peer == nil {
		return rcsserr.ErrNoPeer
	}
	_, err := s.conn.WriteToUDP(b, peer)
	return err
}

// SetPeer fixes the peer address explicitly, used to send the first init
// datagram to the engine's well-known port before any reply locks it in.
func (s *Session) SetPeer(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = addr
}

// SendTo writes bytes to an explicit address without requiring (or
// affecting) a locked peer.
func (s *Session) SendTo(b []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(b, addr)
	return err
}

// Recv reads one datagram into buf without altering the locked peer.
func (s *Session) Recv(ctx context.Context, buf []byte) (int, *net.UDPAddr, error) {
	return s.recv(ctx, buf)
}

// RecvSetPeer reads one datagram into buf. If no peer is locked yet, the
// sender of this datagram becomes the locked peer. Subsequent calls behave
// like Recv.
func (s *Session) RecvSetPeer(ctx context.Context, buf []byte) (int, error) {
	n, from, err := s.recv(ctx, buf)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if !s.locked {
		s.peer = from
		s.locked = true
	}
	s.mu.Unlock()

	return n, nil
}

func (s *Session) recv(ctx context.Context, buf []byte) (int, *net.UDPAddr, error) {
	type result struct {
		n    int
		from *net.UDPAddr
		err  error
	}

	done := make(chan result, 1)
	go func() {
		n, from, err := s.conn.ReadFromUDP(buf)
		done <- result{n, from, err}
	}()

	select {
	case <-ctx.Done():
		_ = s.conn.SetReadDeadline(pastDeadline())
		<-done // wait for the goroutine to observe the deadline and exit
		return 0, nil, ctx.Err()
	case r := <-done:
		return r.n, r.from, r.err
	}
}

// Close releases the underlying socket. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
