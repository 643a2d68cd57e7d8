// Package client implements the Client Core: a long-lived UDP session with
// an init handshake, fan-out of inbound datagrams to subscribers, and a
// single outbound channel usable by both trainer and player callers. It is
// the generic object specialised as Player or Trainer purely by Config.
package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
	"weak"

	"github.com/buildkite/roko"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/rcsserr"
	"github.com/buildkite/rcssd/internal/udpsession"
)

// Kind labels a client as a player or a trainer. The Core itself does not
// act on it: the peer address comes from Config.Peer, and the handshake is
// the same for both kinds.
type Kind int

const (
	Player Kind = iota
	Trainer
)

func (k Kind) String() string {
	if k == Trainer {
		return "trainer"
	}
	return "player"
}

// Status is the Client Core's connection state. Transitions are monotonic
// forward except for a hard reset to Disconnected.
type Status int

const (
	Disconnected Status = iota
	Idle
	WaitingRedirection
	Connected
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitingRedirection:
		return "waiting_redirection"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Payload is a shared-immutable inbound/outbound datagram, interpreted as
// UTF-8 text. (The original source duplicates this as RxData/TxData across
// files; both collapse to this one type here, per spec.md §9.)
type Payload string

// Config is immutable once a Core is constructed from it.
type Config struct {
	Name      string
	Kind      Kind
	LocalBind string // empty means an ephemeral local port
	Peer      string // host:port of the engine's well-known listener for this kind
}

// Sink is a bounded inbound delivery point. Callers construct one, keep the
// strong reference alive for as long as they want to keep receiving, and
// pass it to Subscribe; the Core itself only ever holds a weak reference; a
// sink the caller drops is reaped on the next fan-out.
type Sink struct {
	Ch chan Payload
}

// NewSink returns a Sink with a bounded channel of the given capacity.
func NewSink(capacity int) *Sink {
	return &Sink{Ch: make(chan Payload, capacity)}
}

const (
	initTimeout = 5 * time.Second
)

// Core owns exactly one UdpSession, one outbound channel, and a set of weak
// subscriber references, mirroring the ownership rules in spec.md §3.
type Core struct {
	cfg Config
	log logger.Logger

	session *udpsession.Session
	outbound chan Payload

	status *statusBox

	subsMu sync.Mutex
	subs   map[uuid.UUID]weak.Pointer[Sink]

	resolverClaimed atomic.Bool

	cancel context.CancelFunc
}

// statusBox guards the current Status behind a mutex. It is deliberately
// not internal/watch.Value: nothing outside the Core needs to subscribe to
// status changes, only read the latest one.
type statusBox struct {
	mu  sync.Mutex
	cur Status
}

func newStatusBox() *statusBox { return &statusBox{cur: Disconnected} }

func (b *statusBox) set(s Status) {
	b.mu.Lock()
	b.cur = s
	b.mu.Unlock()
}

func (b *statusBox) get() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// New constructs a Client Core in the Disconnected state. No sockets are
// opened until Connect is called.
func New(cfg Config, log logger.Logger) *Core {
	if log == nil {
		log = logger.NewBuffer()
	}
	return &Core{
		cfg:      cfg,
		log:      log.WithFields(logger.StringField("client", cfg.Name), logger.StringField("kind", cfg.Kind.String())),
		outbound: make(chan Payload, 32),
		status:   newStatusBox(),
		subs:     make(map[uuid.UUID]weak.Pointer[Sink]),
	}
}

// Config returns the immutable configuration this Core was constructed
// with.
func (c *Core) Config() Config { return c.cfg }

// Status returns the current connection status.
func (c *Core) Status() Status { return c.status.get() }

// Outbound returns the channel callers (and the Call Resolver) write
// encoded commands to.
func (c *Core) Outbound() chan<- Payload { return c.outbound }

// ClaimResolverSlot enforces the "at most one Resolver per Client Core"
// constraint (spec.md §4.4, §9): the first caller wins, every subsequent
// caller gets ErrResolverNotSingleton.
func (c *Core) ClaimResolverSlot() error {
	if !c.resolverClaimed.CompareAndSwap(false, true) {
		return rcsserr.ErrResolverNotSingleton
	}
	return nil
}

// Connect runs the init handshake and, on success, starts the steady-state
// inbound/outbound loops. It is idempotent: calling Connect on an already-
// connected (or connecting) Core returns ErrAlreadyConnected, which callers
// should treat as success.
func (c *Core) Connect(ctx context.Context) error {
	if c.status.get() != Disconnected {
		return rcsserr.ErrAlreadyConnected
	}
	c.status.set(Idle)

	initPayload, err := c.awaitFirstOutbound(ctx)
	if err != nil {
		c.status.set(Disconnected)
		return err
	}

	c.status.set(WaitingRedirection)

	sess, err := bindWithRetry(ctx, c.cfg.LocalBind)
	if err != nil {
		c.status.set(Disconnected)
		return &rcsserr.UdpError{Client: c.cfg.Name, Err: err}
	}
	c.session = sess

	peerAddr, err := resolveUDPAddr(c.cfg.Peer)
	if err != nil {
		c.status.set(Disconnected)
		return &rcsserr.UdpError{Client: c.cfg.Name, Err: err}
	}
	sess.SetPeer(peerAddr)

	if err := sess.Send([]byte(initPayload)); err != nil {
		c.status.set(Disconnected)
		return &rcsserr.UdpError{Client: c.cfg.Name, Err: err}
	}

	respCtx, cancel := context.WithTimeout(ctx, initTimeout)
	buf := make([]byte, 4096)
	n, err := sessRecvInitResponse(respCtx, sess, buf)
	cancel()
	if err != nil {
		c.status.set(Disconnected)
		if err == context.DeadlineExceeded {
			return rcsserr.ErrTimeoutInitResp
		}
		return &rcsserr.UdpError{Client: c.cfg.Name, Err: err}
	}

	first := payloadFromBytes(buf[:n])
	if first != nil {
		c.fanOut(*first)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runSteadyState(runCtx)

	c.status.set(Connected)
	return nil
}

func sessRecvInitResponse(ctx context.Context, sess *udpsession.Session, buf []byte) (int, error) {
	n, err := sess.RecvSetPeer(ctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, context.DeadlineExceeded
		}
		return 0, err
	}
	return n, nil
}

// awaitFirstOutbound waits up to initTimeout for the caller to have pushed
// the init datagram onto the outbound channel.
func (c *Core) awaitFirstOutbound(ctx context.Context) (Payload, error) {
	select {
	case p, ok := <-c.outbound:
		if !ok {
			return "", rcsserr.ErrChannelClosed
		}
		return p, nil
	case <-time.After(initTimeout):
		return "", rcsserr.ErrTimeoutInitReq
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// runSteadyState starts the two cooperating tasks described in spec.md
// §4.3: outbound drains the shared channel onto the wire, inbound reads
// datagrams and fans them out. Either task exiting aborts the other and
// resets status to Disconnected.
func (c *Core) runSteadyState(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.outboundLoop(gctx)
	})
	g.Go(func() error {
		return c.inboundLoop(gctx)
	})

	go func() {
		err := g.Wait()
		c.status.set(Disconnected)
		if err != nil {
			c.log.Warn("client core stopped: %v", err)
		}
	}()
}

func (c *Core) outboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return &rcsserr.TaskJoinError{Task: "outbound", Err: ctx.Err()}
		case p, ok := <-c.outbound:
			if !ok {
				return &rcsserr.TaskJoinError{Task: "outbound", Err: rcsserr.ErrChannelClosed}
			}
			if err := c.session.Send([]byte(p)); err != nil {
				return &rcsserr.TaskJoinError{Task: "outbound", Err: err}
			}
		}
	}
}

func (c *Core) inboundLoop(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		n, _, err := c.session.Recv(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return &rcsserr.TaskJoinError{Task: "inbound", Err: ctx.Err()}
			}
			return &rcsserr.TaskJoinError{Task: "inbound", Err: err}
		}
		p := payloadFromBytes(buf[:n])
		if p == nil {
			c.log.Warn("dropped non-UTF-8 datagram (%d bytes)", n)
			continue
		}
		c.fanOut(*p)
	}
}

// Close tears down the Core: cancels the steady-state loops and closes the
// underlying session. Safe to call on a Core that never connected.
func (c *Core) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func payloadFromBytes(b []byte) *Payload {
	if !utf8.Valid(b) {
		return nil
	}
	p := Payload(string(b))
	return &p
}

func resolveUDPAddr(s string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", s)
}

// bindWithRetry retries a local UDP bind a few times: on a busy host,
// ephemeral-port exhaustion or a just-freed port still in TIME_WAIT can
// make a bind fail transiently even though a retry a moment later succeeds.
func bindWithRetry(ctx context.Context, localAddr string) (*udpsession.Session, error) {
	var sess *udpsession.Session
	bind := func(r *roko.Retrier) error {
		s, err := udpsession.Bind(localAddr)
		if err != nil {
			return err
		}
		sess = s
		return nil
	}
	err := roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(50*time.Millisecond)),
	).DoWithContext(ctx, bind)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
