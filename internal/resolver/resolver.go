// Package resolver implements the Call Resolver: a request/reply layer over
// a Client Core's unreliable, unordered UDP channel. Encoded commands are
// written to the Core's outbound channel; replies are matched back to the
// oldest pending call of the same Kind (the wire protocol carries no other
// correlation id), so several in-flight calls of the same Kind resolve in
// the order they were issued. Grounded on the per-kind
// FIFO request/reply matching a trainer-style control channel implements
// over an unordered datagram transport.
package resolver

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/buildkite/rcssd/internal/client"
	"github.com/buildkite/rcssd/internal/rcsscmd"
	"github.com/buildkite/rcssd/internal/rcsserr"
)

const defaultTimeout = 10 * time.Second

type result struct {
	val any
	err error
}

type pendingCall struct {
	cmd      rcsscmd.Command
	ch       chan result
	resolved atomic.Bool
}

// Resolver sends commands through its Client Core's outbound channel and
// matches the replies. client.Core.ClaimResolverSlot, called at
// construction time, allows at most one Resolver per Core; other writers to
// the outbound channel are not prevented.
type Resolver struct {
	core    *client.Core
	sink    *client.Sink
	subID   uuid.UUID
	timeout time.Duration

	mu     sync.Mutex
	queues map[rcsscmd.Kind]*list.List

	cancel context.CancelFunc
}

// New claims the single Resolver slot on core and starts reading its
// inbound fan-out for replies. Returns rcsserr.ErrResolverNotSingleton if a
// Resolver already exists for this core.
func New(core *client.Core, timeout time.Duration) (*Resolver, error) {
	if err := core.ClaimResolverSlot(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	sink := client.NewSink(64)
	subID := core.Subscribe(sink)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		core:    core,
		sink:    sink,
		subID:   subID,
		timeout: timeout,
		queues:  make(map[rcsscmd.Kind]*list.List),
		cancel:  cancel,
	}
	go r.readLoop(ctx)
	return r, nil
}

// Call encodes cmd, sends it, and blocks until a reply of the same Kind
// arrives, ctx is cancelled, or the resolver's timeout elapses (in which
// case the error is *rcsserr.CallElapsed).
func (r *Resolver) Call(ctx context.Context, cmd rcsscmd.Command) (any, error) {
	call := &pendingCall{cmd: cmd, ch: make(chan result, 1)}

	r.mu.Lock()
	q, ok := r.queues[cmd.Kind()]
	if !ok {
		q = list.New()
		r.queues[cmd.Kind()] = q
	}
	el := q.PushBack(call)
	r.mu.Unlock()

	select {
	case r.core.Outbound() <- client.Payload(cmd.Encode()):
	case <-ctx.Done():
		r.forget(cmd.Kind(), el, call)
		return nil, ctx.Err()
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case res := <-call.ch:
		return res.val, res.err
	case <-timer.C:
		r.forget(cmd.Kind(), el, call)
		return nil, &rcsserr.CallElapsed{Kind: string(cmd.Kind())}
	case <-ctx.Done():
		r.forget(cmd.Kind(), el, call)
		return nil, ctx.Err()
	}
}

// forget removes a call from its queue if it's still pending. If dispatch
// has already claimed it (call.resolved was set first), the removal is a
// no-op: the reply is already on its way to the waiting Call.
func (r *Resolver) forget(kind rcsscmd.Kind, el *list.Element, call *pendingCall) {
	if !call.resolved.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[kind]; ok {
		q.Remove(el)
	}
}

// readLoop drains the resolver's subscription and dispatches every parsable
// frame to the oldest pending call of the matching kind.
func (r *Resolver) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-r.sink.Ch:
			if !ok {
				return
			}
			kind, status, tokens, ok := parseFrame(string(payload))
			if !ok {
				continue
			}
			r.dispatch(rcsscmd.Kind(kind), status, tokens)
		}
	}
}

func (r *Resolver) dispatch(kind rcsscmd.Kind, status string, tokens []string) {
	r.mu.Lock()
	q, ok := r.queues[kind]
	if !ok || q.Len() == 0 {
		r.mu.Unlock()
		return
	}
	front := q.Front()
	call := front.Value.(*pendingCall)
	q.Remove(front)
	r.mu.Unlock()

	if !call.resolved.CompareAndSwap(false, true) {
		return // Call already gave up on this one (timeout/cancel race).
	}

	res := result{}
	switch status {
	case "error", "warning":
		if ep, ok := call.cmd.(rcsscmd.ErrParser); ok {
			if e, ok := ep.ParseErr(tokens); ok {
				res.err = e
				break
			}
		}
		if res.err == nil {
			res.err = &rcsserr.EngineReply{Kind: string(kind), Status: status, Tokens: tokens}
		}
	default:
		if okp, ok := call.cmd.(rcsscmd.OKParser); ok {
			if v, ok := okp.ParseOK(tokens); ok {
				res.val = v
			} else if ep, ok := call.cmd.(rcsscmd.ErrParser); ok {
				if e, ok := ep.ParseErr(tokens); ok {
					res.err = e
				}
			}
		}
	}
	call.ch <- res
}

// Close stops the resolver's read loop and unsubscribes from the Core. The
// Core's ResolverSlot is not released: a Core supports at most one Resolver
// for its whole lifetime.
func (r *Resolver) Close() error {
	r.cancel()
	r.core.Unsubscribe(r.subID)
	return nil
}

// parseFrame accepts the engine's reply framing: either the bare
// "(kind tok1 tok2 ...)" form or the "(status kind tok1 tok2 ...)" form
// where status is "ok", "error", or "warning" (spec.md notes the engine
// writes both forms for the same reply, and the prefix is optional). It
// returns the real kind, the status ("" for the bare form), and the
// remaining tokens.
func parseFrame(s string) (kind, status string, tokens []string, ok bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return "", "", nil, false
	}
	fields := strings.Fields(s[1 : len(s)-1])
	if len(fields) == 0 {
		return "", "", nil, false
	}

	switch fields[0] {
	case "ok", "error", "warning":
		if len(fields) < 2 {
			return "", "", nil, false
		}
		return fields[1], fields[0], fields[2:], true
	default:
		return fields[0], "", fields[1:], true
	}
}
