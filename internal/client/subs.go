package client

import (
	"weak"

	"github.com/google/uuid"
)

// Subscribe registers sink to receive every subsequent inbound payload,
// including the init response if the handshake has not yet received it;
// payloads fanned out before the call are not replayed. The Core keeps
// only a weak.Pointer to sink: once the caller
// drops its own strong reference, the subscription is silently reaped on
// the next fan-out rather than leaking forever.
func (c *Core) Subscribe(sink *Sink) uuid.UUID {
	id := uuid.Must(uuid.NewV7())
	c.subsMu.Lock()
	c.subs[id] = weak.Make(sink)
	c.subsMu.Unlock()
	return id
}

// Unsubscribe removes a subscription by id. Returns false if it was already
// gone (explicitly removed, or reaped after the sink was GC'd).
func (c *Core) Unsubscribe(id uuid.UUID) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

// SubscriberCount returns the number of live (non-reaped) subscriptions as
// of the last fan-out or reap pass. It does not itself force a reap.
func (c *Core) SubscriberCount() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}

// fanOut delivers payload to every live subscriber, dropping (and removing)
// any whose Sink has already been garbage collected. Delivery to a
// subscriber whose channel is full is dropped rather than blocking the
// whole fan-out: one slow reader must never stall the others.
func (c *Core) fanOut(p Payload) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if len(c.subs) == 0 {
		c.log.Warn("fan-out with no subscribers, dropping payload")
		return
	}

	for id, weakSink := range c.subs {
		sink := weakSink.Value()
		if sink == nil {
			delete(c.subs, id)
			continue
		}
		select {
		case sink.Ch <- p:
		default:
			c.log.Warn("subscriber %s sink full, dropping payload", id)
		}
	}
}
