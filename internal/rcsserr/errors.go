// Package rcsserr centralizes the sentinel error values and small error
// types used across rcssd, so callers can classify failures with
// errors.Is/errors.As the way buildkite-agent's own packages do (e.g.
// process.ErrNotWaitStatus).
package rcsserr

import (
	"errors"
	"fmt"
)

var (
	// ErrBindFailed indicates a UDP session could not bind its local socket.
	ErrBindFailed = errors.New("udp session: bind failed")
	// ErrNoPeer indicates a send was attempted before the session peer was locked.
	ErrNoPeer = errors.New("udp session: no locked peer")

	ErrChannelClosed = errors.New("client core: outbound channel closed")
	ErrChannelSend   = errors.New("client core: outbound send failed")

	ErrTimeoutInitReq  = errors.New("client core: timed out waiting for init request")
	ErrTimeoutInitResp = errors.New("client core: timed out waiting for init response")

	ErrResolverNotSingleton = errors.New("call resolver: already initialized for this client")

	ErrChildAlreadyCompleted  = errors.New("process supervisor: child already completed")
	ErrChildRunningWithoutPid = errors.New("process supervisor: child running without pid")
	ErrTimeoutWaitingReady    = errors.New("process supervisor: timed out waiting for ready marker")
	ErrProcessJoinTimeout     = errors.New("process supervisor: termination window exceeded")
	ErrSignalSend             = errors.New("process supervisor: failed to deliver signal")

	ErrServerStillRunning = errors.New("supervisor shell: server still running")
	ErrServerNotRunning   = errors.New("supervisor shell: server not running")

	// ErrAlreadyConnected is not a failure: callers should treat it as a
	// successful, idempotent connect().
	ErrAlreadyConnected = errors.New("client core: already connected")
)

// UdpError wraps a UDP I/O failure observed by a named client.
type UdpError struct {
	Client string
	Err    error
}

func (e *UdpError) Error() string {
	return fmt.Sprintf("udp error on client %q: %v", e.Client, e.Err)
}

func (e *UdpError) Unwrap() error { return e.Err }

// TaskJoinError tags a failure in one of the client core's cooperating
// inbound/outbound tasks.
type TaskJoinError struct {
	Task string
	Err  error
}

func (e *TaskJoinError) Error() string {
	return fmt.Sprintf("task %q exited: %v", e.Task, e.Err)
}

func (e *TaskJoinError) Unwrap() error { return e.Err }

// CallElapsed indicates a trainer/player call timed out before a reply with
// the matching kind arrived.
type CallElapsed struct {
	Kind string
}

func (e *CallElapsed) Error() string {
	return fmt.Sprintf("call elapsed: no reply for kind %q within deadline", e.Kind)
}

// EngineReply wraps an `(error kind ...)` or `(warning kind ...)` frame that
// a command's ErrParser didn't claim, so the call still resolves with a
// descriptive error instead of hanging until CallElapsed.
type EngineReply struct {
	Kind   string
	Status string
	Tokens []string
}

func (e *EngineReply) Error() string {
	return fmt.Sprintf("engine %s reply for kind %q: %v", e.Status, e.Kind, e.Tokens)
}
