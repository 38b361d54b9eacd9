package game

import (
	"fmt"

	"github.com/pkg/errors"
)

// Dispatch failure classes. Each failure is scoped to its own message; none
// of them ever takes the process down.
var (
	// ErrMalformedMessage: required envelope fields are missing. Dropped,
	// logged, never retried.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnauthorizedAction: the action is not reachable in the caller's
	// context. Client-visible on the command path, silently dropped on the
	// bus path.
	ErrUnauthorizedAction = errors.New("unauthorized action")
	// ErrUnknownTarget: the aspect named by an envelope (typically a stale
	// continuation) is not registered. Dropped and logged; callers must
	// tolerate the broken promise.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrChannelGone: a push hit a dead channel. Not really an error; the
	// pipe treats it as an implicit detach.
	ErrChannelGone = errors.New("channel gone")
)

// HandlerError wraps an error raised inside an aspect action. The record is
// still persisted with whatever mutation happened before the failure.
type HandlerError struct {
	Aspect string
	Action string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s.%s failed: %v", e.Aspect, e.Action, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
