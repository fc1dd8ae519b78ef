package session

import (
	"errors"
	"fmt"
)

var (
	// ErrRenegotiationCollision means an offer was requested or received
	// while a local offer was already outstanding and the glare rule says
	// this side must back off.
	ErrRenegotiationCollision = errors.New("renegotiation collision")

	// ErrStaleAnswer means an answer arrived with no local offer pending.
	// Callers log and discard it; it is never fatal.
	ErrStaleAnswer = errors.New("stale answer")

	// ErrCandidateRejected means the engine refused a remote candidate.
	// One bad candidate never closes the session.
	ErrCandidateRejected = errors.New("ice candidate rejected")

	// ErrSessionClosed means the operation ran against a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrOfferTimeout means an offer went unanswered for the whole wait
	// window and the session gave up.
	ErrOfferTimeout = errors.New("offer timed out")

	// ErrPeerUnreachable means ICE restarts exhausted their retry budget.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// Error wraps a session failure with the operation and the remote peer it
// concerned.
type Error struct {
	Op     string
	Remote string
	Err    error
}

func (e *Error) Error() string {
	if e.Remote != "" {
		return fmt.Sprintf("%s (peer %s): %v", e.Op, e.Remote, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, remote string, err error) *Error {
	return &Error{Op: op, Remote: remote, Err: err}
}
