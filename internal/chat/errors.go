package chat

import "errors"

var (
	// ErrForbidden rejects moderation calls from non-moderators.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTarget rejects moderation against an out-of-range join position.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrNotFound reports a session that never joined the room.
	ErrNotFound = errors.New("not found")
	// ErrInvalidProfile rejects a profile save that failed validation.
	ErrInvalidProfile = errors.New("invalid profile")
	// ErrBusClosed reports a subscription torn down while a poll was waiting.
	ErrBusClosed = errors.New("subscription closed")
)
