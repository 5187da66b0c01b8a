package store

import "errors"

var (
	ErrRecordNotFound = errors.New("record not found")
	// ErrTerminalState is returned when a terminal task is asked to move to another status.
	ErrTerminalState = errors.New("task already reached a terminal state")
	// ErrInvalidTransition is returned for moves its lifecycle does not allow, such as going back to PENDING.
	ErrInvalidTransition = errors.New("invalid task status transition")
)
