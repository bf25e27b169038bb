package worker

import "errors"

// Sentinel errors for mailbox operations
var (
	// ErrMailboxNotStarted indicates Submit was called before Start
	ErrMailboxNotStarted = errors.New("mailbox not started")

	// ErrMailboxStopped indicates the mailbox no longer accepts work
	ErrMailboxStopped = errors.New("mailbox stopped")

	// ErrMailboxAlreadyStarted indicates Start was called twice
	ErrMailboxAlreadyStarted = errors.New("mailbox already started")

	// ErrNilHandler indicates a nil handler function was provided
	ErrNilHandler = errors.New("handler function cannot be nil")

	// ErrStopTimeout indicates the running item did not finish within the timeout
	ErrStopTimeout = errors.New("timeout waiting for mailbox to stop")
)
