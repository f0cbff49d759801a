package queue

import "errors"

var (
	// ErrQueueFull is returned when the queue is at its capacity ceiling.
	ErrQueueFull = errors.New("queue is full")

	// ErrNotFound is returned when no request has the given id.
	ErrNotFound = errors.New("request not found")

	// ErrNotPending is returned when Cancel or Reprioritize targets a
	// request that is no longer Pending.
	ErrNotPending = errors.New("request is not pending")
)
