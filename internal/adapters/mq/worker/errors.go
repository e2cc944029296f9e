package worker

import "errors"

// ErrAlreadyScheduled is returned when a cycle is already queued or running.
var ErrAlreadyScheduled = errors.New("generation already scheduled")
