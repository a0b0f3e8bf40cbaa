package models

import "errors"

// ErrQueueFull is returned by a push against a saturated queue under the
// drop-newest admission policy. The heartbeat is discarded and counted;
// this is a signaled condition, not a fault.
var ErrQueueFull = errors.New("heartbeat queue is full")

// ErrShutdown is the terminal rejection returned by queue operations
// after Close. Callers treat it as a request to stop, never as a crash.
var ErrShutdown = errors.New("heartbeat pipeline is shutting down")
