package keel

import (
	"fmt"
	"strings"
	"time"
)

// ErrCircuitOpen is returned (inside an Outcome) when a circuit breaker
// rejects a call without executing it.
type ErrCircuitOpen struct {
	Name        string
	NextAttempt time.Time
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker is OPEN for %s (next attempt at %s)",
		e.Name, e.NextAttempt.UTC().Format(time.RFC3339))
}

// ErrQueueRejected explains why an enqueue returned false.
type ErrQueueRejected struct {
	EventID string
	Reason  string // "duplicate", "too-large", "huge-dropped", "depth-limit"
}

func (e *ErrQueueRejected) Error() string {
	return fmt.Sprintf("event %s rejected: %s", e.EventID, e.Reason)
}

// ErrToolTimeout marks a tool invocation that exceeded its operation timeout.
type ErrToolTimeout struct {
	ToolName string
	Timeout  time.Duration
}

func (e *ErrToolTimeout) Error() string {
	return fmt.Sprintf("tool %s timed out after %s", e.ToolName, e.Timeout)
}

// ClassifyError maps an error message onto the DLQ tag vocabulary by
// substring match on the lowercased message. Order matters: the first match
// wins.
func ClassifyError(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out"):
		return "timeout"
	case strings.Contains(m, "network") || strings.Contains(m, "connection") || strings.Contains(m, "econnrefused"):
		return "network"
	case strings.Contains(m, "auth") || strings.Contains(m, "unauthorized") || strings.Contains(m, "forbidden"):
		return "auth"
	case strings.Contains(m, "validation") || strings.Contains(m, "invalid"):
		return "validation"
	case strings.Contains(m, "not found") || strings.Contains(m, "notfound") || strings.Contains(m, "404"):
		return "notfound"
	case strings.Contains(m, "server error") || strings.Contains(m, "500") || strings.Contains(m, "internal"):
		return "servererror"
	default:
		return "unknown"
	}
}
