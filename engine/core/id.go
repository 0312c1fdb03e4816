package core

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque key for sessions, items, memories, and
// access-log entries.
func NewID() string {
	return uuid.NewString()
}

// IsDeadline reports whether err stems from an elapsed or canceled context.
func IsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// Preview truncates s for log/error payloads so previews stay bounded.
func Preview(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
