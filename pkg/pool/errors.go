package pool

import (
	"errors"
	"strings"
)

// Sentinel errors for pool lifecycle and acquisition failures.
var (
	// ErrPoolShuttingDown is returned by Acquire and Execute after Shutdown.
	ErrPoolShuttingDown = errors.New("pool is shutting down")

	// ErrAcquireTimeout is returned when no handle becomes free within the
	// configured acquire timeout.
	ErrAcquireTimeout = errors.New("acquire timeout")
)

// connectionErrorMarkers are the substrings that mark an error as a
// transient backend failure worth a reconnect. "locked" covers SQLite's
// "database is locked" busy errors.
var connectionErrorMarkers = []string{"database", "connection", "prepare", "locked"}

// IsConnectionError reports whether err looks like a transient backend
// failure. Execute reconnects and retries on these; anything else
// propagates immediately.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
