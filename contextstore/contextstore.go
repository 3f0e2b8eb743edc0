// Package contextstore persists per-session conversation context: the
// rolling window of exchanges a session has had with the server's tools.
// Backends bound both the entry count per session and the lifetime of
// idle sessions.
package contextstore

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxEntries bounds the conversation window kept per session.
const DefaultMaxEntries = 50

// DefaultTTL is how long an idle session context survives.
const DefaultTTL = time.Hour

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("contextstore: store is closed")

// Entry is one exchange in a session's conversation window.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is a session's stored conversation state.
type Context struct {
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id,omitempty"`
	Entries   []Entry           `json:"entries"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store persists session contexts. Appends to the same session are atomic
// with respect to each other; implementations must be safe for concurrent
// use.
type Store interface {
	// Get retrieves the context for a session. A missing or expired
	// session yields (nil, nil); errors are reserved for backend failures.
	Get(ctx context.Context, sessionID string) (*Context, error)

	// Put stores the context wholesale, resetting its TTL.
	Put(ctx context.Context, c *Context) error

	// Append adds entries to a session's window, creating the context if
	// absent and trimming the window to the configured bound. The updated
	// context is returned.
	Append(ctx context.Context, sessionID, userID string, entries ...Entry) (*Context, error)

	// Delete removes a session's context. Deleting an absent session is
	// not an error.
	Delete(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}

// Trim bounds the entry window to the most recent max entries.
func Trim(entries []Entry, max int) []Entry {
	if max <= 0 || len(entries) <= max {
		return entries
	}
	return entries[len(entries)-max:]
}
