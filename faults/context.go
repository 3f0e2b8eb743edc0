package faults

import "time"

// ErrorContext is the structured record built for every handled failure.
// It is immutable after Handle returns, except for the two recovery flags
// which Handle sets exactly once.
type ErrorContext struct {
	Timestamp time.Time
	Severity  Severity
	Category  Category
	Code      string
	Message   string
	Details   map[string]any
	Stack     string

	UserID    string
	SessionID string
	RequestID string

	RecoveryAttempted  bool
	RecoverySuccessful bool
}

// HandleOption configures a single Handle call.
type HandleOption func(*handleOptions)

type handleOptions struct {
	details   map[string]any
	userID    string
	sessionID string
	requestID string
	recover   bool
}

// WithDetail attaches a detail attribute to the error context.
func WithDetail(key string, value any) HandleOption {
	return func(o *handleOptions) {
		if o.details == nil {
			o.details = make(map[string]any)
		}
		o.details[key] = value
	}
}

// WithCorrelation attaches user, session, and request identifiers.
// Empty values are allowed and left unset.
func WithCorrelation(userID, sessionID, requestID string) HandleOption {
	return func(o *handleOptions) {
		o.userID = userID
		o.sessionID = sessionID
		o.requestID = requestID
	}
}

// WithoutRecovery disables the recovery-strategy chain for this call.
func WithoutRecovery() HandleOption {
	return func(o *handleOptions) { o.recover = false }
}
