package faults

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

const defaultMaxHistory = 1000

// Handler classifies failures, runs recovery strategies, and maintains the
// bounded error history that degradation decisions are derived from. One
// Handler is constructed at startup and passed to every component that can
// fail; there is no package-level instance.
type Handler struct {
	log        *slog.Logger
	maxHistory int
	now        func() time.Time

	mu                sync.Mutex
	history           []*ErrorContext
	counts            map[string]int
	recoveryAttempted int
	recoverySucceeded int

	strategies map[Category][]Strategy
}

// HandlerOption configures a Handler at construction.
type HandlerOption func(*Handler, *strategyDeps)

type strategyDeps struct {
	restarter ModelRestarter
	reloader  ConfigReloader
	baseDelay time.Duration
}

// WithLogger sets the structured logger used for error records.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler, _ *strategyDeps) { h.log = log }
}

// WithMaxHistory bounds the retained error history.
func WithMaxHistory(n int) HandlerOption {
	return func(h *Handler, _ *strategyDeps) { h.maxHistory = n }
}

// WithModelRestarter wires the model-restart recovery strategy.
func WithModelRestarter(r ModelRestarter) HandlerOption {
	return func(_ *Handler, d *strategyDeps) { d.restarter = r }
}

// WithConfigReloader wires the configuration-reload recovery strategy.
func WithConfigReloader(r ConfigReloader) HandlerOption {
	return func(_ *Handler, d *strategyDeps) { d.reloader = r }
}

// WithBackoffBase sets the base delay for the network retry strategy.
func WithBackoffBase(d time.Duration) HandlerOption {
	return func(_ *Handler, deps *strategyDeps) { deps.baseDelay = d }
}

// WithClock overrides the time source. Used by tests to shape the
// error-rate window.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler, _ *strategyDeps) { h.now = now }
}

// NewHandler builds a Handler with the standard recovery-strategy chains.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		log:        slog.Default(),
		maxHistory: defaultMaxHistory,
		now:        time.Now,
		counts:     make(map[string]int),
	}
	deps := &strategyDeps{baseDelay: time.Second}
	for _, opt := range opts {
		opt(h, deps)
	}

	h.strategies = map[Category][]Strategy{
		CategoryAIModel: {
			modelFallbackStrategy{},
			modelRestartStrategy{restarter: deps.restarter},
		},
		CategoryNetwork: {
			networkRetryStrategy{baseDelay: deps.baseDelay},
			networkFallbackStrategy{},
		},
		CategoryResource: {
			resourceReclaimStrategy{h: h},
			resourceLimitStrategy{},
		},
		CategoryConfiguration: {
			configDefaultsStrategy{},
			configReloadStrategy{reloader: deps.reloader},
		},
	}
	return h
}

// Handle builds, logs, and records an ErrorContext for err, optionally
// running the recovery chain for its category. It never returns nil.
func (h *Handler) Handle(ctx context.Context, err error, opts ...HandleOption) *ErrorContext {
	options := handleOptions{recover: true}
	for _, opt := range opts {
		opt(&options)
	}
	if options.details == nil {
		options.details = make(map[string]any)
	}

	category := Categorize(err)
	severity := DetermineSeverity(err, category)

	ec := &ErrorContext{
		Timestamp: h.now(),
		Severity:  severity,
		Category:  category,
		Code:      Code(category, err),
		Message:   err.Error(),
		Details:   options.details,
		UserID:    options.userID,
		SessionID: options.sessionID,
		RequestID: options.requestID,
	}
	if severity == SeverityHigh || severity == SeverityCritical {
		ec.Stack = string(debug.Stack())
	}

	h.logError(ctx, ec)

	h.mu.Lock()
	h.counts[ec.Code]++
	h.mu.Unlock()

	// Recovery runs outside the lock; strategies may sleep.
	if options.recover {
		if chain, ok := h.strategies[category]; ok {
			ec.RecoveryAttempted = true
			ec.RecoverySuccessful = h.attemptRecovery(ctx, err, ec, chain)
		}
	}

	h.mu.Lock()
	if ec.RecoveryAttempted {
		h.recoveryAttempted++
		if ec.RecoverySuccessful {
			h.recoverySucceeded++
		}
	}
	h.history = append(h.history, ec)
	if len(h.history) > h.maxHistory {
		h.history = h.history[len(h.history)-h.maxHistory:]
	}
	h.mu.Unlock()

	return ec
}

func (h *Handler) attemptRecovery(ctx context.Context, err error, ec *ErrorContext, chain []Strategy) bool {
	for _, s := range chain {
		if s.Attempt(ctx, err, ec) {
			h.log.InfoContext(ctx, "error recovery succeeded",
				slog.String("strategy", s.Name()),
				slog.String("error_code", ec.Code))
			return true
		}
		h.log.DebugContext(ctx, "recovery strategy did not apply",
			slog.String("strategy", s.Name()),
			slog.String("error_code", ec.Code))
	}
	return false
}

func (h *Handler) logError(ctx context.Context, ec *ErrorContext) {
	attrs := []any{
		slog.String("error_code", ec.Code),
		slog.String("category", string(ec.Category)),
		slog.String("severity", string(ec.Severity)),
		slog.String("session_id", ec.SessionID),
		slog.String("request_id", ec.RequestID),
	}
	switch ec.Severity {
	case SeverityCritical, SeverityHigh:
		h.log.ErrorContext(ctx, ec.Message, attrs...)
	case SeverityMedium:
		h.log.WarnContext(ctx, ec.Message, attrs...)
	default:
		h.log.InfoContext(ctx, ec.Message, attrs...)
	}
}

// trimHistory drops the older half of the history once it has grown past
// half its bound. Called by the resource reclaim strategy as a
// memory-bounding measure; small histories are left intact so recent
// evidence still feeds degradation decisions.
func (h *Handler) trimHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.history) > h.maxHistory/2 {
		h.history = append([]*ErrorContext(nil), h.history[len(h.history)/2:]...)
	}
}

// Reset clears counters and history. For tests and maintenance.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = nil
	h.counts = make(map[string]int)
	h.recoveryAttempted = 0
	h.recoverySucceeded = 0
}

// RecentError is a compact view of a recent history entry.
type RecentError struct {
	Code      string
	Category  Category
	Severity  Severity
	Timestamp time.Time
}

// CodeCount pairs a deterministic error code with its occurrence count.
type CodeCount struct {
	Code  string
	Count int
}

// Statistics is a point-in-time summary of error activity, including the
// derived degradation state.
type Statistics struct {
	TotalErrors       int
	CategoryCounts    map[Category]int
	SeverityCounts    map[Severity]int
	RecentErrors      []RecentError
	MostFrequent      []CodeCount
	RecoveryAttempted int
	RecoverySucceeded int
	ErrorsPerMinute   float64
	Degradation       DegradationState
}

// Statistics computes a summary over the retained history. The error rate
// divides by the actual observed timestamp span of errors in the trailing
// hour, floored at one minute, so short bursts register an elevated rate.
func (h *Handler) Statistics() Statistics {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	cutoff := now.Add(-time.Hour)

	stats := Statistics{
		TotalErrors:       len(h.history),
		CategoryCounts:    make(map[Category]int),
		SeverityCounts:    make(map[Severity]int),
		RecoveryAttempted: h.recoveryAttempted,
		RecoverySucceeded: h.recoverySucceeded,
	}

	var oldestRecent time.Time
	recentResource := 0
	for _, ec := range h.history {
		stats.CategoryCounts[ec.Category]++
		stats.SeverityCounts[ec.Severity]++
		if ec.Timestamp.After(cutoff) {
			stats.RecentErrors = append(stats.RecentErrors, RecentError{
				Code:      ec.Code,
				Category:  ec.Category,
				Severity:  ec.Severity,
				Timestamp: ec.Timestamp,
			})
			if oldestRecent.IsZero() || ec.Timestamp.Before(oldestRecent) {
				oldestRecent = ec.Timestamp
			}
			if ec.Category == CategoryResource {
				recentResource++
			}
		}
	}

	for code, n := range h.counts {
		stats.MostFrequent = append(stats.MostFrequent, CodeCount{Code: code, Count: n})
	}
	sort.Slice(stats.MostFrequent, func(i, j int) bool {
		if stats.MostFrequent[i].Count != stats.MostFrequent[j].Count {
			return stats.MostFrequent[i].Count > stats.MostFrequent[j].Count
		}
		return stats.MostFrequent[i].Code < stats.MostFrequent[j].Code
	})
	if len(stats.MostFrequent) > 10 {
		stats.MostFrequent = stats.MostFrequent[:10]
	}

	if n := len(stats.RecentErrors); n > 0 {
		span := now.Sub(oldestRecent)
		if span < time.Minute {
			span = time.Minute
		}
		stats.ErrorsPerMinute = float64(n) / span.Minutes()
	}

	stats.Degradation = deriveDegradation(stats.ErrorsPerMinute, recentResource)
	return stats
}
