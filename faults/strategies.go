package faults

import (
	"context"
	"runtime"
	"time"
)

// Strategy attempts to mitigate an error category in place. The shared
// detail mapping on the ErrorContext may be mutated to signal downstream
// behavior (fallback mode, reduced limits). The first strategy in a
// category's chain to return true stops the chain.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, err error, ec *ErrorContext) bool
}

// ModelRestarter restarts the AI model backing the server. Wired in by the
// process that owns the model adapter; nil disables the restart strategy.
type ModelRestarter interface {
	Restart(ctx context.Context) error
}

// ConfigReloader re-reads configuration from its source.
type ConfigReloader interface {
	Reload(ctx context.Context) error
}

type modelFallbackStrategy struct{}

func (modelFallbackStrategy) Name() string { return "model_fallback" }
func (modelFallbackStrategy) Attempt(ctx context.Context, err error, ec *ErrorContext) bool {
	ec.Details["use_fallback"] = true
	return true
}

type modelRestartStrategy struct {
	restarter ModelRestarter
}

func (modelRestartStrategy) Name() string { return "model_restart" }
func (s modelRestartStrategy) Attempt(ctx context.Context, err error, ec *ErrorContext) bool {
	if s.restarter == nil {
		return false
	}
	if err := s.restarter.Restart(ctx); err != nil {
		return false
	}
	ec.Details["model_restarted"] = true
	return true
}

type networkRetryStrategy struct {
	baseDelay time.Duration
}

func (networkRetryStrategy) Name() string { return "network_retry" }
func (s networkRetryStrategy) Attempt(ctx context.Context, err error, ec *ErrorContext) bool {
	retries, _ := ec.Details["retry_count"].(int)
	if retries >= 3 {
		return false
	}
	ec.Details["retry_count"] = retries + 1

	delay := s.baseDelay << retries
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

type networkFallbackStrategy struct{}

func (networkFallbackStrategy) Name() string { return "network_local_only" }
func (networkFallbackStrategy) Attempt(ctx context.Context, err error, ec *ErrorContext) bool {
	ec.Details["local_only"] = true
	return true
}

type resourceReclaimStrategy struct {
	h *Handler
}

func (resourceReclaimStrategy) Name() string { return "resource_reclaim" }
func (s resourceReclaimStrategy) Attempt(ctx context.Context, err error, ec *ErrorContext) bool {
	runtime.GC()
	s.h.trimHistory()
	ec.Details["resources_cleaned"] = true
	return true
}

type resourceLimitStrategy struct{}

func (resourceLimitStrategy) Name() string { return "resource_reduce_limits" }
func (resourceLimitStrategy) Attempt(ctx context.Context, err error, ec *ErrorContext) bool {
	ec.Details["reduced_limits"] = true
	return true
}

type configDefaultsStrategy struct{}

func (configDefaultsStrategy) Name() string { return "config_defaults" }
func (configDefaultsStrategy) Attempt(ctx context.Context, err error, ec *ErrorContext) bool {
	ec.Details["use_defaults"] = true
	return true
}

type configReloadStrategy struct {
	reloader ConfigReloader
}

func (configReloadStrategy) Name() string { return "config_reload" }
func (s configReloadStrategy) Attempt(ctx context.Context, err error, ec *ErrorContext) bool {
	if s.reloader == nil {
		return false
	}
	if err := s.reloader.Reload(ctx); err != nil {
		return false
	}
	ec.Details["config_reloaded"] = true
	return true
}
