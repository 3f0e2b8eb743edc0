package faults

// Degradation levels. Higher levels shed more load and features.
const (
	DegradationNone     = 0
	DegradationLight    = 1
	DegradationModerate = 2
	DegradationSevere   = 3
)

// Thresholds driving the degradation level.
const (
	highErrorRatePerMinute  = 5.0
	lightErrorRatePerMinute = 2.0
	memoryPressureErrors    = 3
)

// DegradationState summarizes how much the server should shed given recent
// error conditions. Recomputed on demand from the error history; never
// persisted.
type DegradationState struct {
	Level          int
	HighErrorRate  bool
	MemoryPressure bool
}

// Degraded reports whether any load shedding is in effect.
func (s DegradationState) Degraded() bool { return s.Level > DegradationNone }

func deriveDegradation(errorsPerMinute float64, recentResourceErrors int) DegradationState {
	s := DegradationState{
		HighErrorRate:  errorsPerMinute > highErrorRatePerMinute,
		MemoryPressure: recentResourceErrors > memoryPressureErrors,
	}
	switch {
	case s.HighErrorRate && s.MemoryPressure:
		s.Level = DegradationSevere
	case s.HighErrorRate || s.MemoryPressure:
		s.Level = DegradationModerate
	case errorsPerMinute > lightErrorRatePerMinute:
		s.Level = DegradationLight
	}
	return s
}

// DegradationConfig is the set of caps callers consult before honoring a
// request. It is a pure function of the degradation level.
type DegradationConfig struct {
	Enabled               bool
	Level                 int
	MaxContextSize        int
	MaxConcurrentRequests int
	UseFallbackResponses  bool
	DisableAIFeatures     bool
	ReduceLogging         bool
}

// ConfigForLevel returns the caps in force at the given degradation level.
func ConfigForLevel(level int) DegradationConfig {
	switch level {
	case DegradationLight:
		return DegradationConfig{
			Enabled:               true,
			Level:                 DegradationLight,
			MaxContextSize:        2000,
			MaxConcurrentRequests: 3,
		}
	case DegradationModerate:
		return DegradationConfig{
			Enabled:               true,
			Level:                 DegradationModerate,
			MaxContextSize:        1000,
			MaxConcurrentRequests: 2,
			UseFallbackResponses:  true,
			ReduceLogging:         true,
		}
	case DegradationSevere:
		return DegradationConfig{
			Enabled:               true,
			Level:                 DegradationSevere,
			MaxContextSize:        500,
			MaxConcurrentRequests: 1,
			UseFallbackResponses:  true,
			DisableAIFeatures:     true,
			ReduceLogging:         true,
		}
	default:
		return DegradationConfig{Level: DegradationNone}
	}
}

// DegradationConfig returns the caps for the current derived level.
func (h *Handler) DegradationConfig() DegradationConfig {
	return ConfigForLevel(h.Statistics().Degradation.Level)
}
