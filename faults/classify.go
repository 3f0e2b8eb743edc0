package faults

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"strings"
)

// Category classifies a handled failure by kind.
type Category string

const (
	CategoryProtocol      Category = "protocol"
	CategoryAIModel       Category = "ai_model"
	CategorySecurity      Category = "security"
	CategoryNetwork       Category = "network"
	CategoryConfiguration Category = "configuration"
	CategoryResource      Category = "resource"
	CategorySystem        Category = "system"
	CategoryUserInput     Category = "user_input"
	CategoryExternal      Category = "external"
)

// Severity classifies how serious a handled failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Categorize maps an error to its category. Explicit typed kinds win;
// generic network, OS, and argument errors are matched next; everything
// else is "system".
func Categorize(err error) Category {
	var (
		protoErr    *ProtocolError
		modelErr    *ModelError
		securityErr *SecurityError
		netErr      *NetworkError
		cfgErr      *ConfigError
		resErr      *ResourceError
		valErr      *ValidationError
	)
	switch {
	case errors.As(err, &protoErr):
		return CategoryProtocol
	case errors.As(err, &modelErr):
		return CategoryAIModel
	case errors.As(err, &securityErr):
		return CategorySecurity
	case errors.As(err, &netErr):
		return CategoryNetwork
	case errors.As(err, &cfgErr):
		return CategoryConfiguration
	case errors.As(err, &resErr):
		return CategoryResource
	case errors.As(err, &valErr):
		return CategoryUserInput
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CategoryNetwork
	}
	var serr *os.SyscallError
	if errors.As(err, &serr) {
		return CategoryResource
	}

	return CategorySystem
}

// DetermineSeverity maps an error and its category to a severity. Failures
// during process termination and resource exhaustion at the memory level
// are always critical; security and protocol failures are high; model
// failures are high only when the model is missing.
func DetermineSeverity(err error, category Category) Severity {
	if errors.Is(err, ErrShutdown) {
		return SeverityCritical
	}

	msg := strings.ToLower(err.Error())

	if category == CategoryResource && strings.Contains(msg, "out of memory") {
		return SeverityCritical
	}

	switch category {
	case CategorySecurity, CategoryProtocol:
		return SeverityHigh
	case CategoryAIModel:
		if strings.Contains(msg, "model not found") {
			return SeverityHigh
		}
		return SeverityMedium
	case CategoryNetwork, CategoryResource:
		return SeverityMedium
	case CategoryConfiguration, CategoryUserInput:
		return SeverityLow
	}
	return SeverityMedium
}

// Code derives a deterministic error code from category, error kind, and a
// stable hash of the message text. Identical errors produce identical
// codes; distinct messages differ with overwhelming probability.
func Code(category Category, err error) string {
	kind := errKind(err)
	if len(kind) > 10 {
		kind = kind[:10]
	}
	prefix := strings.ToUpper(string(category))
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	h := fnv.New32a()
	h.Write([]byte(err.Error()))
	return fmt.Sprintf("%s-%s-%04d", prefix, strings.ToUpper(kind), h.Sum32()%10000)
}

func errKind(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
