package proto

import (
	"fmt"
	"strings"
)

// Scope is a visibility boundary for shared state and distributed context.
type Scope string

const (
	// ScopeGlobal is visible to every worker in every run.
	ScopeGlobal Scope = "global"

	// ScopeProject is visible to all workers of one project.
	ScopeProject Scope = "project"

	// ScopeWorkflow is visible within one orchestrated run.
	ScopeWorkflow Scope = "workflow"

	// ScopeWorker is private to a single worker.
	ScopeWorker Scope = "worker"
)

// ValidateScope validates if a string is a valid scope.
func ValidateScope(scope string) (Scope, bool) {
	switch Scope(scope) {
	case ScopeGlobal, ScopeProject, ScopeWorkflow, ScopeWorker:
		return Scope(scope), true
	default:
		return "", false
	}
}

// ParseScope parses a string into a Scope with validation.
func ParseScope(s string) (Scope, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))

	if scope, valid := ValidateScope(normalized); valid {
		return scope, nil
	}
	return "", fmt.Errorf("unknown scope: %s", s)
}

// String returns the string representation of Scope.
func (s Scope) String() string {
	return string(s)
}
