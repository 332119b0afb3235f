// Package router implements the agent loop's deterministic model selection:
// a pure function from (task type, complexity) to a router tier.
package router

import "strings"

// Tier names a router tier. The concrete model identifier each tier resolves
// to is configuration-driven (config.Tiers + config.Providers).
type Tier string

const (
	Complex  Tier = "complex"
	Coding   Tier = "coding"
	Balanced Tier = "balanced"
	Fast     Tier = "fast"
)

var codeTaskTypes = map[string]bool{
	"code":        true,
	"coding":      true,
	"programming": true,
	"debug":       true,
}

var analysisTaskTypes = map[string]bool{
	"analysis": true,
	"research": true,
	"planning": true,
}

var fastTaskTypes = map[string]bool{
	"simple":         true,
	"file_operation": true,
	"read":           true,
}

// Select returns the router tier for a given task type and complexity, per
// the six ordered rules (first match wins). complexity is expected in
// [0, 1]; values outside that range are not clamped here, the caller
// (the complexity heuristic) is responsible for bounding it.
func Select(taskType string, complexity float64) Tier {
	taskType = strings.ToLower(strings.TrimSpace(taskType))

	switch {
	case complexity > 0.8:
		return Complex
	case codeTaskTypes[taskType]:
		return Coding
	case complexity > 0.6 && analysisTaskTypes[taskType]:
		return Complex
	case complexity >= 0.3 && complexity <= 0.6:
		return Balanced
	case complexity < 0.3 && fastTaskTypes[taskType]:
		return Fast
	default:
		return Balanced
	}
}

var highComplexityStepTypes = map[string]bool{
	"code":     true,
	"analysis": true,
	"research": true,
}

var mediumComplexityStepTypes = map[string]bool{
	"browser":  true,
	"scraping": true,
}

var lowComplexityStepTypes = map[string]bool{
	"simple":         true,
	"file_operation": true,
}

// Complexity computes the agent loop's complexity heuristic from the
// current step's type and the number of errors seen in recent events: base
// 0.5, overridden by step type, plus 0.1 per recent error capped at an
// additional 0.3, with the total capped at 1.0.
func Complexity(stepType string, recentErrorCount int) float64 {
	stepType = strings.ToLower(strings.TrimSpace(stepType))

	base := 0.5
	switch {
	case highComplexityStepTypes[stepType]:
		base = 0.8
	case mediumComplexityStepTypes[stepType]:
		base = 0.6
	case lowComplexityStepTypes[stepType]:
		base = 0.3
	}

	if recentErrorCount < 0 {
		recentErrorCount = 0
	}
	errorBoost := 0.1 * float64(recentErrorCount)
	if errorBoost > 0.3 {
		errorBoost = 0.3
	}

	total := base + errorBoost
	if total > 1.0 {
		total = 1.0
	}
	return total
}
