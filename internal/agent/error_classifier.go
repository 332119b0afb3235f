package agent

import "strings"

// errorMarkers are matched case-insensitively against an observation's text
// to decide whether it represents a failed action.
var errorMarkers = []string{
	"error:",
	"traceback",
	"exception",
	"failed",
	"command not found",
	"permission denied",
}

// isErrorObservation reports whether observation looks like a failure.
func isErrorObservation(observation string) bool {
	lower := strings.ToLower(observation)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
