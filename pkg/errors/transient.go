package errors

import "strings"

// TransientErrorPatterns contains patterns that indicate transient errors worth retrying.
// These include Docker daemon hiccups, registry pulls, and network timeouts.
var TransientErrorPatterns = []string{
	// Docker daemon / registry errors
	"Cannot connect to the Docker daemon",
	"error during connect",
	"temporary failure",
	"toomanyrequests",
	"received unexpected HTTP status: 5",
	// Network errors
	"context deadline exceeded",
	"connection refused",
	"Connection reset by peer",
	"connection timed out",
	"i/o timeout",
	"TLS handshake timeout",
	"no such host",
	"network is unreachable",
}

// IsTransientError checks if the error message or output contains a transient error pattern.
func IsTransientError(err error, output string) (bool, string) {
	// Check error message
	if err != nil {
		msg := err.Error()
		for _, pattern := range TransientErrorPatterns {
			if strings.Contains(msg, pattern) {
				return true, pattern
			}
		}
	}
	// Check output (e.g., docker build output contains the actual error)
	for _, pattern := range TransientErrorPatterns {
		if strings.Contains(output, pattern) {
			return true, pattern
		}
	}
	return false, ""
}

// IsTransientErrorMsg checks if an error contains a transient error pattern.
func IsTransientErrorMsg(err error) (bool, string) {
	return IsTransientError(err, "")
}
