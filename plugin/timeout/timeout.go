// Package timeout defines centralized timeout constants for controller and engine calls.
package timeout

import "time"

const (
	// ControllerCallTimeout bounds each tokenize, lookup and move request.
	ControllerCallTimeout = 5 * time.Second

	// HealthTimeout bounds a controller health probe.
	HealthTimeout = 2 * time.Second

	// GenerateTimeout bounds one completion request to the inference engine.
	GenerateTimeout = 2 * time.Minute

	// ProcessStartGrace is how long a freshly spawned controller gets before it is considered up.
	ProcessStartGrace = 1 * time.Second

	// ProcessStopTimeout is how long Stop waits after SIGTERM before killing.
	ProcessStopTimeout = 3 * time.Second

	// ShutdownTimeout bounds the HTTP server graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// MaxTruncateLength is the maximum length for truncating keys and bodies in logs.
	MaxTruncateLength = 200
)

// Truncate shortens s to MaxTruncateLength runes for logging.
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxTruncateLength {
		return s
	}
	return string(r[:MaxTruncateLength]) + "..."
}
