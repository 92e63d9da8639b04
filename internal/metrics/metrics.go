// Package metrics provides interfaces and implementations for collecting lm's
// operational metrics. This package defines the Collector interface for recording
// metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording lm's operational metrics.
type Collector interface {
	// Uplink connection metrics.
	UplinkConnected()
	UplinkDisconnected()
	BurstCompleted()

	// Command dispatcher metrics.
	CommandProcessed(command string, outcome string)

	// Credential store / hasher pipeline metrics.
	AuthAttempt(success bool)
	AccountCreated()
	HashRequestEnqueued()
	HashRequestCompleted(durationSeconds float64)

	// Mail shim metrics.
	MailSent(disabled bool)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
