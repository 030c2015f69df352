package synckit

import "time"

// MetricsCollector provides hooks for collecting conflict handling metrics
type MetricsCollector interface {
	// RecordDetection records a detected conflict and how many fields differ
	RecordDetection(collection string, fields int)

	// RecordResolution records how a conflict was resolved and how long it took
	RecordResolution(collection, strategy, mode string, duration time.Duration, confidence float64)

	// RecordResolverError records a resolver failure that forced a fallback
	RecordResolverError(resolver, errorType string)

	// RecordHandlerError records a failing notification subscriber
	RecordHandlerError(eventType string)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordDetection(collection string, fields int) {}
func (n *NoOpMetricsCollector) RecordResolution(collection, strategy, mode string, duration time.Duration, confidence float64) {
}
func (n *NoOpMetricsCollector) RecordResolverError(resolver, errorType string) {}
func (n *NoOpMetricsCollector) RecordHandlerError(eventType string)            {}
