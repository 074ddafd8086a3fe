package marketsync

import "time"

// MetricsCollector provides hooks for collecting engine metrics
type MetricsCollector interface {
	// RecordSyncDuration records how long a synchronization took, by category
	RecordSyncDuration(category DataCategory, duration time.Duration)

	// RecordTargetOutcome records a per-target dispatch outcome
	RecordTargetOutcome(target string, success bool)

	// RecordConflictsDetected records the number of conflicts a detection pass raised
	RecordConflictsDetected(count int)

	// RecordConflictsResolved records the number of conflicts resolved
	RecordConflictsResolved(count int)

	// RecordManualReview records a conflict deferred to manual review
	RecordManualReview(count int)

	// RecordSyncErrors records engine errors by operation and type
	RecordSyncErrors(operation string, errorType string)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordSyncDuration(category DataCategory, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordTargetOutcome(target string, success bool)                  {}
func (n *NoOpMetricsCollector) RecordConflictsDetected(count int)                                {}
func (n *NoOpMetricsCollector) RecordConflictsResolved(count int)                                {}
func (n *NoOpMetricsCollector) RecordManualReview(count int)                                     {}
func (n *NoOpMetricsCollector) RecordSyncErrors(operation string, errorType string)              {}
