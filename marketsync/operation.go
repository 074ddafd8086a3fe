package marketsync

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the lifecycle state of a SyncOperation.
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusInProgress SyncStatus = "in_progress"
	StatusCompleted  SyncStatus = "completed"
	StatusPartial    SyncStatus = "partial"
	StatusFailed     SyncStatus = "failed"
	StatusConflict   SyncStatus = "conflict"
)

// Terminal reports whether the status is final. Terminal operations are never
// reopened.
func (s SyncStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// TargetResult is the independent outcome of dispatching to one target.
type TargetResult struct {
	Success bool `json:"success"`

	// Error is set when the target's gateway call failed. Per-target errors
	// never escape as operation-level failures.
	Error string `json:"error,omitempty"`

	// AppliedPayload is the payload the marketplace acknowledged, when the
	// gateway echoes it back.
	AppliedPayload Payload `json:"applied_payload,omitempty"`
}

// SyncOperation is one synchronization request and its per-target outcomes.
// An operation exclusively owns its conflict list and per-target results;
// no two operations share a DataConflict instance.
type SyncOperation struct {
	OperationID  string       `json:"operation_id"`
	EntityID     string       `json:"entity_id"`
	DataCategory DataCategory `json:"data_category"`
	SourceSystem string       `json:"source_system"`
	Targets      []string     `json:"target_systems"`

	Status       SyncStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Results holds exactly one entry per requested target once the
	// operation is terminal.
	Results map[string]TargetResult `json:"per_target_results"`

	// Conflicts raised during this operation, in target order.
	Conflicts []*DataConflict `json:"conflicts,omitempty"`
}

func newOperation(entityID string, category DataCategory, source string, targets []string) *SyncOperation {
	return &SyncOperation{
		OperationID:  uuid.NewString(),
		EntityID:     entityID,
		DataCategory: category,
		SourceSystem: source,
		Targets:      append([]string(nil), targets...),
		Status:       StatusPending,
		Results:      make(map[string]TargetResult, len(targets)),
	}
}

// complete moves the operation to a terminal status and stamps CompletedAt.
// CompletedAt is set if and only if the status is terminal.
func (op *SyncOperation) complete(status SyncStatus, now time.Time) {
	op.Status = status
	op.CompletedAt = &now
}
