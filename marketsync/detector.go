package marketsync

import (
	"context"
	"log/slog"
	"sort"

	syncErrors "github.com/quaywork/marketsync/errors"
)

// DetectionResult is the outcome of comparing a transformed payload against a
// target's last-known state.
type DetectionResult struct {
	HasConflicts bool
	Conflicts    []*DataConflict
}

// strategySelector picks the resolution strategy for a newly detected
// conflict. The default selector always returns StrategyLatestWins.
type strategySelector func(category DataCategory, target string) Strategy

// ConflictDetector compares transformed payloads against last-known target
// state and registers every emitted conflict in the pending index for later
// out-of-band resolution.
type ConflictDetector struct {
	lookup   StateLookup
	pending  *pendingIndex
	selector strategySelector
	logger   *slog.Logger
}

func newConflictDetector(lookup StateLookup, pending *pendingIndex, selector strategySelector, logger *slog.Logger) *ConflictDetector {
	return &ConflictDetector{
		lookup:   lookup,
		pending:  pending,
		selector: selector,
		logger:   logger,
	}
}

// Detect fetches the target's last-known state and emits one conflict per
// field whose pushed value differs from the stored value. Fields present on
// only one side are not conflicts. A nil last-known state means no prior
// record: the first write always succeeds unconditionally.
func (d *ConflictDetector) Detect(ctx context.Context, entityID, target string, payload Payload, category DataCategory) (DetectionResult, error) {
	lastKnown, err := d.lookup.GetLastKnownState(ctx, entityID, target, category)
	if err != nil {
		return DetectionResult{}, syncErrors.NewWithComponent(syncErrors.OpDetect, "state_lookup", err)
	}

	if lastKnown == nil {
		d.logger.Debug("no prior state at target, skipping conflict detection",
			"entity_id", entityID,
			"target", target)
		return DetectionResult{}, nil
	}

	// Stable field order keeps conflict lists deterministic for a given
	// payload regardless of map iteration.
	fields := make([]string, 0, len(payload))
	for field := range payload {
		if _, present := lastKnown[field]; present {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	var conflicts []*DataConflict
	for _, field := range fields {
		incoming := payload[field]
		existing := lastKnown[field]
		if valuesEqual(incoming, existing) {
			continue
		}

		conflict := newConflict(entityID, target, field, category, existing, incoming)
		if d.selector != nil {
			if s := d.selector(category, target); s.Valid() {
				conflict.Strategy = s
			}
		}
		d.pending.add(conflict)
		conflicts = append(conflicts, conflict)

		d.logger.Debug("detected field-level conflict",
			"conflict_id", conflict.ConflictID,
			"entity_id", entityID,
			"target", target,
			"field", field,
			"strategy", string(conflict.Strategy))
	}

	return DetectionResult{HasConflicts: len(conflicts) > 0, Conflicts: conflicts}, nil
}
