package marketsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	syncErrors "github.com/quaywork/marketsync/errors"
)

// TargetHook is a per-marketplace custom resolution function used by
// StrategyMarketplaceSpecific.
type TargetHook func(ctx context.Context, c *DataConflict) (any, error)

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	// Value is the winning value. Unset when Deferred.
	Value any

	// Deferred means resolution is suspended pending an externally supplied
	// value (manual review). The conflict stays in the pending index.
	Deferred bool
}

// Resolver computes resolved values for conflicts using the closed strategy
// set. All strategies except manual review are deterministic, total functions
// over the conflict's candidate values.
type Resolver struct {
	priorities PriorityTable
	hooks      map[string]TargetHook
	pending    *pendingIndex
	logger     *slog.Logger
	now        func() time.Time
}

func newResolver(priorities PriorityTable, hooks map[string]TargetHook, pending *pendingIndex, logger *slog.Logger) *Resolver {
	return &Resolver{
		priorities: priorities,
		hooks:      hooks,
		pending:    pending,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Resolve computes the resolution for a single conflict under the given
// strategy. The conflict itself is not mutated; callers apply the result
// through apply or ResolveAll.
//
// The switch is exhaustive over the closed strategy set; an unknown strategy
// is an error rather than a silent fallback.
func (r *Resolver) Resolve(ctx context.Context, c *DataConflict, strategy Strategy) (Resolution, error) {
	switch strategy {
	case StrategyLatestWins:
		return Resolution{Value: c.Incoming()}, nil

	case StrategyHighestPriority:
		return Resolution{Value: r.highestPriority(c)}, nil

	case StrategyMergeValues:
		return Resolution{Value: mergeCandidates(c)}, nil

	case StrategyManualReview:
		return Resolution{Deferred: true}, nil

	case StrategyMarketplaceSpecific:
		hook, ok := r.hooks[c.TargetSystem]
		if !ok {
			// No hook registered for this target: behave as latest-wins.
			return Resolution{Value: c.Incoming()}, nil
		}
		value, err := hook(ctx, c)
		if err != nil {
			return Resolution{}, syncErrors.NewConflictError(syncErrors.OpResolve,
				fmt.Errorf("marketplace hook for %s: %w", c.TargetSystem, err))
		}
		return Resolution{Value: value}, nil

	default:
		return Resolution{}, syncErrors.NewConflictError(syncErrors.OpResolve,
			fmt.Errorf("unknown resolution strategy %q", strategy))
	}
}

// ResolveAll resolves each conflict with its own strategy and applies the
// resolved values onto a copy of the payload. Deferred conflicts stay in the
// pending index and the payload keeps the incoming value for their fields.
//
// Once ResolveAll returns, every non-deferred conflict it touched is marked
// resolved with ResolvedAt set and is removed from the pending index.
func (r *Resolver) ResolveAll(ctx context.Context, payload Payload, conflicts []*DataConflict) (Payload, []*DataConflict, error) {
	out := payload.Clone()
	var deferred []*DataConflict

	for _, c := range conflicts {
		if value, resolved := c.Resolution(); resolved {
			out[c.FieldName] = value
			continue
		}

		res, err := r.Resolve(ctx, c, c.strategy())
		if err != nil {
			return nil, nil, err
		}

		if res.Deferred {
			deferred = append(deferred, c)
			r.logger.Debug("conflict deferred for manual review",
				"conflict_id", c.ConflictID,
				"field", c.FieldName,
				"target", c.TargetSystem)
			continue
		}

		r.apply(c, res.Value)
		out[c.FieldName] = res.Value
	}

	return out, deferred, nil
}

// apply finalizes a conflict with its winning value and removes it from the
// pending index.
func (r *Resolver) apply(c *DataConflict, value any) {
	c.markResolved(value, r.now())
	r.pending.remove(c.ConflictID)

	r.logger.Debug("conflict resolved",
		"conflict_id", c.ConflictID,
		"field", c.FieldName,
		"target", c.TargetSystem,
		"strategy", string(c.strategy()))
}

// highestPriority selects the candidate whose source ranks highest in the
// priority table. Candidates are scanned in insertion order and a tie keeps
// the earlier candidate. When no candidate is ranked, the incoming value
// wins.
func (r *Resolver) highestPriority(c *DataConflict) any {
	if r.priorities == nil {
		return c.Incoming()
	}

	bestRank := 0
	var bestValue any
	found := false

	for _, key := range c.CandidateOrder {
		value, ok := c.CandidateValues[key]
		if !ok {
			continue
		}
		rank, ranked := r.priorities.Rank(key)
		if !ranked {
			continue
		}
		if !found || rank > bestRank {
			found = true
			bestRank = rank
			bestValue = value
		}
	}

	if !found {
		return c.Incoming()
	}
	return bestValue
}

// mergeCandidates unions list candidates or joins string candidates with
// " | " in candidate insertion order. Any other type mix falls back to the
// incoming value.
func mergeCandidates(c *DataConflict) any {
	lists := make([][]any, 0, len(c.CandidateOrder))
	strs := make([]string, 0, len(c.CandidateOrder))
	allLists, allStrings := true, true

	for _, key := range c.CandidateOrder {
		value, ok := c.CandidateValues[key]
		if !ok {
			continue
		}
		switch tv := value.(type) {
		case []any:
			allStrings = false
			lists = append(lists, tv)
		case string:
			allLists = false
			strs = append(strs, tv)
		default:
			allLists = false
			allStrings = false
		}
	}

	switch {
	case allLists && len(lists) > 0:
		seen := make(map[string]struct{})
		var merged []any
		for _, list := range lists {
			for _, item := range list {
				key := fmt.Sprintf("%T:%v", item, item)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				merged = append(merged, item)
			}
		}
		return merged

	case allStrings && len(strs) > 0:
		return strings.Join(strs, " | ")

	default:
		return c.Incoming()
	}
}
