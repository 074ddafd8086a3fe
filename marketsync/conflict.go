package marketsync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CandidateIncoming is the reserved candidate key for the value being pushed.
// The other candidate key is always the target system's name.
const CandidateIncoming = "incoming"

// Strategy is the closed set of conflict resolution strategies.
type Strategy string

const (
	// StrategyLatestWins takes the incoming value unconditionally. The
	// operation initiator's view is considered freshest. Intentionally
	// naive; this is the default.
	StrategyLatestWins Strategy = "latest_wins"

	// StrategyHighestPriority takes the candidate whose source system ranks
	// highest in the priority table, falling back to the incoming value when
	// no candidate is ranked.
	StrategyHighestPriority Strategy = "highest_priority"

	// StrategyManualReview defers resolution until an external caller
	// supplies a value through Engine.ResolveConflict.
	StrategyManualReview Strategy = "manual_review"

	// StrategyMergeValues unions list candidates or joins string candidates,
	// falling back to the incoming value for other type mixes.
	StrategyMergeValues Strategy = "merge_values"

	// StrategyMarketplaceSpecific delegates to a per-target hook, behaving
	// as latest-wins when no hook is registered for the target.
	StrategyMarketplaceSpecific Strategy = "marketplace_specific"
)

// Valid reports whether the strategy is a member of the closed set.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLatestWins, StrategyHighestPriority, StrategyManualReview,
		StrategyMergeValues, StrategyMarketplaceSpecific:
		return true
	}
	return false
}

// DataConflict is one field-level divergence at one target: the value being
// pushed differs from the value last observed there.
//
// A conflict is created by the detector and mutated in place by the resolver,
// possibly from a ResolveConflict call racing with a reader that reached the
// conflict through an operation's Conflicts slice. Such readers must use
// Resolution; the exported resolution fields are only safe to read directly
// once the conflict is known quiescent.
type DataConflict struct {
	mu sync.Mutex

	ConflictID   string       `json:"conflict_id"`
	EntityID     string       `json:"entity_id"`
	TargetSystem string       `json:"target_system"`
	FieldName    string       `json:"field_name"`
	DataCategory DataCategory `json:"data_category"`

	// CandidateValues maps competing value sources to their values. It
	// always contains CandidateIncoming and the target system's name.
	CandidateValues map[string]any `json:"candidate_values"`

	// CandidateOrder preserves insertion order of CandidateValues so that
	// tie-breaks and string merges are deterministic.
	CandidateOrder []string `json:"candidate_order"`

	Strategy Strategy `json:"strategy"`

	Resolved      bool       `json:"resolved"`
	ResolvedValue any        `json:"resolved_value,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

func newConflict(entityID, target, field string, category DataCategory, existing, incoming any) *DataConflict {
	return &DataConflict{
		ConflictID:   uuid.NewString(),
		EntityID:     entityID,
		TargetSystem: target,
		FieldName:    field,
		DataCategory: category,
		CandidateValues: map[string]any{
			target:            existing,
			CandidateIncoming: incoming,
		},
		CandidateOrder: []string{target, CandidateIncoming},
		Strategy:       StrategyLatestWins,
		DetectedAt:     time.Now().UTC(),
	}
}

// markResolved finalizes the conflict. Resolved conflicts are immutable.
func (c *DataConflict) markResolved(value any, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResolvedValue = value
	c.Resolved = true
	c.ResolvedAt = &now
}

// Resolution returns the resolved value and whether the conflict is resolved.
// Safe to call concurrently with out-of-band resolution.
func (c *DataConflict) Resolution() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ResolvedValue, c.Resolved
}

// ResolutionRecord returns the strategy and resolution state as one
// consistent snapshot, for persisting a conflict that may still be resolved
// concurrently.
func (c *DataConflict) ResolutionRecord() (strategy Strategy, value any, at *time.Time, resolved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Strategy, c.ResolvedValue, c.ResolvedAt, c.Resolved
}

func (c *DataConflict) setStrategy(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Strategy = s
}

func (c *DataConflict) strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Strategy
}

// Incoming returns the value being pushed. Candidate values are immutable
// after detection.
func (c *DataConflict) Incoming() any {
	return c.CandidateValues[CandidateIncoming]
}

// pendingIndex holds unresolved conflicts keyed by conflict id. Detectors
// running for different targets insert concurrently, so all access is
// mutex-guarded.
type pendingIndex struct {
	mu        sync.RWMutex
	conflicts map[string]*DataConflict
}

func newPendingIndex() *pendingIndex {
	return &pendingIndex{conflicts: make(map[string]*DataConflict)}
}

func (p *pendingIndex) add(c *DataConflict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conflicts[c.ConflictID] = c
}

func (p *pendingIndex) get(id string) (*DataConflict, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conflicts[id]
	return c, ok
}

func (p *pendingIndex) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conflicts, id)
}

func (p *pendingIndex) list() []*DataConflict {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*DataConflict, 0, len(p.conflicts))
	for _, c := range p.conflicts {
		out = append(out, c)
	}
	return out
}

func (p *pendingIndex) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conflicts)
}
