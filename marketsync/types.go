// Package marketsync implements the synchronization and conflict resolution
// engine that reconciles a single logical record across multiple independent
// marketplaces. The engine fans one write out to N targets, detects field-level
// divergence against each target's last-known state, and resolves divergence
// through pluggable strategies.
package marketsync

import (
	"context"
	"math"
	"reflect"
)

// DataCategory identifies the kind of record being synchronized.
type DataCategory string

const (
	CategoryInventory DataCategory = "inventory"
	CategoryPricing   DataCategory = "pricing"
	CategoryListing   DataCategory = "listing"
	CategoryOrder     DataCategory = "order"
)

// Valid reports whether the category is one of the fixed set.
func (c DataCategory) Valid() bool {
	switch c {
	case CategoryInventory, CategoryPricing, CategoryListing, CategoryOrder:
		return true
	}
	return false
}

// Payload is the generic field set pushed to marketplaces. Values are the
// JSON-ish types produced by decoding: strings, bools, numbers, []any and
// nested map[string]any.
type Payload map[string]any

// Clone returns a deep copy. Transformations always operate on a copy so the
// caller's payload is never mutated.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(tv))
		for k, e := range tv {
			m[k] = cloneValue(e)
		}
		return m
	case Payload:
		return map[string]any(tv.Clone())
	case []any:
		s := make([]any, len(tv))
		for i, e := range tv {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// Gateway applies a transformed payload to one marketplace. Implementations
// must be safe to call concurrently for different entities; behavior for
// concurrent calls on the same entity is the gateway's responsibility.
type Gateway interface {
	// Apply attempts to apply the payload remotely. On success it may echo
	// the state the marketplace actually stored.
	Apply(ctx context.Context, entityID string, payload Payload, category DataCategory) (Payload, error)
}

// StateLookup returns the last-known field values for an entity at a target.
// A nil map means "no prior record", which suppresses conflict detection
// (the first write always succeeds unconditionally).
type StateLookup interface {
	GetLastKnownState(ctx context.Context, entityID, target string, category DataCategory) (Payload, error)
}

// PriorityTable is a static ranking of target systems, higher wins.
// Owned by configuration, read-only to the engine.
type PriorityTable interface {
	// Rank returns the rank for a target and whether the target is ranked.
	Rank(target string) (int, bool)
}

// StaticPriorityTable is the common map-backed PriorityTable.
type StaticPriorityTable map[string]int

func (t StaticPriorityTable) Rank(target string) (int, bool) {
	r, ok := t[target]
	return r, ok
}

// valuesEqual compares two payload field values. Numeric values compare by
// magnitude regardless of concrete type so that an int 5 from a decoded
// snapshot does not conflict with a float64 5 from the caller.
func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok || bok {
		// A number never equals a non-number; "10" stays distinct from 10.
		return aok && bok && af == bf
	}
	// cloneValue rewrites Payload to map[string]any, so equivalent decoded
	// shapes compare equal regardless of which alias holds them. Values of
	// genuinely different types are never equal.
	return reflect.DeepEqual(cloneValue(a), cloneValue(b))
}

// toFloat converts any numeric payload value to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// roundTo rounds v to the given number of decimal places.
func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
