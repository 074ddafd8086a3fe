package marketsync

import "sync"

// TransformRule is a custom mapping step registered for a specific
// (source, target, category) route. Rules receive and return a payload;
// returning nil keeps the input payload.
type TransformRule func(Payload) Payload

// TargetConstraints are the built-in per-marketplace limits applied after
// custom rules. Zero values mean "no constraint".
type TargetConstraints struct {
	// TitleLimit truncates listing titles to at most this many characters.
	TitleLimit int

	// PricePrecision rounds pricing values to this many decimal places.
	PricePrecision int
}

// defaultConstraints are the built-in marketplace limits. Unrecognized
// targets get no default constraints and pass through after custom rules.
var defaultConstraints = map[string]TargetConstraints{
	"amazon":  {TitleLimit: 200, PricePrecision: 2},
	"ebay":    {TitleLimit: 80, PricePrecision: 2},
	"walmart": {TitleLimit: 75, PricePrecision: 2},
}

type ruleKey struct {
	source   string
	target   string
	category DataCategory
}

// Transformer maps a generic payload into the field set and constraints a
// specific target system requires. Custom mapping rules run first; the
// built-in constraints are lossy, irreversible, and idempotent, and no
// warning is raised when truncation occurs.
//
// The orchestrator runs the two stages separately: conflicts are detected
// against the mapped payload before the lossy constraints are applied, so a
// conflict's incoming candidate carries the caller's value, not a rounded or
// truncated rendition of it.
type Transformer struct {
	mu          sync.RWMutex
	rules       map[ruleKey][]TransformRule
	constraints map[string]TargetConstraints
}

// NewTransformer creates a Transformer with the built-in target constraints.
func NewTransformer() *Transformer {
	constraints := make(map[string]TargetConstraints, len(defaultConstraints))
	for target, c := range defaultConstraints {
		constraints[target] = c
	}
	return &Transformer{
		rules:       make(map[ruleKey][]TransformRule),
		constraints: constraints,
	}
}

// RegisterRule appends a custom rule for the given route. Rules run in
// registration order, before the built-in constraints.
func (t *Transformer) RegisterRule(source, target string, category DataCategory, rule TransformRule) {
	if rule == nil {
		return
	}
	key := ruleKey{source: source, target: target, category: category}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules[key] = append(t.rules[key], rule)
}

// SetConstraints overrides or adds the built-in constraints for a target.
func (t *Transformer) SetConstraints(target string, c TargetConstraints) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.constraints[target] = c
}

// Transform produces the payload to push to one target: custom rules, then
// built-in constraints. The input payload is never mutated.
func (t *Transformer) Transform(payload Payload, source, target string, category DataCategory) Payload {
	return t.ApplyConstraints(t.ApplyRules(payload, source, target, category), target, category)
}

// ApplyRules runs the custom rules registered for the route on a copy of the
// payload.
func (t *Transformer) ApplyRules(payload Payload, source, target string, category DataCategory) Payload {
	out := payload.Clone()

	t.mu.RLock()
	rules := t.rules[ruleKey{source: source, target: target, category: category}]
	t.mu.RUnlock()

	for _, rule := range rules {
		if next := rule(out); next != nil {
			out = next
		}
	}
	return out
}

// ApplyConstraints enforces the target's built-in limits on a copy of the
// payload. Unrecognized targets pass through untouched.
func (t *Transformer) ApplyConstraints(payload Payload, target string, category DataCategory) Payload {
	t.mu.RLock()
	constraints, constrained := t.constraints[target]
	t.mu.RUnlock()

	if !constrained {
		return payload.Clone()
	}

	out := payload.Clone()

	if category == CategoryListing && constraints.TitleLimit > 0 {
		if title, ok := out["title"].(string); ok {
			// The limit counts characters, not bytes; slicing the string
			// directly would split a multibyte rune.
			if runes := []rune(title); len(runes) > constraints.TitleLimit {
				out["title"] = string(runes[:constraints.TitleLimit])
			}
		}
	}

	if category == CategoryPricing && constraints.PricePrecision > 0 {
		for field, raw := range out {
			if n, ok := toFloat(raw); ok {
				out[field] = roundTo(n, constraints.PricePrecision)
			}
		}
	}

	return out
}
