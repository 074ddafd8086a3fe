package marketsync

import "fmt"

// ValidationResult reports whether a payload is structurally acceptable for a
// data category, with one message per violated rule.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validator checks incoming payloads before any fan-out begins. It is a pure
// function of its inputs: no network or state access.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate applies the universal non-empty check plus category-specific rules.
func (v *Validator) Validate(category DataCategory, payload Payload) ValidationResult {
	var errs []string

	if len(payload) == 0 {
		errs = append(errs, "payload must not be empty")
		return ValidationResult{Valid: false, Errors: errs}
	}

	if !category.Valid() {
		errs = append(errs, fmt.Sprintf("unknown data category %q", category))
		return ValidationResult{Valid: false, Errors: errs}
	}

	switch category {
	case CategoryInventory:
		errs = append(errs, requireNonNegativeNumber(payload, "quantity")...)
	case CategoryPricing:
		errs = append(errs, requireNonNegativeNumber(payload, "price")...)
	case CategoryListing:
		errs = append(errs, requireNonEmptyString(payload, "title")...)
		errs = append(errs, requireNonEmptyString(payload, "description")...)
	case CategoryOrder:
		// Order payloads carry marketplace-defined state transitions; only
		// the universal non-empty check applies.
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func requireNonNegativeNumber(payload Payload, field string) []string {
	raw, ok := payload[field]
	if !ok {
		return []string{fmt.Sprintf("%s is required", field)}
	}
	n, ok := toFloat(raw)
	if !ok {
		return []string{fmt.Sprintf("%s must be numeric, got %T", field, raw)}
	}
	if n < 0 {
		return []string{fmt.Sprintf("%s must not be negative, got %v", field, raw)}
	}
	return nil
}

func requireNonEmptyString(payload Payload, field string) []string {
	raw, ok := payload[field]
	if !ok {
		return []string{fmt.Sprintf("%s is required", field)}
	}
	s, ok := raw.(string)
	if !ok {
		return []string{fmt.Sprintf("%s must be a string, got %T", field, raw)}
	}
	if s == "" {
		return []string{fmt.Sprintf("%s must not be empty", field)}
	}
	return nil
}
