package validation

import (
	"fmt"

	"github.com/ocx/isosim/internal/iso8583"
)

// Result is the outcome of one validation call. Every violation found is
// recorded, not just the first.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func (r *Result) add(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

// Validator checks messages against a RuleSet. The rule set is never
// mutated, so one Validator can be shared by any number of goroutines.
type Validator struct {
	rules *RuleSet
}

// NewValidator creates a Validator over rules.
func NewValidator(rules *RuleSet) *Validator {
	return &Validator{rules: rules}
}

// Rules exposes the underlying rule set.
func (v *Validator) Rules() *RuleSet {
	return v.rules
}

// Validate checks msg. A malformed or unknown MTI stops validation with a
// single error; otherwise missing required fields and per-field violations
// accumulate. Fields without a rule are accepted.
func (v *Validator) Validate(msg *iso8583.Message) Result {
	result := Result{Valid: true}

	if len(msg.MTI) != iso8583.MTIWidth {
		result.add("Invalid MTI format")
		return result
	}

	mtiRule, ok := v.rules.MtiRules[msg.MTI]
	if !ok {
		result.add("Unknown MTI: %s", msg.MTI)
		return result
	}

	for _, field := range mtiRule.RequiredFields {
		if !msg.Has(field) {
			result.add("Missing required field: %d", field)
		}
	}

	for _, field := range msg.FieldNumbers() {
		rule, ok := v.rules.Fields[field]
		if !ok {
			continue
		}
		value := msg.Get(field)

		if rule.Type == TypeNumeric && !isNumeric(value) {
			result.add("Field %d must be numeric", field)
		}
		if rule.Format == FormatFixed && rule.Length != nil && len(value) != *rule.Length {
			result.add("Field %d must be exactly %d characters", field, *rule.Length)
		}
		if rule.MaxLength != nil && len(value) > *rule.MaxLength {
			result.add("Field %d exceeds maximum length of %d", field, *rule.MaxLength)
		}
	}

	return result
}

// isNumeric matches ^[0-9]+$.
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
