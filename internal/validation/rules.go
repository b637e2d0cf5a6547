// Package validation checks messages against per-MTI and per-field rules
// loaded from an external rule document.
package validation

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// FieldType governs character-class validation.
type FieldType string

const (
	TypeNumeric      FieldType = "NUMERIC"
	TypeAlphanumeric FieldType = "ALPHANUMERIC"
)

// FieldFormat governs length validation.
type FieldFormat string

const (
	FormatFixed    FieldFormat = "FIXED"
	FormatVariable FieldFormat = "VARIABLE"
)

// FieldRule describes one field's content constraints.
type FieldRule struct {
	Name      string      `yaml:"name" json:"name"`
	Type      FieldType   `yaml:"type" json:"type"`
	Format    FieldFormat `yaml:"format" json:"format"`
	Length    *int        `yaml:"length,omitempty" json:"length,omitempty"`
	MaxLength *int        `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
}

// MtiRule lists the fields a message type must carry.
type MtiRule struct {
	Description    string `yaml:"description,omitempty" json:"description,omitempty"`
	RequiredFields []int  `yaml:"requiredFields" json:"requiredFields"`
}

// RuleSet is the loaded, read-only rule document.
type RuleSet struct {
	Fields   map[int]FieldRule
	MtiRules map[string]MtiRule
}

// ruleDocument is the on-disk shape. Field keys are decoded as strings so
// that both YAML (2:) and JSON ("2":) documents are accepted.
type ruleDocument struct {
	Fields   map[string]FieldRule `yaml:"fields"`
	MtiRules map[string]MtiRule   `yaml:"mtiRules"`
}

//go:embed rules.yaml
var defaultRules []byte

// DefaultRules returns the rule set bundled with the binary.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("validation: bundled rules are invalid: %v", err))
	}
	return rs
}

// LoadRules reads a rule document from disk. JSON documents are accepted as
// well as YAML.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// RulesFromPath loads path, or returns the bundled rules when path is empty.
func RulesFromPath(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	return LoadRules(path)
}

// ParseRules decodes and checks a rule document.
func ParseRules(data []byte) (*RuleSet, error) {
	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	rs := &RuleSet{
		Fields:   make(map[int]FieldRule, len(doc.Fields)),
		MtiRules: make(map[string]MtiRule, len(doc.MtiRules)),
	}

	var problems []string
	for key, rule := range doc.Fields {
		n, err := strconv.Atoi(strings.TrimPrefix(key, "F"))
		if err != nil || n < 0 {
			problems = append(problems, fmt.Sprintf("field key %q is not a field number", key))
			continue
		}
		if rule.Format == FormatFixed && rule.Length == nil {
			problems = append(problems, fmt.Sprintf("field %d is FIXED without a length", n))
		}
		rs.Fields[n] = rule
	}
	for mti, rule := range doc.MtiRules {
		if len(mti) != 4 {
			problems = append(problems, fmt.Sprintf("MTI rule key %q is not 4 characters", mti))
			continue
		}
		rs.MtiRules[mti] = rule
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("invalid rules: %s", strings.Join(problems, "; "))
	}
	return rs, nil
}

// MTIs returns the known message types in ascending order.
func (rs *RuleSet) MTIs() []string {
	out := make([]string, 0, len(rs.MtiRules))
	for mti := range rs.MtiRules {
		out = append(out, mti)
	}
	sort.Strings(out)
	return out
}
