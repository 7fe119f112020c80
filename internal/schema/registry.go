package schema

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrNoRules is returned by RulesFor when a dataset has no schema entry.
// This is a hard validation failure for files of that dataset, not an
// ignore case: it indicates misconfiguration.
var ErrNoRules = errors.New("no schema rules for dataset")

// FieldType is the declared type of a schema field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeDate   FieldType = "date"
	TypeEnum   FieldType = "enum"
)

// Rule is one validation rule for one expected field of a dataset.
// Rules are immutable once loaded for a run.
type Rule struct {
	Field      string
	Type       FieldType
	Required   bool
	Pattern    *regexp.Regexp
	DateFormat string
	Enum       map[string]struct{}
}

type rawRule struct {
	Field    string   `yaml:"field"`
	Type     string   `yaml:"type"`
	Required bool     `yaml:"required"`
	Pattern  string   `yaml:"pattern"`
	Format   string   `yaml:"format"`
	Enum     []string `yaml:"enum"`
}

// Registry indexes the loaded validation rules per dataset key.
type Registry struct {
	rules map[string][]Rule
}

// Load reads the YAML schema source and compiles every rule. Any problem
// with the source (missing file, malformed YAML, unknown rule type, bad
// regex, enum without values) fails the whole load; the orchestrator
// cannot safely validate anything without it.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: reading %s: %w", path, err)
	}

	var raw map[string][]rawRule
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("schema: parsing %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("schema: %s declares no datasets", path)
	}

	reg := &Registry{rules: make(map[string][]Rule, len(raw))}
	for dataset, rawRules := range raw {
		if len(rawRules) == 0 {
			return nil, fmt.Errorf("schema: dataset %s declares no rules", dataset)
		}
		rules := make([]Rule, 0, len(rawRules))
		for _, rr := range rawRules {
			rule, err := compileRule(dataset, rr)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
		reg.rules[dataset] = rules
	}

	return reg, nil
}

func compileRule(dataset string, rr rawRule) (Rule, error) {
	if rr.Field == "" {
		return Rule{}, fmt.Errorf("schema: dataset %s has a rule without a field name", dataset)
	}

	rule := Rule{Field: rr.Field, Required: rr.Required}

	switch FieldType(rr.Type) {
	case TypeString, TypeInt, TypeFloat:
		rule.Type = FieldType(rr.Type)
	case TypeDate:
		rule.Type = TypeDate
		rule.DateFormat = rr.Format
		if rule.DateFormat == "" {
			rule.DateFormat = "2006-01-02"
		}
	case TypeEnum:
		rule.Type = TypeEnum
		if len(rr.Enum) == 0 {
			return Rule{}, fmt.Errorf("schema: dataset %s field %s is enum typed but lists no values", dataset, rr.Field)
		}
	default:
		return Rule{}, fmt.Errorf("schema: dataset %s field %s has unknown type %q", dataset, rr.Field, rr.Type)
	}

	if len(rr.Enum) > 0 {
		rule.Enum = make(map[string]struct{}, len(rr.Enum))
		for _, v := range rr.Enum {
			rule.Enum[v] = struct{}{}
		}
	}

	if rr.Pattern != "" {
		// Anchored: a pattern must describe the whole value.
		re, err := regexp.Compile("^(?:" + rr.Pattern + ")$")
		if err != nil {
			return Rule{}, fmt.Errorf("schema: dataset %s field %s has invalid pattern: %w", dataset, rr.Field, err)
		}
		rule.Pattern = re
	}

	return rule, nil
}

// RulesFor returns the ordered rules for a dataset key.
func (r *Registry) RulesFor(dataset string) ([]Rule, error) {
	rules, ok := r.rules[dataset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRules, dataset)
	}
	return rules, nil
}

// Keys lists the known dataset keys in stable order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.rules))
	for k := range r.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
