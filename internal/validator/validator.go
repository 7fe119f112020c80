package validator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmatos-eng/ingestd/internal/models"
	"github.com/dmatos-eng/ingestd/internal/schema"
)

// Violation codes, one per rule category.
const (
	RuleMissingField    = "MISSING_FIELD"
	RuleTypeMismatch    = "TYPE_MISMATCH"
	RulePatternMismatch = "PATTERN_MISMATCH"
	RuleEnumViolation   = "ENUM_VIOLATION"
)

// Violation is a single rule failure at a specific cell (or, for a
// missing column, at the table level with Row == -1).
type Violation struct {
	Row   int
	Field string
	Rule  string
	Value string
}

// Result is the complete validation report for one table.
type Result struct {
	Valid      bool
	Violations []Violation
}

// Report renders the violations into the human-readable form used in
// rejection alerts.
func (r Result) Report() string {
	if r.Valid {
		return "all rows valid"
	}
	var b strings.Builder
	for _, v := range r.Violations {
		if v.Row < 0 {
			fmt.Fprintf(&b, "- %s: %s\n", v.Field, v.Rule)
			continue
		}
		fmt.Fprintf(&b, "- row %d, %s: %q %s\n", v.Row+1, v.Field, v.Value, v.Rule)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Validate applies the rules to the table in rule-declaration order and
// collects every violation; it never short-circuits, so a single alert
// can describe every problem. Pure function: same table and rules always
// yield the same result.
func Validate(table *models.Table, rules []schema.Rule) Result {
	var violations []Violation

	for _, rule := range rules {
		col := table.ColumnIndex(rule.Field)
		if col < 0 {
			if rule.Required {
				violations = append(violations, Violation{Row: -1, Field: rule.Field, Rule: RuleMissingField})
			}
			continue
		}

		for i, row := range table.Rows {
			value := ""
			if col < len(row) {
				value = row[col]
			}
			if value == "" {
				if rule.Required {
					violations = append(violations, Violation{Row: i, Field: rule.Field, Rule: RuleMissingField})
				}
				continue
			}
			violations = append(violations, checkValue(i, rule, value)...)
		}
	}

	return Result{Valid: len(violations) == 0, Violations: violations}
}

func checkValue(row int, rule schema.Rule, value string) []Violation {
	var out []Violation

	switch rule.Type {
	case schema.TypeInt:
		if _, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err != nil {
			out = append(out, Violation{Row: row, Field: rule.Field, Rule: RuleTypeMismatch, Value: value})
		}
	case schema.TypeFloat:
		if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
			out = append(out, Violation{Row: row, Field: rule.Field, Rule: RuleTypeMismatch, Value: value})
		}
	case schema.TypeDate:
		if _, err := time.Parse(rule.DateFormat, value); err != nil {
			out = append(out, Violation{Row: row, Field: rule.Field, Rule: RuleTypeMismatch, Value: value})
		}
	}

	if rule.Pattern != nil {
		if !rule.Pattern.MatchString(value) {
			out = append(out, Violation{Row: row, Field: rule.Field, Rule: RulePatternMismatch, Value: value})
		}
	}

	if len(rule.Enum) > 0 {
		if _, ok := rule.Enum[value]; !ok {
			out = append(out, Violation{Row: row, Field: rule.Field, Rule: RuleEnumViolation, Value: value})
		}
	}

	return out
}
