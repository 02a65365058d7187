package realtime

import (
	"fmt"
	"strings"
)

// Operator is the comparison a Filter applies to a column.
type Operator string

const (
	// OpEq matches when the column equals the value.
	OpEq Operator = "eq"
	// OpContains matches when an array column contains every listed value.
	OpContains Operator = "cs"
)

// Filter scopes a subscription to the rows it cares about. The zero Filter
// matches every row.
type Filter struct {
	Column string
	Op     Operator
	Values []string
}

// Eq builds the expression "column=eq.value".
func Eq(column, value string) string {
	return fmt.Sprintf("%s=%s.%s", column, OpEq, value)
}

// Contains builds the expression "column=cs.{v1,v2}".
func Contains(column string, values ...string) string {
	return fmt.Sprintf("%s=%s.{%s}", column, OpContains, strings.Join(values, ","))
}

// ParseFilter parses "column=eq.value" and "column=cs.{a,b}" expressions.
// An empty expression yields the match-all filter.
func ParseFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}

	column, rest, ok := strings.Cut(expr, "=")
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("invalid filter %q: missing column", expr)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return Filter{}, fmt.Errorf("invalid filter %q: missing operator", expr)
	}

	switch Operator(op) {
	case OpEq:
		if value == "" {
			return Filter{}, fmt.Errorf("invalid filter %q: empty value", expr)
		}
		return Filter{Column: column, Op: OpEq, Values: []string{value}}, nil
	case OpContains:
		if !strings.HasPrefix(value, "{") || !strings.HasSuffix(value, "}") {
			return Filter{}, fmt.Errorf("invalid filter %q: contains expects {values}", expr)
		}
		var values []string
		for _, v := range strings.Split(strings.Trim(value, "{}"), ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return Filter{}, fmt.Errorf("invalid filter %q: empty value", expr)
		}
		return Filter{Column: column, Op: OpContains, Values: values}, nil
	default:
		return Filter{}, fmt.Errorf("invalid filter %q: unknown operator %q", expr, op)
	}
}

// Matches reports whether the decoded record satisfies the filter.
func (f Filter) Matches(record map[string]interface{}) bool {
	if f.Column == "" {
		return true
	}
	if record == nil {
		return false
	}
	v, ok := record[f.Column]
	if !ok || v == nil {
		return false
	}

	switch f.Op {
	case OpEq:
		return fmt.Sprint(v) == f.Values[0]
	case OpContains:
		items, ok := v.([]interface{})
		if !ok {
			return false
		}
		have := make(map[string]struct{}, len(items))
		for _, item := range items {
			have[fmt.Sprint(item)] = struct{}{}
		}
		for _, want := range f.Values {
			if _, ok := have[want]; !ok {
				return false
			}
		}
		return true
	}
	return false
}

func (f Filter) String() string {
	switch f.Op {
	case OpEq:
		return Eq(f.Column, f.Values[0])
	case OpContains:
		return Contains(f.Column, f.Values...)
	}
	return ""
}
