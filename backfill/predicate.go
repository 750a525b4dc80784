package backfill

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Filter predicates arrive in two encodings. The legacy form is
// semicolon-joined raw SQL fragments, ANDed together:
//
//	region = 'eu'; amount > 100
//
// The structured form is JSON: groups of conditions with AND/OR between
// groups and an enumerated operator set.
type structuredFilter struct {
	Logic  string  `json:"logic"` // Joins groups: AND or OR
	Groups []group `json:"groups"`
}

type group struct {
	Logic      string      `json:"logic"` // Joins conditions within the group
	Conditions []condition `json:"conditions"`
}

type condition struct {
	Column   string   `json:"column"`
	Operator string   `json:"operator"`
	Value    string   `json:"value"`
	Values   []string `json:"values"` // For IN and BETWEEN
}

var allowedOperators = map[string]struct{}{
	"=": {}, "!=": {}, "<": {}, ">": {}, "<=": {}, ">=": {},
	"LIKE": {}, "ILIKE": {}, "IN": {}, "BETWEEN": {},
	"IS NULL": {}, "IS NOT NULL": {},
}

var (
	numericValue = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
)

// BuildPredicate converts a job's filter into a SQL fragment (without the
// WHERE keyword). Empty input yields an empty fragment.
func BuildPredicate(filter string) (string, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return "", nil
	}
	if strings.HasPrefix(filter, "{") {
		return buildStructured(filter)
	}
	return buildLegacy(filter), nil
}

// buildLegacy ANDs the semicolon-separated fragments verbatim.
func buildLegacy(filter string) string {
	var parts []string
	for _, fragment := range strings.Split(filter, ";") {
		fragment = strings.TrimSpace(fragment)
		if fragment != "" {
			parts = append(parts, "("+fragment+")")
		}
	}
	return strings.Join(parts, " AND ")
}

func buildStructured(filter string) (string, error) {
	var parsed structuredFilter
	if err := json.Unmarshal([]byte(filter), &parsed); err != nil {
		return "", fmt.Errorf("invalid structured filter: %w", err)
	}

	groupLogic, err := normalizeLogic(parsed.Logic)
	if err != nil {
		return "", err
	}

	var groups []string
	for _, g := range parsed.Groups {
		rendered, err := buildGroup(g)
		if err != nil {
			return "", err
		}
		if rendered != "" {
			groups = append(groups, "("+rendered+")")
		}
	}
	return strings.Join(groups, " "+groupLogic+" "), nil
}

func buildGroup(g group) (string, error) {
	logic, err := normalizeLogic(g.Logic)
	if err != nil {
		return "", err
	}

	var conditions []string
	for _, c := range g.Conditions {
		rendered, err := buildCondition(c)
		if err != nil {
			return "", err
		}
		conditions = append(conditions, rendered)
	}
	return strings.Join(conditions, " "+logic+" "), nil
}

func buildCondition(c condition) (string, error) {
	if !identPattern.MatchString(c.Column) {
		return "", fmt.Errorf("invalid filter column %q", c.Column)
	}

	op := strings.ToUpper(strings.TrimSpace(c.Operator))
	if _, ok := allowedOperators[op]; !ok {
		return "", fmt.Errorf("unsupported filter operator %q", c.Operator)
	}

	switch op {
	case "IS NULL", "IS NOT NULL":
		return fmt.Sprintf("%s %s", c.Column, op), nil

	case "IN":
		if len(c.Values) == 0 {
			return "", fmt.Errorf("IN condition on %s requires values", c.Column)
		}
		quoted := make([]string, len(c.Values))
		for i, v := range c.Values {
			quoted[i] = quoteValue(v)
		}
		return fmt.Sprintf("%s IN (%s)", c.Column, strings.Join(quoted, ", ")), nil

	case "BETWEEN":
		if len(c.Values) != 2 {
			return "", fmt.Errorf("BETWEEN condition on %s requires exactly two values", c.Column)
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s",
			c.Column, quoteValue(c.Values[0]), quoteValue(c.Values[1])), nil

	default:
		return fmt.Sprintf("%s %s %s", c.Column, op, quoteValue(c.Value)), nil
	}
}

// quoteValue emits numeric-looking values unquoted and quotes everything
// else, doubling embedded quotes.
func quoteValue(v string) string {
	if numericValue.MatchString(v) {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func normalizeLogic(logic string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(logic)) {
	case "", "AND":
		return "AND", nil
	case "OR":
		return "OR", nil
	default:
		return "", fmt.Errorf("unsupported filter logic %q", logic)
	}
}
