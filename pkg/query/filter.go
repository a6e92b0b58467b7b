package query

import (
	"sort"
	"strings"

	"github.com/enfyra/engine/pkg/apperrors"
)

// Filter operators. String matchers are case-insensitive on both backends.
const (
	OpEq         = "_eq"
	OpNeq        = "_neq"
	OpGt         = "_gt"
	OpGte        = "_gte"
	OpLt         = "_lt"
	OpLte        = "_lte"
	OpIn         = "_in"
	OpNotIn      = "_not_in"
	OpContains   = "_contains"
	OpStartsWith = "_starts_with"
	OpEndsWith   = "_ends_with"
	OpBetween    = "_between"
	OpIsNull     = "_is_null"
)

var knownOperators = map[string]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpContains: true, OpStartsWith: true,
	OpEndsWith: true, OpBetween: true, OpIsNull: true,
}

// FilterNode is a parsed filter: either a Condition or a Group.
type FilterNode interface{ filterNode() }

// Condition tests one field. Path has more than one element when the field
// lives behind a relation ("author.name").
type Condition struct {
	Path  []string
	Op    string
	Value any
}

// Group combines child nodes with AND or OR.
type Group struct {
	Or       bool
	Children []FilterNode
}

func (Condition) filterNode() {}
func (Group) filterNode()     {}

// ParseFilter parses the filter DSL. The input maps field paths to operator
// objects, with `_and`/`_or` keys combining nested filters:
//
//	{"name": {"_contains": "phone"}, "_or": [{"price": {"_lt": 10}}, ...]}
//
// A bare scalar value is shorthand for `_eq`. Nil input means no filter.
func ParseFilter(raw map[string]any) (FilterNode, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	group := Group{}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		switch key {
		case "_and", "_or":
			sub, err := parseGroup(value, key == "_or")
			if err != nil {
				return nil, err
			}
			group.Children = append(group.Children, sub)
		default:
			conds, err := parseField(strings.Split(key, "."), value)
			if err != nil {
				return nil, err
			}
			group.Children = append(group.Children, conds...)
		}
	}
	if len(group.Children) == 1 {
		return group.Children[0], nil
	}
	return group, nil
}

func parseGroup(value any, or bool) (FilterNode, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, apperrors.Validation("_and/_or expects a list of filters")
	}
	group := Group{Or: or}
	for _, item := range items {
		sub, ok := item.(map[string]any)
		if !ok {
			return nil, apperrors.Validation("_and/_or list entries must be filter objects")
		}
		node, err := ParseFilter(sub)
		if err != nil {
			return nil, err
		}
		if node != nil {
			group.Children = append(group.Children, node)
		}
	}
	return group, nil
}

func parseField(path []string, value any) ([]FilterNode, error) {
	ops, isObject := value.(map[string]any)
	if !isObject {
		return []FilterNode{Condition{Path: path, Op: OpEq, Value: value}}, nil
	}

	var out []FilterNode
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		opValue := ops[key]
		if knownOperators[key] {
			if err := checkOperand(key, opValue); err != nil {
				return nil, err
			}
			out = append(out, Condition{Path: path, Op: key, Value: opValue})
			continue
		}
		if strings.HasPrefix(key, "_") {
			return nil, apperrors.Validation("unknown filter operator %q", key)
		}
		// Nested object extends the relation path: {"author": {"name": {...}}}.
		nested, err := parseField(append(append([]string{}, path...), key), opValue)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

func checkOperand(op string, value any) error {
	switch op {
	case OpIn, OpNotIn:
		if _, ok := value.([]any); !ok {
			return apperrors.Validation("%s expects a list operand", op)
		}
	case OpBetween:
		list, ok := value.([]any)
		if !ok || len(list) != 2 {
			return apperrors.Validation("_between expects a two-element list")
		}
	case OpIsNull:
		if _, ok := value.(bool); !ok {
			return apperrors.Validation("_is_null expects a boolean operand")
		}
	}
	return nil
}

// FiltersRelation reports whether any condition reaches through a relation.
// The document builder uses it to decide whether sort and pagination may be
// pushed ahead of the $lookup stages.
func FiltersRelation(node FilterNode) bool {
	switch n := node.(type) {
	case nil:
		return false
	case Condition:
		return len(n.Path) > 1
	case Group:
		for _, child := range n.Children {
			if FiltersRelation(child) {
				return true
			}
		}
	}
	return false
}
