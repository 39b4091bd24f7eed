package searchdb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// The query language is parsed into a closed set of condition nodes before
// any SQL is generated. Parsing validates every column reference against the
// table schema, so the translator only ever sees known columns and operators.

// Condition is a node of the parsed query tree.
type Condition interface {
	condition()
}

// CompareOp is a validated comparison operator.
type CompareOp string

const (
	OpLT  CompareOp = "<"
	OpLTE CompareOp = "<="
	OpGT  CompareOp = ">"
	OpGTE CompareOp = ">="
	OpNE  CompareOp = "!="
)

// PathSegment is one step of a dotted key: either an object key or an array
// index into a structured (jsonb) value.
type PathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

// ColumnRef identifies the column a leaf condition applies to, including an
// optional path into a structured value. JSONB records whether comparison
// values must be bound as jsonb rather than native literals.
type ColumnRef struct {
	Name  string
	Path  []PathSegment
	JSONB bool
}

// Equals matches rows whose column equals the value; a nil value matches
// rows where the column IS NULL.
type Equals struct {
	Column ColumnRef
	Value  any
}

// Compare matches rows by an inequality against a single value.
type Compare struct {
	Column ColumnRef
	Op     CompareOp
	Value  any
}

// In matches rows whose column is one of the listed values.
type In struct {
	Column ColumnRef
	Values []any
}

// NotIn matches rows whose column is none of the listed values.
type NotIn struct {
	Column ColumnRef
	Values []any
}

// Contains matches structured columns that contain the value as a subset.
type Contains struct {
	Column ColumnRef
	Value  any
}

// ContainedIn matches structured columns that are a subset of the value.
type ContainedIn struct {
	Column ColumnRef
	Value  any
}

// NotContains matches structured columns containing none of the listed
// entries.
type NotContains struct {
	Column ColumnRef
	Values []any
}

// Exists matches rows where the column is non-null (Present) or null.
type Exists struct {
	Column  ColumnRef
	Present bool
}

// And is the conjunction of its children.
type And []Condition

// Or is the disjunction of its children.
type Or []Condition

func (Equals) condition()      {}
func (Compare) condition()     {}
func (In) condition()          {}
func (NotIn) condition()       {}
func (Contains) condition()    {}
func (ContainedIn) condition() {}
func (NotContains) condition() {}
func (Exists) condition()      {}
func (And) condition()         {}
func (Or) condition()          {}

// ParseQuery validates a document-style query against the table schema and
// converts it to a condition tree. An empty query returns a nil Condition,
// meaning no constraint. Keys are processed in sorted order so the resulting
// tree (and the SQL compiled from it) is deterministic regardless of map
// iteration order.
func ParseQuery(q Query, schema *TableSchema) (Condition, error) {
	return parseDict(map[string]any(q), schema, nil)
}

func parseDict(d map[string]any, schema *TableSchema, outer *ColumnRef) (Condition, error) {
	if len(d) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(d))
	for key := range d {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var conds []Condition
	for _, key := range keys {
		value := d[key]
		if key == "" {
			return nil, NewUserQueryError(ErrCodeMalformedQuery, "empty key")
		}
		if strings.HasPrefix(key, "$") {
			sub, err := parseOperator(key, value, schema, outer)
			if err != nil {
				return nil, err
			}
			if sub != nil {
				conds = append(conds, sub)
			}
			continue
		}
		ref, err := parseColumnRef(key, schema)
		if err != nil {
			return nil, err
		}
		if opMap, ok := operatorMap(value); ok {
			sub, err := parseDict(opMap, schema, &ref)
			if err != nil {
				return nil, err
			}
			if sub != nil {
				conds = append(conds, sub)
			}
			continue
		}
		conds = append(conds, Equals{Column: ref, Value: value})
	}
	return combineAnd(conds), nil
}

func combineAnd(conds []Condition) Condition {
	switch len(conds) {
	case 0:
		return nil
	case 1:
		return conds[0]
	default:
		return And(conds)
	}
}

// operatorMap reports whether a leaf value is an operator map, i.e. a
// non-empty map all of whose keys start with $.
func operatorMap(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return nil, false
		}
	}
	return m, true
}

func parseColumnRef(key string, schema *TableSchema) (ColumnRef, error) {
	ref := ColumnRef{Name: key}
	if strings.Contains(key, ".") {
		parts := strings.Split(key, ".")
		ref.Name = parts[0]
		for _, part := range parts[1:] {
			if idx, err := strconv.Atoi(part); err == nil {
				ref.Path = append(ref.Path, PathSegment{Index: idx, IsIndex: true})
			} else {
				ref.Path = append(ref.Path, PathSegment{Key: part})
			}
		}
		// A path always addresses into a structured value.
		ref.JSONB = true
	} else {
		ref.JSONB = schema.IsJSONB(key)
	}
	if ref.Name != "id" && !schema.IsSearchColumn(ref.Name) {
		return ColumnRef{}, NewUnknownColumnError(schema.Name, ref.Name)
	}
	return ref, nil
}

func parseOperator(key string, value any, schema *TableSchema, outer *ColumnRef) (Condition, error) {
	switch key {
	case "$and", "$or":
		return parseJunction(key, value, schema, outer)
	}
	if outer == nil {
		return nil, NewUserQueryError(ErrCodeMalformedOperator,
			fmt.Sprintf("operator %s requires a column", key))
	}
	col := *outer
	switch key {
	case "$lt", "$lte", "$gt", "$gte", "$ne":
		ops := map[string]CompareOp{
			"$lt": OpLT, "$lte": OpLTE, "$gt": OpGT, "$gte": OpGTE, "$ne": OpNE,
		}
		return Compare{Column: col, Op: ops[key], Value: value}, nil
	case "$in", "$nin":
		values, err := valueList(key, value)
		if err != nil {
			return nil, err
		}
		if col.JSONB {
			return nil, NewUserQueryError(ErrCodeMalformedOperator,
				key+" is not supported for structured columns").WithColumn(col.Name)
		}
		if key == "$in" {
			return In{Column: col, Values: values}, nil
		}
		return NotIn{Column: col, Values: values}, nil
	case "$contains":
		return Contains{Column: col, Value: value}, nil
	case "$containedin":
		return ContainedIn{Column: col, Value: value}, nil
	case "$notcontains":
		values, err := valueList(key, value)
		if err != nil {
			return nil, err
		}
		return NotContains{Column: col, Values: values}, nil
	case "$exists":
		present, ok := value.(bool)
		if !ok {
			return nil, NewUserQueryError(ErrCodeMalformedOperator, "$exists requires a boolean")
		}
		return Exists{Column: col, Present: present}, nil
	default:
		return nil, NewUserQueryError(ErrCodeMalformedOperator, "unknown operator "+key)
	}
}

// parseJunction handles $and/$or. Each list entry is either a full
// sub-query, or, when a column has already been selected, an operator map
// scoped to that column (e.g. {"degree": {"$or": [{"$lte":5},{"$gte":10}]}}).
func parseJunction(key string, value any, schema *TableSchema, outer *ColumnRef) (Condition, error) {
	clauses, err := valueList(key, value)
	if err != nil {
		return nil, err
	}
	var conds []Condition
	for _, clause := range clauses {
		sub, ok := clause.(map[string]any)
		if !ok {
			return nil, NewUserQueryError(ErrCodeMalformedOperator,
				key+" entries must be sub-queries")
		}
		cond, err := parseDict(sub, schema, outer)
		if err != nil {
			return nil, err
		}
		if cond != nil {
			conds = append(conds, cond)
		}
	}
	if len(conds) == 0 {
		return nil, nil
	}
	if key == "$or" {
		return Or(conds), nil
	}
	return And(conds), nil
}

func valueList(op string, value any) ([]any, error) {
	switch v := value.(type) {
	case []any:
		return v, nil
	case []int:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	case []int64:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = x
		}
		return out, nil
	default:
		return nil, NewUserQueryError(ErrCodeMalformedOperator, op+" requires a list")
	}
}
