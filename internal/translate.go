package internal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lychee-technology/searchdb"
)

// Translation from the parsed condition tree to SQL. Every non-parameter
// fragment is assembled from validated identifiers and fixed templates;
// values only ever travel as $n parameters.

func jsonMarshal(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// quoteIdent double-quotes an identifier for direct inclusion in SQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// columnSQL renders a column reference, descending into structured values
// with -> when the reference carries a path.
func columnSQL(ref searchdb.ColumnRef) string {
	var b strings.Builder
	b.WriteString(quoteIdent(ref.Name))
	for _, seg := range ref.Path {
		if seg.IsIndex {
			b.WriteString("->")
			b.WriteString(strconv.Itoa(seg.Index))
		} else {
			b.WriteString("->'")
			b.WriteString(strings.ReplaceAll(seg.Key, "'", "''"))
			b.WriteString("'")
		}
	}
	return b.String()
}

// bindValue appends a parameter and returns its placeholder. Values compared
// against structured columns are bound as jsonb.
func bindValue(ref searchdb.ColumnRef, value any, paramIndex *int, args *[]any) (string, error) {
	*paramIndex++
	if ref.JSONB {
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery,
				"value cannot be encoded as json").WithColumn(ref.Name).WithCause(err)
		}
		*args = append(*args, string(encoded))
		return fmt.Sprintf("$%d::jsonb", *paramIndex), nil
	}
	*args = append(*args, value)
	return fmt.Sprintf("$%d", *paramIndex), nil
}

// CompileCondition turns a condition tree into a WHERE fragment and its
// parameters. A nil condition compiles to an empty fragment.
func CompileCondition(cond searchdb.Condition) (string, []any, error) {
	if cond == nil {
		return "", nil, nil
	}
	paramIndex := 0
	var args []any
	clause, err := compileNode(cond, &paramIndex, &args)
	if err != nil {
		return "", nil, err
	}
	return clause, args, nil
}

func compileNode(cond searchdb.Condition, paramIndex *int, args *[]any) (string, error) {
	switch c := cond.(type) {
	case searchdb.Equals:
		if c.Value == nil {
			return columnSQL(c.Column) + " IS NULL", nil
		}
		ph, err := bindValue(c.Column, c.Value, paramIndex, args)
		if err != nil {
			return "", err
		}
		return columnSQL(c.Column) + " = " + ph, nil
	case searchdb.Compare:
		if c.Value == nil {
			if c.Op == searchdb.OpNE {
				return columnSQL(c.Column) + " IS NOT NULL", nil
			}
			return "", searchdb.NewUserQueryError(searchdb.ErrCodeMalformedOperator,
				"cannot compare against null").WithColumn(c.Column.Name)
		}
		ph, err := bindValue(c.Column, c.Value, paramIndex, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", columnSQL(c.Column), c.Op, ph), nil
	case searchdb.In:
		if len(c.Values) == 0 {
			return "false", nil
		}
		*paramIndex++
		*args = append(*args, c.Values)
		return fmt.Sprintf("%s = ANY($%d)", columnSQL(c.Column), *paramIndex), nil
	case searchdb.NotIn:
		if len(c.Values) == 0 {
			return "true", nil
		}
		*paramIndex++
		*args = append(*args, c.Values)
		return fmt.Sprintf("NOT (%s = ANY($%d))", columnSQL(c.Column), *paramIndex), nil
	case searchdb.Contains:
		ph, err := bindValue(c.Column, c.Value, paramIndex, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s @> %s", columnSQL(c.Column), ph), nil
	case searchdb.ContainedIn:
		ph, err := bindValue(c.Column, c.Value, paramIndex, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s <@ %s", columnSQL(c.Column), ph), nil
	case searchdb.NotContains:
		if len(c.Values) == 0 {
			return "true", nil
		}
		clauses := make([]string, 0, len(c.Values))
		for _, value := range c.Values {
			ph, err := bindValue(c.Column, value, paramIndex, args)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, fmt.Sprintf("NOT (%s @> %s)", columnSQL(c.Column), ph))
		}
		return strings.Join(clauses, " AND "), nil
	case searchdb.Exists:
		if c.Present {
			return columnSQL(c.Column) + " IS NOT NULL", nil
		}
		return columnSQL(c.Column) + " IS NULL", nil
	case searchdb.And:
		return compileJunction([]searchdb.Condition(c), " AND ", paramIndex, args)
	case searchdb.Or:
		return compileJunction([]searchdb.Condition(c), " OR ", paramIndex, args)
	default:
		return "", searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery,
			fmt.Sprintf("unsupported condition %T", cond))
	}
}

func compileJunction(children []searchdb.Condition, sep string, paramIndex *int, args *[]any) (string, error) {
	clauses := make([]string, 0, len(children))
	for _, child := range children {
		clause, err := compileNode(child, paramIndex, args)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, "("+clause+")")
	}
	return strings.Join(clauses, sep), nil
}

// orderBy renders a sort order. An empty spec renders to an empty string.
func orderBy(sort searchdb.SortSpec) string {
	if len(sort) == 0 {
		return ""
	}
	terms := make([]string, 0, len(sort))
	for _, term := range sort {
		if term.Desc {
			terms = append(terms, quoteIdent(term.Column)+" DESC")
		} else {
			terms = append(terms, quoteIdent(term.Column))
		}
	}
	return strings.Join(terms, ", ")
}

// columnList renders a comma-separated list of quoted column names.
func columnList(cols []string) string {
	quoted := make([]string, 0, len(cols))
	for _, col := range cols {
		quoted = append(quoted, quoteIdent(col))
	}
	return strings.Join(quoted, ", ")
}

// selectStatement assembles a full SELECT. where and order may be empty;
// limit < 0 means no LIMIT clause and offset 0 omits OFFSET.
func selectStatement(cols []string, table, where, order string, limit int64, offset int64) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(columnList(cols))
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(table))
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(order)
	}
	if limit >= 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.FormatInt(limit, 10))
	}
	if offset > 0 {
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.FormatInt(offset, 10))
	}
	return b.String()
}
