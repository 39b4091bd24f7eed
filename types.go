package searchdb

import (
	"regexp"
	"strings"
)

// Row is a single result record, keyed by column name. Columns whose value
// is NULL in the database are omitted.
type Row map[string]any

// Query is a document-style query: keys are column names or the logical
// operators "$and"/"$or", values are literals, operator maps (e.g.
// {"$lte": 5}) or, under $and/$or, lists of sub-queries.
type Query map[string]any

// SortTerm is one column of a sort order.
type SortTerm struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// SortSpec is an ordered list of sort terms. A nil SortSpec means the table
// has no default ordering.
type SortSpec []SortTerm

// Asc is a convenience constructor for an ascending sort term.
func Asc(column string) SortTerm { return SortTerm{Column: column} }

// Desc is a convenience constructor for a descending sort term.
func Desc(column string) SortTerm { return SortTerm{Column: column, Desc: true} }

// Columns returns the set of columns participating in the sort order.
func (s SortSpec) Columns() []string {
	cols := make([]string, 0, len(s))
	for _, term := range s {
		cols = append(cols, term.Column)
	}
	return cols
}

// Contains reports whether the sort order depends on the given column.
func (s SortSpec) Contains(column string) bool {
	for _, term := range s {
		if term.Column == column {
			return true
		}
	}
	return false
}

// TableSchema describes the columns of a logical table: the searchable
// columns, the extras columns (if the table is split), and the declared
// Postgres type of every column. The id column is implicit and never listed.
type TableSchema struct {
	Name        string
	ExtraName   string
	LabelColumn string
	SearchCols  []string
	ExtraCols   []string
	ColumnType  map[string]string
}

// HasColumn reports whether name is a search column, an extras column or id.
func (s *TableSchema) HasColumn(name string) bool {
	if name == "id" {
		return true
	}
	_, ok := s.ColumnType[name]
	return ok
}

// IsSearchColumn reports whether name is a column of the search table.
func (s *TableSchema) IsSearchColumn(name string) bool {
	for _, col := range s.SearchCols {
		if col == name {
			return true
		}
	}
	return false
}

// IsExtraColumn reports whether name is a column of the extras table.
func (s *TableSchema) IsExtraColumn(name string) bool {
	for _, col := range s.ExtraCols {
		if col == name {
			return true
		}
	}
	return false
}

// IsJSONB reports whether the column holds structured (jsonb) data.
func (s *TableSchema) IsJSONB(name string) bool {
	return s.ColumnType[name] == "jsonb"
}

// typesWhitelist is the set of base Postgres types accepted when creating
// or altering columns.
var typesWhitelist = map[string]bool{
	"int2": true, "smallint": true, "smallserial": true, "serial2": true,
	"int4": true, "int": true, "integer": true, "serial": true, "serial4": true,
	"int8": true, "bigint": true, "bigserial": true, "serial8": true,
	"numeric": true, "decimal": true,
	"float4": true, "real": true,
	"float8": true, "double precision": true,
	"boolean": true, "bool": true,
	"text": true, "char": true, "character": true, "character varying": true, "varchar": true,
	"json": true, "jsonb": true, "xml": true,
	"date": true, "interval": true, "time": true,
	"time without time zone": true, "time with time zone": true, "timetz": true,
	"timestamp": true, "timestamp without time zone": true,
	"timestamp with time zone": true, "timestamptz": true,
	"bytea": true, "bit": true, "bit varying": true, "varbit": true,
	"uuid": true, "inet": true, "cidr": true, "macaddr": true,
	"tsquery": true, "tsvector": true, "money": true,
}

// paramTypesWhitelist matches the small set of parameterized type spellings
// allowed in DDL: bounded bit/varchar, interval/time/timestamp precision and
// fixed-precision numerics.
var paramTypesWhitelist = []*regexp.Regexp{
	regexp.MustCompile(`^(bit( varying)?|varbit)\s*\([1-9][0-9]*\)$`),
	regexp.MustCompile(`^(char(acter)?|character varying|varchar)\s*\([1-9][0-9]*\)$`),
	regexp.MustCompile(`^interval(\s+(year|month|day|hour|minute|second|year to month|day to hour|day to minute|day to second|hour to minute|hour to second|minute to second))?(\s*\([0-6]\))?$`),
	regexp.MustCompile(`^timestamp\s*\([0-6]\)(\s+with(out)? time zone)?$`),
	regexp.MustCompile(`^time\s*\(([0-9]|10)\)(\s+with(out)? time zone)?$`),
	regexp.MustCompile(`^(numeric|decimal)\s*\([1-9][0-9]*(,\s*(0|[1-9][0-9]*))?\)$`),
}

// ValidateColumnType checks a Postgres type name against the whitelist of
// base types and parameterized type patterns. Anything else is rejected
// before reaching the database.
func ValidateColumnType(datatype string) error {
	normalized := strings.ToLower(strings.TrimSpace(datatype))
	if typesWhitelist[normalized] {
		return nil
	}
	for _, pattern := range paramTypesWhitelist {
		if pattern.MatchString(normalized) {
			return nil
		}
	}
	return NewSchemaError(ErrCodeInvalidType, "not a valid column type: "+datatype)
}
