package searchdb

import "strings"

// ProjectionKind selects one of the canned projection forms. The zero value
// is ProjectionAll, matching the default of the lookup-style operations.
type ProjectionKind int

const (
	// ProjectionAll selects every column of both physical tables.
	ProjectionAll ProjectionKind = iota
	// ProjectionLabel selects only the table's label column.
	ProjectionLabel
	// ProjectionSearch selects every column of the search table.
	ProjectionSearch
	// ProjectionSearchWithID is ProjectionSearch plus the linking id.
	ProjectionSearchWithID
	// ProjectionColumns selects an explicit list of columns.
	ProjectionColumns
	// ProjectionFields selects columns via a uniform include or exclude map.
	ProjectionFields
	// ProjectionColumn selects a single column.
	ProjectionColumn
)

// Projection specifies which columns an operation should return.
type Projection struct {
	Kind    ProjectionKind  `json:"kind"`
	Columns []string        `json:"columns,omitempty"`
	Fields  map[string]bool `json:"fields,omitempty"`
	Column  string          `json:"column,omitempty"`
}

// ProjectAll returns the default projection covering all columns.
func ProjectAll() Projection { return Projection{Kind: ProjectionAll} }

// ProjectLabel returns the label-only projection.
func ProjectLabel() Projection { return Projection{Kind: ProjectionLabel} }

// ProjectSearch returns the all-search-columns projection.
func ProjectSearch() Projection { return Projection{Kind: ProjectionSearch} }

// ProjectSearchWithID returns the all-search-columns-plus-id projection.
func ProjectSearchWithID() Projection { return Projection{Kind: ProjectionSearchWithID} }

// ProjectColumns returns a projection of an explicit column list.
func ProjectColumns(columns ...string) Projection {
	return Projection{Kind: ProjectionColumns, Columns: columns}
}

// ProjectFields returns a projection from an include or exclude map. All
// values must agree: true values include the named columns, false values
// exclude them.
func ProjectFields(fields map[string]bool) Projection {
	return Projection{Kind: ProjectionFields, Fields: fields}
}

// ProjectColumn returns a single-column projection.
func ProjectColumn(column string) Projection {
	return Projection{Kind: ProjectionColumn, Column: column}
}

// ResolvedProjection is the concrete column plan for a projection: the
// columns to select from the search table, the columns to fetch from the
// extras table, and the offset of the first user-visible value (1 when the
// leading search column is the linking id and was not explicitly requested).
type ResolvedProjection struct {
	SearchCols []string
	ExtraCols  []string
	IDOffset   int
}

// ResolveProjection maps a projection spec onto the table's columns.
// Requesting any extras column forces the id into the search columns so the
// extras rows can be joined back by a point lookup.
func (s *TableSchema) ResolveProjection(p Projection) (ResolvedProjection, error) {
	switch p.Kind {
	case ProjectionLabel:
		if s.LabelColumn == "" {
			return ResolvedProjection{}, NewUserQueryError(ErrCodeNoLabelColumn,
				"table has no label column").WithTable(s.Name)
		}
		return ResolvedProjection{SearchCols: []string{s.LabelColumn}}, nil
	case ProjectionSearch:
		return ResolvedProjection{SearchCols: append([]string(nil), s.SearchCols...)}, nil
	case ProjectionSearchWithID:
		return ResolvedProjection{
			SearchCols: append([]string{"id"}, s.SearchCols...),
		}, nil
	case ProjectionAll:
		if s.ExtraName == "" {
			return ResolvedProjection{SearchCols: append([]string(nil), s.SearchCols...)}, nil
		}
		return ResolvedProjection{
			SearchCols: append([]string{"id"}, s.SearchCols...),
			ExtraCols:  append([]string(nil), s.ExtraCols...),
			IDOffset:   1,
		}, nil
	case ProjectionColumns:
		return s.resolveColumnList(p.Columns)
	case ProjectionColumn:
		return s.resolveColumnList([]string{p.Column})
	case ProjectionFields:
		return s.resolveFieldMap(p.Fields)
	default:
		return ResolvedProjection{}, NewUserQueryError(ErrCodeMalformedQuery, "unknown projection kind")
	}
}

func (s *TableSchema) resolveColumnList(columns []string) (ResolvedProjection, error) {
	if len(columns) == 0 {
		return ResolvedProjection{}, NewUserQueryError(ErrCodeMalformedQuery,
			"projection must name at least one column")
	}
	var out ResolvedProjection
	includeID := false
	for _, col := range columns {
		switch {
		case col == "id":
			includeID = true
		case s.IsSearchColumn(col):
			out.SearchCols = append(out.SearchCols, col)
		case s.IsExtraColumn(col):
			out.ExtraCols = append(out.ExtraCols, col)
		default:
			return ResolvedProjection{}, NewUnknownColumnError(s.Name, col)
		}
	}
	return finishResolution(out, includeID), nil
}

func (s *TableSchema) resolveFieldMap(fields map[string]bool) (ResolvedProjection, error) {
	if len(fields) == 0 {
		return ResolvedProjection{}, NewUserQueryError(ErrCodeMalformedQuery,
			"projection must name at least one column")
	}
	including := false
	first := true
	for _, include := range fields {
		if first {
			including = include
			first = false
		} else if include != including {
			return ResolvedProjection{}, NewUserQueryError(ErrCodeMixedProjection,
				"projection cannot both include and exclude columns")
		}
	}
	unknown := make(map[string]bool, len(fields))
	for col := range fields {
		unknown[col] = true
	}
	includeID := fields["id"]
	delete(unknown, "id")

	var out ResolvedProjection
	for _, col := range s.SearchCols {
		if _, named := fields[col]; named == including {
			out.SearchCols = append(out.SearchCols, col)
		}
		delete(unknown, col)
	}
	for _, col := range s.ExtraCols {
		if _, named := fields[col]; named == including {
			out.ExtraCols = append(out.ExtraCols, col)
		}
		delete(unknown, col)
	}
	if len(unknown) > 0 {
		cols := make([]string, 0, len(unknown))
		for col := range unknown {
			cols = append(cols, col)
		}
		return ResolvedProjection{}, NewUnknownColumnError(s.Name, strings.Join(cols, ", "))
	}
	return finishResolution(out, includeID), nil
}

func finishResolution(out ResolvedProjection, includeID bool) ResolvedProjection {
	if includeID || len(out.ExtraCols) > 0 {
		out.SearchCols = append([]string{"id"}, out.SearchCols...)
	}
	if !includeID && len(out.ExtraCols) > 0 {
		out.IDOffset = 1
	}
	return out
}
