package internal

import (
	"fmt"
	"math/rand/v2"

	"context"

	"github.com/lychee-technology/searchdb"
)

// Search runs a paged search and reports a best-effort result count. When no
// cached count exists it over-fetches up to max(limit, cutoff-offset) rows,
// which settles whether the true count fits under the cutoff without a
// COUNT(*) scan.
func (t *Table) Search(ctx context.Context, query searchdb.Query, opts searchdb.SearchOptions) ([]searchdb.Row, *searchdb.SearchInfo, error) {
	if opts.Limit <= 0 {
		return nil, nil, searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery,
			"search requires a positive limit; use Iterate for unbounded reads")
	}
	proj, err := t.schema.ResolveProjection(opts.Projection)
	if err != nil {
		return nil, nil, err
	}
	where, args, order, err := t.compileSearch(query, opts.Sort, opts.Limit, opts.Offset)
	if err != nil {
		return nil, nil, err
	}

	info := &searchdb.SearchInfo{}
	fetch := opts.Limit
	cached, err := t.stats.QuickCount(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	if cached >= 0 {
		info.MatchCount = cached
		info.Exact = true
	} else {
		prelimit := int64(t.countCutoff) - opts.Offset
		if opts.Limit > prelimit {
			prelimit = opts.Limit
		}
		fetch = prelimit
	}

	stmt := selectStatement(proj.SearchCols, t.schema.Name, where, order, fetch, opts.Offset)
	out, err := t.collectRows(ctx, stmt, args, proj)
	if err != nil {
		return nil, nil, err
	}
	if cached < 0 {
		if int64(len(out)) < fetch {
			info.MatchCount = opts.Offset + int64(len(out))
			info.Exact = true
			if err := t.stats.recordCount(ctx, t.gw, query, info.MatchCount); err != nil {
				return nil, nil, err
			}
		} else {
			info.MatchCount = int64(t.countCutoff)
			info.Exact = false
		}
	}
	if int64(len(out)) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, info, nil
}

// Iterate streams every matching row through fn, one at a time, without
// materializing the result set. A non-nil error from fn stops the scan and is
// returned as-is. Extras lookups run per row on another pooled connection
// while the cursor stays open.
func (t *Table) Iterate(ctx context.Context, query searchdb.Query, opts searchdb.IterateOptions, fn func(searchdb.Row) error) error {
	proj, err := t.schema.ResolveProjection(opts.Projection)
	if err != nil {
		return err
	}
	where, args, order, err := t.compileSearch(query, opts.Sort, -1, 0)
	if err != nil {
		return err
	}
	stmt := selectStatement(proj.SearchCols, t.schema.Name, where, order, -1, 0)
	rows, err := t.gw.Query(ctx, stmt, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return searchdb.NewEngineError("read search row", err)
		}
		row := t.assembleSearchRow(values, proj)
		if len(proj.ExtraCols) > 0 {
			if err := t.attachExtras(ctx, row, proj); err != nil {
				return err
			}
		}
		if proj.IDOffset > 0 {
			delete(row, "id")
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return searchdb.NewEngineError("iterate search rows", err)
	}
	return nil
}

// Lucky returns at most one matching row, or nil when nothing matches.
func (t *Table) Lucky(ctx context.Context, query searchdb.Query, projection searchdb.Projection, offset int64) (searchdb.Row, error) {
	proj, err := t.schema.ResolveProjection(projection)
	if err != nil {
		return nil, err
	}
	where, args, order, err := t.compileSearch(query, nil, 1, offset)
	if err != nil {
		return nil, err
	}
	stmt := selectStatement(proj.SearchCols, t.schema.Name, where, order, 1, offset)
	out, err := t.collectRows(ctx, stmt, args, proj)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

// Lookup fetches the row carrying a label. The table must declare a label
// column.
func (t *Table) Lookup(ctx context.Context, label string, projection searchdb.Projection) (searchdb.Row, error) {
	if t.schema.LabelColumn == "" {
		return nil, searchdb.NewError(searchdb.ErrorTypeConfig, searchdb.ErrCodeNoLabelColumn,
			"table has no label column").WithTable(t.schema.Name)
	}
	return t.Lucky(ctx, searchdb.Query{t.schema.LabelColumn: label}, projection, 0)
}

// Exists reports whether any row matches.
func (t *Table) Exists(ctx context.Context, query searchdb.Query) (bool, error) {
	row, err := t.Lucky(ctx, query, searchdb.ProjectColumns("id"), 0)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// Random returns a uniformly random matching row, or nil when the table is
// empty. An unconstrained draw picks ids in [1, max(id)] and retries over
// gaps left by deletions; a constrained draw picks a random offset into the
// counted result set.
func (t *Table) Random(ctx context.Context, query searchdb.Query, projection searchdb.Projection) (searchdb.Row, error) {
	if len(query) > 0 {
		total, err := t.Count(ctx, query, false)
		if err != nil {
			return nil, err
		}
		if total == 0 {
			return nil, nil
		}
		return t.Lucky(ctx, query, projection, rand.Int64N(total))
	}
	maxID, err := t.stats.MaxID(ctx)
	if err != nil {
		return nil, err
	}
	if maxID == 0 {
		return nil, nil
	}
	for attempt := 0; attempt < t.randomRetries; attempt++ {
		id := rand.Int64N(maxID) + 1
		row, err := t.Lucky(ctx, searchdb.Query{"id": id}, projection, 0)
		if err != nil {
			return nil, err
		}
		if row != nil {
			return row, nil
		}
	}
	return nil, searchdb.NewExhaustionError(searchdb.ErrCodeRandomExhausted,
		fmt.Sprintf("no row found in %d random draws", t.randomRetries)).WithTable(t.schema.Name)
}

// Distinct returns the sorted distinct values of a search column, optionally
// constrained.
func (t *Table) Distinct(ctx context.Context, column string, query searchdb.Query) ([]any, error) {
	if !t.schema.IsSearchColumn(column) {
		return nil, searchdb.NewUnknownColumnError(t.schema.Name, column)
	}
	cond, err := searchdb.ParseQuery(query, t.schema)
	if err != nil {
		return nil, err
	}
	where, args, err := CompileCondition(cond)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT DISTINCT %s FROM %s", quoteIdent(column), quoteIdent(t.schema.Name))
	if where != "" {
		stmt += " WHERE " + where
	}
	stmt += " ORDER BY " + quoteIdent(column)
	rows, err := t.gw.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []any
	for rows.Next() {
		var value any
		if err := rows.Scan(&value); err != nil {
			return nil, searchdb.NewEngineError("scan distinct value", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, searchdb.NewEngineError("read distinct values", err)
	}
	return values, nil
}

// Count returns the number of matching rows, consulting the cached total for
// empty queries and the counts cache otherwise. When record is set, a count
// obtained by scanning is written back to the cache.
func (t *Table) Count(ctx context.Context, query searchdb.Query, record bool) (int64, error) {
	return t.stats.Count(ctx, query, record)
}

// Max returns the largest value of a column, preferring the stats cache.
func (t *Table) Max(ctx context.Context, column string) (any, error) {
	return t.stats.Max(ctx, column)
}

// Analyze runs EXPLAIN ANALYZE on the statement a search would issue and
// returns the plan lines.
func (t *Table) Analyze(ctx context.Context, query searchdb.Query, opts searchdb.SearchOptions) ([]string, error) {
	proj, err := t.schema.ResolveProjection(opts.Projection)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	where, args, order, err := t.compileSearch(query, opts.Sort, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	stmt := "EXPLAIN ANALYZE " + selectStatement(proj.SearchCols, t.schema.Name, where, order, limit, opts.Offset)
	rows, err := t.gw.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plan []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, searchdb.NewEngineError("scan plan line", err)
		}
		plan = append(plan, line)
	}
	if err := rows.Err(); err != nil {
		return nil, searchdb.NewEngineError("read plan", err)
	}
	return plan, nil
}

// compileSearch parses and compiles the query and picks the sort clause.
func (t *Table) compileSearch(query searchdb.Query, sort searchdb.SortSpec, limit, offset int64) (string, []any, string, error) {
	cond, err := searchdb.ParseQuery(query, t.schema)
	if err != nil {
		return "", nil, "", err
	}
	where, args, err := CompileCondition(cond)
	if err != nil {
		return "", nil, "", err
	}
	order, err := t.querySort(sort, query, limit, offset)
	if err != nil {
		return "", nil, "", err
	}
	return where, args, order, nil
}

// collectRows executes a search statement and assembles full result rows,
// including per-row extras lookups when the projection needs them.
func (t *Table) collectRows(ctx context.Context, stmt string, args []any, proj searchdb.ResolvedProjection) ([]searchdb.Row, error) {
	rows, err := t.gw.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []searchdb.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, searchdb.NewEngineError("read search row", err)
		}
		out = append(out, t.assembleSearchRow(values, proj))
	}
	if err := rows.Err(); err != nil {
		return nil, searchdb.NewEngineError("read search rows", err)
	}
	rows.Close()

	if len(proj.ExtraCols) > 0 {
		for _, row := range out {
			if err := t.attachExtras(ctx, row, proj); err != nil {
				return nil, err
			}
		}
	}
	if proj.IDOffset > 0 {
		for _, row := range out {
			delete(row, "id")
		}
	}
	return out, nil
}

// assembleSearchRow zips the projected search columns with one result tuple.
func (t *Table) assembleSearchRow(values []any, proj searchdb.ResolvedProjection) searchdb.Row {
	row := make(searchdb.Row, len(proj.SearchCols)+len(proj.ExtraCols))
	for i, col := range proj.SearchCols {
		if i < len(values) {
			row[col] = values[i]
		}
	}
	return row
}

// attachExtras fetches the projected extras columns for one row by id. One
// statement per row; the search path documents this as expensive.
func (t *Table) attachExtras(ctx context.Context, row searchdb.Row, proj searchdb.ResolvedProjection) error {
	if len(proj.ExtraCols) == 0 {
		return nil
	}
	id, err := rowID(row["id"])
	if err != nil {
		return searchdb.NewConsistencyError(searchdb.ErrCodeRowCountMismatch,
			"search row carries no usable id for extras lookup").WithTable(t.schema.Name).WithCause(err)
	}
	stmt := selectStatement(proj.ExtraCols, t.schema.ExtraName, quoteIdent("id")+" = $1", "", -1, 0)
	values := make([]any, len(proj.ExtraCols))
	ptrs := make([]any, len(proj.ExtraCols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := t.gw.QueryRow(ctx, stmt, id).Scan(ptrs...); err != nil {
		return searchdb.NewEngineError("fetch extras row", err)
	}
	for i, col := range proj.ExtraCols {
		row[col] = values[i]
	}
	return nil
}

// rowID normalizes the scanned id value.
func rowID(v any) (int64, error) {
	switch id := v.(type) {
	case int64:
		return id, nil
	case int32:
		return int64(id), nil
	case int:
		return int64(id), nil
	default:
		return 0, fmt.Errorf("unexpected id type %T", v)
	}
}
