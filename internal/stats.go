package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/searchdb"
)

// Stats maintains the per-table counts and statistics caches. Counts live in
// <table>_counts keyed by (cols, values) json pairs; numeric summaries live
// in <table>_stats.
type Stats struct {
	gw    *Gateway
	table *Table
	total int64
}

func (s *Stats) countsTable() string { return s.table.schema.Name + "_counts" }
func (s *Stats) statsTable() string  { return s.table.schema.Name + "_stats" }

// Total returns the cached row count of the table.
func (s *Stats) Total() int64 { return s.total }

// splitQuery decomposes a pure-equality query into aligned sorted column and
// value lists. Queries with operator clauses are not cacheable and report
// ok=false.
func splitQuery(query searchdb.Query) (cols []string, vals []any, ok bool) {
	cols = make([]string, 0, len(query))
	for col, value := range query {
		if _, isMap := value.(map[string]any); isMap {
			return nil, nil, false
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	vals = make([]any, len(cols))
	for i, col := range cols {
		vals[i] = query[col]
	}
	return cols, vals, true
}

func encodeJSON(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	return string(encoded), nil
}

// QuickCount returns a cached count for the query, or -1 when no cached
// value exists. An empty query always answers from the cached total.
func (s *Stats) QuickCount(ctx context.Context, query searchdb.Query) (int64, error) {
	if len(query) == 0 {
		return s.total, nil
	}
	cols, vals, ok := splitQuery(query)
	if !ok {
		return -1, nil
	}
	colsJSON, err := encodeJSON(cols)
	if err != nil {
		return -1, err
	}
	valsJSON, err := encodeJSON(vals)
	if err != nil {
		return -1, err
	}
	var count int64
	err = s.gw.QueryRow(ctx,
		fmt.Sprintf("SELECT count FROM %s WHERE cols = $1::jsonb AND values = $2::jsonb", quoteIdent(s.countsTable())),
		colsJSON, valsJSON).Scan(&count)
	if err == pgx.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, searchdb.NewEngineError("read counts cache", err)
	}
	return count, nil
}

// Count answers count(query): the cached total for an empty query, a cached
// exact count when one exists, otherwise a COUNT(*) scan. A scanned count is
// written back to the cache when record is set.
func (s *Stats) Count(ctx context.Context, query searchdb.Query, record bool) (int64, error) {
	cached, err := s.QuickCount(ctx, query)
	if err != nil {
		return 0, err
	}
	if cached >= 0 {
		return cached, nil
	}
	count, err := s.slowCount(ctx, query)
	if err != nil {
		return 0, err
	}
	if record {
		if err := s.recordCount(ctx, s.gw, query, count); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (s *Stats) slowCount(ctx context.Context, query searchdb.Query) (int64, error) {
	cond, err := searchdb.ParseQuery(query, s.table.schema)
	if err != nil {
		return 0, err
	}
	where, args, err := CompileCondition(cond)
	if err != nil {
		return 0, err
	}
	stmt := "SELECT COUNT(*) FROM " + quoteIdent(s.table.schema.Name)
	if where != "" {
		stmt += " WHERE " + where
	}
	var count int64
	if err := s.gw.QueryRow(ctx, stmt, args...).Scan(&count); err != nil {
		return 0, searchdb.NewEngineError("count rows", err)
	}
	return count, nil
}

// recordCount stores an exact count in the cache. Non-splittable queries are
// silently skipped; they have no cache key.
func (s *Stats) recordCount(ctx context.Context, exec execer, query searchdb.Query, count int64) error {
	if len(query) == 0 {
		return s.setTotal(ctx, exec, count)
	}
	cols, vals, ok := splitQuery(query)
	if !ok {
		return nil
	}
	colsJSON, err := encodeJSON(cols)
	if err != nil {
		return err
	}
	valsJSON, err := encodeJSON(vals)
	if err != nil {
		return err
	}
	return s.upsertCount(ctx, exec, colsJSON, valsJSON, count)
}

func (s *Stats) upsertCount(ctx context.Context, exec execer, colsJSON, valsJSON string, count int64) error {
	tag, err := exec.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET count = $3 WHERE cols = $1::jsonb AND values = $2::jsonb", quoteIdent(s.countsTable())),
		colsJSON, valsJSON, count)
	if err != nil {
		return searchdb.NewEngineError("update counts cache", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := exec.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (cols, values, count) VALUES ($1::jsonb, $2::jsonb, $3)", quoteIdent(s.countsTable())),
		colsJSON, valsJSON, count); err != nil {
		return searchdb.NewEngineError("insert counts cache", err)
	}
	return nil
}

// setTotal writes the table total to the catalog and the in-memory copy.
// Runs in the caller's transaction when exec is a tx.
func (s *Stats) setTotal(ctx context.Context, exec execer, total int64) error {
	if _, err := exec.Exec(ctx, "UPDATE meta_tables SET total = $1 WHERE name = $2", total, s.table.schema.Name); err != nil {
		return searchdb.NewEngineError("update table total", err)
	}
	s.total = total
	return nil
}

// addTotal shifts the table total by delta.
func (s *Stats) addTotal(ctx context.Context, exec execer, delta int64) error {
	return s.setTotal(ctx, exec, s.total+delta)
}

// MaxID returns the largest id in the table, 0 when empty. MAX over an empty
// table yields a NULL row, so the scan target must admit nil.
func (s *Stats) MaxID(ctx context.Context) (int64, error) {
	var maxID any
	stmt := fmt.Sprintf("SELECT MAX(%s) FROM %s", quoteIdent("id"), quoteIdent(s.table.schema.Name))
	if err := s.gw.QueryRow(ctx, stmt).Scan(&maxID); err != nil {
		return 0, searchdb.NewEngineError("read max id", err)
	}
	if maxID == nil {
		return 0, nil
	}
	id, err := rowID(maxID)
	if err != nil {
		return 0, searchdb.NewEngineError("read max id", err)
	}
	return id, nil
}

// Max returns the largest value of a column. Cached stats answer first; a
// cache miss falls back to an ordered scan, retrying with NULLS LAST when the
// plain ordering surfaces a null, and the scanned value is cached when it is
// numeric.
func (s *Stats) Max(ctx context.Context, column string) (any, error) {
	if column == "id" {
		return s.MaxID(ctx)
	}
	if !s.table.schema.IsSearchColumn(column) {
		return nil, searchdb.NewUnknownColumnError(s.table.schema.Name, column)
	}
	colsJSON, err := encodeJSON([]string{column})
	if err != nil {
		return nil, err
	}
	var cached float64
	err = s.gw.QueryRow(ctx,
		fmt.Sprintf("SELECT value FROM %s WHERE cols = $1::jsonb AND stat = 'max' AND constraint_cols IS NULL", quoteIdent(s.statsTable())),
		colsJSON).Scan(&cached)
	if err == nil {
		return cached, nil
	}
	if err != pgx.ErrNoRows {
		return nil, searchdb.NewEngineError("read stats cache", err)
	}

	value, err := s.scanMax(ctx, column, false)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value, err = s.scanMax(ctx, column, true)
		if err != nil {
			return nil, err
		}
	}
	switch value.(type) {
	case int64, int32, float64:
		if _, err := s.gw.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s (cols, stat, value, threshold) VALUES ($1::jsonb, 'max', $2, NULL)", quoteIdent(s.statsTable())),
			colsJSON, value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func (s *Stats) scanMax(ctx context.Context, column string, nullsLast bool) (any, error) {
	order := quoteIdent(column) + " DESC"
	if nullsLast {
		order += " NULLS LAST"
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT 1",
		quoteIdent(column), quoteIdent(s.table.schema.Name), order)
	var value any
	err := s.gw.QueryRow(ctx, stmt).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, searchdb.NewEngineError("scan column max", err)
	}
	return value, nil
}

// AddStats records grouped counts for a column set, plus total/avg/min/max
// summary rows when the grouping is a single numeric column. A grouping that
// already has its total row is left untouched, so stats for a grouping are
// always fully present or fully absent.
func (s *Stats) AddStats(ctx context.Context, cols []string, constraint searchdb.Query) error {
	if len(cols) == 0 {
		return searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery, "no columns to add stats for")
	}
	sorted := append([]string(nil), cols...)
	sort.Strings(sorted)
	for _, col := range sorted {
		if !s.table.schema.IsSearchColumn(col) {
			return searchdb.NewUnknownColumnError(s.table.schema.Name, col)
		}
	}
	ccolsJSON, cvalsJSON, err := s.constraintKey(constraint)
	if err != nil {
		return err
	}
	colsJSON, err := encodeJSON(sorted)
	if err != nil {
		return err
	}

	present, err := s.hasTotalRow(ctx, colsJSON, ccolsJSON)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	cond, err := searchdb.ParseQuery(constraint, s.table.schema)
	if err != nil {
		return err
	}
	where, args, err := CompileCondition(cond)
	if err != nil {
		return err
	}
	whereClause := ""
	if where != "" {
		whereClause = " WHERE " + where
	}

	return s.gw.InTx(ctx, func(tx pgx.Tx) error {
		// Grouped counts.
		stmt := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s%s GROUP BY %s",
			columnList(sorted), quoteIdent(s.table.schema.Name), whereClause, columnList(sorted))
		rows, err := tx.Query(ctx, stmt, args...)
		if err != nil {
			return searchdb.NewEngineError("group counts", err)
		}
		type group struct {
			valsJSON string
			count    int64
		}
		var groups []group
		var total int64
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				rows.Close()
				return searchdb.NewEngineError("scan group counts", err)
			}
			count, err := rowID(values[len(values)-1])
			if err != nil {
				rows.Close()
				return searchdb.NewEngineError("scan group count", err)
			}
			valsJSON, err := encodeJSON(values[:len(values)-1])
			if err != nil {
				rows.Close()
				return err
			}
			groups = append(groups, group{valsJSON: valsJSON, count: count})
			total += count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return searchdb.NewEngineError("read group counts", err)
		}

		insertCount := fmt.Sprintf("INSERT INTO %s (cols, values, count) VALUES ($1::jsonb, $2::jsonb, $3)", quoteIdent(s.countsTable()))
		for _, g := range groups {
			if _, err := tx.Exec(ctx, insertCount, colsJSON, g.valsJSON, g.count); err != nil {
				return searchdb.NewEngineError("insert group count", err)
			}
		}

		insertStat := fmt.Sprintf("INSERT INTO %s (cols, stat, value, constraint_cols, constraint_values) VALUES ($1::jsonb, $2, $3, $4::jsonb, $5::jsonb)", quoteIdent(s.statsTable()))
		if _, err := tx.Exec(ctx, insertStat, colsJSON, "total", total, ccolsJSON, cvalsJSON); err != nil {
			return searchdb.NewEngineError("insert total stat", err)
		}

		if len(sorted) == 1 && numericColumn(s.table.schema.ColumnType[sorted[0]]) {
			col := quoteIdent(sorted[0])
			stmt := fmt.Sprintf("SELECT AVG(%s), MIN(%s), MAX(%s) FROM %s%s",
				col, col, col, quoteIdent(s.table.schema.Name), whereClause)
			// All three aggregates are NULL on an empty group.
			var avg, minVal, maxVal any
			if err := tx.QueryRow(ctx, stmt, args...).Scan(&avg, &minVal, &maxVal); err != nil {
				return searchdb.NewEngineError("compute column summary", err)
			}
			summaries := []struct {
				stat  string
				value any
			}{{"avg", avg}, {"min", minVal}, {"max", maxVal}}
			for _, sm := range summaries {
				if sm.value == nil {
					continue
				}
				if _, err := tx.Exec(ctx, insertStat, colsJSON, sm.stat, sm.value, ccolsJSON, cvalsJSON); err != nil {
					return searchdb.NewEngineError("insert summary stat", err)
				}
			}
		}
		return nil
	})
}

func (s *Stats) constraintKey(constraint searchdb.Query) (any, any, error) {
	if len(constraint) == 0 {
		return nil, nil, nil
	}
	ccols, cvals, ok := splitQuery(constraint)
	if !ok {
		return nil, nil, searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery,
			"stats constraints must be pure equality queries")
	}
	ccolsJSON, err := encodeJSON(ccols)
	if err != nil {
		return nil, nil, err
	}
	cvalsJSON, err := encodeJSON(cvals)
	if err != nil {
		return nil, nil, err
	}
	return ccolsJSON, cvalsJSON, nil
}

func (s *Stats) hasTotalRow(ctx context.Context, colsJSON string, ccolsJSON any) (bool, error) {
	stmt := fmt.Sprintf("SELECT 1 FROM %s WHERE cols = $1::jsonb AND stat = 'total' AND constraint_cols IS NOT DISTINCT FROM $2::jsonb", quoteIdent(s.statsTable()))
	var one int
	err := s.gw.QueryRow(ctx, stmt, colsJSON, ccolsJSON).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, searchdb.NewEngineError("probe stats cache", err)
	}
	return true, nil
}

// bucket is one parsed interval of a bucket list.
type bucket struct {
	label string
	query map[string]any
}

// parseBuckets turns bucket labels into column clauses: "a-b" is a closed
// interval, "a-" and "-b" are half-open, anything else is an equality.
func parseBuckets(labels []string) ([]bucket, error) {
	out := make([]bucket, 0, len(labels))
	for _, label := range labels {
		dash := strings.Index(label, "-")
		if dash > 0 && dash < len(label)-1 {
			lo, err1 := strconv.ParseInt(label[:dash], 10, 64)
			hi, err2 := strconv.ParseInt(label[dash+1:], 10, 64)
			if err1 != nil || err2 != nil || hi < lo {
				return nil, searchdb.NewUserQueryError(searchdb.ErrCodeInvalidBuckets,
					"malformed bucket "+label)
			}
			out = append(out, bucket{label: label, query: map[string]any{"$gte": lo, "$lte": hi}})
			continue
		}
		if dash == len(label)-1 && dash > 0 {
			lo, err := strconv.ParseInt(label[:dash], 10, 64)
			if err != nil {
				return nil, searchdb.NewUserQueryError(searchdb.ErrCodeInvalidBuckets,
					"malformed bucket "+label)
			}
			out = append(out, bucket{label: label, query: map[string]any{"$gte": lo}})
			continue
		}
		if dash == 0 && len(label) > 1 {
			hi, err := strconv.ParseInt(label[1:], 10, 64)
			if err != nil {
				return nil, searchdb.NewUserQueryError(searchdb.ErrCodeInvalidBuckets,
					"malformed bucket "+label)
			}
			out = append(out, bucket{label: label, query: map[string]any{"$lte": hi}})
			continue
		}
		if value, err := strconv.ParseInt(label, 10, 64); err == nil {
			out = append(out, bucket{label: label, query: map[string]any{"$eq": value}})
			continue
		}
		return nil, searchdb.NewUserQueryError(searchdb.ErrCodeInvalidBuckets,
			"malformed bucket "+label)
	}
	return out, nil
}

// AddBucketedCounts caches one count per cell of the cartesian product of
// the given bucket lists. The bucket lists are expected to partition each
// column's value range.
func (s *Stats) AddBucketedCounts(ctx context.Context, buckets map[string][]string, constraint searchdb.Query) error {
	if len(buckets) == 0 {
		return searchdb.NewUserQueryError(searchdb.ErrCodeInvalidBuckets, "no buckets given")
	}
	cols := make([]string, 0, len(buckets))
	for col := range buckets {
		if !s.table.schema.IsSearchColumn(col) {
			return searchdb.NewUnknownColumnError(s.table.schema.Name, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parsed := make([][]bucket, len(cols))
	for i, col := range cols {
		list, err := parseBuckets(buckets[col])
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return searchdb.NewUserQueryError(searchdb.ErrCodeInvalidBuckets,
				"empty bucket list").WithColumn(col)
		}
		parsed[i] = list
	}

	colsJSON, err := encodeJSON(cols)
	if err != nil {
		return err
	}

	// Walk the cartesian product of the bucket lists.
	cell := make([]bucket, len(cols))
	var record func(ctx context.Context, tx pgx.Tx, depth int) error
	record = func(ctx context.Context, tx pgx.Tx, depth int) error {
		if depth == len(cols) {
			query := searchdb.Query{}
			for k, v := range constraint {
				query[k] = v
			}
			labels := make([]string, len(cols))
			for i, col := range cols {
				labels[i] = cell[i].label
				if eq, ok := cell[i].query["$eq"]; ok {
					query[col] = eq
				} else {
					query[col] = cell[i].query
				}
			}
			count, err := s.slowCount(ctx, query)
			if err != nil {
				return err
			}
			valsJSON, err := encodeJSON(labels)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				fmt.Sprintf("INSERT INTO %s (cols, values, count) VALUES ($1::jsonb, $2::jsonb, $3)", quoteIdent(s.countsTable())),
				colsJSON, valsJSON, count)
			if err != nil {
				return searchdb.NewEngineError("insert bucketed count", err)
			}
			return nil
		}
		for _, b := range parsed[depth] {
			cell[depth] = b
			if err := record(ctx, tx, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return s.gw.InTx(ctx, func(tx pgx.Tx) error {
		return record(ctx, tx, 0)
	})
}

// ValuesCounts reads back the cached (value, count) pairs of a single-column
// grouping.
func (s *Stats) ValuesCounts(ctx context.Context, column string) ([]searchdb.ValueCount, error) {
	colsJSON, err := encodeJSON([]string{column})
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT values, count FROM %s WHERE cols = $1::jsonb ORDER BY values", quoteIdent(s.countsTable()))
	rows, err := s.gw.Query(ctx, stmt, colsJSON)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []searchdb.ValueCount
	for rows.Next() {
		var valsJSON []byte
		var count int64
		if err := rows.Scan(&valsJSON, &count); err != nil {
			return nil, searchdb.NewEngineError("scan cached count", err)
		}
		var vals []any
		if err := json.Unmarshal(valsJSON, &vals); err != nil {
			return nil, searchdb.NewConsistencyError(searchdb.ErrCodeDuplicateCatalog,
				"undecodable counts cache row").WithTable(s.countsTable()).WithCause(err)
		}
		var value any
		if len(vals) > 0 {
			value = vals[0]
		}
		out = append(out, searchdb.ValueCount{Value: value, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, searchdb.NewEngineError("read cached counts", err)
	}
	return out, nil
}

// TotalAvg reads back the cached numeric summary of one column.
func (s *Stats) TotalAvg(ctx context.Context, column string) (*searchdb.ColumnStats, error) {
	colsJSON, err := encodeJSON([]string{column})
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT stat, value FROM %s WHERE cols = $1::jsonb AND constraint_cols IS NULL", quoteIdent(s.statsTable()))
	rows, err := s.gw.Query(ctx, stmt, colsJSON)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &searchdb.ColumnStats{}
	found := false
	for rows.Next() {
		var stat string
		var value float64
		if err := rows.Scan(&stat, &value); err != nil {
			return nil, searchdb.NewEngineError("scan stat row", err)
		}
		found = true
		switch stat {
		case "total":
			out.Total = int64(value)
		case "avg":
			out.Avg = value
		case "min":
			out.Min = value
		case "max":
			out.Max = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, searchdb.NewEngineError("read stat rows", err)
	}
	if !found {
		return nil, searchdb.NewError(searchdb.ErrorTypeUserQuery, searchdb.ErrCodeMissingStats,
			"no cached stats for column").WithTable(s.table.schema.Name).WithColumn(column)
	}
	return out, nil
}

// Refresh recomputes the table total from a full count and marks the caches
// valid again. Stale derived counts are dropped rather than recomputed; the
// stat definitions can be re-added afterwards.
func (s *Stats) Refresh(ctx context.Context) error {
	total, err := s.slowCount(ctx, searchdb.Query{})
	if err != nil {
		return err
	}
	return s.gw.InTx(ctx, func(tx pgx.Tx) error {
		return s.refreshInTx(ctx, tx, total)
	})
}

func (s *Stats) refreshInTx(ctx context.Context, tx pgx.Tx, total int64) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(s.countsTable()))); err != nil {
		return searchdb.NewEngineError("clear counts cache", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(s.statsTable()))); err != nil {
		return searchdb.NewEngineError("clear stats cache", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE meta_tables SET total = $1, stats_valid = true WHERE name = $2",
		total, s.table.schema.Name); err != nil {
		return searchdb.NewEngineError("update table total", err)
	}
	s.total = total
	s.table.statsValid = true
	return nil
}

// AddStats records grouped counts and numeric summaries for a column set.
func (t *Table) AddStats(ctx context.Context, cols []string, constraint searchdb.Query) error {
	return t.stats.AddStats(ctx, cols, constraint)
}

// AddBucketedCounts caches counts over a cartesian bucket grid.
func (t *Table) AddBucketedCounts(ctx context.Context, buckets map[string][]string, constraint searchdb.Query) error {
	return t.stats.AddBucketedCounts(ctx, buckets, constraint)
}

// ValuesCounts reads back cached per-value counts for a column.
func (t *Table) ValuesCounts(ctx context.Context, column string) ([]searchdb.ValueCount, error) {
	return t.stats.ValuesCounts(ctx, column)
}

// TotalAvg reads back the cached numeric summary of a column.
func (t *Table) TotalAvg(ctx context.Context, column string) (*searchdb.ColumnStats, error) {
	return t.stats.TotalAvg(ctx, column)
}

// RefreshStats recomputes the table total and revalidates the caches.
func (t *Table) RefreshStats(ctx context.Context) error {
	return t.stats.Refresh(ctx)
}

// numericColumn reports whether a declared type supports avg/min/max.
func numericColumn(datatype string) bool {
	switch datatype {
	case "smallint", "integer", "bigint", "int2", "int4", "int8", "int",
		"numeric", "decimal", "real", "double precision", "float4", "float8":
		return true
	}
	return strings.HasPrefix(datatype, "numeric(")
}
