package internal

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/searchdb"
)

// splitByOwnership partitions data columns between the search and extras
// tables, rejecting unknown columns and any attempt to set id.
func (t *Table) splitByOwnership(data searchdb.Row) (searchdb.Row, searchdb.Row, error) {
	searchData := searchdb.Row{}
	extrasData := searchdb.Row{}
	for col, value := range data {
		switch {
		case col == "id":
			return nil, nil, searchdb.NewUserQueryError(searchdb.ErrCodeImmutableID,
				"the id column cannot be set directly").WithTable(t.schema.Name)
		case t.schema.IsSearchColumn(col):
			searchData[col] = value
		case t.schema.IsExtraColumn(col):
			extrasData[col] = value
		default:
			return nil, nil, searchdb.NewUnknownColumnError(t.schema.Name, col)
		}
	}
	return searchData, extrasData, nil
}

// sortedColumns returns the keys of a row in sorted order, so statement text
// is deterministic.
func sortedColumns(data searchdb.Row) []string {
	cols := make([]string, 0, len(data))
	for col := range data {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// Upsert updates the unique row matched by query, or inserts a new row when
// nothing matches. Two or more matches fail without mutating anything. The
// new id of an inserted row is allocated from the cached total, which assumes
// a single writer; concurrent inserters fail on the primary key rather than
// corrupting state.
func (t *Table) Upsert(ctx context.Context, query searchdb.Query, data searchdb.Row) (*searchdb.UpsertResult, error) {
	if len(query) == 0 || len(data) == 0 {
		return nil, searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery,
			"upsert requires a non-empty query and data")
	}
	searchData, extrasData, err := t.splitByOwnership(data)
	if err != nil {
		return nil, err
	}
	if len(extrasData) > 0 && !t.hasExtras {
		return nil, searchdb.NewError(searchdb.ErrorTypeSchema, searchdb.ErrCodeNoExtraTable,
			"table has no extras table").WithTable(t.schema.Name)
	}
	cond, err := searchdb.ParseQuery(query, t.schema)
	if err != nil {
		return nil, err
	}
	where, args, err := CompileCondition(cond)
	if err != nil {
		return nil, err
	}

	result := &searchdb.UpsertResult{}
	err = t.gw.InTx(ctx, func(tx pgx.Tx) error {
		stmt := fmt.Sprintf("SELECT id FROM %s WHERE %s LIMIT 2", quoteIdent(t.schema.Name), where)
		rows, err := tx.Query(ctx, stmt, args...)
		if err != nil {
			return searchdb.NewEngineError("select upsert target", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return searchdb.NewEngineError("scan upsert target", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return searchdb.NewEngineError("read upsert target", err)
		}

		switch len(ids) {
		default:
			return searchdb.NewUserQueryError(searchdb.ErrCodeAmbiguousUpsert,
				"query matches more than one row").WithTable(t.schema.Name)
		case 1:
			result.ID = ids[0]
			if err := t.updateByID(ctx, tx, t.schema.Name, ids[0], searchData); err != nil {
				return err
			}
			if len(extrasData) > 0 {
				if err := t.updateByID(ctx, tx, t.schema.ExtraName, ids[0], extrasData); err != nil {
					return err
				}
			}
			for col := range data {
				if t.sort.Contains(col) {
					if err := t.breakOrder(ctx, tx); err != nil {
						return err
					}
					break
				}
			}
		case 0:
			// Merge equality constraints from the query into the new row.
			for col, value := range query {
				if _, isMap := value.(map[string]any); isMap {
					continue
				}
				if col == "id" {
					return searchdb.NewUserQueryError(searchdb.ErrCodeImmutableID,
						"cannot insert a row with an explicit id").WithTable(t.schema.Name)
				}
				if _, present := searchData[col]; !present && t.schema.IsSearchColumn(col) {
					searchData[col] = value
				}
			}
			newID := t.stats.total + 1
			result.ID = newID
			result.Inserted = true
			if err := t.insertByID(ctx, tx, t.schema.Name, newID, searchData); err != nil {
				return err
			}
			if t.hasExtras {
				if err := t.insertByID(ctx, tx, t.schema.ExtraName, newID, extrasData); err != nil {
					return err
				}
			}
			if err := t.breakOrder(ctx, tx); err != nil {
				return err
			}
			if err := t.stats.addTotal(ctx, tx, 1); err != nil {
				return err
			}
		}
		return t.breakStats(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Table) updateByID(ctx context.Context, tx pgx.Tx, table string, id int64, data searchdb.Row) error {
	if len(data) == 0 {
		return nil
	}
	cols := sortedColumns(data)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", quoteIdent(col), i+1)
		args = append(args, t.bindColumnValue(col, data[col]))
	}
	args = append(args, id)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", quoteIdent(table), strings.Join(sets, ", "), len(cols)+1)
	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		return searchdb.NewEngineError("update row", err)
	}
	return nil
}

func (t *Table) insertByID(ctx context.Context, tx pgx.Tx, table string, id int64, data searchdb.Row) error {
	cols := append([]string{"id"}, sortedColumns(data)...)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	args[0] = id
	placeholders[0] = "$1"
	for i, col := range cols[1:] {
		placeholders[i+1] = fmt.Sprintf("$%d", i+2)
		args[i+1] = t.bindColumnValue(col, data[col])
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), columnList(cols), strings.Join(placeholders, ", "))
	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		return searchdb.NewEngineError("insert row", err)
	}
	return nil
}

// bindColumnValue encodes values destined for structured columns as json
// text; pgx handles the rest natively.
func (t *Table) bindColumnValue(col string, value any) any {
	if value == nil || !t.schema.IsJSONB(col) {
		return value
	}
	switch value.(type) {
	case string, []byte:
		return value
	}
	encoded, err := jsonMarshal(value)
	if err != nil {
		return value
	}
	return encoded
}

// InsertMany inserts rows with contiguous ids starting at total+1, one
// multi-row statement per physical table. All rows must share one column
// set. Inserting breaks the id order and invalidates the caches; pass the
// corresponding options to repair them in the same call.
func (t *Table) InsertMany(ctx context.Context, rows []searchdb.Row, opts searchdb.WriteOptions) error {
	if len(rows) == 0 {
		return searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery, "no rows to insert")
	}
	searchRows := make([]searchdb.Row, len(rows))
	extrasRows := make([]searchdb.Row, len(rows))
	first := sortedColumns(rows[0])
	for i, row := range rows {
		cols := sortedColumns(row)
		if len(cols) != len(first) {
			return searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery,
				"all rows must share one column set")
		}
		for j := range cols {
			if cols[j] != first[j] {
				return searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery,
					"all rows must share one column set")
			}
		}
		searchData, extrasData, err := t.splitByOwnership(row)
		if err != nil {
			return err
		}
		searchRows[i] = searchData
		extrasRows[i] = extrasData
	}

	if opts.Reindex {
		if err := t.dropPrimaryKeys(ctx, ""); err != nil {
			return err
		}
		if err := t.DropIndexes(ctx); err != nil {
			return err
		}
	}

	err := t.gw.InTx(ctx, func(tx pgx.Tx) error {
		firstID := t.stats.total + 1
		if err := t.multiRowInsert(ctx, tx, t.schema.Name, firstID, searchRows); err != nil {
			return err
		}
		if t.hasExtras {
			if err := t.multiRowInsert(ctx, tx, t.schema.ExtraName, firstID, extrasRows); err != nil {
				return err
			}
		}
		if err := t.breakOrder(ctx, tx); err != nil {
			return err
		}
		if err := t.breakStats(ctx, tx); err != nil {
			return err
		}
		return t.stats.addTotal(ctx, tx, int64(len(rows)))
	})
	if err != nil {
		return err
	}

	if opts.Resort {
		if err := t.Resort(ctx); err != nil {
			return err
		}
	}
	if opts.Reindex {
		if err := t.restorePrimaryKeys(ctx, ""); err != nil {
			return err
		}
		if err := t.RestoreIndexes(ctx, ""); err != nil {
			return err
		}
	}
	if opts.Restat {
		return t.RefreshStats(ctx)
	}
	return nil
}

// multiRowInsert issues one INSERT carrying every row, ids assigned
// contiguously from firstID.
func (t *Table) multiRowInsert(ctx context.Context, tx pgx.Tx, table string, firstID int64, rows []searchdb.Row) error {
	cols := append([]string{"id"}, sortedColumns(rows[0])...)
	var values strings.Builder
	args := make([]any, 0, len(rows)*len(cols))
	param := 0
	for i, row := range rows {
		if i > 0 {
			values.WriteString(", ")
		}
		values.WriteString("(")
		for j, col := range cols {
			if j > 0 {
				values.WriteString(", ")
			}
			param++
			values.WriteString(fmt.Sprintf("$%d", param))
			if col == "id" {
				args = append(args, firstID+int64(i))
			} else {
				args = append(args, t.bindColumnValue(col, row[col]))
			}
		}
		values.WriteString(")")
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", quoteIdent(table), columnList(cols), values.String())
	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		return searchdb.NewEngineError("insert rows", err)
	}
	return nil
}

// Delete removes every matching row, cascading the same id set into the
// extras table, and returns the number of rows removed.
func (t *Table) Delete(ctx context.Context, query searchdb.Query, restat bool) (int64, error) {
	cond, err := searchdb.ParseQuery(query, t.schema)
	if err != nil {
		return 0, err
	}
	where, args, err := CompileCondition(cond)
	if err != nil {
		return 0, err
	}
	deleter := "DELETE FROM " + quoteIdent(t.schema.Name)
	if where != "" {
		deleter += " WHERE " + where
	}
	if t.hasExtras {
		deleter = fmt.Sprintf("WITH deleted_ids AS (%s RETURNING id) DELETE FROM %s WHERE id IN (SELECT id FROM deleted_ids)",
			deleter, quoteIdent(t.schema.ExtraName))
	}

	var deleted int64
	err = t.gw.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, deleter, args...)
		if err != nil {
			return searchdb.NewEngineError("delete rows", err)
		}
		deleted = tag.RowsAffected()
		if err := t.breakOrder(ctx, tx); err != nil {
			return err
		}
		if err := t.breakStats(ctx, tx); err != nil {
			return err
		}
		return t.stats.addTotal(ctx, tx, -deleted)
	})
	if err != nil {
		return 0, err
	}
	if restat {
		if err := t.RefreshStats(ctx); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// Rewrite streams every matching row through transform, stages the results
// in bulk format and reloads the table from the staged data. Used for edits
// too complex to express as one statement. New columns must be added with
// AddColumn before rewriting.
func (t *Table) Rewrite(ctx context.Context, transform func(searchdb.Row) (searchdb.Row, error), query searchdb.Query, opts searchdb.WriteOptions) error {
	cols := append([]string{"id"}, t.schema.SearchCols...)
	projCols := append(append([]string{}, cols...), t.schema.ExtraCols...)
	extraCols := append([]string{"id"}, t.schema.ExtraCols...)

	var searchBuf, extrasBuf bytes.Buffer
	iterOpts := searchdb.IterateOptions{
		Projection: searchdb.ProjectColumns(projCols...),
		Sort:       searchdb.SortSpec{},
	}
	err := t.Iterate(ctx, query, iterOpts, func(row searchdb.Row) error {
		processed, err := transform(row)
		if err != nil {
			return err
		}
		if err := writeTSVRow(&searchBuf, processed, cols, t.schema.ColumnType); err != nil {
			return err
		}
		if t.hasExtras {
			return writeTSVRow(&extrasBuf, processed, extraCols, t.schema.ColumnType)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var extras *bytes.Buffer
	if t.hasExtras {
		extras = &extrasBuf
	}
	reloadOpts := searchdb.ReloadOptions{Resort: opts.Resort, Restat: opts.Restat}
	if extras == nil {
		return t.Reload(ctx, &searchBuf, nil, reloadOpts)
	}
	return t.Reload(ctx, &searchBuf, extras, reloadOpts)
}
