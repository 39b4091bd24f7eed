package internal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/searchdb"
)

// Bulk data travels in the engine's text COPY format: tab-separated values,
// \N for null, backslash escapes for tab, newline, carriage return and
// backslash. CopyTo writes it and Reload/CopyFrom read it back, so a dump
// and reload round-trips byte for byte (modulo id renumbering on resort).

const nullMarker = `\N`

func encodeTSVValue(v any) string {
	if v == nil {
		return nullMarker
	}
	var s string
	switch value := v.(type) {
	case string:
		s = value
	case []byte:
		s = string(value)
	case bool:
		if value {
			return "t"
		}
		return "f"
	case int64:
		return strconv.FormatInt(value, 10)
	case int32:
		return strconv.FormatInt(int64(value), 10)
	case int:
		return strconv.Itoa(value)
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64)
	default:
		encoded, err := jsonMarshal(value)
		if err != nil {
			s = fmt.Sprint(value)
		} else {
			s = encoded
		}
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func decodeTSVValue(field, datatype string) (any, error) {
	if field == nullMarker {
		return nil, nil
	}
	var b strings.Builder
	escaped := false
	for _, r := range field {
		if escaped {
			switch r {
			case 't':
				b.WriteRune('\t')
			case 'n':
				b.WriteRune('\n')
			case 'r':
				b.WriteRune('\r')
			default:
				b.WriteRune(r)
			}
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	switch datatype {
	case "smallint", "integer", "bigint", "int2", "int4", "int8", "int":
		return strconv.ParseInt(s, 10, 64)
	case "real", "double precision", "float4", "float8":
		return strconv.ParseFloat(s, 64)
	case "boolean", "bool":
		return s == "t" || s == "true", nil
	default:
		// numeric, text, jsonb and friends travel as text; the engine
		// casts on insert.
		return s, nil
	}
}

// writeTSVRow encodes one row in the given column order.
func writeTSVRow(w io.Writer, row searchdb.Row, cols []string, colTypes map[string]string) error {
	fields := make([]string, len(cols))
	for i, col := range cols {
		fields[i] = encodeTSVValue(row[col])
	}
	if _, err := io.WriteString(w, strings.Join(fields, "\t")+"\n"); err != nil {
		return fmt.Errorf("write bulk row: %w", err)
	}
	return nil
}

// readTSVRows decodes a bulk stream into value tuples matching cols. When
// firstID is positive the stream carries no id column and contiguous ids
// starting at firstID are prepended.
func (t *Table) readTSVRows(r io.Reader, cols []string, firstID int64) ([][]any, error) {
	dataCols := cols
	if firstID > 0 {
		dataCols = cols[1:]
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	var rows [][]any
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(dataCols) {
			return nil, searchdb.NewConsistencyError(searchdb.ErrCodeRowCountMismatch,
				fmt.Sprintf("line %d has %d fields, want %d", line, len(fields), len(dataCols))).WithTable(t.schema.Name)
		}
		values := make([]any, 0, len(cols))
		if firstID > 0 {
			values = append(values, firstID+int64(line-1))
		}
		for i, field := range fields {
			datatype := t.schema.ColumnType[dataCols[i]]
			if dataCols[i] == "id" {
				datatype = "bigint"
			}
			value, err := decodeTSVValue(field, datatype)
			if err != nil {
				return nil, searchdb.NewConsistencyError(searchdb.ErrCodeRowCountMismatch,
					fmt.Sprintf("line %d: bad %s value", line, dataCols[i])).WithTable(t.schema.Name).WithCause(err)
			}
			values = append(values, value)
		}
		rows = append(rows, values)
	}
	if err := scanner.Err(); err != nil {
		return nil, searchdb.NewEngineError("read bulk data", err)
	}
	return rows, nil
}

// copyInto bulk-loads decoded tuples into a physical table.
func copyInto(ctx context.Context, tx pgx.Tx, table string, cols []string, rows [][]any) (int64, error) {
	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, cols, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, searchdb.NewError(searchdb.ErrorTypeEngine, searchdb.ErrCodeCopyFailed,
			"bulk copy failed").WithTable(table).WithCause(err)
	}
	return n, nil
}

func (t *Table) tableExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := t.gw.QueryRow(ctx,
		"SELECT 1 FROM information_schema.tables WHERE table_name = $1", name).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, searchdb.NewEngineError("probe table existence", err)
	}
	return true, nil
}

// swapTables lists every physical table participating in a reload swap.
func (t *Table) swapTables() []string {
	tables := []string{t.schema.Name}
	if t.hasExtras {
		tables = append(tables, t.schema.ExtraName)
	}
	return append(tables, t.stats.countsTable(), t.stats.statsTable())
}

// Reload replaces the table contents from bulk streams without taking the
// live tables offline. The staged data lands in suffixed clones; any failure
// before the swap rolls back and leaves the live tables untouched. The swap
// itself is one transaction of renames, so readers never observe a
// half-swapped state. The streams must carry ids as their first column.
func (t *Table) Reload(ctx context.Context, search io.Reader, extras io.Reader, opts searchdb.ReloadOptions) error {
	if search == nil {
		return searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery, "no search data to load")
	}
	if (extras == nil) == t.hasExtras {
		return searchdb.NewError(searchdb.ErrorTypeSchema, searchdb.ErrCodeNoExtraTable,
			"extras data must be supplied exactly when an extras table exists").WithTable(t.schema.Name)
	}

	searchCols := append([]string{"id"}, t.schema.SearchCols...)
	extraCols := append([]string{"id"}, t.schema.ExtraCols...)

	var loaded int64
	err := t.gw.InTx(ctx, func(tx pgx.Tx) error {
		// Staging clones are created inside the transaction: a failed
		// stage leaves no staging debris behind.
		for _, table := range t.swapTables() {
			stmt := fmt.Sprintf("CREATE TABLE %s (LIKE %s)", quoteIdent(table+t.tmpSuffix), quoteIdent(table))
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return searchdb.NewEngineError("clone table for staging", err)
			}
		}
		searchRows, err := t.readTSVRows(search, searchCols, 0)
		if err != nil {
			return err
		}
		loaded, err = copyInto(ctx, tx, t.schema.Name+t.tmpSuffix, searchCols, searchRows)
		if err != nil {
			return err
		}
		if t.hasExtras {
			extraRows, err := t.readTSVRows(extras, extraCols, 0)
			if err != nil {
				return err
			}
			extraLoaded, err := copyInto(ctx, tx, t.schema.ExtraName+t.tmpSuffix, extraCols, extraRows)
			if err != nil {
				return err
			}
			if extraLoaded != loaded {
				return searchdb.NewConsistencyError(searchdb.ErrCodeRowCountMismatch,
					fmt.Sprintf("search data has %d rows but extras data has %d", loaded, extraLoaded)).
					WithTable(t.schema.Name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	resorted := false
	if t.idOrdered && opts.Resort && len(t.sort) > 0 {
		extraTmp := ""
		if t.hasExtras {
			extraTmp = t.schema.ExtraName + t.tmpSuffix
		}
		err = t.gw.InTx(ctx, func(tx pgx.Tx) error {
			return t.resortTables(ctx, tx, t.schema.Name+t.tmpSuffix, extraTmp)
		})
		if err != nil {
			return err
		}
		resorted = true
	} else {
		if err := t.restorePrimaryKeys(ctx, t.tmpSuffix); err != nil {
			return err
		}
	}
	if err := t.RestoreIndexes(ctx, t.tmpSuffix); err != nil {
		return err
	}

	if err := t.swapInTmp(ctx, loaded, resorted); err != nil {
		return err
	}
	if opts.Restat {
		return t.RefreshStats(ctx)
	}
	return nil
}

// swapInTmp renames the live tables to the next free backup names and the
// staged tables into their place, constraint and index names included, in one
// transaction. The swap always invalidates the stats caches; callers refresh
// afterwards when asked to.
func (t *Table) swapInTmp(ctx context.Context, loaded int64, resorted bool) error {
	tables := t.swapTables()
	backup := 1
	for _, table := range tables {
		for {
			exists, err := t.tableExists(ctx, fmt.Sprintf("%s%s%d", table, t.backupPrefix, backup))
			if err != nil {
				return err
			}
			if !exists {
				break
			}
			backup++
		}
	}
	indexNames, err := t.indexesTouching(ctx, nil)
	if err != nil {
		return err
	}

	err = t.gw.InTx(ctx, func(tx pgx.Tx) error {
		for _, table := range tables {
			old := fmt.Sprintf("%s%s%d", table, t.backupPrefix, backup)
			steps := []string{
				fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(table), quoteIdent(old)),
				fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(table+t.tmpSuffix), quoteIdent(table)),
			}
			// Only the data tables carry primary keys to rename.
			if table == t.schema.Name || table == t.schema.ExtraName {
				steps = append(steps,
					fmt.Sprintf("ALTER TABLE %s RENAME CONSTRAINT %s TO %s",
						quoteIdent(old), quoteIdent(table+"_pkey"), quoteIdent(old+"_pkey")),
					fmt.Sprintf("ALTER TABLE %s RENAME CONSTRAINT %s TO %s",
						quoteIdent(table), quoteIdent(table+t.tmpSuffix+"_pkey"), quoteIdent(table+"_pkey")),
				)
			}
			for _, stmt := range steps {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return searchdb.NewEngineError("swap staged table", err)
				}
			}
		}
		for _, name := range indexNames {
			renames := []string{
				fmt.Sprintf("ALTER INDEX %s RENAME TO %s", quoteIdent(name), quoteIdent(fmt.Sprintf("%s%s%d", name, t.backupPrefix, backup))),
				fmt.Sprintf("ALTER INDEX %s RENAME TO %s", quoteIdent(name+t.tmpSuffix), quoteIdent(name)),
			}
			for _, stmt := range renames {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return searchdb.NewEngineError("swap index", err)
				}
			}
		}
		if err := t.stats.setTotal(ctx, tx, loaded); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"UPDATE meta_tables SET out_of_order = $1, stats_valid = false WHERE name = $2",
			!resorted && t.idOrdered, t.schema.Name); err != nil {
			return searchdb.NewEngineError("update table flags", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.outOfOrder = !resorted && t.idOrdered
	t.statsValid = false
	return nil
}

// CopyFrom appends bulk data to the live tables. The streams carry no id
// column; contiguous ids are assigned from the cached total. Returns the
// number of rows appended.
func (t *Table) CopyFrom(ctx context.Context, search io.Reader, extras io.Reader, opts searchdb.WriteOptions) (int64, error) {
	if search == nil {
		return 0, searchdb.NewUserQueryError(searchdb.ErrCodeMalformedQuery, "no search data to load")
	}
	if (extras == nil) == t.hasExtras {
		return 0, searchdb.NewError(searchdb.ErrorTypeSchema, searchdb.ErrCodeNoExtraTable,
			"extras data must be supplied exactly when an extras table exists").WithTable(t.schema.Name)
	}
	if opts.Reindex {
		if err := t.DropIndexes(ctx); err != nil {
			return 0, err
		}
	}

	searchCols := append([]string{"id"}, t.schema.SearchCols...)
	extraCols := append([]string{"id"}, t.schema.ExtraCols...)
	firstID := t.stats.total + 1

	var loaded int64
	err := t.gw.InTx(ctx, func(tx pgx.Tx) error {
		searchRows, err := t.readTSVRows(search, searchCols, firstID)
		if err != nil {
			return err
		}
		loaded, err = copyInto(ctx, tx, t.schema.Name, searchCols, searchRows)
		if err != nil {
			return err
		}
		if t.hasExtras {
			extraRows, err := t.readTSVRows(extras, extraCols, firstID)
			if err != nil {
				return err
			}
			extraLoaded, err := copyInto(ctx, tx, t.schema.ExtraName, extraCols, extraRows)
			if err != nil {
				return err
			}
			if extraLoaded != loaded {
				return searchdb.NewConsistencyError(searchdb.ErrCodeRowCountMismatch,
					fmt.Sprintf("search data has %d rows but extras data has %d", loaded, extraLoaded)).
					WithTable(t.schema.Name)
			}
		}
		if err := t.breakOrder(ctx, tx); err != nil {
			return err
		}
		if err := t.breakStats(ctx, tx); err != nil {
			return err
		}
		return t.stats.addTotal(ctx, tx, loaded)
	})
	if err != nil {
		return 0, err
	}

	if opts.Resort {
		if err := t.Resort(ctx); err != nil {
			return loaded, err
		}
	}
	if opts.Reindex {
		if err := t.RestoreIndexes(ctx, ""); err != nil {
			return loaded, err
		}
	}
	if opts.Restat {
		if err := t.RefreshStats(ctx); err != nil {
			return loaded, err
		}
	}
	return loaded, nil
}

// CopyTo streams the table contents in bulk format, one row per line in id
// order, ids included.
func (t *Table) CopyTo(ctx context.Context, search io.Writer, extras io.Writer) error {
	if err := t.dumpTable(ctx, search, t.schema.Name, append([]string{"id"}, t.schema.SearchCols...)); err != nil {
		return err
	}
	if t.hasExtras {
		if extras == nil {
			return searchdb.NewError(searchdb.ErrorTypeSchema, searchdb.ErrCodeNoExtraTable,
				"an extras destination is required").WithTable(t.schema.Name)
		}
		return t.dumpTable(ctx, extras, t.schema.ExtraName, append([]string{"id"}, t.schema.ExtraCols...))
	}
	return nil
}

func (t *Table) dumpTable(ctx context.Context, w io.Writer, table string, cols []string) error {
	stmt := selectStatement(cols, table, "", quoteIdent("id"), -1, 0)
	rows, err := t.gw.Query(ctx, stmt)
	if err != nil {
		return err
	}
	defer rows.Close()

	buf := bufio.NewWriter(w)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return searchdb.NewEngineError("read bulk row", err)
		}
		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = encodeTSVValue(v)
		}
		if _, err := buf.WriteString(strings.Join(fields, "\t") + "\n"); err != nil {
			return fmt.Errorf("write bulk row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return searchdb.NewEngineError("read bulk rows", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flush bulk data: %w", err)
	}
	return nil
}
