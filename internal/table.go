package internal

import (
	"context"
	"fmt"

	"github.com/lychee-technology/searchdb"
)

// Table is the data plane of one logical table: a search table, an optional
// extras table, and the catalog rows describing both.
type Table struct {
	gw     *Gateway
	schema *searchdb.TableSchema

	sort       searchdb.SortSpec
	idOrdered  bool
	outOfOrder bool
	statsValid bool
	hasExtras  bool

	countCutoff   int
	randomRetries int
	tmpSuffix     string
	backupPrefix  string

	stats *Stats
}

// tableMeta mirrors one row of meta_tables.
type tableMeta struct {
	Name        string
	Sort        searchdb.SortSpec
	IDOrdered   bool
	OutOfOrder  bool
	HasExtras   bool
	StatsValid  bool
	LabelCol    string
	CountCutoff int
	Total       int64
}

// newTable assembles a Table from its catalog row and loads the column sets
// of both physical tables from information_schema. The count cutoff recorded
// at creation time wins over the configured default.
func newTable(ctx context.Context, gw *Gateway, cfg searchdb.QueryConfig, reload searchdb.ReloadConfig, meta tableMeta) (*Table, error) {
	schema := &searchdb.TableSchema{
		Name:        meta.Name,
		LabelColumn: meta.LabelCol,
		ColumnType:  map[string]string{},
	}
	if meta.HasExtras {
		schema.ExtraName = meta.Name + "_extras"
	}
	cutoff := cfg.CountCutoff
	if meta.CountCutoff > 0 {
		cutoff = meta.CountCutoff
	}
	tmpSuffix := reload.TmpSuffix
	if tmpSuffix == "" {
		tmpSuffix = "_tmp"
	}
	backupPrefix := reload.BackupPrefix
	if backupPrefix == "" {
		backupPrefix = "_old"
	}
	t := &Table{
		gw:            gw,
		schema:        schema,
		sort:          meta.Sort,
		idOrdered:     meta.IDOrdered,
		outOfOrder:    meta.OutOfOrder,
		statsValid:    meta.StatsValid,
		hasExtras:     meta.HasExtras,
		countCutoff:   cutoff,
		randomRetries: cfg.RandomRetries,
		tmpSuffix:     tmpSuffix,
		backupPrefix:  backupPrefix,
	}
	t.stats = &Stats{gw: gw, table: t, total: meta.Total}

	cols, err := t.loadColumns(ctx, meta.Name)
	if err != nil {
		return nil, err
	}
	schema.SearchCols = cols
	if meta.HasExtras {
		extraCols, err := t.loadColumns(ctx, schema.ExtraName)
		if err != nil {
			return nil, err
		}
		schema.ExtraCols = extraCols
	}
	return t, nil
}

// loadColumns reads the columns of a physical table, recording their types
// and skipping the implicit id column.
func (t *Table) loadColumns(ctx context.Context, physical string) ([]string, error) {
	rows, err := t.gw.Query(ctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position",
		physical)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name, datatype string
		if err := rows.Scan(&name, &datatype); err != nil {
			return nil, searchdb.NewEngineError("scan column metadata", err)
		}
		if name == "id" {
			continue
		}
		t.schema.ColumnType[name] = datatype
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, searchdb.NewEngineError("read column metadata", err)
	}
	if len(cols) == 0 && len(t.schema.ColumnType) == 0 && physical == t.schema.Name {
		return nil, searchdb.NewError(searchdb.ErrorTypeSchema, searchdb.ErrCodeUnknownTable,
			fmt.Sprintf("table %s has no columns", physical)).WithTable(physical)
	}
	return cols, nil
}

// Name returns the logical table name.
func (t *Table) Name() string { return t.schema.Name }

// Schema returns the column layout. Callers must not mutate it.
func (t *Table) Schema() *searchdb.TableSchema { return t.schema }

// Stats returns the statistics view of the table.
func (t *Table) Stats() *Stats { return t.stats }

// Sort returns the default sort order, or nil when the table has none.
func (t *Table) Sort() searchdb.SortSpec { return t.sort }

func (t *Table) primarySort() string {
	if len(t.sort) == 0 {
		return ""
	}
	return t.sort[0].Column
}

// querySort picks the ORDER BY clause for a search. When the caller gave no
// sort, id order stands in for the default sort on id-ordered tables, unless
// the primary sort column is constrained by the query or the id order has
// been broken. The planner cannot know ids follow the sort order, so a
// constrained primary sort column gets the explicit clause.
func (t *Table) querySort(requested searchdb.SortSpec, query searchdb.Query, limit int64, offset int64) (string, error) {
	if requested != nil {
		return orderBy(requested), nil
	}
	if len(t.sort) == 0 {
		if limit >= 0 && !(limit == 1 && offset == 0) {
			return "", searchdb.NewUserQueryError(searchdb.ErrCodeMissingSort,
				"a sort order is required").WithTable(t.schema.Name)
		}
		return "", nil
	}
	if _, constrained := query[t.primarySort()]; constrained || t.outOfOrder || !t.idOrdered {
		return orderBy(t.sort), nil
	}
	return orderBy(searchdb.SortSpec{searchdb.Asc("id")}), nil
}

// breakOrder records that row ids no longer follow the sort order. It runs
// inside the caller's transaction.
func (t *Table) breakOrder(ctx context.Context, exec execer) error {
	if t.outOfOrder {
		return nil
	}
	if _, err := exec.Exec(ctx, "UPDATE meta_tables SET out_of_order = true WHERE name = $1", t.schema.Name); err != nil {
		return searchdb.NewEngineError("mark table out of order", err)
	}
	t.outOfOrder = true
	return nil
}

// breakStats records that the stats and counts caches are stale. It runs
// inside the caller's transaction.
func (t *Table) breakStats(ctx context.Context, exec execer) error {
	if !t.statsValid {
		return nil
	}
	if _, err := exec.Exec(ctx, "UPDATE meta_tables SET stats_valid = false WHERE name = $1", t.schema.Name); err != nil {
		return searchdb.NewEngineError("mark stats stale", err)
	}
	t.statsValid = false
	return nil
}
