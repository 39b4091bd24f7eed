package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/searchdb"
)

// AddColumn adds a column to the search table, or to the extras table when
// extra is set. The declared type must pass the type whitelist.
func (t *Table) AddColumn(ctx context.Context, name, datatype string, extra bool) error {
	if t.schema.HasColumn(name) {
		return searchdb.NewSchemaError(searchdb.ErrCodeDuplicateColumn,
			"column already exists").WithTable(t.schema.Name).WithColumn(name)
	}
	if err := searchdb.ValidateColumnType(datatype); err != nil {
		return err
	}
	table := t.schema.Name
	if extra {
		if !t.hasExtras {
			return searchdb.NewSchemaError(searchdb.ErrCodeNoExtraTable,
				"table has no extras table").WithTable(t.schema.Name)
		}
		table = t.schema.ExtraName
	}
	// The type passed the whitelist, so interpolating it is safe.
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(name), datatype)
	if _, err := t.gw.Exec(ctx, stmt); err != nil {
		return err
	}
	t.schema.ColumnType[name] = datatype
	if extra {
		t.schema.ExtraCols = append(t.schema.ExtraCols, name)
	} else {
		t.schema.SearchCols = append(t.schema.SearchCols, name)
	}
	return nil
}

// DropColumn drops a column. A column the sort order or a recorded index
// depends on cannot be dropped until the dependency is removed.
func (t *Table) DropColumn(ctx context.Context, name string) error {
	if t.sort.Contains(name) {
		return searchdb.NewSchemaError(searchdb.ErrCodeDependentSort,
			"the default sort order depends on this column; call SetSort first").
			WithTable(t.schema.Name).WithColumn(name)
	}
	var table string
	switch {
	case t.schema.IsSearchColumn(name):
		names, err := t.indexesTouching(ctx, []string{name})
		if err != nil {
			return err
		}
		if len(names) > 0 {
			return searchdb.NewSchemaError(searchdb.ErrCodeDependentIndex,
				fmt.Sprintf("indexes (%s) depend on this column; drop them first", strings.Join(names, ", "))).
				WithTable(t.schema.Name).WithColumn(name)
		}
		table = t.schema.Name
	case t.schema.IsExtraColumn(name):
		table = t.schema.ExtraName
	default:
		return searchdb.NewUnknownColumnError(t.schema.Name, name)
	}
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(table), quoteIdent(name))
	if _, err := t.gw.Exec(ctx, stmt); err != nil {
		return err
	}
	t.schema.SearchCols = removeString(t.schema.SearchCols, name)
	t.schema.ExtraCols = removeString(t.schema.ExtraCols, name)
	delete(t.schema.ColumnType, name)
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}

// CreateExtraTable splits the table: the named search columns move into a
// new <table>_extras table sharing ids with the search table. Text columns
// carry the C collation, matching the bulk-load path.
func (t *Table) CreateExtraTable(ctx context.Context, columns []string) error {
	if t.hasExtras {
		return searchdb.NewSchemaError(searchdb.ErrCodeExtraTableExists,
			"extras table already exists").WithTable(t.schema.Name)
	}
	defs := []string{quoteIdent("id") + " bigint"}
	for _, col := range columns {
		datatype, known := t.schema.ColumnType[col]
		if !known {
			return searchdb.NewUnknownColumnError(t.schema.Name, col)
		}
		if t.sort.Contains(col) {
			return searchdb.NewSchemaError(searchdb.ErrCodeDependentSort,
				"the default sort order depends on this column; call SetSort first").
				WithTable(t.schema.Name).WithColumn(col)
		}
		names, err := t.indexesTouching(ctx, []string{col})
		if err != nil {
			return err
		}
		if len(names) > 0 {
			return searchdb.NewSchemaError(searchdb.ErrCodeDependentIndex,
				fmt.Sprintf("indexes (%s) depend on this column; drop them first", strings.Join(names, ", "))).
				WithTable(t.schema.Name).WithColumn(col)
		}
		if err := searchdb.ValidateColumnType(datatype); err != nil {
			return err
		}
		if datatype == "text" || strings.HasPrefix(datatype, "char") {
			datatype += ` COLLATE "C"`
		}
		defs = append(defs, quoteIdent(col)+" "+datatype)
	}

	extraName := t.schema.Name + "_extras"
	err := t.gw.InTx(ctx, func(tx pgx.Tx) error {
		stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(extraName), strings.Join(defs, ", "))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return searchdb.NewEngineError("create extras table", err)
		}
		moved := append([]string{"id"}, columns...)
		mover := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			quoteIdent(extraName), columnList(moved), columnList(moved), quoteIdent(t.schema.Name))
		if _, err := tx.Exec(ctx, mover); err != nil {
			return searchdb.NewEngineError("move extras data", err)
		}
		for _, col := range columns {
			dropper := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(t.schema.Name), quoteIdent(col))
			if _, err := tx.Exec(ctx, dropper); err != nil {
				return searchdb.NewEngineError("drop moved column", err)
			}
		}
		pkey := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (id)",
			quoteIdent(extraName), quoteIdent(extraName+"_pkey"))
		if _, err := tx.Exec(ctx, pkey); err != nil {
			return searchdb.NewEngineError("create extras primary key", err)
		}
		if _, err := tx.Exec(ctx, "UPDATE meta_tables SET has_extras = true WHERE name = $1", t.schema.Name); err != nil {
			return searchdb.NewEngineError("record extras table", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.hasExtras = true
	t.schema.ExtraName = extraName
	t.schema.ExtraCols = append([]string(nil), columns...)
	t.schema.SearchCols = removeStrings(t.schema.SearchCols, columns)
	return nil
}

func removeStrings(list, remove []string) []string {
	out := list[:0]
	for _, item := range list {
		removed := false
		for _, r := range remove {
			if item == r {
				removed = true
				break
			}
		}
		if !removed {
			out = append(out, item)
		}
	}
	return out
}

// SetSort replaces the default sort order. The previous id numbering no
// longer reflects the new order, so the table is marked out of order and,
// unless suppressed, resorted immediately.
func (t *Table) SetSort(ctx context.Context, sort searchdb.SortSpec, resort bool) error {
	for _, term := range sort {
		if !t.schema.IsSearchColumn(term.Column) && term.Column != "id" {
			return searchdb.NewUnknownColumnError(t.schema.Name, term.Column)
		}
	}
	err := t.gw.InTx(ctx, func(tx pgx.Tx) error {
		if len(sort) == 0 {
			if _, err := tx.Exec(ctx, "UPDATE meta_tables SET sort = NULL WHERE name = $1", t.schema.Name); err != nil {
				return searchdb.NewEngineError("update sort order", err)
			}
		} else {
			sortJSON, err := jsonMarshal(sort)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, "UPDATE meta_tables SET sort = $1::jsonb WHERE name = $2", sortJSON, t.schema.Name); err != nil {
				return searchdb.NewEngineError("update sort order", err)
			}
		}
		return t.breakOrder(ctx, tx)
	})
	if err != nil {
		return err
	}
	t.sort = sort
	if resort && len(sort) > 0 {
		return t.Resort(ctx)
	}
	return nil
}

// Resort renumbers ids by the default sort order. A table that is already in
// order, or has no order to restore, issues no DDL.
func (t *Table) Resort(ctx context.Context) error {
	if !t.idOrdered || !t.outOfOrder || len(t.sort) == 0 {
		return nil
	}
	extraName := ""
	if t.hasExtras {
		extraName = t.schema.ExtraName
	}
	return t.gw.InTx(ctx, func(tx pgx.Tx) error {
		if err := t.resortTables(ctx, tx, t.schema.Name, extraName); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "UPDATE meta_tables SET out_of_order = false WHERE name = $1", t.schema.Name); err != nil {
			return searchdb.NewEngineError("mark table ordered", err)
		}
		t.outOfOrder = false
		return nil
	})
}

// resortTables renumbers ids on the given physical tables (live or staged):
// a fresh id column is populated via a window-ordered row numbering on the
// search table, mirrored into the extras table by id join, then swapped in
// place of the old id on both tables so their linkage is preserved.
func (t *Table) resortTables(ctx context.Context, tx pgx.Tx, searchName, extraName string) error {
	newid := "newid"
	for t.schema.HasColumn(newid) {
		newid += "_"
	}
	st := quoteIdent(searchName)
	nid := quoteIdent(newid)

	steps := []string{
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s bigint", st, nid),
		fmt.Sprintf("UPDATE %s SET %s = newsort.%s FROM (SELECT id, ROW_NUMBER() OVER(ORDER BY %s) AS %s FROM %s) newsort WHERE %s.id = newsort.id",
			st, nid, nid, orderBy(t.sort), nid, st, st),
	}
	if extraName != "" {
		et := quoteIdent(extraName)
		steps = append(steps,
			fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s bigint", et, nid),
			fmt.Sprintf("UPDATE %s SET %s = src.%s FROM (SELECT id, %s FROM %s) src WHERE %s.id = src.id",
				et, nid, nid, nid, st, et),
			fmt.Sprintf("ALTER TABLE %s DROP COLUMN id", et),
			fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO id", et, nid),
			fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (id)", et),
		)
	}
	steps = append(steps,
		fmt.Sprintf("ALTER TABLE %s DROP COLUMN id", st),
		fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO id", st, nid),
		fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (id)", st),
	)
	for _, stmt := range steps {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return searchdb.NewEngineError("resort ids", err)
		}
	}
	return nil
}
