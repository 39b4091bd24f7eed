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

// Index DDL is assembled from whitelisted fragments only: the type, the
// per-column modifiers and the storage parameter names are all checked
// against the tables below before any statement text is built. Every created
// index is recorded in meta_indexes so it can be dropped around a bulk load
// and rebuilt exactly, including against a staging-table suffix.

var operatorClasses = map[string][]string{
	"brin":   {"inet_minmax_ops"},
	"btree":  {"bpchar_pattern_ops", "cidr_ops", "record_image_ops", "text_pattern_ops", "varchar_ops", "varchar_pattern_ops"},
	"gin":    {"jsonb_path_ops"},
	"gist":   {"inet_ops"},
	"hash":   {"bpchar_pattern_ops", "cidr_ops", "text_pattern_ops", "varchar_ops", "varchar_pattern_ops"},
	"spgist": {"kd_point_ops"},
}

var validStorageParams = map[string][]string{
	"brin":   {"pages_per_range", "autosummarize"},
	"btree":  {"fillfactor"},
	"gin":    {"fastupdate", "gin_pending_list_limit"},
	"gist":   {"fillfactor", "buffering"},
	"hash":   {"fillfactor"},
	"spgist": {"fillfactor"},
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// validateIndexSpec normalizes and whitelist-checks an index spec, filling
// in defaults for the name, modifiers and storage parameters.
func (t *Table) validateIndexSpec(spec *searchdb.IndexSpec) error {
	classes, known := operatorClasses[spec.Type]
	if !known {
		return searchdb.NewSchemaError(searchdb.ErrCodeInvalidIndexSpec,
			"unrecognized index type "+spec.Type)
	}
	if len(spec.Columns) == 0 {
		return searchdb.NewSchemaError(searchdb.ErrCodeInvalidIndexSpec, "no columns to index")
	}
	for _, col := range spec.Columns {
		if col != "id" && !t.schema.IsSearchColumn(col) {
			return searchdb.NewUnknownColumnError(t.schema.Name, col)
		}
	}
	if spec.Modifiers == nil {
		if spec.Type == "gin" {
			spec.Modifiers = make([][]string, len(spec.Columns))
			for i := range spec.Modifiers {
				spec.Modifiers[i] = []string{"jsonb_path_ops"}
			}
		} else {
			spec.Modifiers = make([][]string, len(spec.Columns))
		}
	}
	if len(spec.Modifiers) != len(spec.Columns) {
		return searchdb.NewSchemaError(searchdb.ErrCodeInvalidIndexSpec,
			"modifiers must have the same length as columns")
	}
	for _, mods := range spec.Modifiers {
		for _, mod := range mods {
			lower := strings.ToLower(mod)
			if lower != "asc" && lower != "desc" && lower != "nulls first" && lower != "nulls last" &&
				!contains(classes, lower) {
				return searchdb.NewSchemaError(searchdb.ErrCodeInvalidIndexSpec,
					"invalid modifier "+mod)
			}
		}
	}
	if spec.StorageParams == nil {
		switch spec.Type {
		case "btree", "hash", "gist", "spgist":
			spec.StorageParams = map[string]any{"fillfactor": 100}
		default:
			spec.StorageParams = map[string]any{}
		}
	}
	for param := range spec.StorageParams {
		if !contains(validStorageParams[spec.Type], param) {
			return searchdb.NewSchemaError(searchdb.ErrCodeInvalidIndexSpec,
				"invalid storage parameter "+param)
		}
	}
	if spec.Name == "" {
		parts := append([]string{t.schema.Name}, spec.Columns...)
		if spec.Type != "btree" {
			parts = append(parts, spec.Type)
		}
		spec.Name = strings.Join(parts, "_")
	}
	return nil
}

// storageParamLiteral renders a storage parameter value for DDL, which
// cannot carry bind parameters. Only numbers, booleans and the on/off
// keywords are representable.
func storageParamLiteral(value any) (string, error) {
	switch v := value.(type) {
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		if v {
			return "on", nil
		}
		return "off", nil
	case string:
		if v == "on" || v == "off" {
			return v, nil
		}
	}
	return "", searchdb.NewSchemaError(searchdb.ErrCodeInvalidIndexSpec,
		fmt.Sprintf("storage parameter value %v is not a number or boolean", value))
}

// createIndexStatement builds the CREATE INDEX DDL. Everything interpolated
// here has passed validateIndexSpec or storageParamLiteral.
func createIndexStatement(name, table string, spec *searchdb.IndexSpec) (string, error) {
	cols := make([]string, len(spec.Columns))
	for i, col := range spec.Columns {
		cols[i] = quoteIdent(col)
		if len(spec.Modifiers[i]) > 0 {
			cols[i] += " " + strings.Join(spec.Modifiers[i], " ")
		}
	}
	stmt := fmt.Sprintf("CREATE INDEX %s ON %s USING %s (%s)",
		quoteIdent(name), quoteIdent(table), spec.Type, strings.Join(cols, ", "))

	if len(spec.StorageParams) > 0 {
		params := make([]string, 0, len(spec.StorageParams))
		for param := range spec.StorageParams {
			params = append(params, param)
		}
		sort.Strings(params)
		withs := make([]string, len(params))
		for i, param := range params {
			literal, err := storageParamLiteral(spec.StorageParams[param])
			if err != nil {
				return "", err
			}
			withs[i] = param + " = " + literal
		}
		stmt += " WITH (" + strings.Join(withs, ", ") + ")"
	}
	return stmt, nil
}

// CreateIndex creates a secondary index and records it in meta_indexes.
func (t *Table) CreateIndex(ctx context.Context, spec *searchdb.IndexSpec) error {
	if err := t.validateIndexSpec(spec); err != nil {
		return err
	}
	var one int
	err := t.gw.QueryRow(ctx,
		"SELECT 1 FROM meta_indexes WHERE index_name = $1 AND table_name = $2",
		spec.Name, t.schema.Name).Scan(&one)
	if err == nil {
		return searchdb.NewSchemaError(searchdb.ErrCodeDuplicateIndex,
			"an index with that name already exists").WithTable(t.schema.Name)
	}
	if err != pgx.ErrNoRows {
		return searchdb.NewEngineError("probe index catalog", err)
	}

	colsJSON, err := jsonMarshal(spec.Columns)
	if err != nil {
		return err
	}
	modsJSON, err := jsonMarshal(spec.Modifiers)
	if err != nil {
		return err
	}
	paramsJSON, err := jsonMarshal(spec.StorageParams)
	if err != nil {
		return err
	}
	stmt, err := createIndexStatement(spec.Name, t.schema.Name, spec)
	if err != nil {
		return err
	}
	return t.gw.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return searchdb.NewEngineError("create index", err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO meta_indexes (index_name, table_name, type, columns, modifiers, storage_params) VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb)",
			spec.Name, t.schema.Name, spec.Type, colsJSON, modsJSON, paramsJSON); err != nil {
			return searchdb.NewEngineError("record index", err)
		}
		return nil
	})
}

// DropIndex drops an index and removes its catalog row.
func (t *Table) DropIndex(ctx context.Context, name string) error {
	return t.gw.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"DELETE FROM meta_indexes WHERE table_name = $1 AND index_name = $2",
			t.schema.Name, name)
		if err != nil {
			return searchdb.NewEngineError("delete index record", err)
		}
		if tag.RowsAffected() == 0 {
			return searchdb.NewSchemaError(searchdb.ErrCodeUnknownIndex,
				"index does not exist").WithTable(t.schema.Name)
		}
		if _, err := tx.Exec(ctx, "DROP INDEX "+quoteIdent(name)); err != nil {
			return searchdb.NewEngineError("drop index", err)
		}
		return nil
	})
}

// dropIndex drops the physical index while keeping the catalog row, so it
// can be rebuilt after a bulk load. suffix selects staging or backup copies.
func (t *Table) dropIndex(ctx context.Context, exec execer, name, suffix string) error {
	if _, err := exec.Exec(ctx, "DROP INDEX "+quoteIdent(name+suffix)); err != nil {
		return searchdb.NewEngineError("drop index", err)
	}
	return nil
}

// restoreIndex rebuilds one index from its catalog row, optionally against
// suffixed table and index names.
func (t *Table) restoreIndex(ctx context.Context, exec execer, name, suffix string) error {
	rows, err := t.gw.Query(ctx,
		"SELECT type, columns, modifiers, storage_params FROM meta_indexes WHERE table_name = $1 AND index_name = $2",
		t.schema.Name, name)
	if err != nil {
		return err
	}
	defer rows.Close()

	var spec *searchdb.IndexSpec
	for rows.Next() {
		if spec != nil {
			return searchdb.NewConsistencyError(searchdb.ErrCodeDuplicateCatalog,
				"duplicated rows in meta_indexes").WithTable(t.schema.Name)
		}
		var typ string
		var colsJSON, modsJSON, paramsJSON []byte
		if err := rows.Scan(&typ, &colsJSON, &modsJSON, &paramsJSON); err != nil {
			return searchdb.NewEngineError("scan index record", err)
		}
		spec = &searchdb.IndexSpec{Name: name, Type: typ}
		if err := json.Unmarshal(colsJSON, &spec.Columns); err != nil {
			return searchdb.NewConsistencyError(searchdb.ErrCodeDuplicateCatalog,
				"undecodable index record").WithTable(t.schema.Name).WithCause(err)
		}
		if err := json.Unmarshal(modsJSON, &spec.Modifiers); err != nil {
			return searchdb.NewConsistencyError(searchdb.ErrCodeDuplicateCatalog,
				"undecodable index record").WithTable(t.schema.Name).WithCause(err)
		}
		if err := json.Unmarshal(paramsJSON, &spec.StorageParams); err != nil {
			return searchdb.NewConsistencyError(searchdb.ErrCodeDuplicateCatalog,
				"undecodable index record").WithTable(t.schema.Name).WithCause(err)
		}
	}
	if err := rows.Err(); err != nil {
		return searchdb.NewEngineError("read index record", err)
	}
	if spec == nil {
		return searchdb.NewSchemaError(searchdb.ErrCodeUnknownIndex,
			"index "+name+" does not exist in meta_indexes").WithTable(t.schema.Name)
	}
	stmt, err := createIndexStatement(name+suffix, t.schema.Name+suffix, spec)
	if err != nil {
		return err
	}
	if _, err := exec.Exec(ctx, stmt); err != nil {
		return searchdb.NewEngineError("restore index", err)
	}
	return nil
}

// indexesTouching lists the recorded indexes referencing any of the given
// columns; an empty column list matches every index of the table.
func (t *Table) indexesTouching(ctx context.Context, columns []string) ([]string, error) {
	stmt := "SELECT index_name FROM meta_indexes WHERE table_name = $1"
	args := []any{t.schema.Name}
	if len(columns) > 0 {
		clauses := make([]string, len(columns))
		for i, col := range columns {
			colJSON, err := jsonMarshal([]string{col})
			if err != nil {
				return nil, err
			}
			clauses[i] = fmt.Sprintf("columns @> $%d::jsonb", i+2)
			args = append(args, colJSON)
		}
		stmt += " AND (" + strings.Join(clauses, " OR ") + ")"
	}
	rows, err := t.gw.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, searchdb.NewEngineError("scan index name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, searchdb.NewEngineError("read index names", err)
	}
	return names, nil
}

// DropIndexes drops all recorded indexes of the table, keeping the catalog
// rows for a later restore.
func (t *Table) DropIndexes(ctx context.Context) error {
	names, err := t.indexesTouching(ctx, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := t.dropIndex(ctx, t.gw, name, ""); err != nil {
			return err
		}
	}
	return nil
}

// RestoreIndexes rebuilds every recorded index, optionally against suffixed
// table names (staging or backup copies).
func (t *Table) RestoreIndexes(ctx context.Context, suffix string) error {
	names, err := t.indexesTouching(ctx, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := t.restoreIndex(ctx, t.gw, name, suffix); err != nil {
			return err
		}
	}
	return nil
}

// ListIndexes returns the catalog rows of the table's recorded indexes.
func (t *Table) ListIndexes(ctx context.Context) ([]searchdb.IndexInfo, error) {
	rows, err := t.gw.Query(ctx,
		"SELECT index_name, type, columns, modifiers, storage_params FROM meta_indexes WHERE table_name = $1 ORDER BY index_name",
		t.schema.Name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []searchdb.IndexInfo
	for rows.Next() {
		info := searchdb.IndexInfo{Table: t.schema.Name}
		var colsJSON, modsJSON, paramsJSON []byte
		if err := rows.Scan(&info.Name, &info.Type, &colsJSON, &modsJSON, &paramsJSON); err != nil {
			return nil, searchdb.NewEngineError("scan index record", err)
		}
		if err := json.Unmarshal(colsJSON, &info.Columns); err != nil {
			return nil, searchdb.NewConsistencyError(searchdb.ErrCodeDuplicateCatalog,
				"undecodable index record").WithTable(t.schema.Name).WithCause(err)
		}
		if len(modsJSON) > 0 {
			if err := json.Unmarshal(modsJSON, &info.Modifiers); err != nil {
				return nil, searchdb.NewConsistencyError(searchdb.ErrCodeDuplicateCatalog,
					"undecodable index record").WithTable(t.schema.Name).WithCause(err)
			}
		}
		if len(paramsJSON) > 0 {
			if err := json.Unmarshal(paramsJSON, &info.StorageParams); err != nil {
				return nil, searchdb.NewConsistencyError(searchdb.ErrCodeDuplicateCatalog,
					"undecodable index record").WithTable(t.schema.Name).WithCause(err)
			}
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, searchdb.NewEngineError("read index records", err)
	}
	return out, nil
}

// Primary keys do not follow the suffix convention of the other indexes:
// the constraint name ends in _pkey after the suffix.

func (t *Table) dropPrimaryKeys(ctx context.Context, suffix string) error {
	return t.pkeyDDL(ctx, "ALTER TABLE %s DROP CONSTRAINT %s", suffix)
}

func (t *Table) restorePrimaryKeys(ctx context.Context, suffix string) error {
	return t.pkeyDDL(ctx, "ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (id)", suffix)
}

func (t *Table) pkeyDDL(ctx context.Context, template, suffix string) error {
	tables := []string{t.schema.Name}
	if t.hasExtras {
		tables = append(tables, t.schema.ExtraName)
	}
	for _, table := range tables {
		stmt := fmt.Sprintf(template, quoteIdent(table+suffix), quoteIdent(table+suffix+"_pkey"))
		if _, err := t.gw.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
