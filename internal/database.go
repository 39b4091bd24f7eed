package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lychee-technology/searchdb"
)

// Database discovers logical tables from meta_tables and hands out their
// facades. Construction loads the whole catalog once; later DDL through this
// object keeps the registry current.
type Database struct {
	gw     *Gateway
	cfg    *searchdb.Config
	tables map[string]*Table
}

// NewDatabase loads the catalog and builds a facade per logical table.
func NewDatabase(ctx context.Context, conn DBConn, cfg *searchdb.Config) (*Database, error) {
	if cfg == nil {
		cfg = searchdb.DefaultConfig()
	}
	db := &Database{
		gw:     NewGateway(conn, cfg.Logging),
		cfg:    cfg,
		tables: map[string]*Table{},
	}
	metas, err := db.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		table, err := newTable(ctx, db.gw, cfg.Query, cfg.Reload, meta)
		if err != nil {
			return nil, fmt.Errorf("load table %s: %w", meta.Name, err)
		}
		db.tables[meta.Name] = table
	}
	zap.S().Infow("catalog loaded", "tables", len(db.tables))
	return db, nil
}

func (d *Database) loadCatalog(ctx context.Context) ([]tableMeta, error) {
	rows, err := d.gw.Query(ctx,
		"SELECT name, label_col, sort, count_cutoff, id_ordered, out_of_order, has_extras, stats_valid, total FROM meta_tables ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []tableMeta
	for rows.Next() {
		var meta tableMeta
		var labelCol *string
		var sortJSON []byte
		if err := rows.Scan(&meta.Name, &labelCol, &sortJSON, &meta.CountCutoff, &meta.IDOrdered,
			&meta.OutOfOrder, &meta.HasExtras, &meta.StatsValid, &meta.Total); err != nil {
			return nil, searchdb.NewEngineError("scan catalog row", err)
		}
		if labelCol != nil {
			meta.LabelCol = *labelCol
		}
		if len(sortJSON) > 0 {
			if err := json.Unmarshal(sortJSON, &meta.Sort); err != nil {
				return nil, searchdb.NewConsistencyError(searchdb.ErrCodeDuplicateCatalog,
					"undecodable sort order in catalog").WithTable(meta.Name).WithCause(err)
			}
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, searchdb.NewEngineError("read catalog", err)
	}
	return metas, nil
}

// TableNames lists the known logical tables in sorted order.
func (d *Database) TableNames() []string {
	names := make([]string, 0, len(d.tables))
	for name := range d.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTable reports whether a logical table exists.
func (d *Database) HasTable(name string) bool {
	_, ok := d.tables[name]
	return ok
}

// Table returns the facade for one logical table.
func (d *Database) Table(name string) (searchdb.Table, error) {
	table, ok := d.tables[name]
	if !ok {
		return nil, searchdb.NewError(searchdb.ErrorTypeSchema, searchdb.ErrCodeUnknownTable,
			"no such table").WithTable(name)
	}
	return table, nil
}

// CreateTable creates the search table, the optional extras table, the
// per-table counts and stats tables and the catalog row. An id bigint
// primary key is prepended when the spec does not name one. Text columns
// carry the C collation so index and bulk-load byte orders agree.
func (d *Database) CreateTable(ctx context.Context, spec *searchdb.CreateTableSpec) (searchdb.Table, error) {
	if _, exists := d.tables[spec.Name]; exists {
		return nil, searchdb.NewSchemaError(searchdb.ErrCodeTableExists,
			"table already exists").WithTable(spec.Name)
	}
	if len(spec.SearchCols) == 0 {
		return nil, searchdb.NewSchemaError(searchdb.ErrCodeInvalidType,
			"a table needs at least one search column").WithTable(spec.Name)
	}
	seen := map[string]bool{}
	validate := func(cols []searchdb.ColumnDef) error {
		for _, col := range cols {
			if seen[col.Name] {
				return searchdb.NewSchemaError(searchdb.ErrCodeDuplicateColumn,
					"column declared twice").WithTable(spec.Name).WithColumn(col.Name)
			}
			seen[col.Name] = true
			if err := searchdb.ValidateColumnType(col.Type); err != nil {
				return err
			}
		}
		return nil
	}
	if err := validate(spec.SearchCols); err != nil {
		return nil, err
	}
	if err := validate(spec.ExtraCols); err != nil {
		return nil, err
	}
	if spec.LabelCol != "" && !columnDeclared(spec.SearchCols, spec.LabelCol) {
		return nil, searchdb.NewSchemaError(searchdb.ErrCodeUnknownColumn,
			"label column must be a search column").WithTable(spec.Name).WithColumn(spec.LabelCol)
	}
	for _, term := range spec.Sort {
		if term.Column != "id" && !columnDeclared(spec.SearchCols, term.Column) {
			return nil, searchdb.NewSchemaError(searchdb.ErrCodeUnknownColumn,
				"sort column must be a search column").WithTable(spec.Name).WithColumn(term.Column)
		}
	}
	idOrdered := spec.IDOrdered || len(spec.Sort) > 0

	var sortJSON any
	if len(spec.Sort) > 0 {
		encoded, err := jsonMarshal(spec.Sort)
		if err != nil {
			return nil, err
		}
		sortJSON = encoded
	}
	var labelCol any
	if spec.LabelCol != "" {
		labelCol = spec.LabelCol
	}

	err := d.gw.InTx(ctx, func(tx pgx.Tx) error {
		if err := createPhysicalTable(ctx, tx, spec.Name, spec.SearchCols); err != nil {
			return err
		}
		if len(spec.ExtraCols) > 0 {
			if err := createPhysicalTable(ctx, tx, spec.Name+"_extras", spec.ExtraCols); err != nil {
				return err
			}
		}
		counts := fmt.Sprintf("CREATE TABLE %s (cols jsonb, values jsonb, count bigint)",
			quoteIdent(spec.Name+"_counts"))
		if _, err := tx.Exec(ctx, counts); err != nil {
			return searchdb.NewEngineError("create counts table", err)
		}
		stats := fmt.Sprintf(`CREATE TABLE %s (cols jsonb, stat text COLLATE "C", value numeric, constraint_cols jsonb, constraint_values jsonb, threshold integer)`,
			quoteIdent(spec.Name+"_stats"))
		if _, err := tx.Exec(ctx, stats); err != nil {
			return searchdb.NewEngineError("create stats table", err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO meta_tables (name, label_col, sort, count_cutoff, id_ordered, out_of_order, has_extras, stats_valid, total) VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9)",
			spec.Name, labelCol, sortJSON, d.cfg.Query.CountCutoff, idOrdered, !idOrdered,
			len(spec.ExtraCols) > 0, true, 0); err != nil {
			return searchdb.NewEngineError("record table", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	meta := tableMeta{
		Name:        spec.Name,
		Sort:        spec.Sort,
		IDOrdered:   idOrdered,
		OutOfOrder:  !idOrdered,
		HasExtras:   len(spec.ExtraCols) > 0,
		StatsValid:  true,
		LabelCol:    spec.LabelCol,
		CountCutoff: d.cfg.Query.CountCutoff,
	}
	table, err := newTable(ctx, d.gw, d.cfg.Query, d.cfg.Reload, meta)
	if err != nil {
		return nil, err
	}
	d.tables[spec.Name] = table
	zap.S().Infow("table created", "table", spec.Name, "extras", meta.HasExtras)
	return table, nil
}

func columnDeclared(cols []searchdb.ColumnDef, name string) bool {
	for _, col := range cols {
		if col.Name == name {
			return true
		}
	}
	return false
}

// createPhysicalTable builds a data table with an id bigint primary key
// prepended unless declared. Column types passed the whitelist.
func createPhysicalTable(ctx context.Context, tx pgx.Tx, name string, cols []searchdb.ColumnDef) error {
	defs := make([]string, 0, len(cols)+1)
	hasID := false
	for _, col := range cols {
		datatype := col.Type
		if datatype == "text" || strings.HasPrefix(datatype, "char") {
			datatype += ` COLLATE "C"`
		}
		if col.Name == "id" {
			hasID = true
		}
		defs = append(defs, quoteIdent(col.Name)+" "+datatype)
	}
	if !hasID {
		defs = append([]string{quoteIdent("id") + " bigint"}, defs...)
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
	if _, err := tx.Exec(ctx, stmt); err != nil {
		return searchdb.NewEngineError("create table", err)
	}
	pkey := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (id)",
		quoteIdent(name), quoteIdent(name+"_pkey"))
	if _, err := tx.Exec(ctx, pkey); err != nil {
		return searchdb.NewEngineError("create primary key", err)
	}
	return nil
}

// DropTable drops every physical table of a logical table and its catalog
// rows, recorded indexes included.
func (d *Database) DropTable(ctx context.Context, name string) error {
	table, ok := d.tables[name]
	if !ok {
		return searchdb.NewError(searchdb.ErrorTypeSchema, searchdb.ErrCodeUnknownTable,
			"no such table").WithTable(name)
	}
	err := d.gw.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM meta_indexes WHERE table_name = $1", name); err != nil {
			return searchdb.NewEngineError("delete index records", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM meta_tables WHERE name = $1", name); err != nil {
			return searchdb.NewEngineError("delete table record", err)
		}
		drops := []string{name, name + "_counts", name + "_stats"}
		if table.hasExtras {
			drops = append(drops, table.schema.ExtraName)
		}
		for _, physical := range drops {
			if _, err := tx.Exec(ctx, "DROP TABLE "+quoteIdent(physical)); err != nil {
				return searchdb.NewEngineError("drop table", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	delete(d.tables, name)
	zap.S().Infow("table dropped", "table", name)
	return nil
}

// Grant grants a whitelisted action on a physical table to a role.
func (d *Database) Grant(ctx context.Context, action searchdb.GrantAction, table string, role string) error {
	switch action {
	case searchdb.GrantSelect, searchdb.GrantInsert, searchdb.GrantUpdate, searchdb.GrantDelete:
	default:
		return searchdb.NewError(searchdb.ErrorTypeUserQuery, searchdb.ErrCodeInvalidGrantAction,
			fmt.Sprintf("%s is not a grantable action", action))
	}
	stmt := fmt.Sprintf("GRANT %s ON TABLE %s TO %s", action, quoteIdent(table), quoteIdent(role))
	_, err := d.gw.Exec(ctx, stmt)
	return err
}

// IsAlive probes the connection.
func (d *Database) IsAlive(ctx context.Context) bool {
	var one int
	if err := d.gw.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return false
	}
	return one == 1
}

// InitSchema creates the shared catalog tables. Idempotent; meant for fresh
// databases.
func InitSchema(ctx context.Context, conn DBConn, cfg *searchdb.Config) error {
	if cfg == nil {
		cfg = searchdb.DefaultConfig()
	}
	gw := NewGateway(conn, cfg.Logging)
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta_tables (
			name text COLLATE "C" PRIMARY KEY,
			label_col text COLLATE "C",
			sort jsonb,
			count_cutoff integer NOT NULL DEFAULT 1000,
			id_ordered boolean NOT NULL DEFAULT false,
			out_of_order boolean NOT NULL DEFAULT false,
			has_extras boolean NOT NULL DEFAULT false,
			stats_valid boolean NOT NULL DEFAULT true,
			total bigint NOT NULL DEFAULT 0)`,
		`CREATE TABLE IF NOT EXISTS meta_indexes (
			index_name text COLLATE "C" PRIMARY KEY,
			table_name text COLLATE "C" NOT NULL,
			type text COLLATE "C" NOT NULL,
			columns jsonb NOT NULL,
			modifiers jsonb,
			storage_params jsonb)`,
	}
	return gw.InTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range ddl {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return searchdb.NewEngineError("create catalog table", err)
			}
		}
		return nil
	})
}
