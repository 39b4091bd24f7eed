package searchdb

import (
	"context"
	"io"
)

// Database is the top-level registry. It discovers logical tables from the
// meta_tables catalog and hands out Table facades.
type Database interface {
	// TableNames lists the logical tables known to the catalog.
	TableNames() []string
	// HasTable reports whether a logical table exists.
	HasTable(name string) bool
	// Table returns the facade for one logical table.
	Table(name string) (Table, error)

	// CreateTable creates the physical search table (and optional extras
	// table), the per-table counts and stats tables, and the catalog row.
	CreateTable(ctx context.Context, spec *CreateTableSpec) (Table, error)
	// DropTable drops the physical tables and all catalog rows.
	DropTable(ctx context.Context, name string) error

	// Grant grants a whitelisted action on a table's physical objects.
	Grant(ctx context.Context, action GrantAction, table string, role string) error

	// IsAlive probes the underlying connection.
	IsAlive(ctx context.Context) bool
}

// Table provides document-style reads and writes over one logical table
type Table interface {
	Name() string
	Schema() *TableSchema
	Sort() SortSpec

	// Read operations
	Search(ctx context.Context, query Query, opts SearchOptions) ([]Row, *SearchInfo, error)
	Iterate(ctx context.Context, query Query, opts IterateOptions, fn func(Row) error) error
	Lucky(ctx context.Context, query Query, projection Projection, offset int64) (Row, error)
	Lookup(ctx context.Context, label string, projection Projection) (Row, error)
	Exists(ctx context.Context, query Query) (bool, error)
	Random(ctx context.Context, query Query, projection Projection) (Row, error)
	Distinct(ctx context.Context, column string, query Query) ([]any, error)
	Count(ctx context.Context, query Query, record bool) (int64, error)
	Max(ctx context.Context, column string) (any, error)
	Analyze(ctx context.Context, query Query, opts SearchOptions) ([]string, error)

	// Write operations
	Upsert(ctx context.Context, query Query, data Row) (*UpsertResult, error)
	InsertMany(ctx context.Context, rows []Row, opts WriteOptions) error
	Delete(ctx context.Context, query Query, restat bool) (int64, error)
	Rewrite(ctx context.Context, transform func(Row) (Row, error), query Query, opts WriteOptions) error

	// Schema evolution
	AddColumn(ctx context.Context, name, datatype string, extra bool) error
	DropColumn(ctx context.Context, name string) error
	CreateExtraTable(ctx context.Context, columns []string) error
	SetSort(ctx context.Context, sort SortSpec, resort bool) error
	Resort(ctx context.Context) error

	// Index lifecycle
	CreateIndex(ctx context.Context, spec *IndexSpec) error
	DropIndex(ctx context.Context, name string) error
	ListIndexes(ctx context.Context) ([]IndexInfo, error)

	// Statistics
	AddStats(ctx context.Context, cols []string, constraint Query) error
	AddBucketedCounts(ctx context.Context, buckets map[string][]string, constraint Query) error
	ValuesCounts(ctx context.Context, column string) ([]ValueCount, error)
	TotalAvg(ctx context.Context, column string) (*ColumnStats, error)
	RefreshStats(ctx context.Context) error

	// Bulk operations
	Reload(ctx context.Context, search io.Reader, extras io.Reader, opts ReloadOptions) error
	CopyFrom(ctx context.Context, search io.Reader, extras io.Reader, opts WriteOptions) (int64, error)
	CopyTo(ctx context.Context, search io.Writer, extras io.Writer) error
}

// SearchOptions control a paged search.
type SearchOptions struct {
	Projection Projection
	Sort       SortSpec // nil uses the table's default ordering
	Limit      int64
	Offset     int64
}

// IterateOptions control an unbounded streaming search.
type IterateOptions struct {
	Projection Projection
	Sort       SortSpec
}

// SearchInfo reports the result-set size of a paged search. When Exact is
// false, MatchCount is a lower bound clipped at the count cutoff.
type SearchInfo struct {
	MatchCount int64 `json:"matchCount"`
	Exact      bool  `json:"exact"`
}

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	ID       int64 `json:"id"`
	Inserted bool  `json:"inserted"`
}

// WriteOptions control the maintenance work done around a bulk write.
type WriteOptions struct {
	// Reindex drops the table's indexes before the load and restores them
	// afterwards.
	Reindex bool
	// Resort renumbers ids by the default sort order after the write.
	Resort bool
	// Restat recomputes cached statistics after the write.
	Restat bool
}

// ReloadOptions control the table-swap reload.
type ReloadOptions struct {
	// Resort renumbers ids on the staged data by the default sort order.
	// When false, primary keys are rebuilt without renumbering.
	Resort bool
	// Restat recomputes cached statistics against the reloaded contents.
	Restat bool
}

// ColumnDef declares one column when creating a table.
type ColumnDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CreateTableSpec declares a new logical table.
type CreateTableSpec struct {
	Name       string      `json:"name"`
	SearchCols []ColumnDef `json:"searchCols"`
	ExtraCols  []ColumnDef `json:"extraCols,omitempty"`
	LabelCol   string      `json:"labelCol,omitempty"`
	Sort       SortSpec    `json:"sort,omitempty"`
	IDOrdered  bool        `json:"idOrdered,omitempty"`
}

// IndexSpec declares a secondary index. Modifiers holds one list of
// per-column modifier tokens per indexed column (e.g. DESC, NULLS LAST, an
// operator class); StorageParams holds index storage parameters. All of it
// is validated against per-type whitelists before any DDL is assembled.
type IndexSpec struct {
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	Columns       []string       `json:"columns"`
	Modifiers     [][]string     `json:"modifiers,omitempty"`
	StorageParams map[string]any `json:"storageParams,omitempty"`
}

// IndexInfo is one catalog row of meta_indexes.
type IndexInfo struct {
	Name          string         `json:"name"`
	Table         string         `json:"table"`
	Type          string         `json:"type"`
	Columns       []string       `json:"columns"`
	Modifiers     [][]string     `json:"modifiers,omitempty"`
	StorageParams map[string]any `json:"storageParams,omitempty"`
}

// ValueCount is one cached (value, count) pair for a column.
type ValueCount struct {
	Value any   `json:"value"`
	Count int64 `json:"count"`
}

// ColumnStats is the cached numeric summary of one column.
type ColumnStats struct {
	Total int64   `json:"total"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// GrantAction is a whitelisted GRANT verb.
type GrantAction string

const (
	GrantSelect GrantAction = "SELECT"
	GrantInsert GrantAction = "INSERT"
	GrantUpdate GrantAction = "UPDATE"
	GrantDelete GrantAction = "DELETE"
)
