package factory

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lychee-technology/searchdb"
	"github.com/lychee-technology/searchdb/internal"
)

// NewDatabaseWithConfig creates a Database backed by the provided pool.
// This is the primary way for external projects to obtain a Database.
//
// The catalog tables (meta_tables, meta_indexes) must already exist; run
// InitSchema or the init-db command on a fresh database first.
//
// Usage:
//
//	import (
//	    "github.com/lychee-technology/searchdb"
//	    "github.com/lychee-technology/searchdb/factory"
//	)
//
//	config := searchdb.DefaultConfig()
//	db, err := factory.NewDatabaseWithConfig(context.Background(), config, pool)
//	if err != nil {
//	    // handle error
//	}
func NewDatabaseWithConfig(ctx context.Context, config *searchdb.Config, pool *pgxpool.Pool) (searchdb.Database, error) {
	rows, err := pool.Query(ctx, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE';`)
	if err != nil {
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, tableName)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	if !slices.Contains(tables, "meta_tables") || !slices.Contains(tables, "meta_indexes") {
		return nil, fmt.Errorf("catalog tables are missing in the database; run init-db first")
	}

	db, err := internal.NewDatabase(ctx, pool, config)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return db, nil
}

// InitSchema creates the catalog tables on a fresh database. Idempotent.
func InitSchema(ctx context.Context, config *searchdb.Config, pool *pgxpool.Pool) error {
	return internal.InitSchema(ctx, pool, config)
}
