package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lychee-technology/searchdb"
	"github.com/lychee-technology/searchdb/factory"
)

var cfgFile string

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "searchdb",
		Short:         "searchdb - document-style search layer over PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")

	rootCmd.AddCommand(newInitDBCommand())
	rootCmd.AddCommand(newTablesCommand())
	rootCmd.AddCommand(newReloadCommand())
	rootCmd.AddCommand(newCopyToCommand())
	rootCmd.AddCommand(newCreateIndexCommand())
	rootCmd.AddCommand(newDropIndexCommand())
	rootCmd.AddCommand(newAddStatsCommand())
	return rootCmd
}

func loadConfig() (*searchdb.Config, error) {
	return searchdb.LoadConfig(cfgFile)
}

// buildPoolConfig translates the database settings into a pool config. The
// statement timeout rides along as a session parameter so every pooled
// connection enforces it server-side.
func buildPoolConfig(config *searchdb.Config) (*pgxpool.Config, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		config.Database.Username,
		config.Database.Password,
		config.Database.Host,
		config.Database.Port,
		config.Database.Database,
		config.Database.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.Database.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(config.Database.StatementTimeout.Milliseconds(), 10)
	}
	return poolConfig, nil
}

// createPool builds a PostgreSQL connection pool from config and pings it.
func createPool(ctx context.Context, config *searchdb.Config) (*pgxpool.Pool, error) {
	poolConfig, err := buildPoolConfig(config)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// withDatabase handles the shared setup of pool and catalog for commands
// that operate on an existing installation.
func withDatabase(ctx context.Context, fn func(searchdb.Database) error) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := createPool(ctx, config)
	if err != nil {
		return err
	}
	defer pool.Close()

	db, err := factory.NewDatabaseWithConfig(ctx, config, pool)
	if err != nil {
		return err
	}
	return fn(db)
}

func newInitDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the catalog tables on a fresh database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := createPool(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := factory.InitSchema(cmd.Context(), config, pool); err != nil {
				return err
			}
			fmt.Println("catalog tables ready")
			return nil
		},
	}
}

func newTablesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the known logical tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd.Context(), func(db searchdb.Database) error {
				for _, name := range db.TableNames() {
					fmt.Println(name)
				}
				return nil
			})
		},
	}
}

func newReloadCommand() *cobra.Command {
	var extrasFile string
	var resort, restat bool
	cmd := &cobra.Command{
		Use:   "reload TABLE SEARCH_FILE",
		Short: "Replace a table's contents from tab-separated files",
		Long: `Reload loads tab-separated data into fresh copies of a table's
physical tables and swaps them in atomically, keeping the old tables
as a backup. Input rows must carry ids.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(db searchdb.Database) error {
				table, err := db.Table(args[0])
				if err != nil {
					return err
				}
				search, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer search.Close()

				var extras *os.File
				if extrasFile != "" {
					extras, err = os.Open(extrasFile)
					if err != nil {
						return err
					}
					defer extras.Close()
				}
				var extrasReader io.Reader
				if extras != nil {
					extrasReader = extras
				}
				return table.Reload(cmd.Context(), search, extrasReader, searchdb.ReloadOptions{
					Resort: resort,
					Restat: restat,
				})
			})
		},
	}
	cmd.Flags().StringVar(&extrasFile, "extras", "", "tab-separated file for the extras table")
	cmd.Flags().BoolVar(&resort, "resort", true, "renumber ids in sort order after loading")
	cmd.Flags().BoolVar(&restat, "restat", false, "recompute statistics after the swap")
	return cmd
}

func newCopyToCommand() *cobra.Command {
	var extrasFile string
	cmd := &cobra.Command{
		Use:   "copy-to TABLE SEARCH_FILE",
		Short: "Dump a table's contents to tab-separated files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(db searchdb.Database) error {
				table, err := db.Table(args[0])
				if err != nil {
					return err
				}
				search, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer search.Close()

				var extrasWriter io.Writer
				if extrasFile != "" {
					extras, err := os.Create(extrasFile)
					if err != nil {
						return err
					}
					defer extras.Close()
					extrasWriter = extras
				}
				return table.CopyTo(cmd.Context(), search, extrasWriter)
			})
		},
	}
	cmd.Flags().StringVar(&extrasFile, "extras", "", "destination for the extras table")
	return cmd
}

func newCreateIndexCommand() *cobra.Command {
	var name, indexType string
	var columns []string
	cmd := &cobra.Command{
		Use:   "create-index TABLE",
		Short: "Create an index and record it in the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(db searchdb.Database) error {
				table, err := db.Table(args[0])
				if err != nil {
					return err
				}
				return table.CreateIndex(cmd.Context(), &searchdb.IndexSpec{
					Name:    name,
					Type:    indexType,
					Columns: columns,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "index name (default: derived from table and columns)")
	cmd.Flags().StringVar(&indexType, "type", "btree", "index type (btree, gin, gist, hash, brin, spgist)")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to index")
	_ = cmd.MarkFlagRequired("columns")
	return cmd
}

func newDropIndexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drop-index TABLE INDEX",
		Short: "Drop an index and its catalog record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(db searchdb.Database) error {
				table, err := db.Table(args[0])
				if err != nil {
					return err
				}
				return table.DropIndex(cmd.Context(), args[1])
			})
		},
	}
}

func newAddStatsCommand() *cobra.Command {
	var constraint string
	cmd := &cobra.Command{
		Use:   "add-stats TABLE COLUMN [COLUMN...]",
		Short: "Precompute grouped counts and numeric summaries",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(db searchdb.Database) error {
				table, err := db.Table(args[0])
				if err != nil {
					return err
				}
				var query searchdb.Query
				if constraint != "" {
					if err := json.Unmarshal([]byte(constraint), &query); err != nil {
						return fmt.Errorf("failed to parse constraint: %w", err)
					}
				}
				return table.AddStats(cmd.Context(), args[1:], query)
			})
		},
	}
	cmd.Flags().StringVar(&constraint, "constraint", "", "JSON query restricting the rows counted")
	return cmd
}
