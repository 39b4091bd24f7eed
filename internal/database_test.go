package internal

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lychee-technology/searchdb"
)

const catalogQuery = "SELECT name, label_col, sort, count_cutoff, id_ordered, out_of_order, has_extras, stats_valid, total FROM meta_tables ORDER BY name"

// newTestDatabase builds a Database over a mock pool with the nf_fields
// fixture as its only catalog entry.
func newTestDatabase(t *testing.T) (*Database, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	label := "label"
	mock.ExpectQuery(exact(catalogQuery)).
		WillReturnRows(pgxmock.NewRows([]string{
			"name", "label_col", "sort", "count_cutoff", "id_ordered", "out_of_order", "has_extras", "stats_valid", "total"}).
			AddRow("nf_fields", &label, []byte(`[{"column":"degree"},{"column":"label"}]`),
				1000, true, false, true, true, int64(42)))
	expectSchemaLoad(mock, true)

	cfg := searchdb.DefaultConfig()
	db, err := NewDatabase(context.Background(), mock, cfg)
	require.NoError(t, err)
	return db, mock
}

func TestCatalogCountCutoffWinsOverDefault(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	// Created with a cutoff of 7; the configured default is 1000.
	label := "label"
	mock.ExpectQuery(exact(catalogQuery)).
		WillReturnRows(pgxmock.NewRows([]string{
			"name", "label_col", "sort", "count_cutoff", "id_ordered", "out_of_order", "has_extras", "stats_valid", "total"}).
			AddRow("nf_fields", &label, []byte(`[{"column":"degree"},{"column":"label"}]`),
				7, true, false, false, true, int64(42)))
	expectSchemaLoad(mock, false)

	db, err := NewDatabase(ctx, mock, searchdb.DefaultConfig())
	require.NoError(t, err)
	table := db.tables["nf_fields"]
	assert.Equal(t, 7, table.countCutoff)

	// The over-fetch limit on an uncached count follows the stored cutoff.
	mock.ExpectQuery(exact(`SELECT count FROM "nf_fields_counts" WHERE cols = $1::jsonb AND values = $2::jsonb`)).
		WithArgs(`["degree"]`, `[2]`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(exact(`SELECT "degree" FROM "nf_fields" WHERE "degree" = $1 ORDER BY "degree", "label" LIMIT 7`)).
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"degree"}).AddRow(2))
	mock.ExpectExec(exact(`UPDATE "nf_fields_counts" SET count = $3 WHERE cols = $1::jsonb AND values = $2::jsonb`)).
		WithArgs(`["degree"]`, `[2]`, int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	rows, info, err := table.Search(ctx, searchdb.Query{"degree": 2}, searchdb.SearchOptions{
		Projection: searchdb.ProjectColumns("degree"),
		Limit:      2,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), info.MatchCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDatabaseLoadsCatalog(t *testing.T) {
	db, mock := newTestDatabase(t)

	assert.Equal(t, []string{"nf_fields"}, db.TableNames())
	assert.True(t, db.HasTable("nf_fields"))
	assert.False(t, db.HasTable("elliptic_curves"))

	table, err := db.Table("nf_fields")
	require.NoError(t, err)
	assert.Equal(t, "nf_fields", table.Name())
	assert.Equal(t, "degree", table.Sort()[0].Column)

	_, err = db.Table("elliptic_curves")
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeUnknownTable))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTable(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDatabase(t)

	mock.ExpectBegin()
	mock.ExpectExec(exact(`CREATE TABLE "elliptic_curves" ("id" bigint, "conductor" integer, "curve_label" text COLLATE "C")`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(exact(`ALTER TABLE "elliptic_curves" ADD CONSTRAINT "elliptic_curves_pkey" PRIMARY KEY (id)`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`CREATE TABLE "elliptic_curves_extras" ("id" bigint, "ainvs" jsonb)`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(exact(`ALTER TABLE "elliptic_curves_extras" ADD CONSTRAINT "elliptic_curves_extras_pkey" PRIMARY KEY (id)`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`CREATE TABLE "elliptic_curves_counts" (cols jsonb, values jsonb, count bigint)`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(exact(`CREATE TABLE "elliptic_curves_stats" (cols jsonb, stat text COLLATE "C", value numeric, constraint_cols jsonb, constraint_values jsonb, threshold integer)`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(exact(`INSERT INTO meta_tables (name, label_col, sort, count_cutoff, id_ordered, out_of_order, has_extras, stats_valid, total) VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9)`)).
		WithArgs("elliptic_curves", "curve_label", `[{"column":"conductor"}]`, 1000,
			true, false, true, true, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	mock.ExpectQuery(exact(columnQuery)).
		WithArgs("elliptic_curves").
		WillReturnRows(pgxmock.NewRows([]string{"column_name", "data_type"}).
			AddRow("id", "bigint").
			AddRow("conductor", "integer").
			AddRow("curve_label", "text"))
	mock.ExpectQuery(exact(columnQuery)).
		WithArgs("elliptic_curves_extras").
		WillReturnRows(pgxmock.NewRows([]string{"column_name", "data_type"}).
			AddRow("id", "bigint").
			AddRow("ainvs", "jsonb"))

	table, err := db.CreateTable(ctx, &searchdb.CreateTableSpec{
		Name: "elliptic_curves",
		SearchCols: []searchdb.ColumnDef{
			{Name: "conductor", Type: "integer"},
			{Name: "curve_label", Type: "text"},
		},
		ExtraCols: []searchdb.ColumnDef{{Name: "ainvs", Type: "jsonb"}},
		LabelCol:  "curve_label",
		Sort:      searchdb.SortSpec{searchdb.Asc("conductor")},
	})
	require.NoError(t, err)
	assert.Equal(t, "elliptic_curves", table.Name())
	assert.True(t, db.HasTable("elliptic_curves"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTableValidation(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDatabase(t)

	cases := []struct {
		name string
		spec *searchdb.CreateTableSpec
		code string
	}{
		{"existing name", &searchdb.CreateTableSpec{Name: "nf_fields",
			SearchCols: []searchdb.ColumnDef{{Name: "degree", Type: "integer"}}}, searchdb.ErrCodeTableExists},
		{"no columns", &searchdb.CreateTableSpec{Name: "empty"}, searchdb.ErrCodeInvalidType},
		{"duplicate column", &searchdb.CreateTableSpec{Name: "dup",
			SearchCols: []searchdb.ColumnDef{{Name: "a", Type: "integer"}},
			ExtraCols:  []searchdb.ColumnDef{{Name: "a", Type: "jsonb"}}}, searchdb.ErrCodeDuplicateColumn},
		{"bad type", &searchdb.CreateTableSpec{Name: "bad",
			SearchCols: []searchdb.ColumnDef{{Name: "a", Type: "blob"}}}, searchdb.ErrCodeInvalidType},
		{"label not searchable", &searchdb.CreateTableSpec{Name: "lbl",
			SearchCols: []searchdb.ColumnDef{{Name: "a", Type: "integer"}},
			LabelCol:   "b"}, searchdb.ErrCodeUnknownColumn},
		{"sort not searchable", &searchdb.CreateTableSpec{Name: "srt",
			SearchCols: []searchdb.ColumnDef{{Name: "a", Type: "integer"}},
			Sort:       searchdb.SortSpec{searchdb.Asc("b")}}, searchdb.ErrCodeUnknownColumn},
	}
	for _, tc := range cases {
		_, err := db.CreateTable(ctx, tc.spec)
		require.Error(t, err, tc.name)
		assert.True(t, searchdb.HasErrorCode(err, tc.code), tc.name)
	}
}

func TestDropTable(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDatabase(t)

	mock.ExpectBegin()
	mock.ExpectExec(exact(`DELETE FROM meta_indexes WHERE table_name = $1`)).
		WithArgs("nf_fields").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(exact(`DELETE FROM meta_tables WHERE name = $1`)).
		WithArgs("nf_fields").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	for _, name := range []string{"nf_fields", "nf_fields_counts", "nf_fields_stats", "nf_fields_extras"} {
		mock.ExpectExec(exact(`DROP TABLE "` + name + `"`)).
			WillReturnResult(pgxmock.NewResult("DROP", 0))
	}
	mock.ExpectCommit()
	mock.ExpectRollback()

	require.NoError(t, db.DropTable(ctx, "nf_fields"))
	assert.False(t, db.HasTable("nf_fields"))

	err := db.DropTable(ctx, "nf_fields")
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeUnknownTable))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrant(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDatabase(t)

	mock.ExpectExec(exact(`GRANT SELECT ON TABLE "nf_fields" TO "webserver"`)).
		WillReturnResult(pgxmock.NewResult("GRANT", 0))

	require.NoError(t, db.Grant(ctx, searchdb.GrantSelect, "nf_fields", "webserver"))

	err := db.Grant(ctx, searchdb.GrantAction("TRUNCATE"), "nf_fields", "webserver")
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeInvalidGrantAction))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsAlive(t *testing.T) {
	ctx := context.Background()
	db, mock := newTestDatabase(t)

	mock.ExpectQuery(exact(`SELECT 1`)).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.True(t, db.IsAlive(ctx))

	mock.ExpectQuery(exact(`SELECT 1`)).
		WillReturnError(assert.AnError)
	assert.False(t, db.IsAlive(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}
