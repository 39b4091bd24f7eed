package internal

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lychee-technology/searchdb"
)

func TestAddColumn(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectExec(exact(`ALTER TABLE "nf_fields" ADD COLUMN "discriminant" bigint`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))

	require.NoError(t, table.AddColumn(ctx, "discriminant", "bigint", false))
	assert.True(t, table.schema.IsSearchColumn("discriminant"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddColumnToExtras(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectExec(exact(`ALTER TABLE "nf_fields_extras" ADD COLUMN "galois" jsonb`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))

	require.NoError(t, table.AddColumn(ctx, "galois", "jsonb", true))
	assert.True(t, table.schema.IsExtraColumn("galois"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddColumnRejectsDuplicatesAndBadTypes(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, defaultMeta())

	err := table.AddColumn(ctx, "degree", "integer", false)
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeDuplicateColumn))

	err = table.AddColumn(ctx, "evil", "integer; DROP TABLE nf_fields", false)
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeInvalidType))
}

func TestDropColumnGuardsSortDependency(t *testing.T) {
	table, _ := newTestTable(t, defaultMeta())

	err := table.DropColumn(context.Background(), "degree")
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeDependentSort))
}

func TestDropColumnGuardsIndexDependency(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectQuery(exact(`SELECT index_name FROM meta_indexes WHERE table_name = $1 AND (columns @> $2::jsonb)`)).
		WithArgs("nf_fields", `["class_number"]`).
		WillReturnRows(pgxmock.NewRows([]string{"index_name"}).AddRow("nf_fields_class_number"))

	err := table.DropColumn(ctx, "class_number")
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeDependentIndex))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropColumn(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectQuery(exact(`SELECT index_name FROM meta_indexes WHERE table_name = $1 AND (columns @> $2::jsonb)`)).
		WithArgs("nf_fields", `["class_number"]`).
		WillReturnRows(pgxmock.NewRows([]string{"index_name"}))
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields" DROP COLUMN "class_number"`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))

	require.NoError(t, table.DropColumn(ctx, "class_number"))
	assert.False(t, table.schema.HasColumn("class_number"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropExtraColumn(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectExec(exact(`ALTER TABLE "nf_fields_extras" DROP COLUMN "coeffs"`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))

	require.NoError(t, table.DropColumn(ctx, "coeffs"))
	assert.False(t, table.schema.HasColumn("coeffs"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateExtraTable(t *testing.T) {
	ctx := context.Background()
	meta := defaultMeta()
	meta.HasExtras = false
	table, mock := newTestTable(t, meta)

	mock.ExpectQuery(exact(`SELECT index_name FROM meta_indexes WHERE table_name = $1 AND (columns @> $2::jsonb)`)).
		WithArgs("nf_fields", `["ramps"]`).
		WillReturnRows(pgxmock.NewRows([]string{"index_name"}))
	mock.ExpectBegin()
	mock.ExpectExec(exact(`CREATE TABLE "nf_fields_extras" ("id" bigint, "ramps" jsonb)`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(exact(`INSERT INTO "nf_fields_extras" ("id", "ramps") SELECT "id", "ramps" FROM "nf_fields"`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 42))
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields" DROP COLUMN "ramps"`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields_extras" ADD CONSTRAINT "nf_fields_extras_pkey" PRIMARY KEY (id)`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`UPDATE meta_tables SET has_extras = true WHERE name = $1`)).
		WithArgs("nf_fields").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	require.NoError(t, table.CreateExtraTable(ctx, []string{"ramps"}))
	assert.True(t, table.schema.IsExtraColumn("ramps"))
	assert.False(t, table.schema.IsSearchColumn("ramps"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateExtraTableAlreadySplit(t *testing.T) {
	table, _ := newTestTable(t, defaultMeta())

	err := table.CreateExtraTable(context.Background(), []string{"ramps"})
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeExtraTableExists))
}

func TestSetSort(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectBegin()
	mock.ExpectExec(exact(`UPDATE meta_tables SET sort = $1::jsonb WHERE name = $2`)).
		WithArgs(`[{"column":"class_number"}]`, "nf_fields").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(exact(`UPDATE meta_tables SET out_of_order = true WHERE name = $1`)).
		WithArgs("nf_fields").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := table.SetSort(ctx, searchdb.SortSpec{searchdb.Asc("class_number")}, false)
	require.NoError(t, err)
	assert.Equal(t, "class_number", table.Sort()[0].Column)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResortIsNoopWhenOrdered(t *testing.T) {
	table, mock := newTestTable(t, defaultMeta())
	require.NoError(t, table.Resort(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResortRenumbersBothTables(t *testing.T) {
	ctx := context.Background()
	meta := defaultMeta()
	meta.OutOfOrder = true
	table, mock := newTestTable(t, meta)

	mock.ExpectBegin()
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields" ADD COLUMN "newid" bigint`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`UPDATE "nf_fields" SET "newid" = newsort."newid" FROM (SELECT id, ROW_NUMBER() OVER(ORDER BY "degree", "label") AS "newid" FROM "nf_fields") newsort WHERE "nf_fields".id = newsort.id`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 42))
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields_extras" ADD COLUMN "newid" bigint`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`UPDATE "nf_fields_extras" SET "newid" = src."newid" FROM (SELECT id, "newid" FROM "nf_fields") src WHERE "nf_fields_extras".id = src.id`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 42))
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields_extras" DROP COLUMN id`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields_extras" RENAME COLUMN "newid" TO id`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields_extras" ADD PRIMARY KEY (id)`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields" DROP COLUMN id`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields" RENAME COLUMN "newid" TO id`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`ALTER TABLE "nf_fields" ADD PRIMARY KEY (id)`)).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec(exact(`UPDATE meta_tables SET out_of_order = false WHERE name = $1`)).
		WithArgs("nf_fields").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	require.NoError(t, table.Resort(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}
