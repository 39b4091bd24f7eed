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

func TestValidateIndexSpecDefaults(t *testing.T) {
	table, _ := newTestTable(t, defaultMeta())

	btree := &searchdb.IndexSpec{Type: "btree", Columns: []string{"degree"}}
	require.NoError(t, table.validateIndexSpec(btree))
	assert.Equal(t, "nf_fields_degree", btree.Name)
	assert.Equal(t, map[string]any{"fillfactor": 100}, btree.StorageParams)

	gin := &searchdb.IndexSpec{Type: "gin", Columns: []string{"ramps"}}
	require.NoError(t, table.validateIndexSpec(gin))
	assert.Equal(t, "nf_fields_ramps_gin", gin.Name)
	assert.Equal(t, [][]string{{"jsonb_path_ops"}}, gin.Modifiers)
	assert.Empty(t, gin.StorageParams)
}

func TestValidateIndexSpecRejections(t *testing.T) {
	table, _ := newTestTable(t, defaultMeta())

	cases := []struct {
		name string
		spec *searchdb.IndexSpec
		code string
	}{
		{"unknown type", &searchdb.IndexSpec{Type: "bloom", Columns: []string{"degree"}}, searchdb.ErrCodeInvalidIndexSpec},
		{"no columns", &searchdb.IndexSpec{Type: "btree"}, searchdb.ErrCodeInvalidIndexSpec},
		{"extras column", &searchdb.IndexSpec{Type: "btree", Columns: []string{"coeffs"}}, searchdb.ErrCodeUnknownColumn},
		{"bad modifier", &searchdb.IndexSpec{Type: "btree", Columns: []string{"degree"},
			Modifiers: [][]string{{"RANDOM()"}}}, searchdb.ErrCodeInvalidIndexSpec},
		{"modifier length", &searchdb.IndexSpec{Type: "btree", Columns: []string{"degree"},
			Modifiers: [][]string{{}, {}}}, searchdb.ErrCodeInvalidIndexSpec},
		{"bad param", &searchdb.IndexSpec{Type: "btree", Columns: []string{"degree"},
			StorageParams: map[string]any{"fastupdate": true}}, searchdb.ErrCodeInvalidIndexSpec},
	}
	for _, tc := range cases {
		err := table.validateIndexSpec(tc.spec)
		require.Error(t, err, tc.name)
		assert.True(t, searchdb.HasErrorCode(err, tc.code), tc.name)
	}
}

func TestStorageParamLiteral(t *testing.T) {
	for _, tc := range []struct {
		value any
		want  string
	}{
		{90, "90"},
		{int64(128), "128"},
		{float64(4), "4"},
		{true, "on"},
		{false, "off"},
		{"on", "on"},
	} {
		got, err := storageParamLiteral(tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := storageParamLiteral("90); DROP TABLE nf_fields; --")
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeInvalidIndexSpec))
}

func TestCreateIndexStatement(t *testing.T) {
	table, _ := newTestTable(t, defaultMeta())

	spec := &searchdb.IndexSpec{Type: "btree", Columns: []string{"degree", "label"},
		Modifiers: [][]string{{}, {"desc", "nulls last"}}}
	require.NoError(t, table.validateIndexSpec(spec))
	stmt, err := createIndexStatement(spec.Name, "nf_fields", spec)
	require.NoError(t, err)
	assert.Equal(t,
		`CREATE INDEX "nf_fields_degree_label" ON "nf_fields" USING btree ("degree", "label" desc nulls last) WITH (fillfactor = 100)`,
		stmt)
}

func TestCreateIndex(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectQuery(exact(`SELECT 1 FROM meta_indexes WHERE index_name = $1 AND table_name = $2`)).
		WithArgs("nf_fields_degree", "nf_fields").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec(exact(`CREATE INDEX "nf_fields_degree" ON "nf_fields" USING btree ("degree") WITH (fillfactor = 100)`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(exact(`INSERT INTO meta_indexes (index_name, table_name, type, columns, modifiers, storage_params) VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb)`)).
		WithArgs("nf_fields_degree", "nf_fields", "btree", `["degree"]`, `[null]`, `{"fillfactor":100}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := table.CreateIndex(ctx, &searchdb.IndexSpec{Type: "btree", Columns: []string{"degree"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIndexRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectQuery(exact(`SELECT 1 FROM meta_indexes WHERE index_name = $1 AND table_name = $2`)).
		WithArgs("nf_fields_degree", "nf_fields").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	err := table.CreateIndex(ctx, &searchdb.IndexSpec{Type: "btree", Columns: []string{"degree"}})
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeDuplicateIndex))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropIndex(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectBegin()
	mock.ExpectExec(exact(`DELETE FROM meta_indexes WHERE table_name = $1 AND index_name = $2`)).
		WithArgs("nf_fields", "nf_fields_degree").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(exact(`DROP INDEX "nf_fields_degree"`)).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectCommit()
	mock.ExpectRollback()

	require.NoError(t, table.DropIndex(ctx, "nf_fields_degree"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropIndexUnknown(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectBegin()
	mock.ExpectExec(exact(`DELETE FROM meta_indexes WHERE table_name = $1 AND index_name = $2`)).
		WithArgs("nf_fields", "missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := table.DropIndex(ctx, "missing")
	require.Error(t, err)
	assert.True(t, searchdb.HasErrorCode(err, searchdb.ErrCodeUnknownIndex))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListIndexes(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectQuery(exact(`SELECT index_name, type, columns, modifiers, storage_params FROM meta_indexes WHERE table_name = $1 ORDER BY index_name`)).
		WithArgs("nf_fields").
		WillReturnRows(pgxmock.NewRows([]string{"index_name", "type", "columns", "modifiers", "storage_params"}).
			AddRow("nf_fields_degree", "btree", []byte(`["degree"]`), []byte(`[null]`), []byte(`{"fillfactor":100}`)).
			AddRow("nf_fields_ramps_gin", "gin", []byte(`["ramps"]`), []byte(`[["jsonb_path_ops"]]`), []byte(`{}`)))

	infos, err := table.ListIndexes(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "nf_fields_degree", infos[0].Name)
	assert.Equal(t, []string{"degree"}, infos[0].Columns)
	assert.Equal(t, "gin", infos[1].Type)
	assert.Equal(t, [][]string{{"jsonb_path_ops"}}, infos[1].Modifiers)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreIndexesAgainstStagingTables(t *testing.T) {
	ctx := context.Background()
	table, mock := newTestTable(t, defaultMeta())

	mock.ExpectQuery(exact(`SELECT index_name FROM meta_indexes WHERE table_name = $1`)).
		WithArgs("nf_fields").
		WillReturnRows(pgxmock.NewRows([]string{"index_name"}).AddRow("nf_fields_degree"))
	mock.ExpectQuery(exact(`SELECT type, columns, modifiers, storage_params FROM meta_indexes WHERE table_name = $1 AND index_name = $2`)).
		WithArgs("nf_fields", "nf_fields_degree").
		WillReturnRows(pgxmock.NewRows([]string{"type", "columns", "modifiers", "storage_params"}).
			AddRow("btree", []byte(`["degree"]`), []byte(`[null]`), []byte(`{"fillfactor":100}`)))
	mock.ExpectExec(exact(`CREATE INDEX "nf_fields_degree_tmp" ON "nf_fields_tmp" USING btree ("degree") WITH (fillfactor = 100)`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, table.RestoreIndexes(ctx, "_tmp"))
	require.NoError(t, mock.ExpectationsWereMet())
}
