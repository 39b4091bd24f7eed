package e2e_harness

import (
	"context"
	"testing"

	"github.com/lychee-technology/searchdb"
	"github.com/lychee-technology/searchdb/factory"
)

func TestE2ETableLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E harness in -short mode")
	}
	ctx := context.Background()
	h := &TestHarness{}

	// Start Postgres
	if _, err := h.StartPostgres(ctx); err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	defer h.StopPostgres(ctx)

	// Fresh database: catalog tables first
	cfg := searchdb.DefaultConfig()
	if err := factory.InitSchema(ctx, cfg, h.PGPool); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	db, err := factory.NewDatabaseWithConfig(ctx, cfg, h.PGPool)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	table, err := db.CreateTable(ctx, &searchdb.CreateTableSpec{
		Name: "e2e_fields",
		SearchCols: []searchdb.ColumnDef{
			{Name: "degree", Type: "integer"},
			{Name: "label", Type: "text"},
		},
		LabelCol: "label",
		Sort:     searchdb.SortSpec{searchdb.Asc("degree"), searchdb.Asc("label")},
	})
	if err != nil {
		t.Fatalf("create table: %v", err)
	}

	rows := []searchdb.Row{
		{"degree": 2, "label": "2.2.5.1"},
		{"degree": 3, "label": "3.1.23.1"},
	}
	if err := table.InsertMany(ctx, rows, searchdb.WriteOptions{}); err != nil {
		t.Fatalf("insert rows: %v", err)
	}

	got, info, err := table.Search(ctx, searchdb.Query{"degree": 2}, searchdb.SearchOptions{
		Projection: searchdb.ProjectColumns("label"),
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0]["label"] != "2.2.5.1" {
		t.Fatalf("search returned %v, want the degree-2 row", got)
	}
	if info.MatchCount != 1 || !info.Exact {
		t.Fatalf("search info = %+v, want exact count 1", info)
	}

	row, err := table.Lookup(ctx, "3.1.23.1", searchdb.ProjectColumns("degree"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row == nil {
		t.Fatal("lookup found nothing for a label that was just inserted")
	}

	if err := db.DropTable(ctx, "e2e_fields"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if db.HasTable("e2e_fields") {
		t.Fatal("table still registered after drop")
	}
}
