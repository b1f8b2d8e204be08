package migrate

import (
	"context"
	"testing"

	"capmarket/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if v, _ := Version(ctx, conn); v != 0 {
		t.Fatalf("fresh db should be at version 0, got %d", v)
	}
	if err := Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(ctx, conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	latest, err := Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	v, err := Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != latest || v == 0 {
		t.Fatalf("expected version %d, got %d", latest, v)
	}
	for _, table := range []string{"market_configs", "orders", "events", "cycles", "cycle_scores"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
