// Command schema applies the ledger schema through database/sql and can seed a
// demo company with warehouses for local runs.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/matheusmosca/inventory-ledger/internal/config"
	"github.com/matheusmosca/inventory-ledger/internal/ledger/postgres"
	"github.com/matheusmosca/inventory-ledger/internal/telemetry"
)

func main() {
	seed := flag.Bool("seed", false, "insert a demo company with two warehouses")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := telemetry.NewLogger("ledger-schema", cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	if err := waitForDB(ctx, db, cfg.Database.ConnectAttempts, logger); err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}

	if _, err := db.ExecContext(ctx, postgres.Schema); err != nil {
		logger.Fatal("apply schema", zap.Error(err))
	}
	logger.Info("schema applied")

	if *seed {
		company, warehouses, err := seedDemo(ctx, db)
		if err != nil {
			logger.Fatal("seed demo data", zap.Error(err))
		}
		logger.Info("demo data seeded",
			zap.String("company_id", company.String()),
			zap.Stringers("warehouse_ids", warehouses))
	}
}

func waitForDB(ctx context.Context, db *sql.DB, attempts int, logger *zap.Logger) error {
	attempts = max(attempts, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		logger.Info("waiting for database", zap.Int("attempt", i+1), zap.Int("of", attempts))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("no answer after %d attempts: %w", attempts, err)
}

func seedDemo(ctx context.Context, db *sql.DB) (uuid.UUID, []fmt.Stringer, error) {
	company := uuid.New()
	names := []string{"Main", "Overflow"}
	ids := make([]fmt.Stringer, 0, len(names))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, nil, err
	}
	defer tx.Rollback()

	for _, name := range names {
		id := uuid.New()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO warehouses (id, company_id, name, location) VALUES ($1, $2, $3, $4)`,
			id, company, name, "demo"); err != nil {
			return uuid.Nil, nil, fmt.Errorf("insert warehouse %s: %w", name, err)
		}
		ids = append(ids, id)
	}
	return company, ids, tx.Commit()
}
