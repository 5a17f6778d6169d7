// Package database keeps the Postgres audit trail of committed
// allocations. The sheet is the source of truth for inventory; this log
// exists so operators can answer "who took what, when" without scanning
// sheet history.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"proxy-allocator/pkg/models"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type DB struct {
	*bun.DB
}

func NewDB() (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.dbname"),
		viper.GetString("database.sslmode"),
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the allocation_events table and its indexes if they
// don't exist.
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.AllocationEvent)(nil)).
		IfNotExists().
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to create table: %v", err)
	}

	_, err = db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'allocation_events' AND indexname = 'allocation_events_purpose_idx') THEN
				CREATE INDEX allocation_events_purpose_idx ON allocation_events (purpose);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'allocation_events' AND indexname = 'allocation_events_requester_id_idx') THEN
				CREATE INDEX allocation_events_requester_id_idx ON allocation_events (requester_id);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'allocation_events' AND indexname = 'allocation_events_taken_at_idx') THEN
				CREATE INDEX allocation_events_taken_at_idx ON allocation_events (taken_at);
			END IF;
		END $$;
	`)

	if err != nil {
		return fmt.Errorf("failed to create indexes: %v", err)
	}

	return nil
}

// RecordAllocations inserts one event per taken proxy.
func (db *DB) RecordAllocations(ctx context.Context, events []models.AllocationEvent) error {
	if len(events) == 0 {
		return nil
	}

	_, err := db.NewInsert().
		Model(&events).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting allocation events: %v", err)
	}

	return nil
}

// GetRecentEvents returns the newest allocation events, most recent first.
func (db *DB) GetRecentEvents(ctx context.Context, limit int) ([]models.AllocationEvent, error) {
	var events []models.AllocationEvent
	err := db.NewSelect().
		Model(&events).
		Order("taken_at DESC").
		Limit(limit).
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting recent events: %v", err)
	}

	return events, nil
}

// GetAllocationStats returns aggregate allocation counts for monitoring.
func (db *DB) GetAllocationStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var purposeStats []struct {
		Purpose string `bun:"purpose"`
		Count   int    `bun:"count"`
	}
	err := db.NewSelect().
		Model((*models.AllocationEvent)(nil)).
		Column("purpose").
		ColumnExpr("count(*) as count").
		Group("purpose").
		Order("purpose").
		Scan(ctx, &purposeStats)
	if err != nil {
		return nil, err
	}
	stats["allocations_by_purpose"] = purposeStats

	var regionStats []struct {
		Region string `bun:"region"`
		Count  int    `bun:"count"`
	}
	err = db.NewSelect().
		Model((*models.AllocationEvent)(nil)).
		Column("region").
		ColumnExpr("count(*) as count").
		Group("region").
		Order("region").
		Scan(ctx, &regionStats)
	if err != nil {
		return nil, err
	}
	stats["allocations_by_region"] = regionStats

	var recent struct {
		Total int `bun:"count"`
	}
	err = db.NewSelect().
		Model((*models.AllocationEvent)(nil)).
		ColumnExpr("count(*) as count").
		Where("taken_at > ?", time.Now().Add(-24*time.Hour)).
		Scan(ctx, &recent)
	if err != nil {
		return nil, err
	}
	stats["allocations_24h"] = recent.Total

	return stats, nil
}
