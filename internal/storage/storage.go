// Package storage provides the persistent store for flushed price records.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/navid-fn/tickerhub/configs"
	"github.com/navid-fn/tickerhub/internal/models"
)

// Storage defines the interface for persisting and querying price records.
// Implementations must be safe for concurrent use.
type Storage interface {
	// SaveRecords inserts a batch of flushed records.
	SaveRecords(ctx context.Context, records []*models.PriceRecord) error

	// RecordsBetween returns the records of symbol with from <= timestamp <= to,
	// ordered by timestamp ascending.
	RecordsBetween(ctx context.Context, symbol string, from, to time.Time) ([]*models.PriceRecord, error)

	// DeleteBefore removes every record with timestamp strictly before cutoff
	// and returns how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// IntervalAggregate aggregates one bucket of symbol. It returns nil when
	// the bucket holds no records.
	IntervalAggregate(ctx context.Context, symbol string, start time.Time) (*models.IntervalWindow, error)

	// WindowAggregates aggregates one bucket for every symbol that has records in it.
	WindowAggregates(ctx context.Context, start time.Time) ([]models.IntervalWindow, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases database connection resources.
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg configs.StoreConfig) (Storage, error) {
	switch cfg.Driver {
	case DriverClickHouse:
		return NewClickHouseStorage(ctx, cfg.DSN())
	case DriverSQLite:
		return NewSQLiteStorage(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Store driver names.
const (
	DriverClickHouse = "clickhouse"
	DriverSQLite     = "sqlite"
)
