package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
	gormch "gorm.io/driver/clickhouse"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/navid-fn/tickerhub/configs"
	"github.com/navid-fn/tickerhub/internal/logger"
	"github.com/navid-fn/tickerhub/internal/registry"
	"github.com/navid-fn/tickerhub/internal/storage"
)

func main() {
	command := flag.String("cmd", "up", "goose command: up or status")
	seed := flag.Bool("seed", false, "insert the configured symbol list into the symbols table (clickhouse only)")
	flag.Parse()

	cfg, err := configs.AppLoad()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	log := logger.New(cfg.LogLevel)

	db, err := openDB(cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("Failed to ping database")
	}

	switch *command {
	case "up":
		log.WithField("driver", cfg.Store.Driver).Info("Running database migrations...")
		if err := storage.Migrate(db, cfg.Store.Driver, log); err != nil {
			log.WithError(err).Fatal("Goose migration failed")
		}
		log.Info("Migrations completed successfully")
	case "status":
		if err := storage.MigrationStatus(db, cfg.Store.Driver, log); err != nil {
			log.WithError(err).Fatal("Goose status failed")
		}
	default:
		log.Fatalf("Unknown command %q", *command)
	}

	if *seed {
		if err := seedSymbols(ctx, cfg); err != nil {
			log.WithError(err).Fatal("Seeding symbols failed")
		}
		log.WithField("symbols", len(cfg.Symbols.List)).Info("Symbols seeded")
	}
}

func openDB(cfg configs.StoreConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case storage.DriverClickHouse:
		opts, err := clickhouse.ParseDSN(cfg.DSN())
		if err != nil {
			return nil, err
		}
		return clickhouse.OpenDB(opts), nil
	case storage.DriverSQLite:
		return sql.Open("sqlite", cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func seedSymbols(ctx context.Context, cfg *configs.AppConfig) error {
	if cfg.Store.Driver != storage.DriverClickHouse {
		return fmt.Errorf("symbols table is only read from clickhouse")
	}
	db, err := gorm.Open(gormch.Open(cfg.Store.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return err
	}
	return registry.NewGormSymbolRegistry(db).AddSymbols(ctx, registry.SeedRows(cfg.Symbols.List))
}
