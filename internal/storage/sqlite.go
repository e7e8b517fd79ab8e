package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/navid-fn/tickerhub/internal/models"
)

// sqliteStorage implements Storage on an embedded SQLite database.
// Timestamps are stored as unix milliseconds.
type sqliteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path and applies
// migrations. Use ":memory:" for a throwaway database.
func NewSQLiteStorage(ctx context.Context, path string) (Storage, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; also keeps an in-memory database on one connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := Migrate(db, DriverSQLite, nil); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) SaveRecords(ctx context.Context, records []*models.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_data (
			symbol, price, timestamp, interval_hour, interval_start_time,
			volume, high, low, open, close
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.Symbol,
			r.Price,
			r.Timestamp.UnixMilli(),
			r.IntervalHour,
			r.IntervalStartTime.UnixMilli(),
			r.Volume,
			r.High,
			r.Low,
			r.Open,
			r.Close,
		); err != nil {
			return fmt.Errorf("insert %s: %w", r.Symbol, err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStorage) RecordsBetween(ctx context.Context, symbol string, from, to time.Time) ([]*models.PriceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, price, timestamp, interval_hour, interval_start_time,
		       volume, high, low, open, close
		FROM price_data
		WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC
	`, symbol, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*models.PriceRecord
	for rows.Next() {
		var (
			r           models.PriceRecord
			ts, startTs int64
		)
		if err := rows.Scan(
			&r.Symbol, &r.Price, &ts, &r.IntervalHour, &startTs,
			&r.Volume, &r.High, &r.Low, &r.Open, &r.Close,
		); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		r.IntervalStartTime = time.UnixMilli(startTs).UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *sqliteStorage) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM price_data WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	return res.RowsAffected()
}

// open and close come from correlated lookups; SQLite has no argMin.
const sqliteAggregateColumns = `
	p.symbol,
	p.interval_start_time,
	MAX(p.interval_hour),
	(SELECT f.price FROM price_data f
	  WHERE f.symbol = p.symbol AND f.interval_start_time = p.interval_start_time
	  ORDER BY f.timestamp ASC, f.id ASC LIMIT 1),
	(SELECT l.price FROM price_data l
	  WHERE l.symbol = p.symbol AND l.interval_start_time = p.interval_start_time
	  ORDER BY l.timestamp DESC, l.id DESC LIMIT 1),
	MAX(p.price),
	MIN(p.price),
	AVG(p.price),
	SUM(p.volume),
	COUNT(*)
`

func (s *sqliteStorage) IntervalAggregate(ctx context.Context, symbol string, start time.Time) (*models.IntervalWindow, error) {
	windows, err := s.aggregate(ctx, `
		SELECT `+sqliteAggregateColumns+`
		FROM price_data p
		WHERE p.symbol = ? AND p.interval_start_time = ?
		GROUP BY p.symbol, p.interval_start_time
	`, symbol, start.UnixMilli())
	if err != nil || len(windows) == 0 {
		return nil, err
	}
	return &windows[0], nil
}

func (s *sqliteStorage) WindowAggregates(ctx context.Context, start time.Time) ([]models.IntervalWindow, error) {
	return s.aggregate(ctx, `
		SELECT `+sqliteAggregateColumns+`
		FROM price_data p
		WHERE p.interval_start_time = ?
		GROUP BY p.symbol, p.interval_start_time
		ORDER BY p.symbol
	`, start.UnixMilli())
}

func (s *sqliteStorage) aggregate(ctx context.Context, query string, args ...any) ([]models.IntervalWindow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate intervals: %w", err)
	}
	defer rows.Close()

	var out []models.IntervalWindow
	for rows.Next() {
		var (
			w       models.IntervalWindow
			startTs int64
		)
		if err := rows.Scan(
			&w.Symbol, &startTs, &w.IntervalHour,
			&w.Open, &w.Close, &w.High, &w.Low, &w.AvgPrice, &w.Volume, &w.Count,
		); err != nil {
			return nil, err
		}
		w.IntervalStartTime = time.UnixMilli(startTs).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}
