package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/navid-fn/tickerhub/internal/models"
)

// clickhouseStorage implements Storage using native ClickHouse driver.
// Uses batch inserts for high-throughput data ingestion.
type clickhouseStorage struct {
	conn driver.Conn
}

// NewClickHouseStorage creates a new ClickHouse storage connection.
// It parses the DSN, opens a connection, and verifies connectivity with a ping.
// Returns an error if connection cannot be established within 5 seconds.
func NewClickHouseStorage(ctx context.Context, dsn string) (Storage, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}

	return &clickhouseStorage{conn: conn}, nil
}

// SaveRecords inserts records using ClickHouse batch insert.
func (s *clickhouseStorage) SaveRecords(ctx context.Context, records []*models.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_data (
			symbol, price, timestamp, interval_hour, interval_start_time,
			volume, high, low, open, close, inserted_at
		)
	`)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, r := range records {
		err := batch.Append(
			r.Symbol,
			r.Price,
			r.Timestamp,
			uint8(r.IntervalHour),
			r.IntervalStartTime,
			r.Volume,
			r.High,
			r.Low,
			r.Open,
			r.Close,
			now,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (s *clickhouseStorage) RecordsBetween(ctx context.Context, symbol string, from, to time.Time) ([]*models.PriceRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT symbol, price, timestamp, interval_hour, interval_start_time,
		       volume, high, low, open, close
		FROM price_data
		WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*models.PriceRecord
	for rows.Next() {
		var (
			r    models.PriceRecord
			hour uint8
		)
		if err := rows.Scan(
			&r.Symbol, &r.Price, &r.Timestamp, &hour, &r.IntervalStartTime,
			&r.Volume, &r.High, &r.Low, &r.Open, &r.Close,
		); err != nil {
			return nil, err
		}
		r.IntervalHour = int(hour)
		r.Timestamp = r.Timestamp.UTC()
		r.IntervalStartTime = r.IntervalStartTime.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteBefore counts the doomed rows first; lightweight deletes do not
// report affected rows.
func (s *clickhouseStorage) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n uint64
	if err := s.conn.QueryRow(ctx,
		`SELECT count() FROM price_data WHERE timestamp < ?`, cutoff.UTC(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count expired records: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	if err := s.conn.Exec(ctx, `DELETE FROM price_data WHERE timestamp < ?`, cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	return int64(n), nil
}

const clickhouseAggregateColumns = `
	symbol,
	interval_start_time,
	any(interval_hour),
	argMin(price, timestamp),
	argMax(price, timestamp),
	max(price),
	min(price),
	avg(price),
	sum(volume),
	count()
`

func (s *clickhouseStorage) IntervalAggregate(ctx context.Context, symbol string, start time.Time) (*models.IntervalWindow, error) {
	windows, err := s.aggregate(ctx, `
		SELECT `+clickhouseAggregateColumns+`
		FROM price_data
		WHERE symbol = ? AND interval_start_time = ?
		GROUP BY symbol, interval_start_time
	`, symbol, start.UTC())
	if err != nil || len(windows) == 0 {
		return nil, err
	}
	return &windows[0], nil
}

func (s *clickhouseStorage) WindowAggregates(ctx context.Context, start time.Time) ([]models.IntervalWindow, error) {
	return s.aggregate(ctx, `
		SELECT `+clickhouseAggregateColumns+`
		FROM price_data
		WHERE interval_start_time = ?
		GROUP BY symbol, interval_start_time
		ORDER BY symbol
	`, start.UTC())
}

func (s *clickhouseStorage) aggregate(ctx context.Context, query string, args ...any) ([]models.IntervalWindow, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate intervals: %w", err)
	}
	defer rows.Close()

	var out []models.IntervalWindow
	for rows.Next() {
		var (
			w     models.IntervalWindow
			hour  uint8
			count uint64
		)
		if err := rows.Scan(
			&w.Symbol, &w.IntervalStartTime, &hour,
			&w.Open, &w.Close, &w.High, &w.Low, &w.AvgPrice, &w.Volume, &count,
		); err != nil {
			return nil, err
		}
		w.IntervalHour = int(hour)
		w.IntervalStartTime = w.IntervalStartTime.UTC()
		w.Count = int64(count)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *clickhouseStorage) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the ClickHouse connection.
func (s *clickhouseStorage) Close() error {
	return s.conn.Close()
}
