// Package registry resolves which symbols the service tracks.
package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"gorm.io/driver/clickhouse"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/navid-fn/tickerhub/configs"
	"github.com/navid-fn/tickerhub/internal/models"
)

// SymbolRegistry lists the symbols to ingest.
type SymbolRegistry interface {
	// ActiveSymbols returns upper-cased, de-duplicated, sorted active symbols.
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// New builds the registry selected by cfg.Source.
func New(cfg configs.SymbolsConfig, store configs.StoreConfig) (SymbolRegistry, error) {
	switch cfg.Source {
	case "db":
		db, err := gorm.Open(clickhouse.Open(store.DSN()), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open symbols db: %w", err)
		}
		return NewGormSymbolRegistry(db), nil
	case "file", "":
		return NewFileRegistry(cfg.File, cfg.List), nil
	default:
		return nil, fmt.Errorf("unknown symbols source %q", cfg.Source)
	}
}

// Normalize upper-cases, trims, de-duplicates and sorts symbols.
func Normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// GormSymbolRegistry reads the symbols table through gorm.
type GormSymbolRegistry struct {
	db *gorm.DB
}

// NewGormSymbolRegistry wraps an open gorm connection.
func NewGormSymbolRegistry(db *gorm.DB) *GormSymbolRegistry {
	return &GormSymbolRegistry{db: db}
}

func (r *GormSymbolRegistry) ActiveSymbols(ctx context.Context) ([]string, error) {
	var rows []models.Symbol
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("symbol").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load active symbols: %w", err)
	}

	symbols := make([]string, len(rows))
	for i, row := range rows {
		symbols[i] = row.Symbol
	}
	return Normalize(symbols), nil
}

// AddSymbols inserts symbols into the table. The ReplacingMergeTree engine
// collapses repeated rows of the same symbol.
func (r *GormSymbolRegistry) AddSymbols(ctx context.Context, symbols []models.Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&symbols).Error
}

var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// SplitPair splits a symbol such as BTCUSDT into base and quote assets.
// Unknown quotes return the whole symbol as base.
func SplitPair(symbol string) (base, quote string) {
	symbol = strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if b, ok := strings.CutSuffix(symbol, q); ok && b != "" {
			return b, q
		}
	}
	return symbol, ""
}

// SeedRows builds active registry rows for symbols.
func SeedRows(symbols []string) []models.Symbol {
	symbols = Normalize(symbols)
	rows := make([]models.Symbol, len(symbols))
	for i, s := range symbols {
		base, quote := SplitPair(s)
		rows[i] = models.Symbol{Symbol: s, BaseAsset: base, QuoteAsset: quote, IsActive: true}
	}
	return rows
}
