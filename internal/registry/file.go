package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// symbolsFile is the on-disk symbol list.
//
//	symbols:
//	  - symbol: BTCUSDT
//	  - symbol: DOGEUSDT
//	    active: false
type symbolsFile struct {
	Symbols []struct {
		Symbol string `yaml:"symbol"`
		Active *bool  `yaml:"active"`
	} `yaml:"symbols"`
}

// FileRegistry reads symbols from a YAML file, falling back to a static
// list when no file is configured. The file is re-read on every call so
// edits take effect on reload.
type FileRegistry struct {
	path     string
	fallback []string
}

// NewFileRegistry creates a FileRegistry. path may be empty.
func NewFileRegistry(path string, fallback []string) *FileRegistry {
	return &FileRegistry{path: path, fallback: fallback}
}

func (r *FileRegistry) ActiveSymbols(_ context.Context) ([]string, error) {
	if r.path == "" {
		return Normalize(r.fallback), nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read symbols file: %w", err)
	}

	var f symbolsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse symbols file %s: %w", r.path, err)
	}

	symbols := make([]string, 0, len(f.Symbols))
	for _, s := range f.Symbols {
		if s.Active != nil && !*s.Active {
			continue
		}
		symbols = append(symbols, s.Symbol)
	}
	return Normalize(symbols), nil
}
