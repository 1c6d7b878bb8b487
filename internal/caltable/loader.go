package caltable

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var extensions = []string{"", ".yaml", ".yml", ".json"}

// Loader finds calibration tables by name in a list of directories and caches
// them.
type Loader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewLoader(searchPaths []string) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Validator returns the loader's schema validator.
func (l *Loader) Validator() *Validator {
	return l.validator
}

// Load returns the table called name. The name may carry an extension.
func (l *Loader) Load(name string) (*Table, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*Table), nil
	}

	var data []byte
	var foundPath string

	for _, searchPath := range l.searchPaths {
		for _, ext := range extensions {
			fullPath := filepath.Join(searchPath, name+ext)
			if b, err := os.ReadFile(fullPath); err == nil {
				data, foundPath = b, fullPath
				break
			}
		}
		if data != nil {
			break
		}
	}

	if data == nil {
		return nil, fmt.Errorf("%w: %s (searched in: %v)", ErrTableNotFound, name, l.searchPaths)
	}

	table, err := l.validator.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", foundPath, err)
	}

	l.cache.Store(name, table)

	return table, nil
}

// ClearCache forgets all loaded tables.
func (l *Loader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
