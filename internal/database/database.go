// Package database defines the key-value settings store injected into
// the tools. The core only depends on the get/put/remove contract; where
// values actually live is the caller's business.
package database

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/NanotokLLC/tytools/internal/configpaths"
)

// Database is the settings collaborator contract.
type Database interface {
	Get(key, def string) string
	Put(key, value string) error
	Remove(key string) error
}

// Noop discards writes and always answers with the default. It is the
// implementation of choice for tests and for commands that have nothing
// to remember.
type Noop struct{}

func (Noop) Get(key, def string) string  { return def }
func (Noop) Put(key, value string) error { return nil }
func (Noop) Remove(key string) error     { return nil }

// File persists settings as a flat YAML mapping. Reads are served from
// memory; every write rewrites the file.
type File struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// OpenFile loads (or initializes) the settings file at path. A missing
// file is not an error.
func OpenFile(path string) (*File, error) {
	db := &File{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return db, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &db.values); err != nil {
		return nil, err
	}
	if db.values == nil {
		db.values = make(map[string]string)
	}
	return db, nil
}

// OpenDefault opens the settings file in the tytools config directory.
func OpenDefault() (*File, error) {
	path, err := configpaths.DefaultNamedConfigPath("settings", "yaml")
	if err != nil {
		return nil, err
	}
	return OpenFile(path)
}

func (f *File) Get(key, def string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.values[key]; ok {
		return v
	}
	return def
}

func (f *File) Put(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return f.flush()
}

func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return f.flush()
}

func (f *File) flush() error {
	data, err := yaml.Marshal(f.values)
	if err != nil {
		return err
	}
	if err := configpaths.EnsureDir(f.path); err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o644)
}
