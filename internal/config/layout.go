// Package config implements spec §6's external interfaces: the TOML user
// settings file, per-file lens definitions under lenses/, the on-disk data
// directory layout, and the machine-unique UID used to scope connector
// credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves the fixed set of subdirectories spec §6 names under the
// data directory: db.sqlite, index/, lenses/, plugins/, cache/, logs/,
// pipelines/.
type Layout struct {
	Root string
}

// NewLayout builds a Layout rooted at dir.
func NewLayout(dir string) Layout { return Layout{Root: dir} }

// DBPath is the default sqlite database file.
func (l Layout) DBPath() string { return filepath.Join(l.Root, "db.sqlite") }

// IndexDir holds the inverted-index segment files.
func (l Layout) IndexDir() string { return filepath.Join(l.Root, "index") }

// LensesDir holds one TOML file per installed lens.
func (l Layout) LensesDir() string { return filepath.Join(l.Root, "lenses") }

// PluginsDir holds installed plugin lens binaries/manifests.
func (l Layout) PluginsDir() string { return filepath.Join(l.Root, "plugins") }

// CacheDir holds transient fetch/archive cache data.
func (l Layout) CacheDir() string { return filepath.Join(l.Root, "cache") }

// LogsDir holds rotated structured-log output.
func (l Layout) LogsDir() string { return filepath.Join(l.Root, "logs") }

// PipelinesDir holds connector pipeline definitions.
func (l Layout) PipelinesDir() string { return filepath.Join(l.Root, "pipelines") }

// EnsureDirs creates every directory the layout names, if missing.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.Root, l.IndexDir(), l.LensesDir(), l.PluginsDir(), l.CacheDir(), l.LogsDir(), l.PipelinesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}
