package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/avenoir-dev/spyglass/internal/model"
)

// LensRule is the TOML-facing mirror of model.LensRule.
type LensRule struct {
	Allow   bool   `toml:"allow"`
	Pattern string `toml:"pattern"`
}

// LensFile is the on-disk, per-lens TOML record under Layout.LensesDir().
// It is translated to/from model.LensConfig at the config/store boundary so
// the model package stays serialization-agnostic (it already hand-rolls its
// own JSON column encoding in internal/store/sqlite).
type LensFile struct {
	Name      string     `toml:"name"`
	Trigger   string     `toml:"trigger"`
	URLs      []string   `toml:"urls"`
	Domains   []string   `toml:"domains"`
	Rules     []LensRule `toml:"rules"`
	IsEnabled bool       `toml:"is_enabled"`
	Pipeline  string     `toml:"pipeline"`
	IsPlugin  bool       `toml:"is_plugin"`
}

// ToModel converts a LensFile into the relational model.LensConfig the
// Store and Lens Resolver operate on.
func (f LensFile) ToModel() model.LensConfig {
	rules := make([]model.LensRule, len(f.Rules))
	for i, r := range f.Rules {
		rules[i] = model.LensRule{Allow: r.Allow, Pattern: r.Pattern}
	}
	return model.LensConfig{
		Name:      f.Name,
		Trigger:   f.Trigger,
		URLs:      f.URLs,
		Domains:   f.Domains,
		Rules:     rules,
		IsEnabled: f.IsEnabled,
		Pipeline:  f.Pipeline,
		IsPlugin:  f.IsPlugin,
	}
}

// LensFileFromModel converts a model.LensConfig back to its TOML form, for
// writing a lens out (e.g. after install or a settings-driven edit).
func LensFileFromModel(cfg model.LensConfig) LensFile {
	rules := make([]LensRule, len(cfg.Rules))
	for i, r := range cfg.Rules {
		rules[i] = LensRule{Allow: r.Allow, Pattern: r.Pattern}
	}
	return LensFile{
		Name:      cfg.Name,
		Trigger:   cfg.Trigger,
		URLs:      cfg.URLs,
		Domains:   cfg.Domains,
		Rules:     rules,
		IsEnabled: cfg.IsEnabled,
		Pipeline:  cfg.Pipeline,
		IsPlugin:  cfg.IsPlugin,
	}
}

// LoadLenses reads every *.toml file directly under dir and parses it as a
// LensFile. A malformed file is skipped with its error collected rather
// than aborting the whole load, since one bad lens shouldn't take down
// every other installed lens.
func LoadLenses(dir string) ([]model.LensConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read lenses dir %s: %w", dir, err)
	}

	var configs []model.LensConfig
	var errs []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		var lf LensFile
		if err := toml.Unmarshal(data, &lf); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		if lf.Name == "" {
			lf.Name = strings.TrimSuffix(entry.Name(), ".toml")
		}
		configs = append(configs, lf.ToModel())
	}

	if len(errs) > 0 {
		return configs, fmt.Errorf("config: %d lens file(s) failed to parse: %s", len(errs), strings.Join(errs, "; "))
	}
	return configs, nil
}

// SaveLens writes cfg to dir as <name>.toml, overwriting any existing file.
func SaveLens(dir string, cfg model.LensConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create lenses dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, cfg.Name+".toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(LensFileFromModel(cfg)); err != nil {
		return fmt.Errorf("config: encode lens %s: %w", cfg.Name, err)
	}
	return nil
}

// DeleteLensFile removes name's TOML file from dir (spec §6's
// `uninstall_lens` RPC).
func DeleteLensFile(dir, name string) error {
	path := filepath.Join(dir, name+".toml")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: remove %s: %w", path, err)
	}
	return nil
}
