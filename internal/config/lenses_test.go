package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/avenoir-dev/spyglass/internal/model"
)

func TestLoadLensesReturnsNilForMissingDirectory(t *testing.T) {
	configs, err := LoadLenses(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("LoadLenses: %v", err)
	}
	if configs != nil {
		t.Errorf("expected nil configs for a missing directory, got %v", configs)
	}
}

func TestSaveLensThenLoadLensesRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := model.LensConfig{
		Name:      "golang",
		Trigger:   "go",
		URLs:      []string{"https://go.dev/*"},
		Domains:   []string{"go.dev"},
		Rules:     []model.LensRule{{Allow: true, Pattern: "*.go"}},
		IsEnabled: true,
		Pipeline:  "web",
	}

	if err := SaveLens(dir, cfg); err != nil {
		t.Fatalf("SaveLens: %v", err)
	}

	configs, err := LoadLenses(dir)
	if err != nil {
		t.Fatalf("LoadLenses: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("expected 1 lens, got %d", len(configs))
	}
	got := configs[0]
	if got.Name != cfg.Name || got.Trigger != cfg.Trigger || got.Pipeline != cfg.Pipeline {
		t.Errorf("round-tripped lens mismatch: %+v", got)
	}
	if len(got.Rules) != 1 || got.Rules[0].Pattern != "*.go" || !got.Rules[0].Allow {
		t.Errorf("expected rules to round-trip, got %+v", got.Rules)
	}
}

func TestLoadLensesDerivesNameFromFilenameWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "nameless.toml"), []byte(`trigger = "nl"`), 0o644); err != nil {
		t.Fatalf("write lens file: %v", err)
	}

	configs, err := LoadLenses(dir)
	if err != nil {
		t.Fatalf("LoadLenses: %v", err)
	}
	if len(configs) != 1 || configs[0].Name != "nameless" {
		t.Fatalf("expected name derived from filename, got %+v", configs)
	}
}

func TestLoadLensesSkipsMalformedFilesButLoadsTheRest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.toml"), []byte("not = valid = toml"), 0o644); err != nil {
		t.Fatalf("write broken lens file: %v", err)
	}
	if err := SaveLens(dir, model.LensConfig{Name: "good", Trigger: "g"}); err != nil {
		t.Fatalf("SaveLens: %v", err)
	}

	configs, err := LoadLenses(dir)
	if err == nil {
		t.Fatal("expected an error reporting the malformed file")
	}
	if len(configs) != 1 || configs[0].Name != "good" {
		t.Fatalf("expected the good lens to still load, got %+v", configs)
	}
}

func TestDeleteLensFileRemovesFileAndIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	if err := SaveLens(dir, model.LensConfig{Name: "temp", Trigger: "t"}); err != nil {
		t.Fatalf("SaveLens: %v", err)
	}

	if err := DeleteLensFile(dir, "temp"); err != nil {
		t.Fatalf("DeleteLensFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "temp.toml")); !os.IsNotExist(err) {
		t.Errorf("expected file to be removed, stat err = %v", err)
	}

	if err := DeleteLensFile(dir, "never-existed"); err != nil {
		t.Errorf("expected deleting a missing lens to be a no-op, got %v", err)
	}
}
