package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/avenoir-dev/spyglass/internal/store"
	"github.com/google/uuid"
)

// DefaultPort is spec §6's default RPC listen port.
const DefaultPort = 4664

const settingsFileName = "settings.toml"
const uidFileName = "uid"

// Settings mirrors spec §6's config-file field list. Limits use a nil
// pointer for "Infinite" rather than a sentinel value, since TOML has no
// native union type; StoreSettings converts to the Store's Limit type.
type Settings struct {
	DomainCrawlLimit    *uint32                       `toml:"domain_crawl_limit" json:"domain_crawl_limit"`
	InflightCrawlLimit  *uint32                       `toml:"inflight_crawl_limit" json:"inflight_crawl_limit"`
	InflightDomainLimit *uint32                       `toml:"inflight_domain_limit" json:"inflight_domain_limit"`
	Shortcut            string                        `toml:"shortcut" json:"shortcut"`
	DataDirectory       string                        `toml:"data_directory" json:"data_directory"`
	AllowList           []string                      `toml:"allow_list" json:"allow_list"`
	BlockList           []string                      `toml:"block_list" json:"block_list"`
	FSWatchRoots        []string                      `toml:"fs_watch_roots" json:"fs_watch_roots"`
	FSWatchExtensions   []string                      `toml:"fs_watch_extensions" json:"fs_watch_extensions"`
	DisableTelemetry    bool                          `toml:"disable_telemetry" json:"disable_telemetry"`
	DisableAutolaunch   bool                          `toml:"disable_autolaunch" json:"disable_autolaunch"`
	Port                uint16                        `toml:"port" json:"port"`
	PluginSettings      map[string]map[string]string `toml:"plugin_settings" json:"plugin_settings"`
}

// DefaultSettings returns the fallback configuration used when no settings
// file exists yet, or when the existing one fails to parse (spec §7's
// Config error policy: "fall back to defaults; overwrite with defaults on
// successful startup").
func DefaultSettings(dataDir string) Settings {
	return Settings{
		DataDirectory:  dataDir,
		Port:           DefaultPort,
		PluginSettings: make(map[string]map[string]string),
	}
}

// StoreSettings converts to the store package's Settings, for use by the
// Scheduler/Worker Pool.
func (s Settings) StoreSettings() store.Settings {
	return store.Settings{
		DomainCrawlLimit:    limitFrom(s.DomainCrawlLimit),
		InflightCrawlLimit:  limitFrom(s.InflightCrawlLimit),
		InflightDomainLimit: limitFrom(s.InflightDomainLimit),
		BlockList:           s.BlockList,
	}
}

func limitFrom(v *uint32) store.Limit {
	if v == nil {
		return store.Unlimited
	}
	return store.Finite(*v)
}

// Store owns the on-disk settings.toml and machine uid file, and serves an
// atomically-swappable in-memory snapshot (spec §5's "Configuration
// snapshot: read-mostly, swappable atomically on user settings change").
type Store struct {
	prefDir string
	uid     string
	logger  *slog.Logger
	current atomic.Pointer[Settings]
}

// Open loads settings.toml and uid from prefDir, creating both with
// defaults if missing. An unreadable or corrupt settings file falls back to
// defaults and is immediately overwritten (spec §7).
func Open(prefDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(prefDir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create preference directory: %w", err)
	}

	s := &Store{prefDir: prefDir, logger: logger}

	settings, err := loadSettings(filepath.Join(prefDir, settingsFileName))
	if err != nil {
		logger.Warn("config: falling back to defaults", "err", err)
		defaultDir := filepath.Join(prefDir, "data")
		settings = DefaultSettings(defaultDir)
		if writeErr := s.persist(settings); writeErr != nil {
			return nil, fmt.Errorf("config: write default settings: %w", writeErr)
		}
	}
	s.current.Store(&settings)

	uid, err := loadOrCreateUID(filepath.Join(prefDir, uidFileName))
	if err != nil {
		return nil, fmt.Errorf("config: machine uid: %w", err)
	}
	s.uid = uid

	return s, nil
}

// Settings returns the current snapshot. Safe for concurrent use; never
// blocks on an in-progress Update.
func (s *Store) Settings() Settings {
	return *s.current.Load()
}

// MachineUID is a stable per-installation identifier, used to scope
// connector credentials and telemetry (when enabled).
func (s *Store) MachineUID() string { return s.uid }

// Update applies fn to a copy of the current settings, persists the result,
// and swaps the in-memory snapshot atomically. Observers reading Settings
// concurrently always see either the old or the new value, never a partial
// write.
func (s *Store) Update(fn func(*Settings)) error {
	next := s.Settings()
	fn(&next)
	if err := s.persist(next); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}

func (s *Store) persist(settings Settings) error {
	path := filepath.Join(s.prefDir, settingsFileName)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", tmp, err)
	}
	if err := toml.NewEncoder(f).Encode(settings); err != nil {
		f.Close()
		return fmt.Errorf("config: encode settings: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: replace %s: %w", path, err)
	}
	return nil
}

func loadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var s Settings
	if err := toml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if s.PluginSettings == nil {
		s.PluginSettings = make(map[string]map[string]string)
	}
	return s, nil
}

func loadOrCreateUID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("config: write uid file %s: %w", path, err)
	}
	return id, nil
}
