package config

import (
	"os"
	"path/filepath"
	"testing"
)

func u32(v uint32) *uint32 { return &v }

func TestOpenCreatesDefaultsWhenNoSettingsFileExists(t *testing.T) {
	dir := t.TempDir()

	st, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got := st.Settings()
	if got.Port != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, got.Port)
	}
	if _, err := os.Stat(filepath.Join(dir, settingsFileName)); err != nil {
		t.Errorf("expected settings file to be written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, uidFileName)); err != nil {
		t.Errorf("expected uid file to be written: %v", err)
	}
}

func TestOpenFallsBackToDefaultsOnCorruptSettingsFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, settingsFileName), []byte("not valid toml {{{"), 0o644); err != nil {
		t.Fatalf("write corrupt settings: %v", err)
	}

	st, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st.Settings().Port != DefaultPort {
		t.Errorf("expected fallback to defaults, got port %d", st.Settings().Port)
	}
}

func TestOpenReusesExistingMachineUID(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open (first): %v", err)
	}
	uid := first.MachineUID()

	second, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	if second.MachineUID() != uid {
		t.Errorf("expected stable uid across opens, got %q then %q", uid, second.MachineUID())
	}
}

func TestUpdatePersistsAndSwapsSnapshotAtomically(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := st.Update(func(s *Settings) {
		s.Port = 9001
		s.BlockList = []string{"spam.example.com"}
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if st.Settings().Port != 9001 {
		t.Errorf("expected in-memory snapshot to reflect update, got port %d", st.Settings().Port)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open (reloaded): %v", err)
	}
	if reopened.Settings().Port != 9001 {
		t.Errorf("expected persisted update to survive reopen, got port %d", reopened.Settings().Port)
	}
	if len(reopened.Settings().BlockList) != 1 || reopened.Settings().BlockList[0] != "spam.example.com" {
		t.Errorf("expected block list to round-trip, got %v", reopened.Settings().BlockList)
	}
}

func TestStoreSettingsConvertsNilLimitsToUnlimited(t *testing.T) {
	s := DefaultSettings(t.TempDir())
	ss := s.StoreSettings()
	if !ss.DomainCrawlLimit.Infinite {
		t.Error("expected a nil limit to convert to Unlimited")
	}
}

func TestStoreSettingsConvertsFiniteLimits(t *testing.T) {
	s := DefaultSettings(t.TempDir())
	s.DomainCrawlLimit = u32(50)
	ss := s.StoreSettings()
	if ss.DomainCrawlLimit.Infinite || ss.DomainCrawlLimit.Value != 50 {
		t.Errorf("expected a finite limit of 50, got %+v", ss.DomainCrawlLimit)
	}
}
