package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresOutputDir(t *testing.T) {
	t.Setenv(OutputDirEnv, "")
	if _, _, err := Load(""); err == nil {
		t.Fatal("expected error when OUTPUT_DIR unset")
	}
	t.Setenv(OutputDirEnv, "relative/path")
	if _, _, err := Load(""); err == nil {
		t.Fatal("expected error for relative OUTPUT_DIR")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(OutputDirEnv, t.TempDir())
	cfg, loaded, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded {
		t.Error("expected defaults, not a loaded file")
	}
	if len(cfg.Venues) != 2 {
		t.Fatalf("expected two shipped venues, got %d", len(cfg.Venues))
	}
	if cfg.Poller.PollInterval.Std() != time.Second {
		t.Errorf("PollInterval = %v", cfg.Poller.PollInterval.Std())
	}
	lim, ok := cfg.Venue("limitless")
	if !ok || lim.AIMD.Ceiling != 16 {
		t.Errorf("limitless config = %+v, ok=%v", lim, ok)
	}
	poly, ok := cfg.Venue("polymarket")
	if !ok || poly.AIMD.Ceiling != 4 {
		t.Errorf("polymarket config = %+v, ok=%v", poly, ok)
	}
}

func TestLoadOverrideFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(OutputDirEnv, dir)
	path := filepath.Join(dir, "bookwatch.yaml")
	body := `
discovery:
  interval: 30s
poller:
  pollInterval: 500ms
  statsInterval: 5s
venues:
  - name: limitless
    maxWorkers: 4
    aimd:
      ceiling: 4
      initial: 2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded {
		t.Error("expected file to be loaded")
	}
	if cfg.Discovery.Interval.Std() != 30*time.Second {
		t.Errorf("Interval = %v", cfg.Discovery.Interval.Std())
	}
	if cfg.Poller.PollInterval.Std() != 500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Poller.PollInterval.Std())
	}
	v, ok := cfg.Venue("limitless")
	if !ok || v.AIMD.Ceiling != 4 || v.AIMD.Initial != 2 {
		t.Errorf("venue override not applied: %+v", v)
	}
	// floors fill what the sparse override left out
	if v.RequestTimeout.Std() != 5*time.Second {
		t.Errorf("RequestTimeout floor not applied: %v", v.RequestTimeout.Std())
	}
}

func TestValidateRejectsBadAIMD(t *testing.T) {
	cfg := Default()
	cfg.OutputDir = "/tmp"
	cfg.Venues[0].AIMD.Initial = cfg.Venues[0].AIMD.Ceiling + 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for initial > ceiling")
	}
	cfg = Default()
	cfg.Venues[0].MaxWorkers = cfg.Venues[0].AIMD.Ceiling - 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for maxWorkers < ceiling")
	}
	cfg = Default()
	cfg.Venues[1].Name = cfg.Venues[0].Name
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for duplicate venue")
	}
}
