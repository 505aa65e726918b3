package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/echoback/internal/config"
)

// configOverrides returns overrides setting only the threshold, or none when
// threshold is zero.
func configOverrides(t *testing.T, threshold int) config.Overrides {
	t.Helper()
	if threshold == 0 {
		return config.Overrides{}
	}
	return config.Overrides{Threshold: &threshold}
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("", configOverrides(t, 0))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Audio.SampleRate != 48000 || cfg.Detection.Threshold != 1000 || cfg.Audio.BlockSize != 4800 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "echoback.yaml")
	data := "detection:\n  threshold: 500\n  hysteresis: 3\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path, configOverrides(t, 2000))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Detection.Threshold != 2000 {
		t.Errorf("threshold = %d, want the flag value 2000", cfg.Detection.Threshold)
	}
	if cfg.Detection.Hysteresis != 3 {
		t.Errorf("hysteresis = %d, want the file value 3", cfg.Detection.Hysteresis)
	}
}

func TestRun_InvalidInvocations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "unknown flag", args: []string{"-bogus"}, want: 2},
		{name: "threshold out of range", args: []string{"-t", "40000"}, want: 1},
		{name: "zero block size", args: []string{"-l", "0"}, want: 1},
		{name: "missing config file", args: []string{"-config", "/nonexistent/echoback.yaml"}, want: 1},
		{name: "version", args: []string{"-version"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%q) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}
