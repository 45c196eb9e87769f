package tui

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/config"
)

func TestSettingsForm_SaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global", "config.json")
	projectPath := filepath.Join(dir, "project", "config.json")

	f := NewSettingsForm(config.DefaultConfig(), globalPath, projectPath)
	f.saveTarget = SaveProject
	f.maxConcurrency = " 8 "
	f.httpTimeout = "5s"
	f.breakerEnabled = false
	f.pollInitial = "250ms"
	f.pollMultiplier = "2"
	f.pollMaxRounds = "10"
	f.logLevel = "debug"
	f.logFormat = "json"

	path, err := f.Save()
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if path != projectPath {
		t.Errorf("expected save to %s, got %s", projectPath, path)
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scheduler.MaxConcurrency != 8 {
		t.Errorf("expected max concurrency 8, got %d", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.HTTP.Timeout.Std() != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", cfg.HTTP.Timeout.Std())
	}
	if cfg.HTTP.Breaker.Enabled {
		t.Error("expected breaker disabled")
	}
	if cfg.Poll.InitialInterval.Std() != 250*time.Millisecond || cfg.Poll.Multiplier != 2 || cfg.Poll.MaxRounds != 10 {
		t.Errorf("unexpected poll settings %+v", cfg.Poll)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("unexpected log settings %+v", cfg.Log)
	}
}

func TestSettingsForm_DefaultsToGlobal(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "config.json")

	path, err := NewSettingsForm(config.DefaultConfig(), globalPath, filepath.Join(dir, "project.json")).Save()
	if err != nil {
		t.Fatal(err)
	}
	if path != globalPath {
		t.Errorf("expected save to %s, got %s", globalPath, path)
	}

	cfg, err := config.Load(globalPath, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.MaxConcurrency != config.DefaultConfig().Scheduler.MaxConcurrency {
		t.Errorf("expected defaults to survive, got %+v", cfg.Scheduler)
	}
}

func TestSettingsForm_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	f := NewSettingsForm(config.DefaultConfig(), filepath.Join(dir, "config.json"), "")
	f.maxConcurrency = "many"
	f.breakerTimeout = "soon"
	f.pollMaxRounds = "-1"

	_, err := f.Save()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, field := range []string{"max concurrency", "open duration"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("expected error to name %q, got %v", field, err)
		}
	}

	f.maxConcurrency, f.breakerTimeout = "1", "1s"
	if _, err := f.Save(); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for negative rounds, got %v", err)
	}
}

func TestSettingsValidators(t *testing.T) {
	tests := []struct {
		name     string
		validate func(string) error
		input    string
		ok       bool
	}{
		{"count", validateCount, "3", true},
		{"count negative", validateCount, "-2", false},
		{"count text", validateCount, "x", false},
		{"duration", validateDuration, "1m30s", true},
		{"duration bare number", validateDuration, "5", false},
		{"multiplier", validateMultiplier, "1.5", true},
		{"multiplier below one", validateMultiplier, "0.5", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validate(tt.input)
			if (err == nil) != tt.ok {
				t.Errorf("validate(%q) = %v, want ok=%v", tt.input, err, tt.ok)
			}
		})
	}
}
