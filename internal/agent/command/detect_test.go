package command

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/taskvault/internal/config"
)

func TestDetector_Scan(t *testing.T) {
	home := t.TempDir()
	gemini := filepath.Join(home, ".local", "bin", "gemini")
	if err := os.MkdirAll(filepath.Dir(gemini), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(gemini, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	d := &Detector{
		lookPath: func(cmd string) (string, error) {
			if cmd == "claude" {
				return "/opt/bin/claude", nil
			}
			return "", errors.New("not found")
		},
		home:    home,
		version: func(path string) string { return "v-" + filepath.Base(path) },
	}

	found := d.Scan()
	if len(found) != 2 {
		t.Fatalf("Expected 2 candidates, got %+v", found)
	}
	if found[0].Command != "claude" || found[0].Path != "/opt/bin/claude" || found[0].Version != "v-claude" {
		t.Errorf("Unexpected first candidate: %+v", found[0])
	}
	if found[1].Path != gemini {
		t.Errorf("Expected gemini from the home install path, got %q", found[1].Path)
	}
}

func TestDetector_NothingInstalled(t *testing.T) {
	d := &Detector{
		lookPath: func(string) (string, error) { return "", errors.New("not found") },
		home:     t.TempDir(),
		version:  func(string) string { return "" },
	}
	if found := d.Scan(); len(found) != 0 {
		t.Errorf("Expected no candidates, got %+v", found)
	}
}

func TestCandidate_Config(t *testing.T) {
	base := config.DefaultConfig().Agent
	c := Candidate{Command: "claude", Path: "/opt/bin/claude", Args: []string{"-p"}}

	cfg := c.Config(base)
	if cfg.Type != "command" || cfg.Command != "/opt/bin/claude" {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	if cfg.Timeout.Duration != 10*time.Minute || cfg.RatePerMinute != base.RatePerMinute {
		t.Errorf("Expected limits to carry over, got %+v", cfg)
	}
	c.Args[0] = "changed"
	if cfg.Args[0] != "-p" {
		t.Error("Expected args to be copied")
	}
}
