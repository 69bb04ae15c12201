package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/erparts/pipeplay"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pipeplay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
file: clip.mp4
window:
  width: 800
  height: 600
resolution:
  width: 640
  height: 360
position:
  x: 80
  y: 120
prefetch: sync
volume: 0.5
stream_audio: true
control_addr: 127.0.0.1:8089
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.File != "clip.mp4" || cfg.Window.Width != 800 || cfg.Window.Title != "pipeplay" {
		t.Fatalf("config %+v", cfg)
	}

	if cfg.Resolution != (pipeplay.Resolution{Width: 640, Height: 360}) || cfg.Position.Y != 120 {
		t.Fatalf("resolution %s at %+v", cfg.Resolution, cfg.Position)
	}

	if mode, _ := cfg.prefetchMode(); mode != pipeplay.PrefetchSync {
		t.Fatalf("prefetch %s, want sync", mode)
	}

	if cfg.Volume != 0.5 || !cfg.StreamAudio || cfg.MaxDepth != pipeplay.DefaultMaxDepth || !cfg.Autoplay {
		t.Fatalf("config %+v", cfg)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "file: clip.mp4\nthreads: 2\n")

	t.Setenv("PIPEPLAY_FILE", "other.mkv")
	t.Setenv("PIPEPLAY_THREADS", "8")
	t.Setenv("PIPEPLAY_MAX_DEPTH", "not a number")
	t.Setenv("PIPEPLAY_MUTED", "true")
	t.Setenv("PIPEPLAY_VOLUME", "0.25")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.File != "other.mkv" || cfg.Threads != 8 || !cfg.Muted || cfg.Volume != 0.25 {
		t.Fatalf("config %+v", cfg)
	}

	if cfg.MaxDepth != pipeplay.DefaultMaxDepth {
		t.Fatalf("malformed override applied: max depth %d", cfg.MaxDepth)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
	}{
		{name: "no file", body: "window:\n  width: 800\n"},
		{name: "bad prefetch", body: "file: a.mp4\nprefetch: eager\n"},
		{name: "bad resolution", body: "file: a.mp4\nresolution:\n  width: 640\n"},
		{name: "bad window", body: "file: a.mp4\nwindow:\n  width: 0\n"},
		{name: "bad log level", body: "file: a.mp4\nlog_level: loud\n"},
		{name: "malformed yaml", body: "file: [a.mp4\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("loaded an invalid configuration")
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("loaded a missing file")
	}
}
