package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/erparts/pipeplay"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the demo configuration.
type Config struct {
	File     string `yaml:"file"`
	CacheDir string `yaml:"cache_dir"`
	ToolsDir string `yaml:"tools_dir"`

	Window     WindowConfig        `yaml:"window"`
	Resolution pipeplay.Resolution `yaml:"resolution"`
	Position   PositionConfig      `yaml:"position"`
	Convert    bool                `yaml:"convert"`
	Rescale    bool                `yaml:"rescale"`

	Volume      float64 `yaml:"volume"`
	Muted       bool    `yaml:"muted"`
	NoSound     bool    `yaml:"no_sound"`
	StreamAudio bool    `yaml:"stream_audio"`

	Prefetch string `yaml:"prefetch"` // async, sync
	MaxDepth int    `yaml:"max_depth"`
	LowWater int    `yaml:"low_water"`
	Threads  int    `yaml:"threads"`

	ControlAddr string `yaml:"control_addr"`
	LogLevel    string `yaml:"log_level"`
	Autoplay    bool   `yaml:"autoplay"`
}

// WindowConfig contains the window settings.
type WindowConfig struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Title  string `yaml:"title"`
}

// PositionConfig is where the video is drawn in the window.
type PositionConfig struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

// DefaultConfig returns the configuration used
// when no file is given.
func DefaultConfig() Config {
	return Config{
		CacheDir: "resources",
		ToolsDir: "binaries",
		Window: WindowConfig{
			Width:  1280,
			Height: 720,
			Title:  "pipeplay",
		},
		Volume:   1,
		Prefetch: "async",
		MaxDepth: pipeplay.DefaultMaxDepth,
		LowWater: pipeplay.DefaultLowWater,
		Threads:  pipeplay.DefaultThreads,
		LogLevel: "info",
		Autoplay: true,
	}
}

// LoadConfig reads the YAML file at path over the defaults
// and applies the PIPEPLAY_* environment overrides. An
// empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.File = getEnv("PIPEPLAY_FILE", c.File)
	c.CacheDir = getEnv("PIPEPLAY_CACHE_DIR", c.CacheDir)
	c.ToolsDir = getEnv("PIPEPLAY_TOOLS_DIR", c.ToolsDir)
	c.Prefetch = getEnv("PIPEPLAY_PREFETCH", c.Prefetch)
	c.ControlAddr = getEnv("PIPEPLAY_CONTROL_ADDR", c.ControlAddr)
	c.LogLevel = getEnv("PIPEPLAY_LOG_LEVEL", c.LogLevel)
	c.MaxDepth = getIntEnv("PIPEPLAY_MAX_DEPTH", c.MaxDepth)
	c.LowWater = getIntEnv("PIPEPLAY_LOW_WATER", c.LowWater)
	c.Threads = getIntEnv("PIPEPLAY_THREADS", c.Threads)
	c.Volume = getFloatEnv("PIPEPLAY_VOLUME", c.Volume)
	c.Muted = getBoolEnv("PIPEPLAY_MUTED", c.Muted)
	c.NoSound = getBoolEnv("PIPEPLAY_NO_SOUND", c.NoSound)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.File == "" {
		return fmt.Errorf("no media file")
	}

	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return fmt.Errorf("invalid window size %dx%d", c.Window.Width, c.Window.Height)
	}

	if c.Resolution != (pipeplay.Resolution{}) && !c.Resolution.Valid() {
		return fmt.Errorf("%w: %s", pipeplay.ErrInvalidResolution, c.Resolution)
	}

	if _, err := c.prefetchMode(); err != nil {
		return err
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	return nil
}

func (c *Config) prefetchMode() (pipeplay.PrefetchMode, error) {
	switch strings.ToLower(c.Prefetch) {
	case "", "async":
		return pipeplay.PrefetchAsync, nil
	case "sync":
		return pipeplay.PrefetchSync, nil
	}

	return 0, fmt.Errorf("invalid prefetch mode %q", c.Prefetch)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
