package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"net/http"
	"os"
	"time"

	"github.com/erparts/pipeplay"
	"github.com/gin-gonic/gin"
	"github.com/hajimehoshi/ebiten"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	_ "github.com/silbinarywolf/preferdiscretegpu"
)

func main() {
	configPath := flag.String("config", "", "path of the YAML configuration")
	file := flag.String("file", "", "media file to play, overrides the configuration")
	flag.Parse()

	if *file != "" {
		os.Setenv("PIPEPLAY_FILE", *file)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()

	mode, _ := cfg.prefetchMode()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	player, err := pipeplay.OpenWithOptions(ctx, cfg.File, &pipeplay.Options{
		Logger:      &logger,
		ToolsDir:    cfg.ToolsDir,
		Resolution:  cfg.Resolution,
		Position:    image.Pt(cfg.Position.X, cfg.Position.Y),
		Threads:     cfg.Threads,
		Prefetch:    mode,
		MaxDepth:    cfg.MaxDepth,
		LowWater:    cfg.LowWater,
		NoSound:     cfg.NoSound,
		StreamAudio: cfg.StreamAudio,
		Muted:       cfg.Muted,
		CacheDir:    cfg.CacheDir,
		Convert:     cfg.Convert,
		Rescale:     cfg.Rescale,
		Metrics:     pipeplay.NewMetrics(reg),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := player.Close(); err != nil {
			logger.Error().Err(err).Msg("couldn't close the player")
		}
	}()

	player.SetVolume(cfg.Volume)

	var control *Control
	if cfg.ControlAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		control = NewControl(reg)

		srv := &http.Server{
			Addr:              cfg.ControlAddr,
			Handler:           control.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info().Str("addr", cfg.ControlAddr).Msg("control server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("control server failed")
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Autoplay {
		if err := player.Play(); err != nil {
			return err
		}
	}

	ebiten.SetWindowSize(cfg.Window.Width, cfg.Window.Height)
	ebiten.SetWindowTitle(cfg.Window.Title)

	game := NewGame(player, control, cfg.Window.Width, cfg.Window.Height, logger)
	defer game.surface.Dispose()

	return ebiten.RunGame(game)
}
