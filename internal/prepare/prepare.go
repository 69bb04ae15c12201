// Package prepare runs the one-time preprocessing of
// media files: conversion to mp4, rescaling and audio
// extraction. Generated files are recorded in a sqlite
// index and reused across runs while they're fresh.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Kind is the kind of a generated file.
type Kind string

const (
	KindConverted Kind = "mp4"
	KindScaled    Kind = "scaled"
	KindAudio     Kind = "wav"
)

// IndexName is the file name of the index database
// inside the cache directory.
const IndexName = "index.db"

// scaledPrefix marks rescaled copies.
const scaledPrefix = "SCALED_"

// Runner runs a command to completion.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Prober returns the frame size of a video file.
type Prober func(ctx context.Context, path string) (width, height int, err error)

// Config describes one preparation.
type Config struct {
	// Source is the original media file.
	Source string
	// CacheDir holds the generated files and the index.
	CacheDir string
	// FFmpeg is the path of the ffmpeg binary.
	FFmpeg string
	// Threads is the encoder thread count hint.
	Threads int

	// Convert re-encodes non-mp4 sources to mp4.
	Convert bool
	// Rescale re-encodes the video at Width x Height.
	Rescale bool
	Width   int
	Height  int
	// Audio extracts the audio track as WAV.
	Audio bool

	Run    Runner
	Probe  Prober
	Logger zerolog.Logger
}

// Result holds the files to play.
type Result struct {
	// Video is the file to decode frames from.
	Video string
	// Audio is the extracted WAV file, empty
	// when no extraction was requested.
	Audio string
}

// Dir returns the directory the files generated
// for source are kept in.
func Dir(cacheDir, source string) string {
	return filepath.Join(cacheDir, "resources_"+stem(source))
}

// Prepare generates the missing or stale files of cfg.
// Video and audio are prepared concurrently.
func Prepare(ctx context.Context, cfg Config) (Result, error) {
	if cfg.Run == nil {
		return Result{}, fmt.Errorf("no command runner")
	}

	if cfg.Rescale && (cfg.Width <= 0 || cfg.Height <= 0) {
		return Result{}, fmt.Errorf("invalid rescale size %dx%d", cfg.Width, cfg.Height)
	}

	source, err := filepath.Abs(cfg.Source)
	if err != nil {
		return Result{}, err
	}

	dir := Dir(cfg.CacheDir, source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("couldn't create %s: %w", dir, err)
	}

	idx, err := OpenIndex(ctx, filepath.Join(cfg.CacheDir, IndexName))
	if err != nil {
		return Result{}, err
	}
	defer idx.Close()

	p := &preparer{cfg: cfg, idx: idx, source: source, dir: dir}
	res := Result{Video: source}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		video, err := p.video(gctx)
		if err != nil {
			return err
		}

		res.Video = video
		return nil
	})

	if cfg.Audio {
		g.Go(func() error {
			audio, err := p.audio(gctx)
			if err != nil {
				return err
			}

			res.Audio = audio
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	return res, nil
}

type preparer struct {
	cfg    Config
	idx    *Index
	source string
	dir    string
}

func (p *preparer) video(ctx context.Context) (string, error) {
	video := p.source

	if p.cfg.Convert && !strings.EqualFold(filepath.Ext(video), ".mp4") {
		target := filepath.Join(p.dir, stem(video)+".mp4")

		err := p.ensure(ctx, KindConverted, target, 0, 0, func() []string {
			return []string{"-y", "-loglevel", "error",
				"-i", video,
				"-threads", strconv.Itoa(p.threads()),
				target}
		})
		if err != nil {
			return "", err
		}

		video = target
	}

	if p.cfg.Rescale {
		input := video
		target := filepath.Join(p.dir, scaledPrefix+stem(video)+".mp4")

		err := p.ensure(ctx, KindScaled, target, p.cfg.Width, p.cfg.Height, func() []string {
			return []string{"-y", "-loglevel", "error",
				"-i", input,
				"-threads", strconv.Itoa(p.threads()),
				"-vf", fmt.Sprintf("scale=%d:%d", p.cfg.Width, p.cfg.Height),
				target}
		})
		if err != nil {
			return "", err
		}

		video = target
	}

	return video, nil
}

func (p *preparer) audio(ctx context.Context) (string, error) {
	target := filepath.Join(p.dir, stem(p.source)+".wav")

	err := p.ensure(ctx, KindAudio, target, 0, 0, func() []string {
		return []string{"-y", "-loglevel", "error",
			"-i", p.source,
			"-vn",
			"-acodec", "pcm_s16le",
			target}
	})
	if err != nil {
		return "", err
	}

	return target, nil
}

func (p *preparer) threads() int {
	if p.cfg.Threads <= 0 {
		return 1
	}

	return p.cfg.Threads
}

// ensure reuses target when its index entry is fresh and
// regenerates it otherwise. Width and height are checked
// for rescaled files only.
func (p *preparer) ensure(ctx context.Context, kind Kind, target string, width, height int, args func() []string) error {
	logger := p.cfg.Logger.With().
		Str("kind", string(kind)).
		Str("target", target).
		Logger()

	src, err := os.Stat(p.source)
	if err != nil {
		return fmt.Errorf("couldn't stat %s: %w", p.source, err)
	}

	entry, ok, err := p.idx.Lookup(ctx, p.source, kind)
	if err != nil {
		return err
	}

	if ok && p.fresh(ctx, entry, src, target, width, height) {
		logger.Debug().Msg("reusing prepared file")
		return nil
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("couldn't remove stale %s: %w", target, err)
	}

	if ok {
		if err := p.idx.Delete(ctx, p.source, kind); err != nil {
			return err
		}
	}

	logger.Info().Msg("preparing file, this is a one-time operation")

	if _, err := p.cfg.Run(ctx, p.cfg.FFmpeg, args()...); err != nil {
		return fmt.Errorf("couldn't prepare %s: %w", target, err)
	}

	if width > 0 && p.cfg.Probe != nil {
		w, h, err := p.cfg.Probe(ctx, target)
		if err != nil {
			return err
		}

		if w != width || h != height {
			return fmt.Errorf("prepared %s is %dx%d, want %dx%d", target, w, h, width, height)
		}
	}

	st, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("couldn't stat %s: %w", target, err)
	}

	return p.idx.Put(ctx, Entry{
		Source:      p.source,
		Kind:        kind,
		Path:        target,
		Width:       width,
		Height:      height,
		Size:        st.Size(),
		ModTime:     st.ModTime(),
		SourceSize:  src.Size(),
		SourceMTime: src.ModTime(),
	})
}

// fresh reports whether the recorded file still matches
// both the source it came from and the requested size.
func (p *preparer) fresh(ctx context.Context, e Entry, src os.FileInfo, target string, width, height int) bool {
	if e.Path != target || e.SourceSize != src.Size() || !e.SourceMTime.Equal(src.ModTime()) {
		return false
	}

	if e.Width != width || e.Height != height {
		return false
	}

	st, err := os.Stat(target)
	if err != nil || st.Size() != e.Size || !st.ModTime().Equal(e.ModTime) {
		return false
	}

	if width > 0 && p.cfg.Probe != nil {
		w, h, err := p.cfg.Probe(ctx, target)
		if err != nil || w != width || h != height {
			return false
		}
	}

	return true
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
