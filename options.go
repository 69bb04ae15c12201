package pipeplay

import (
	"image"
	"time"

	"github.com/rs/zerolog"
)

// PrefetchMode selects who fills the frame buffer.
type PrefetchMode int

const (
	// PrefetchAsync fills the buffer on a worker
	// goroutine, one per decoder session.
	PrefetchAsync PrefetchMode = iota
	// PrefetchSync refills the buffer inside Tick
	// whenever it falls below the low-water mark.
	PrefetchSync
)

// String returns the name of the mode.
func (m PrefetchMode) String() string {
	switch m {
	case PrefetchAsync:
		return "async"
	case PrefetchSync:
		return "sync"
	}

	return "unknown"
}

const (
	// DefaultMaxDepth is the default frame buffer capacity.
	DefaultMaxDepth = 24
	// DefaultLowWater is the default refill threshold.
	DefaultLowWater = 8
	// DefaultThreads is the default decoder thread hint.
	DefaultThreads = 4
)

// Options contains the options for the player.
type Options struct {
	// Logger receives the player logs. Nothing is logged when nil.
	Logger *zerolog.Logger

	// Tools holds explicit ffmpeg and ffprobe paths.
	// When nil they're looked up in ToolsDir and PATH.
	Tools *Tools
	// ToolsDir is searched for the binaries before PATH.
	ToolsDir string
	// Spawner starts decoder processes. ExecSpawner by default.
	Spawner Spawner
	// Runner runs the probe command. RunCommand by default.
	Runner CommandRunner

	// Resolution frames are decoded at. The media
	// resolution is used when zero.
	Resolution Resolution
	// Position of the top-left corner of the frames on the surface.
	Position image.Point
	// Interpolation used when the display resolution
	// differs from the decode resolution.
	Interpolation InterpolationAlgorithm
	// Threads is the decoder thread count hint.
	Threads int

	// Prefetch selects how the frame buffer is filled.
	Prefetch PrefetchMode
	// MaxDepth bounds the number of buffered frames.
	MaxDepth int
	// LowWater is the depth below which the buffer is refilled.
	LowWater int
	// StopGrace is how long a decoder gets to exit before it's killed.
	StopGrace time.Duration

	// NoSound plays the video without any audio track.
	NoSound bool
	// AudioPath is the companion WAV file. It defaults to
	// the media path with a .wav extension.
	AudioPath string
	// StreamAudio streams the audio from disk instead
	// of decoding it into memory.
	StreamAudio bool
	// AudioOutput plays the audio. The speaker by default.
	AudioOutput Output
	// Muted starts the player muted.
	Muted bool

	// CacheDir enables preprocessing. Converted, rescaled
	// and extracted files are kept there between runs.
	CacheDir string
	// Convert re-encodes non-mp4 sources to mp4.
	Convert bool
	// Rescale re-encodes the source at Resolution once
	// so decoding doesn't scale every frame.
	Rescale bool

	// Metrics receives playback metrics when set.
	Metrics *Metrics
}

// withDefaults returns a copy of the options
// with the zero fields filled in.
func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}

	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}

	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}

	if opts.Runner == nil {
		opts.Runner = RunCommand
	}

	if opts.Threads <= 0 {
		opts.Threads = DefaultThreads
	}

	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}

	if opts.LowWater <= 0 {
		opts.LowWater = DefaultLowWater
	}

	if opts.LowWater > opts.MaxDepth {
		opts.LowWater = opts.MaxDepth
	}

	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}

	return opts
}
