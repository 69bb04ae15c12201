package pipeplay

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound is returned when ffmpeg or ffprobe
	// can't be located.
	ErrToolNotFound = errors.New("pipeplay: tool not found")
	// ErrUnsupportedPlatform is returned on operating
	// systems without a known ffmpeg build.
	ErrUnsupportedPlatform = errors.New("pipeplay: unsupported platform")
	// ErrNoAudio is returned when the media file
	// has no companion decoded audio stream.
	ErrNoAudio = errors.New("pipeplay: no audio stream")
	// ErrInvalidResolution is returned for resolutions
	// with a non-positive dimension.
	ErrInvalidResolution = errors.New("pipeplay: invalid resolution")
	// ErrClosed is returned by operations on a closed player.
	ErrClosed = errors.New("pipeplay: player closed")
)

// ConstructionError is returned by Open when the
// player can't be built. No partial player is returned
// along with it.
type ConstructionError struct {
	File string
	Err  error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("couldn't open %s: %v", e.File, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// ProbeError is returned when the metadata query
// produces missing or unparseable fields.
type ProbeError struct {
	File  string
	Field string
	Err   error
}

func (e *ProbeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("couldn't probe %s: %v", e.File, e.Err)
	}

	return fmt.Sprintf("couldn't probe %s: field %q: %v", e.File, e.Field, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// AudioLoadError is returned when the companion
// audio stream can't be loaded.
type AudioLoadError struct {
	File string
	Err  error
}

func (e *AudioLoadError) Error() string {
	return fmt.Sprintf("couldn't load audio %s: %v", e.File, e.Err)
}

func (e *AudioLoadError) Unwrap() error {
	return e.Err
}

// DecoderSpawnError is returned when the
// external decoder process can't be started.
type DecoderSpawnError struct {
	StartFrame int
	Err        error
}

func (e *DecoderSpawnError) Error() string {
	return fmt.Sprintf("couldn't start the decoder at frame %d: %v", e.StartFrame, e.Err)
}

func (e *DecoderSpawnError) Unwrap() error {
	return e.Err
}

// DecoderStarvedError is returned when a read from the
// decoder yields fewer bytes than one frame. It's fatal
// only when the session hasn't produced any frame yet.
type DecoderStarvedError struct {
	StartFrame int
	Produced   int
	Got        int
	Want       int
	Stderr     string
}

func (e *DecoderStarvedError) Error() string {
	msg := fmt.Sprintf("decoder starved after %d frames (start %d): got %d of %d bytes",
		e.Produced, e.StartFrame, e.Got, e.Want)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}

	return msg
}

// Fatal reports whether the starvation happened
// before the session produced its first frame.
func (e *DecoderStarvedError) Fatal() bool {
	return e.Produced == 0
}
