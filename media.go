package pipeplay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// milliRateThreshold is the frame rate above which a
// reported rate is taken to be expressed in milli-units.
const milliRateThreshold = 1000

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Valid reports whether both dimensions are positive.
func (r Resolution) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

// FrameSize returns the number of bytes of
// one RGB24 frame at the resolution.
func (r Resolution) FrameSize() int {
	return r.Width * r.Height * 3
}

// String returns the resolution as "WxH".
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Rate is the frame rate fraction as reported by the probe.
type Rate struct {
	Num int64
	Den int64
}

// String returns the rate as "num/den".
func (r Rate) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Metadata is the immutable result of probing a media file.
type Metadata struct {
	// Path of the probed file.
	Path string
	// FrameRate in frames per second, always positive.
	FrameRate float64
	// Rate is the raw fraction the frame rate was derived from.
	Rate Rate
	// Resolution of the video stream.
	Resolution Resolution
	// TotalFrames is the number of frames of the video stream.
	TotalFrames int
	// Duration of the video stream, 0 if unknown.
	Duration time.Duration
}

// FrameDuration returns the time one frame stays on screen.
func (m Metadata) FrameDuration() time.Duration {
	return time.Duration(float64(time.Second) / m.FrameRate)
}

// FrameAt returns the index of the frame
// displayed at the given offset in seconds.
func (m Metadata) FrameAt(seconds float64) int {
	return int(math.Floor(seconds * m.FrameRate))
}

// Seconds returns the offset in seconds of the frame index.
func (m Metadata) Seconds(frame int) float64 {
	return float64(frame) / m.FrameRate
}

// Probe queries ffprobe for the metadata of the file.
func Probe(ctx context.Context, tools Tools, path string) (Metadata, error) {
	return ProbeWith(ctx, RunCommand, tools.FFprobe, path)
}

// ProbeWith is Probe with an explicit command runner.
func ProbeWith(ctx context.Context, run CommandRunner, ffprobe, path string) (Metadata, error) {
	out, err := run(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,duration",
		"-of", "default=noprint_wrappers=1",
		path,
	)
	if err != nil {
		return Metadata{}, &ProbeError{File: path, Err: err}
	}

	meta, err := parseProbe(string(out))
	if err != nil {
		var probeErr *ProbeError
		if errors.As(err, &probeErr) {
			probeErr.File = path
		}

		return Metadata{}, err
	}

	meta.Path = path
	return meta, nil
}

// parseProbe parses the key=value output of ffprobe.
func parseProbe(output string) (Metadata, error) {
	fields := map[string]string{}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		// Only the first stream counts.
		if _, seen := fields[key]; !seen {
			fields[key] = strings.TrimSpace(value)
		}
	}

	var meta Metadata

	width, err := positiveInt(fields, "width")
	if err != nil {
		return Metadata{}, err
	}

	height, err := positiveInt(fields, "height")
	if err != nil {
		return Metadata{}, err
	}

	meta.Resolution = Resolution{Width: width, Height: height}

	rate, fps, err := parseRate(fields["r_frame_rate"])
	if err != nil {
		var avgErr error
		rate, fps, avgErr = parseRate(fields["avg_frame_rate"])
		if avgErr != nil {
			return Metadata{}, &ProbeError{Field: "r_frame_rate", Err: err}
		}
	}

	meta.Rate = rate
	meta.FrameRate = fps

	if d, err := strconv.ParseFloat(fields["duration"], 64); err == nil && d > 0 {
		meta.Duration = time.Duration(d * float64(time.Second))
	}

	frames, err := strconv.Atoi(fields["nb_frames"])
	switch {
	case err == nil && frames > 0:
		meta.TotalFrames = frames

	case meta.Duration > 0:
		meta.TotalFrames = int(math.Round(meta.Duration.Seconds() * meta.FrameRate))

	default:
		return Metadata{}, &ProbeError{Field: "nb_frames",
			Err: fmt.Errorf("missing frame count and duration (%q)", fields["nb_frames"])}
	}

	return meta, nil
}

func positiveInt(fields map[string]string, key string) (int, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, &ProbeError{Field: key, Err: fmt.Errorf("missing")}
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ProbeError{Field: key, Err: err}
	}

	if v <= 0 {
		return 0, &ProbeError{Field: key, Err: fmt.Errorf("non-positive value %d", v)}
	}

	return v, nil
}

// parseRate parses "num/den" or a plain number and returns
// the frame rate in frames per second. Rates above the
// milli-unit threshold are scaled down by 1000.
func parseRate(s string) (Rate, float64, error) {
	if s == "" {
		return Rate{}, 0, fmt.Errorf("missing")
	}

	rate := Rate{Den: 1}

	numStr, denStr, hasDen := strings.Cut(s, "/")

	num, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(strings.TrimSpace(numStr), 64)
		if ferr != nil || hasDen {
			return Rate{}, 0, fmt.Errorf("invalid rate %q", s)
		}

		// Fractional rates without a denominator, e.g. "29.97".
		rate.Num = int64(math.Round(f * 1000))
		rate.Den = 1000
	} else {
		rate.Num = num
	}

	if hasDen {
		den, err := strconv.ParseInt(strings.TrimSpace(denStr), 10, 64)
		if err != nil {
			return Rate{}, 0, fmt.Errorf("invalid rate %q", s)
		}

		rate.Den = den
	}

	if rate.Num <= 0 || rate.Den <= 0 {
		return Rate{}, 0, fmt.Errorf("invalid rate %q", s)
	}

	fps := float64(rate.Num) / float64(rate.Den)
	if fps > milliRateThreshold {
		fps /= 1000
	}

	return rate, fps, nil
}
