package pipeplay

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
)

// writeTestWAV writes n stereo 16-bit sample frames at rate.
func writeTestWAV(t *testing.T, path string, rate beep.SampleRate, n int) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	left := n
	tone := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if left == 0 {
			return 0, false
		}

		k := len(samples)
		if k > left {
			k = left
		}

		for i := range samples[:k] {
			samples[i] = [2]float64{0.25, -0.25}
		}

		left -= k
		return k, true
	})

	format := beep.Format{SampleRate: rate, NumChannels: 2, Precision: 2}
	if err := wav.Encode(f, tone, format); err != nil {
		t.Fatalf("couldn't write %s: %v", path, err)
	}
}

type trackOpener func(path string, out Output) (AudioTrack, error)

var trackVariants = map[string]trackOpener{
	"sample": func(path string, out Output) (AudioTrack, error) {
		return LoadSampleTrack(path, out)
	},
	"stream": func(path string, out Output) (AudioTrack, error) {
		return OpenStreamTrack(path, out)
	},
}

func openTestTrack(t *testing.T, open trackOpener, rate beep.SampleRate, n int) (AudioTrack, *fakeOutput) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "clip.wav")
	writeTestWAV(t, path, rate, n)

	out := &fakeOutput{}
	track, err := open(path, out)
	if err != nil {
		t.Fatalf("couldn't open the track: %v", err)
	}

	t.Cleanup(func() {
		track.Close()
	})

	return track, out
}

func TestTrackSetPositionClampsOffset(t *testing.T) {
	for name, open := range trackVariants {
		t.Run(name, func(t *testing.T) {
			track, _ := openTestTrack(t, open, 1000, 1000)

			offsets, ok := track.(interface{ Offset() int })
			if !ok {
				t.Fatalf("track has no offset")
			}

			for _, tc := range []struct {
				seconds  float64
				offset   int
				position time.Duration
			}{
				{seconds: 0.5, offset: 2000, position: 500 * time.Millisecond},
				{seconds: -1, offset: 0, position: 0},
				{seconds: 5, offset: 4000, position: time.Second},
				{seconds: 0.0005, offset: 0, position: 0},
				{seconds: 0.0016, offset: 4, position: time.Millisecond},
			} {
				track.SetPosition(tc.seconds)

				if got := offsets.Offset(); got != tc.offset {
					t.Fatalf("SetPosition(%v): offset %d, want %d", tc.seconds, got, tc.offset)
				}

				if got := track.Position(); got != tc.position {
					t.Fatalf("SetPosition(%v): position %s, want %s", tc.seconds, got, tc.position)
				}
			}
		})
	}
}

func TestTrackRepeatedSeeksUseTheWholeTrack(t *testing.T) {
	for name, open := range trackVariants {
		t.Run(name, func(t *testing.T) {
			track, out := openTestTrack(t, open, 1000, 1000)

			track.SetPosition(0.8)
			if err := track.Play(); err != nil {
				t.Fatalf("play failed: %v", err)
			}

			if got := out.drain(); got != 200 {
				t.Fatalf("played %d samples from 0.8s, want 200", got)
			}

			if track.IsPlaying() {
				t.Fatalf("track still playing after its end")
			}

			track.SetPosition(0.2)
			track.Play()

			if got := out.drain(); got != 800 {
				t.Fatalf("played %d samples from 0.2s, want 800", got)
			}
		})
	}
}

func TestTrackSetPositionStopsWithoutResuming(t *testing.T) {
	for name, open := range trackVariants {
		t.Run(name, func(t *testing.T) {
			track, out := openTestTrack(t, open, 1000, 1000)

			track.Play()
			track.Play()

			if !track.IsPlaying() || out.plays != 1 {
				t.Fatalf("playing=%v plays=%d, want one play", track.IsPlaying(), out.plays)
			}

			track.SetPosition(0.3)

			if track.IsPlaying() || out.stops != 1 {
				t.Fatalf("playing=%v stops=%d after seek, want stopped", track.IsPlaying(), out.stops)
			}
		})
	}
}

func TestTrackMute(t *testing.T) {
	for name, open := range trackVariants {
		t.Run(name, func(t *testing.T) {
			track, out := openTestTrack(t, open, 1000, 1000)

			track.Play()
			track.SetMuted(true)

			if !track.IsMuted() || track.IsPlaying() {
				t.Fatalf("muted=%v playing=%v, want muted and stopped", track.IsMuted(), track.IsPlaying())
			}

			if err := track.Play(); err != nil || out.plays != 1 {
				t.Fatalf("muted track played: plays=%d err=%v", out.plays, err)
			}

			track.SetMuted(false)
			if track.IsPlaying() {
				t.Fatalf("unmute resumed the playback")
			}
		})
	}
}

func TestTrackVolume(t *testing.T) {
	track, out := openTestTrack(t, trackVariants["sample"], 1000, 100)

	for _, tc := range []struct {
		in, want float64
	}{
		{-0.5, 0},
		{1.5, 1},
		{0.5, 0.5},
	} {
		track.SetVolume(tc.in)
		if got := track.Volume(); got != tc.want {
			t.Fatalf("SetVolume(%v): %v, want %v", tc.in, got, tc.want)
		}
	}

	track.Play()

	buf := make([][2]float64, 10)
	out.streamer.Stream(buf)
	// 16-bit quantization keeps the sample just below 0.25.
	if got := buf[0][0]; math.Abs(got-0.125) > 1e-3 {
		t.Fatalf("sample at half volume %v, want 0.125", got)
	}

	track.SetVolume(0)
	out.streamer.Stream(buf)
	if buf[0][0] != 0 {
		t.Fatalf("sample at zero volume %v, want silence", buf[0][0])
	}
}

func TestTrackPlayError(t *testing.T) {
	track, out := openTestTrack(t, trackVariants["sample"], 1000, 100)
	out.err = errors.New("no device")

	if err := track.Play(); err == nil || track.IsPlaying() {
		t.Fatalf("play error %v, playing=%v", err, track.IsPlaying())
	}
}

func TestLoadTrackErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.wav")
	if err := os.WriteFile(garbage, []byte("definitely not RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	for name, open := range trackVariants {
		t.Run(name, func(t *testing.T) {
			_, err := open(filepath.Join(dir, "missing.wav"), &fakeOutput{})

			var loadErr *AudioLoadError
			if !errors.As(err, &loadErr) || !errors.Is(err, ErrNoAudio) {
				t.Fatalf("missing file: %v", err)
			}

			_, err = open(garbage, &fakeOutput{})
			if !errors.As(err, &loadErr) || errors.Is(err, ErrNoAudio) {
				t.Fatalf("garbage file: %v", err)
			}
		})
	}
}

func TestSampleTrackDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeTestWAV(t, path, 8000, 12000)

	track, err := LoadSampleTrack(path, &fakeOutput{})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if track.Len() != 12000 || track.Duration() != 1500*time.Millisecond {
		t.Fatalf("len=%d duration=%s", track.Len(), track.Duration())
	}

	if f := track.Format(); f.NumChannels != 2 || f.Precision != 2 || f.SampleRate != 8000 {
		t.Fatalf("format %+v", f)
	}
}
