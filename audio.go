package pipeplay

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

const (
	// DefaultSampleRate is the rate the speaker
	// is opened with when none is given.
	DefaultSampleRate beep.SampleRate = 44100
	// DefaultSpeakerBuffer is the speaker latency.
	DefaultSpeakerBuffer = 100 * time.Millisecond
	// resampleQuality is the beep.Resample quality.
	resampleQuality = 4
)

// AudioTrack is the audio half of the playback. Both
// in-memory and streamed tracks satisfy it.
type AudioTrack interface {
	// Play starts playback from the current position.
	// It's a no-op when playing or muted.
	Play() error
	// Stop halts playback without moving the position.
	Stop()
	IsPlaying() bool
	// SetPosition stops playback and moves the position
	// to the given offset, clamped to the track. It
	// doesn't resume playback.
	SetPosition(seconds float64)
	Position() time.Duration
	// SetVolume sets the volume, clamped to [0, 1].
	SetVolume(v float64)
	Volume() float64
	IsMuted() bool
	// SetMuted mutes or unmutes the track. Muting stops
	// playback entirely; unmuting doesn't resume it.
	SetMuted(muted bool)
	Close() error
}

// Output plays streamers on an audio device.
type Output interface {
	// Play starts s, replacing whatever was playing.
	Play(s beep.Streamer, format beep.Format) error
	// Stop detaches the playing streamer. Once Stop
	// returns the streamer isn't read anymore.
	Stop()
	// Do runs f while no streamer is being read.
	Do(f func())
}

var (
	speakerOnce sync.Once
	speakerRate beep.SampleRate
	speakerErr  error
)

// SpeakerOutput plays audio through the beep speaker.
// The speaker is initialized once per process with the
// rate of the first output; streams of other rates
// are resampled.
type SpeakerOutput struct {
	rate   beep.SampleRate
	buffer time.Duration

	mu   sync.Mutex
	ctrl *beep.Ctrl
}

// NewSpeakerOutput returns an output opening the
// speaker at rate with the given latency.
func NewSpeakerOutput(rate beep.SampleRate, buffer time.Duration) *SpeakerOutput {
	if rate <= 0 {
		rate = DefaultSampleRate
	}

	if buffer <= 0 {
		buffer = DefaultSpeakerBuffer
	}

	return &SpeakerOutput{rate: rate, buffer: buffer}
}

func (o *SpeakerOutput) init() error {
	speakerOnce.Do(func() {
		speakerRate = o.rate
		speakerErr = speaker.Init(o.rate, o.rate.N(o.buffer))
	})

	if speakerErr != nil {
		return fmt.Errorf("couldn't initialize the speaker: %w", speakerErr)
	}

	return nil
}

// Play implements Output.
func (o *SpeakerOutput) Play(s beep.Streamer, format beep.Format) error {
	if err := o.init(); err != nil {
		return err
	}

	if format.SampleRate != speakerRate {
		s = beep.Resample(resampleQuality, format.SampleRate, speakerRate, s)
	}

	ctrl := &beep.Ctrl{Streamer: s}

	o.mu.Lock()
	speaker.Lock()
	if o.ctrl != nil {
		o.ctrl.Streamer = nil
	}
	o.ctrl = ctrl
	speaker.Unlock()
	o.mu.Unlock()

	speaker.Play(ctrl)
	return nil
}

// Stop implements Output.
func (o *SpeakerOutput) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctrl == nil {
		return
	}

	speaker.Lock()
	o.ctrl.Streamer = nil
	speaker.Unlock()

	o.ctrl = nil
}

// Do implements Output.
func (o *SpeakerOutput) Do(f func()) {
	if o.init() != nil {
		f()
		return
	}

	speaker.Lock()
	defer speaker.Unlock()

	f()
}

// track holds the playback state shared by both
// AudioTrack variants.
type track struct {
	path   string
	out    Output
	format beep.Format
	length int

	// open returns a streamer positioned at the sample frame.
	open func(from int) (beep.StreamSeeker, error)

	from   int
	volume float64
	muted  bool
	live   beep.StreamSeeker
	gain   *effects.Volume

	playing atomic.Bool
	gen     atomic.Uint64
}

func (t *track) Play() error {
	if t.playing.Load() || t.muted {
		return nil
	}

	s, err := t.open(t.from)
	if err != nil {
		return fmt.Errorf("couldn't position %s: %w", t.path, err)
	}

	gen := t.gen.Add(1)
	t.live = s
	t.gain = &effects.Volume{
		Streamer: s,
		Base:     2,
		Volume:   math.Log2(t.volume),
		Silent:   t.volume == 0,
	}

	done := beep.Callback(func() {
		if t.gen.Load() == gen {
			t.playing.Store(false)
		}
	})

	t.playing.Store(true)
	if err := t.out.Play(beep.Seq(t.gain, done), t.format); err != nil {
		t.playing.Store(false)
		return err
	}

	return nil
}

func (t *track) Stop() {
	t.gen.Add(1)
	t.out.Stop()
	t.playing.Store(false)
	t.live = nil
	t.gain = nil
}

func (t *track) IsPlaying() bool {
	return t.playing.Load()
}

func (t *track) SetPosition(seconds float64) {
	t.Stop()
	t.from = sampleOffset(seconds, t.format, t.length)
}

func (t *track) Position() time.Duration {
	pos := t.from
	if live := t.live; live != nil {
		t.out.Do(func() {
			pos = live.Position()
		})
	}

	return t.format.SampleRate.D(pos)
}

// Offset returns the byte offset playback starts at.
func (t *track) Offset() int {
	return t.from * frameBytes(t.format)
}

func (t *track) SetVolume(v float64) {
	t.volume = clampVolume(v)

	if g := t.gain; g != nil {
		volume := t.volume
		t.out.Do(func() {
			g.Volume = math.Log2(volume)
			g.Silent = volume == 0
		})
	}
}

func (t *track) Volume() float64 {
	return t.volume
}

func (t *track) IsMuted() bool {
	return t.muted
}

func (t *track) SetMuted(muted bool) {
	t.muted = muted
	if muted {
		t.Stop()
	}
}

// Format returns the sample format of the track.
func (t *track) Format() beep.Format {
	return t.format
}

// Len returns the length of the track in sample frames.
func (t *track) Len() int {
	return t.length
}

// Duration returns the length of the track.
func (t *track) Duration() time.Duration {
	return t.format.SampleRate.D(t.length)
}

// SampleTrack plays a WAV file decoded fully into memory.
// Every play reads a fresh view of the immutable samples.
type SampleTrack struct {
	track
	buf *beep.Buffer
}

// LoadSampleTrack decodes the WAV file at path.
func LoadSampleTrack(path string, out Output) (*SampleTrack, error) {
	streamer, format, err := decodeWAV(path)
	if err != nil {
		return nil, err
	}
	defer streamer.Close()

	buf := beep.NewBuffer(format)
	buf.Append(streamer)

	if err := streamer.Err(); err != nil {
		return nil, &AudioLoadError{File: path, Err: err}
	}

	t := &SampleTrack{buf: buf}
	t.track = track{
		path:   path,
		out:    out,
		format: format,
		length: buf.Len(),
		volume: 1,
		open: func(from int) (beep.StreamSeeker, error) {
			return buf.Streamer(from, buf.Len()), nil
		},
	}

	return t, nil
}

// Close stops playback.
func (t *SampleTrack) Close() error {
	t.Stop()
	return nil
}

// StreamTrack plays a WAV file straight from disk.
type StreamTrack struct {
	track
	dec beep.StreamSeekCloser
}

// OpenStreamTrack opens the WAV file at path for streaming.
func OpenStreamTrack(path string, out Output) (*StreamTrack, error) {
	dec, format, err := decodeWAV(path)
	if err != nil {
		return nil, err
	}

	t := &StreamTrack{dec: dec}
	t.track = track{
		path:   path,
		out:    out,
		format: format,
		length: dec.Len(),
		volume: 1,
		open: func(from int) (beep.StreamSeeker, error) {
			if err := dec.Seek(from); err != nil {
				return nil, err
			}

			return dec, nil
		},
	}

	return t, nil
}

// Close stops playback and closes the file.
func (t *StreamTrack) Close() error {
	t.Stop()
	return t.dec.Close()
}

func decodeWAV(path string) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: %v", ErrNoAudio, err)
		}

		return nil, beep.Format{}, &AudioLoadError{File: path, Err: err}
	}

	streamer, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return nil, beep.Format{}, &AudioLoadError{File: path, Err: err}
	}

	return streamer, format, nil
}

// frameBytes returns the size of one sample
// frame: every channel at the format precision.
func frameBytes(format beep.Format) int {
	n := format.NumChannels * format.Precision
	if n <= 0 {
		return 1
	}

	return n
}

// sampleOffset converts seconds into a sample frame index.
// The byte offset is clamped to the track and aligned down
// to a whole sample frame.
func sampleOffset(seconds float64, format beep.Format, length int) int {
	if math.IsNaN(seconds) || seconds <= 0 {
		return 0
	}

	size := frameBytes(format)
	total := length * size

	offset := seconds * float64(format.SampleRate) * float64(size)
	if offset >= float64(total) {
		return length
	}

	return int(offset) / size
}

func clampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
