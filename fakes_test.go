package pipeplay

import (
	"context"
	"errors"
	"io"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/faiface/beep"
)

// fakeSpawner hands out processes producing synthetic
// frames: every byte of frame i is byte(i).
type fakeSpawner struct {
	mu sync.Mutex

	fps       float64
	frameSize int
	// produce caps the frames a process writes. Nil
	// writes every frame up to the -vframes limit.
	produce func(start, limit int) int
	// partial appends half a frame after the last one.
	partial bool
	// failNext makes the next spawn fail with it.
	failNext error
	// delay is slept before every read.
	delay time.Duration
	// stall blocks reads past the produced frames
	// until the process is stopped.
	stall bool

	calls []fakeCall
	procs []*fakeProcess
}

type fakeCall struct {
	name  string
	args  []string
	start int
	limit int
}

func newFakeSpawner(fps float64, res Resolution) *fakeSpawner {
	return &fakeSpawner{fps: fps, frameSize: res.FrameSize()}
}

func (s *fakeSpawner) Spawn(ctx context.Context, name string, args []string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return nil, err
	}

	start, limit := 0, 0
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-ss":
			sec, _ := strconv.ParseFloat(args[i+1], 64)
			start = int(math.Round(sec * s.fps))
		case "-vframes":
			limit, _ = strconv.Atoi(args[i+1])
		}
	}

	frames := limit
	if s.produce != nil {
		frames = s.produce(start, limit)
	}

	proc := &fakeProcess{
		start:     start,
		frames:    frames,
		frameSize: s.frameSize,
		partial:   s.partial,
		delay:     s.delay,
		stall:     s.stall,
		stopped:   make(chan struct{}),
	}

	s.calls = append(s.calls, fakeCall{name: name, args: args, start: start, limit: limit})
	s.procs = append(s.procs, proc)

	return proc, nil
}

func (s *fakeSpawner) lastCall(t *testing.T) fakeCall {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.calls) == 0 {
		t.Fatalf("no decoder spawned")
	}

	return s.calls[len(s.calls)-1]
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.calls)
}

// running returns the number of processes not stopped yet.
func (s *fakeSpawner) running() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.procs {
		if p.stopCount() == 0 {
			n++
		}
	}

	return n
}

type fakeProcess struct {
	mu        sync.Mutex
	start     int
	frames    int
	frameSize int
	partial   bool
	delay     time.Duration
	stall     bool
	stopped   chan struct{}
	pos       int
	stops     int
}

func (p *fakeProcess) Read(b []byte) (int, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stops > 0 {
		return 0, io.ErrClosedPipe
	}

	end := p.frames * p.frameSize
	if p.partial {
		end += p.frameSize / 2
	}

	if p.pos >= end {
		if !p.stall {
			return 0, io.EOF
		}

		p.mu.Unlock()
		<-p.stopped
		p.mu.Lock()

		return 0, io.ErrClosedPipe
	}

	n := 0
	for n < len(b) && p.pos < end {
		b[n] = byte(p.start + p.pos/p.frameSize)
		n++
		p.pos++
	}

	return n, nil
}

func (p *fakeProcess) Stderr() string {
	return "fake decoder"
}

func (p *fakeProcess) Stop(grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stops++
	if p.stops == 1 {
		close(p.stopped)
	}

	return nil
}

func (p *fakeProcess) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stops
}

// fakeOutput records what the tracks play. Streamers
// are consumed only when the test drains them.
type fakeOutput struct {
	streamer beep.Streamer
	format   beep.Format
	plays    int
	stops    int
	err      error
}

func (o *fakeOutput) Play(s beep.Streamer, format beep.Format) error {
	if o.err != nil {
		return o.err
	}

	o.streamer = s
	o.format = format
	o.plays++

	return nil
}

func (o *fakeOutput) Stop() {
	if o.streamer != nil {
		o.stops++
	}

	o.streamer = nil
}

func (o *fakeOutput) Do(f func()) {
	f()
}

// drain streams the playing streamer to its end and
// returns the number of samples it produced.
func (o *fakeOutput) drain() int {
	if o.streamer == nil {
		return 0
	}

	buf := make([][2]float64, 256)
	total := 0

	for {
		n, ok := o.streamer.Stream(buf)
		total += n
		if !ok {
			break
		}
	}

	o.streamer = nil
	return total
}

// fakeTrack is an AudioTrack recording the calls of the player.
type fakeTrack struct {
	playing  bool
	muted    bool
	volume   float64
	position float64
	plays    int
	stops    int
	closed   bool
	playErr  error
}

func newFakeTrack() *fakeTrack {
	return &fakeTrack{volume: 1}
}

func (t *fakeTrack) Play() error {
	if t.playing || t.muted {
		return nil
	}

	if t.playErr != nil {
		return t.playErr
	}

	t.playing = true
	t.plays++

	return nil
}

func (t *fakeTrack) Stop() {
	if t.playing {
		t.stops++
	}

	t.playing = false
}

func (t *fakeTrack) IsPlaying() bool {
	return t.playing
}

func (t *fakeTrack) SetPosition(seconds float64) {
	t.Stop()
	t.position = seconds
}

func (t *fakeTrack) Position() time.Duration {
	return time.Duration(t.position * float64(time.Second))
}

func (t *fakeTrack) SetVolume(v float64) {
	t.volume = clampVolume(v)
}

func (t *fakeTrack) Volume() float64 {
	return t.volume
}

func (t *fakeTrack) IsMuted() bool {
	return t.muted
}

func (t *fakeTrack) SetMuted(muted bool) {
	t.muted = muted
	if muted {
		t.Stop()
	}
}

func (t *fakeTrack) Close() error {
	t.Stop()
	t.closed = true

	return nil
}

var errSpawn = errors.New("exec: no such file")

var testResolution = Resolution{Width: 4, Height: 2}

func testMetadata(fps float64, total int) Metadata {
	return Metadata{
		Path:        "clip.mp4",
		FrameRate:   fps,
		Rate:        Rate{Num: int64(fps), Den: 1},
		Resolution:  testResolution,
		TotalFrames: total,
		Duration:    time.Duration(float64(total) / fps * float64(time.Second)),
	}
}

// newTestPlayer opens a player over a fake decoder. The
// buffer is filled synchronously unless opts says otherwise.
func newTestPlayer(t *testing.T, meta Metadata, audio AudioTrack, opts Options) (*Player, *fakeSpawner) {
	t.Helper()

	sp := newFakeSpawner(meta.FrameRate, meta.Resolution)
	if opts.Spawner == nil {
		opts.Spawner = sp
	} else if fs, ok := opts.Spawner.(*fakeSpawner); ok {
		sp = fs
	}

	p, err := newPlayer(context.Background(), Tools{FFmpeg: "ffmpeg", FFprobe: "ffprobe"},
		meta, audio, opts.withDefaults())
	if err != nil {
		t.Fatalf("couldn't open the player: %v", err)
	}

	t.Cleanup(func() {
		p.Close()
	})

	return p, sp
}

func syncOptions() Options {
	return Options{Prefetch: PrefetchSync}
}
