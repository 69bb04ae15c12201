package pipeplay

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/erparts/pipeplay/internal/prepare"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// State is the playback state of a player.
type State int

const (
	Stopped State = iota
	Playing
	Paused
	// Seeking is held only while the decoder
	// session is being replaced.
	Seeking
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Seeking:
		return "seeking"
	}

	return "unknown"
}

// Stats are the counters of a player.
type Stats struct {
	// Presented is the number of frames presented.
	Presented int
	// Skipped is the number of frames discarded to catch up.
	Skipped int
	// Starved is the number of ticks that found no frame ready.
	Starved int
	// Sessions is the number of decoder sessions opened.
	Sessions int
	// BufferDepth is the number of frames queued.
	BufferDepth int
}

// Player plays a video file with its audio track.
//
// A player is driven by one goroutine: the host calls Tick
// and then Present once per frame of its render loop. None
// of the methods are safe for concurrent use.
type Player struct {
	ctx     context.Context
	opts    Options
	tools   Tools
	path    string
	meta    Metadata
	logger  zerolog.Logger
	metrics *Metrics
	audio   AudioTrack
	pool    *framePool

	decodeRes  Resolution
	displayRes Resolution
	position   image.Point
	volume     float64
	muted      bool

	session *Session
	buffer  *FrameBuffer
	worker  chan struct{}

	state   State
	anchor  float64
	elapsed time.Duration
	cursor  float64
	last    int
	rewind  bool

	frame  *VideoFrame
	scaled *image.RGBA
	// scaledIndex is the frame index scaled holds, -1 if none.
	scaledIndex int

	stats  Stats
	closed bool
}

// Open opens the media file with the default options.
func Open(filename string) (*Player, error) {
	return OpenWithOptions(context.Background(), filename, &Options{})
}

// OpenWithOptions opens the media file: the tools are
// located, the file is preprocessed if requested, probed,
// its audio loaded and the first frame decoded. The
// context bounds the construction only.
func OpenWithOptions(ctx context.Context, filename string, opts *Options) (*Player, error) {
	o := opts.withDefaults()
	logger := o.Logger.With().Str("file", filename).Logger()

	fail := func(err error) (*Player, error) {
		logger.Error().Err(err).Msg("couldn't open the media")
		return nil, &ConstructionError{File: filename, Err: err}
	}

	if st, err := os.Stat(filename); err != nil {
		return fail(err)
	} else if st.IsDir() {
		return fail(fmt.Errorf("%s is a directory", filename))
	}

	if o.Resolution != (Resolution{}) && !o.Resolution.Valid() {
		return fail(fmt.Errorf("%w: %s", ErrInvalidResolution, o.Resolution))
	}

	var tools Tools
	if o.Tools != nil {
		tools = *o.Tools
	} else {
		found, err := FindTools(o.ToolsDir)
		if err != nil {
			return fail(err)
		}

		tools = found
	}

	video, audioPath := filename, o.AudioPath
	if audioPath == "" {
		audioPath = strings.TrimSuffix(filename, filepath.Ext(filename)) + ".wav"
	}

	if o.CacheDir != "" {
		res, err := prepare.Prepare(ctx, prepare.Config{
			Source:   filename,
			CacheDir: o.CacheDir,
			FFmpeg:   tools.FFmpeg,
			Threads:  o.Threads,
			Convert:  o.Convert,
			Rescale:  o.Rescale && o.Resolution.Valid(),
			Width:    o.Resolution.Width,
			Height:   o.Resolution.Height,
			Audio:    !o.NoSound && o.AudioPath == "",
			Run:      prepare.Runner(o.Runner),
			Probe: func(ctx context.Context, path string) (int, int, error) {
				meta, err := ProbeWith(ctx, o.Runner, tools.FFprobe, path)
				return meta.Resolution.Width, meta.Resolution.Height, err
			},
			Logger: logger,
		})
		if err != nil {
			return fail(err)
		}

		video = res.Video
		if res.Audio != "" {
			audioPath = res.Audio
		}
	}

	meta, err := ProbeWith(ctx, o.Runner, tools.FFprobe, video)
	if err != nil {
		return fail(err)
	}

	var audio AudioTrack
	if !o.NoSound {
		out := o.AudioOutput
		if out == nil {
			out = NewSpeakerOutput(DefaultSampleRate, DefaultSpeakerBuffer)
		}

		if o.StreamAudio {
			audio, err = OpenStreamTrack(audioPath, out)
		} else {
			audio, err = LoadSampleTrack(audioPath, out)
		}

		if err != nil {
			return fail(err)
		}
	}

	p, err := newPlayer(ctx, tools, meta, audio, o)
	if err != nil {
		if audio != nil {
			audio.Close()
		}

		return fail(err)
	}

	return p, nil
}

// newPlayer builds a player over probed metadata and
// opens the first decoder session.
func newPlayer(ctx context.Context, tools Tools, meta Metadata, audio AudioTrack, o Options) (*Player, error) {
	res := meta.Resolution
	if o.Resolution.Valid() {
		res = o.Resolution
	}

	p := &Player{
		ctx:         context.WithoutCancel(ctx),
		opts:        o,
		tools:       tools,
		path:        meta.Path,
		meta:        meta,
		metrics:     o.Metrics,
		audio:       audio,
		pool:        newFramePool(res.FrameSize()),
		decodeRes:   res,
		displayRes:  res,
		position:    o.Position,
		volume:      1,
		muted:       o.Muted,
		state:       Stopped,
		last:        -1,
		scaledIndex: -1,
	}

	p.logger = o.Logger.With().
		Str("file", meta.Path).
		Float64("fps", meta.FrameRate).
		Int("total_frames", meta.TotalFrames).
		Logger()

	if audio != nil {
		audio.SetMuted(o.Muted)
	}

	if err := p.openAt(ctx, 0, 0); err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("resolution", res.String()).
		Str("prefetch", o.Prefetch.String()).
		Bool("sound", audio != nil).
		Msg("media opened")

	return p, nil
}

// openAt replaces the decoder session with one starting at
// frame start and presents its first frame. The cursor is
// anchored at cursor frames.
func (p *Player) openAt(ctx context.Context, start int, cursor float64) error {
	p.closeSession()

	sess, err := openSession(ctx, sessionConfig{
		spawner:    p.opts.Spawner,
		ffmpeg:     p.tools.FFmpeg,
		path:       p.path,
		meta:       p.meta,
		resolution: p.decodeRes,
		start:      start,
		threads:    p.opts.Threads,
		grace:      p.opts.StopGrace,
		pool:       p.pool,
		logger:     p.logger,
	})
	if err != nil {
		p.metrics.spawnFailed()
		return err
	}

	p.metrics.sessionOpened()
	p.stats.Sessions++

	buf := NewFrameBuffer(p.opts.MaxDepth, p.opts.LowWater)

	prime := 1
	if p.opts.Prefetch == PrefetchSync {
		prime = p.opts.MaxDepth
	}

	if err := buf.Refill(sess, prime); err != nil || buf.Len() == 0 {
		buf.Close()
		sess.Close()

		if err == nil {
			err = &DecoderStarvedError{StartFrame: start, Want: p.decodeRes.FrameSize()}
		}

		return err
	}

	p.session = sess
	p.buffer = buf

	if p.opts.Prefetch == PrefetchAsync {
		done := make(chan struct{})
		go func() {
			defer close(done)
			buf.Run(sess)
		}()

		p.worker = done
	}

	frame, _ := buf.Pop()
	p.present(frame)

	p.anchor = cursor
	p.elapsed = 0
	p.cursor = cursor
	p.metrics.depth(buf.Len())

	return nil
}

// closeSession tears down the buffer, then the
// decoder, then joins the worker.
func (p *Player) closeSession() error {
	if p.session == nil {
		return nil
	}

	p.buffer.Close()
	err := p.session.Close()

	if p.worker != nil {
		<-p.worker
		p.worker = nil
	}

	p.session = nil
	p.buffer = nil
	p.metrics.depth(0)

	return err
}

// present makes the frame the current one and releases it.
func (p *Player) present(frame *Frame) {
	p.frame = newVideoFrame(p.frame, frame)
	p.last = frame.Index
	frame.Release()

	p.stats.Presented++
	p.metrics.presented()
}

// nextFrame pops the oldest buffered frame. In sync
// mode an empty buffer is refilled first.
func (p *Player) nextFrame() (*Frame, bool) {
	if p.buffer == nil {
		return nil, false
	}

	frame, ok := p.buffer.Pop()
	if ok || p.opts.Prefetch != PrefetchSync || p.buffer.Ended() {
		return frame, ok
	}

	p.buffer.Refill(p.session, p.opts.MaxDepth)
	return p.buffer.Pop()
}

// Tick advances the playback clock by elapsed and
// presents the frame due at the new cursor. It does
// nothing unless the player is playing.
func (p *Player) Tick(elapsed time.Duration) {
	if p.closed || p.state != Playing || elapsed < 0 {
		return
	}

	total := float64(p.meta.TotalFrames)

	p.elapsed += elapsed
	p.cursor = p.anchor + p.elapsed.Seconds()*p.meta.FrameRate
	if p.cursor > total {
		p.cursor = total
	}

	if p.opts.Prefetch == PrefetchSync && p.buffer != nil && p.buffer.NeedsRefill() {
		p.buffer.Refill(p.session, p.opts.MaxDepth)
	}

	if p.cursor >= total && p.last >= p.meta.TotalFrames-1 {
		p.drain()
		p.endOfStream()
		return
	}

	due := int(math.Floor(p.cursor))
	if due <= p.last {
		return
	}

	if due >= p.meta.TotalFrames {
		p.drain()
		p.endOfStream()
		return
	}

	var pending *Frame
	skipped := 0

	for {
		frame, ok := p.nextFrame()
		if !ok {
			break
		}

		if pending != nil {
			pending.Release()
			skipped++
		}

		pending = frame
		if frame.Index >= due {
			break
		}
	}

	p.stats.Skipped += skipped
	p.metrics.skipped(skipped)

	if pending == nil {
		if p.buffer == nil || p.buffer.Ended() {
			p.endOfStream()
			return
		}

		p.starved(due)
		return
	}

	p.present(pending)

	if p.last < due {
		// Ran dry while catching up.
		if p.buffer.Ended() && p.buffer.Len() == 0 {
			p.endOfStream()
			return
		}

		p.starved(due)
	}

	p.metrics.depth(p.buffer.Len())
}

func (p *Player) starved(due int) {
	p.stats.Starved++
	p.metrics.starved()

	p.logger.Debug().
		Int("due", due).
		Int("holding", p.last).
		Msg("frame buffer starved")
}

// drain presents the newest remaining frame of the stream.
func (p *Player) drain() {
	var newest *Frame
	skipped := 0

	for {
		frame, ok := p.nextFrame()
		if !ok {
			break
		}

		if newest != nil {
			newest.Release()
			skipped++
		}

		newest = frame
	}

	p.stats.Skipped += skipped
	p.metrics.skipped(skipped)

	if newest != nil {
		p.present(newest)
	}
}

// endOfStream stops the playback once the stream is over.
// The last frame stays presentable.
func (p *Player) endOfStream() {
	p.logger.Debug().Int("last", p.last).Msg("end of stream")

	p.closeSession()
	p.leavePlaying(Stopped)
	p.rewind = true
}

// enterPlaying switches to Playing and starts the
// audio at the cursor unless it's already playing.
func (p *Player) enterPlaying() {
	p.state = Playing

	if p.audio == nil || p.audio.IsPlaying() || p.audio.IsMuted() {
		return
	}

	p.audio.SetPosition(p.cursor / p.meta.FrameRate)
	if err := p.audio.Play(); err != nil {
		p.logger.Warn().Err(err).Msg("couldn't start the audio")
	}
}

// leavePlaying switches to state and stops the audio.
func (p *Player) leavePlaying(state State) {
	p.state = state

	if p.audio != nil && p.audio.IsPlaying() {
		p.audio.Stop()
	}
}

// Play starts the playback. A stopped player restarts
// from the beginning after Stop or the end of the stream.
// A paused player is unpaused.
func (p *Player) Play() error {
	if p.closed {
		return ErrClosed
	}

	switch p.state {
	case Playing:
		return nil

	case Paused:
		return p.Unpause()
	}

	if p.rewind {
		if err := p.openAt(p.ctx, 0, 0); err != nil {
			return p.failSession(err)
		}

		p.rewind = false
	} else if p.session == nil {
		start := p.last
		if start < 0 {
			start = 0
		}

		if err := p.openAt(p.ctx, start, float64(start)); err != nil {
			return p.failSession(err)
		}
	}

	p.enterPlaying()
	p.logger.Debug().Float64("cursor", p.cursor).Msg("playing")

	return nil
}

// Pause pauses the playback and releases the decoder.
// It's a no-op unless the player is playing.
func (p *Player) Pause() {
	if p.closed || p.state != Playing {
		return
	}

	p.leavePlaying(Paused)
	p.closeSession()

	p.logger.Debug().Int("last", p.last).Msg("paused")
}

// Unpause resumes a paused playback from the
// last presented frame.
func (p *Player) Unpause() error {
	if p.closed {
		return ErrClosed
	}

	if p.state != Paused {
		return nil
	}

	if p.session == nil {
		start := p.last
		if start < 0 {
			start = 0
		}

		if err := p.openAt(p.ctx, start, float64(start)); err != nil {
			return p.failSession(err)
		}
	}

	p.enterPlaying()
	p.logger.Debug().Float64("cursor", p.cursor).Msg("unpaused")

	return nil
}

// Stop stops the playback and releases the decoder.
// The next Play starts from the beginning.
func (p *Player) Stop() {
	if p.closed {
		return
	}

	p.closeSession()
	p.leavePlaying(Stopped)
	p.rewind = true

	p.logger.Debug().Msg("stopped")
}

// SetPosition moves the playback to the offset in seconds,
// clamped to the media. Video and audio are re-anchored at
// the same timestamp and the prior state is restored. When
// the decoder can't be restarted the player is left stopped
// with the last frame presentable.
func (p *Player) SetPosition(seconds float64) error {
	if p.closed {
		return ErrClosed
	}

	began := time.Now()
	prior := p.state
	p.leavePlaying(Seeking)

	total := p.meta.TotalFrames

	target := seconds * p.meta.FrameRate
	if math.IsNaN(target) || target < 0 {
		target = 0
	}

	if target > float64(total) {
		target = float64(total)
	}

	start := int(math.Floor(target))
	if start > total-1 {
		start = total - 1
	}

	if start < 0 {
		start = 0
	}

	if err := p.openAt(p.ctx, start, target); err != nil {
		return p.failSession(err)
	}

	p.rewind = false

	if p.audio != nil {
		p.audio.SetPosition(target / p.meta.FrameRate)
	}

	if prior == Playing {
		p.enterPlaying()
	} else {
		p.state = prior
	}

	took := time.Since(began)
	p.metrics.seek(took)

	p.logger.Debug().
		Float64("seconds", seconds).
		Int("start_frame", start).
		Dur("took", took).
		Msg("seeked")

	return nil
}

// failSession leaves the player stopped after the
// decoder couldn't be (re)started.
func (p *Player) failSession(err error) error {
	p.closeSession()
	p.leavePlaying(Stopped)
	p.rewind = false

	p.logger.Error().Err(err).Msg("decoder session failed")

	return err
}

// Resize sets the resolution frames are presented at.
// The decoder keeps its resolution; frames are rescaled
// before they're drawn.
func (p *Player) Resize(res Resolution) error {
	if !res.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidResolution, res)
	}

	p.displayRes = res
	p.scaledIndex = -1

	return nil
}

// SetScreenPosition moves the top-left corner of
// the presented frames.
func (p *Player) SetScreenPosition(pos image.Point) {
	p.position = pos
}

// ScreenPosition returns the top-left corner of
// the presented frames.
func (p *Player) ScreenPosition() image.Point {
	return p.position
}

// Present draws the current frame onto the surface.
// Nothing is drawn before the first frame.
func (p *Player) Present(surface Surface) error {
	if p.closed {
		return ErrClosed
	}

	img := p.Image()
	if img == nil {
		return nil
	}

	dst := image.Rectangle{
		Min: p.position,
		Max: p.position.Add(img.Rect.Size()),
	}

	return surface.Blit(img, dst)
}

// Image returns the current frame at the display
// resolution, nil before the first frame.
func (p *Player) Image() *image.RGBA {
	if p.frame == nil {
		return nil
	}

	if p.displayRes == p.decodeRes {
		return p.frame.Image()
	}

	if p.scaledIndex != p.frame.Index() || p.scaled == nil {
		p.scaled = rescale(p.scaled, p.frame.Image(), p.displayRes, p.opts.Interpolation.scaler())
		p.scaledIndex = p.frame.Index()
	}

	return p.scaled
}

// Frame returns the current frame at the decode
// resolution, nil before the first frame.
func (p *Player) Frame() *VideoFrame {
	return p.frame
}

// SetVolume sets the audio volume, clamped to [0, 1].
func (p *Player) SetVolume(v float64) {
	p.volume = clampVolume(v)

	if p.audio != nil {
		p.audio.SetVolume(p.volume)
	}
}

// Volume returns the audio volume.
func (p *Player) Volume() float64 {
	return p.volume
}

// Mute stops the audio entirely.
func (p *Player) Mute() {
	p.muted = true

	if p.audio != nil {
		p.audio.SetMuted(true)
	}
}

// Unmute restores the audio. While playing, the audio
// restarts at the video position.
func (p *Player) Unmute() {
	p.muted = false

	if p.audio == nil {
		return
	}

	p.audio.SetMuted(false)
	p.audio.SetVolume(p.volume)

	if p.state == Playing {
		p.enterPlaying()
	}
}

// IsMuted reports whether the audio is muted.
func (p *Player) IsMuted() bool {
	return p.muted
}

// IsPlaying reports whether the player is playing.
func (p *Player) IsPlaying() bool {
	return p.state == Playing
}

// HasSound reports whether the player has an audio track.
func (p *Player) HasSound() bool {
	return p.audio != nil
}

// State returns the playback state.
func (p *Player) State() State {
	return p.state
}

// Metadata returns the probed metadata of the media.
func (p *Player) Metadata() Metadata {
	return p.meta
}

// Resolution returns the display resolution.
func (p *Player) Resolution() Resolution {
	return p.displayRes
}

// Cursor returns the playback position in frames.
func (p *Player) Cursor() float64 {
	return p.cursor
}

// CurrentIndex returns the index of the presented
// frame, -1 before the first frame.
func (p *Player) CurrentIndex() int {
	return p.last
}

// Position returns the playback position.
func (p *Player) Position() time.Duration {
	return time.Duration(p.cursor / p.meta.FrameRate * float64(time.Second))
}

// Stats returns the playback counters.
func (p *Player) Stats() Stats {
	stats := p.stats
	if p.buffer != nil {
		stats.BufferDepth = p.buffer.Len()
	}

	return stats
}

// Close stops the playback and releases the decoder
// and the audio track. It's safe to call many times.
func (p *Player) Close() error {
	if p.closed {
		return nil
	}

	p.closed = true

	var result *multierror.Error

	if err := p.closeSession(); err != nil && !errors.Is(err, os.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("couldn't stop the decoder: %w", err))
	}

	p.leavePlaying(Stopped)

	if p.audio != nil {
		if err := p.audio.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("couldn't close the audio: %w", err))
		}
	}

	p.logger.Info().Msg("media closed")

	return result.ErrorOrNil()
}
