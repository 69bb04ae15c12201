package pipeplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultStopGrace is how long a decoder gets to exit
	// after the termination signal before it's killed.
	DefaultStopGrace = 500 * time.Millisecond
	// stderrTailSize bounds the decoder stderr kept for diagnostics.
	stderrTailSize = 4096
)

// Process is a running external program whose
// standard output is consumed as a byte stream.
type Process interface {
	io.Reader
	// Stderr returns the tail of the standard error output.
	Stderr() string
	// Stop terminates the process: a graceful signal first,
	// then a kill once grace has elapsed. It returns after
	// the process has exited and is safe to call many times.
	Stop(grace time.Duration) error
}

// Spawner starts external processes.
type Spawner interface {
	Spawn(ctx context.Context, name string, args []string) (Process, error)
}

// ExecSpawner is the Spawner backed by os/exec.
type ExecSpawner struct{}

// Spawn starts the command with its standard output
// connected to the returned process.
func (ExecSpawner) Spawn(ctx context.Context, name string, args []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("couldn't create the output pipe: %w", err)
	}

	stderr := &tailBuffer{max: stderrTailSize}
	cmd := exec.Command(name, args...)
	cmd.Stdout = pw
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}

	// The child holds its own copy of the write end.
	pw.Close()

	p := &execProcess{
		cmd:    cmd,
		out:    pr,
		stderr: stderr,
		exited: make(chan struct{}),
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	out     *os.File
	stderr  *tailBuffer
	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

func (p *execProcess) Read(b []byte) (int, error) {
	return p.out.Read(b)
}

func (p *execProcess) Stderr() string {
	return p.stderr.String()
}

func (p *execProcess) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
		default:
			// Signal is unsupported on Windows; kill right away there.
			if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				_ = p.cmd.Process.Kill()
			}
		}

		// Unblocks a decoder stuck writing a frame nobody reads.
		p.stopErr = p.out.Close()

		select {
		case <-p.exited:
		case <-time.After(grace):
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
	})

	return p.stopErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}

	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return string(t.buf)
}

// Session is one external decoder process bound to
// a start frame. It produces a forward-only sequence of
// frames and can't be repositioned: seeking means
// closing it and opening a new one.
type Session struct {
	// ID identifies the session in logs.
	ID string

	start int
	limit int
	res   Resolution
	size  int
	eof   bool
	// produced is read by the owner while the prefetch
	// worker reads frames.
	produced atomic.Int64

	proc   Process
	pool   *framePool
	grace  time.Duration
	logger zerolog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

// sessionConfig holds everything needed to open a session.
type sessionConfig struct {
	spawner    Spawner
	ffmpeg     string
	path       string
	meta       Metadata
	resolution Resolution
	start      int
	threads    int
	grace      time.Duration
	pool       *framePool
	logger     zerolog.Logger
}

// decoderArgs builds the ffmpeg arguments producing raw
// RGB24 frames from start on its standard output.
func decoderArgs(path string, meta Metadata, res Resolution, start, limit, threads int) []string {
	return []string{
		"-loglevel", "fatal",
		"-ss", strconv.FormatFloat(meta.Seconds(start), 'f', 3, 64),
		"-i", path,
		"-threads", strconv.Itoa(threads),
		"-vf", fmt.Sprintf("scale=%d:%d", res.Width, res.Height),
		"-vframes", strconv.Itoa(limit),
		"-f", "image2pipe",
		"-pix_fmt", "rgb24",
		"-vcodec", "rawvideo",
		"-",
	}
}

// SessionOptions tunes a standalone decoder session.
type SessionOptions struct {
	// Threads is the decoder thread count hint.
	Threads int
	// Grace is how long Close waits for the decoder to exit.
	Grace  time.Duration
	Logger zerolog.Logger
}

// OpenSession spawns a decoder producing frames of meta.Path
// at resolution res, starting at frame start.
func OpenSession(ctx context.Context, spawner Spawner, tools Tools, meta Metadata, res Resolution, start int, opts SessionOptions) (*Session, error) {
	if !res.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResolution, res)
	}

	if opts.Threads <= 0 {
		opts.Threads = DefaultThreads
	}

	return openSession(ctx, sessionConfig{
		spawner:    spawner,
		ffmpeg:     tools.FFmpeg,
		path:       meta.Path,
		meta:       meta,
		resolution: res,
		start:      start,
		threads:    opts.Threads,
		grace:      opts.Grace,
		pool:       newFramePool(res.FrameSize()),
		logger:     opts.Logger,
	})
}

// openSession spawns a decoder positioned at cfg.start.
func openSession(ctx context.Context, cfg sessionConfig) (*Session, error) {
	limit := cfg.meta.TotalFrames - cfg.start
	if limit < 1 {
		limit = 1
	}

	grace := cfg.grace
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	s := &Session{
		ID:    uuid.NewString(),
		start: cfg.start,
		limit: limit,
		res:   cfg.resolution,
		size:  cfg.resolution.FrameSize(),
		pool:  cfg.pool,
		grace: grace,
	}

	s.logger = cfg.logger.With().
		Str("session", s.ID).
		Int("start_frame", cfg.start).
		Logger()

	args := decoderArgs(cfg.path, cfg.meta, cfg.resolution, cfg.start, limit, cfg.threads)

	proc, err := cfg.spawner.Spawn(ctx, cfg.ffmpeg, args)
	if err != nil {
		s.logger.Error().Err(err).Msg("decoder spawn failed")
		return nil, &DecoderSpawnError{StartFrame: cfg.start, Err: err}
	}

	s.proc = proc
	s.logger.Debug().
		Int("frame_limit", limit).
		Str("resolution", cfg.resolution.String()).
		Msg("decoder session opened")

	return s, nil
}

// StartFrame returns the index of the first frame of the session.
func (s *Session) StartFrame() int {
	return s.start
}

// Produced returns the number of frames read so far.
func (s *Session) Produced() int {
	return int(s.produced.Load())
}

// ReadFrame reads the next frame. It returns io.EOF once
// the stream has ended and a *DecoderStarvedError when the
// decoder delivered a partial frame or no frame at all.
func (s *Session) ReadFrame() (*Frame, error) {
	if s.eof || s.closed.Load() {
		return nil, io.EOF
	}

	produced := int(s.produced.Load())
	if produced >= s.limit {
		s.eof = true
		return nil, io.EOF
	}

	frame := s.pool.get(s.start+produced, s.res)

	n, err := io.ReadFull(s.proc, frame.Data)
	if err != nil {
		frame.Release()
		s.eof = true

		if s.closed.Load() {
			return nil, io.EOF
		}

		if n == 0 && errors.Is(err, io.EOF) && produced > 0 {
			s.logger.Debug().Int("produced", produced).Msg("decoder stream ended")
			return nil, io.EOF
		}

		starved := &DecoderStarvedError{
			StartFrame: s.start,
			Produced:   produced,
			Got:        n,
			Want:       s.size,
			Stderr:     s.proc.Stderr(),
		}

		s.logger.Debug().
			Int("produced", produced).
			Int("got", n).
			Bool("fatal", starved.Fatal()).
			Msg("decoder starved")

		return nil, starved
	}

	s.produced.Add(1)
	return frame, nil
}

// Skip reads and discards up to n frames and returns the
// number actually skipped.
func (s *Session) Skip(n int) (int, error) {
	skipped := 0

	for skipped < n {
		frame, err := s.ReadFrame()
		if err != nil {
			return skipped, err
		}

		frame.Release()
		skipped++
	}

	return skipped, nil
}

// Close terminates the decoder process. It's idempotent
// and safe to call after the stream has ended.
func (s *Session) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.closed.Store(true)

		if s.proc == nil {
			return
		}

		err = s.proc.Stop(s.grace)
		s.logger.Debug().Int64("produced", s.produced.Load()).Msg("decoder session closed")
	})

	return err
}
