package pipeplay

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// sliceSource yields frames first..last-1 and then err.
type sliceSource struct {
	mu   sync.Mutex
	pool *framePool
	next int
	last int
	err  error
	// reads counts ReadFrame calls.
	reads int
}

func newSliceSource(n int, err error) *sliceSource {
	if err == nil {
		err = io.EOF
	}

	return &sliceSource{
		pool: newFramePool(testResolution.FrameSize()),
		last: n,
		err:  err,
	}
}

func (s *sliceSource) ReadFrame() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if s.next >= s.last {
		return nil, s.err
	}

	f := s.pool.get(s.next, testResolution)
	s.next++

	return f, nil
}

func (s *sliceSource) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reads
}

func TestRefillStopsAtTargetAndDepth(t *testing.T) {
	src := newSliceSource(100, nil)
	b := NewFrameBuffer(8, 3)

	if err := b.Refill(src, 5); err != nil {
		t.Fatalf("refill failed: %v", err)
	}

	if b.Len() != 5 || b.NeedsRefill() {
		t.Fatalf("len=%d needsRefill=%v, want 5 and false", b.Len(), b.NeedsRefill())
	}

	b.Refill(src, 50)
	if b.Len() != 8 {
		t.Fatalf("len=%d, want the maximum depth 8", b.Len())
	}

	for want := 0; want < 6; want++ {
		f, ok := b.Pop()
		if !ok || f.Index != want {
			t.Fatalf("popped %v, want frame %d", f, want)
		}
		f.Release()
	}

	if !b.NeedsRefill() {
		t.Fatalf("2 frames left below the low-water mark, no refill asked")
	}

	b.Close()
	if src.pool.outstanding() != 0 {
		t.Fatalf("%d frames not released by close", src.pool.outstanding())
	}

	if _, ok := b.Pop(); ok {
		t.Fatalf("popped from a closed buffer")
	}
}

func TestRefillMarksEndOfStream(t *testing.T) {
	starved := &DecoderStarvedError{Produced: 3, Got: 5, Want: 24}
	fatal := &DecoderStarvedError{Produced: 0}
	other := errors.New("read failed")

	for _, tc := range []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "eof", err: io.EOF},
		{name: "mid-stream starvation", err: starved},
		{name: "first frame starvation", err: fatal, wantErr: fatal},
		{name: "read error", err: other, wantErr: other},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := newSliceSource(3, tc.err)
			b := NewFrameBuffer(8, 2)

			err := b.Refill(src, 8)
			if err != tc.wantErr || b.Err() != tc.wantErr {
				t.Fatalf("refill=%v err=%v, want %v", err, b.Err(), tc.wantErr)
			}

			if !b.Ended() || b.Len() != 3 || b.NeedsRefill() {
				t.Fatalf("ended=%v len=%d needsRefill=%v", b.Ended(), b.Len(), b.NeedsRefill())
			}

			reads := src.readCount()
			b.Refill(src, 8)
			if src.readCount() != reads {
				t.Fatalf("read from an ended stream")
			}

			b.Close()
		})
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunFillsBelowLowWater(t *testing.T) {
	src := newSliceSource(1000, nil)
	b := NewFrameBuffer(6, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(src)
	}()

	waitFor(t, 5*time.Second, func() bool { return b.Len() == 6 })

	reads := src.readCount()

	// Popping down to the low-water mark doesn't wake the worker.
	for i := 0; i < 4; i++ {
		f, _ := b.Pop()
		f.Release()
	}

	time.Sleep(20 * time.Millisecond)
	if src.readCount() != reads || b.Len() != 2 {
		t.Fatalf("worker read at the low-water mark: len=%d", b.Len())
	}

	f, _ := b.Pop()
	f.Release()

	waitFor(t, 5*time.Second, func() bool { return b.Len() == 6 })

	next := 5
	for i := 0; i < 6; i++ {
		f, ok := b.Pop()
		if !ok || f.Index != next {
			t.Fatalf("popped %v, want frame %d", f, next)
		}

		f.Release()
		next++
	}

	b.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker didn't exit on close")
	}

	if src.pool.outstanding() != 0 {
		t.Fatalf("%d frames leaked", src.pool.outstanding())
	}
}

func TestRunStopsAtEndOfStream(t *testing.T) {
	src := newSliceSource(10, nil)
	b := NewFrameBuffer(4, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(src)
	}()

	got := 0
	deadline := time.Now().Add(5 * time.Second)

	for got < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("got %d frames, want 10", got)
		}

		f, ok := b.Pop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}

		if f.Index != got {
			t.Fatalf("popped frame %d, want %d", f.Index, got)
		}

		f.Release()
		got++
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker didn't exit at end of stream")
	}

	if !b.Ended() || b.Err() != nil {
		t.Fatalf("ended=%v err=%v", b.Ended(), b.Err())
	}
}

func TestNewFrameBufferClampsMarks(t *testing.T) {
	b := NewFrameBuffer(0, 10)
	if b.MaxDepth() != 1 || b.lowWater != 1 {
		t.Fatalf("max=%d low=%d, want 1 and 1", b.MaxDepth(), b.lowWater)
	}
}
