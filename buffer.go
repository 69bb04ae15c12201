package pipeplay

import (
	"errors"
	"io"
	"sync"
)

// FrameSource produces frames in increasing index order.
// A *Session is a FrameSource.
type FrameSource interface {
	ReadFrame() (*Frame, error)
}

// FrameBuffer is a bounded FIFO of decoded frames filled
// ahead of the playback cursor.
//
// It has one producer, either Refill on the caller's
// goroutine or Run on a worker, and one consumer calling Pop.
type FrameBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []*Frame

	maxDepth int
	lowWater int

	ended  bool
	closed bool
	err    error
}

// NewFrameBuffer returns a buffer holding at most maxDepth
// frames and asking for a refill below lowWater frames.
func NewFrameBuffer(maxDepth, lowWater int) *FrameBuffer {
	if maxDepth < 1 {
		maxDepth = 1
	}

	if lowWater < 1 {
		lowWater = 1
	}

	if lowWater > maxDepth {
		lowWater = maxDepth
	}

	b := &FrameBuffer{
		frames:   make([]*Frame, 0, maxDepth),
		maxDepth: maxDepth,
		lowWater: lowWater,
	}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// MaxDepth returns the capacity of the buffer.
func (b *FrameBuffer) MaxDepth() int {
	return b.maxDepth
}

// Len returns the number of queued frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.frames)
}

// Ended reports whether the source has no more frames.
func (b *FrameBuffer) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.ended
}

// Err returns the error that ended the stream, if it
// wasn't a natural end. Mid-stream starvation of the
// decoder counts as a natural end.
func (b *FrameBuffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.err
}

// NeedsRefill reports whether the depth fell below
// the low-water mark on a stream that hasn't ended.
func (b *FrameBuffer) NeedsRefill() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return !b.ended && !b.closed && len(b.frames) < b.lowWater
}

// Refill reads frames from src until the buffer holds
// target frames, reaches its maximum depth or the stream
// ends. It returns the error recorded by Err.
func (b *FrameBuffer) Refill(src FrameSource, target int) error {
	if target > b.maxDepth {
		target = b.maxDepth
	}

	for {
		b.mu.Lock()
		done := b.closed || b.ended || len(b.frames) >= target
		b.mu.Unlock()

		if done {
			return b.Err()
		}

		frame, err := src.ReadFrame()
		if !b.push(frame, err) {
			return b.Err()
		}
	}
}

// Run fills the buffer from src until the stream ends or
// the buffer is closed. It sleeps while the depth is at or
// above the low-water mark and then fills to maximum depth.
func (b *FrameBuffer) Run(src FrameSource) {
	for {
		b.mu.Lock()
		for !b.closed && !b.ended && len(b.frames) >= b.lowWater {
			b.cond.Wait()
		}

		if b.closed || b.ended {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		for {
			frame, err := src.ReadFrame()
			if !b.push(frame, err) {
				return
			}

			b.mu.Lock()
			full := b.closed || len(b.frames) >= b.maxDepth
			b.mu.Unlock()

			if full {
				break
			}
		}
	}
}

// push queues the result of one read. It returns
// false once no more frames should be read.
func (b *FrameBuffer) push(frame *Frame, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.ended = true

		var starved *DecoderStarvedError
		switch {
		case errors.Is(err, io.EOF):
		case errors.As(err, &starved) && !starved.Fatal():
		default:
			b.err = err
		}

		b.cond.Broadcast()
		return false
	}

	if b.closed {
		frame.Release()
		return false
	}

	b.frames = append(b.frames, frame)
	b.cond.Broadcast()

	return true
}

// Pop removes the oldest frame. The caller owns it and
// must release it.
func (b *FrameBuffer) Pop() (*Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return nil, false
	}

	frame := b.frames[0]
	b.frames[0] = nil
	b.frames = b.frames[1:]

	if len(b.frames) < b.lowWater {
		b.cond.Broadcast()
	}

	return frame, true
}

// Close releases every queued frame and wakes the worker.
// Frames read after Close are released on arrival.
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for i, frame := range b.frames {
		frame.Release()
		b.frames[i] = nil
	}

	b.frames = b.frames[:0]
	b.cond.Broadcast()
}
