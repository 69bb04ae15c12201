package pipeplay

import (
	"sync"
)

// Frame is one decoded RGB24 video frame.
//
// Frames are owned by exactly one holder at a time: the
// session hands them to the buffer, the buffer to the player.
// Release must be called once the frame is presented or
// skipped; later calls are no-ops.
type Frame struct {
	// Index is the absolute frame index in the media file.
	Index int
	// Width in pixels.
	Width int
	// Height in pixels.
	Height int
	// Data holds Width*Height*3 bytes of RGB pixels.
	Data []byte

	pool *framePool
}

// Release returns the pixel buffer to its pool.
func (f *Frame) Release() {
	if f == nil || f.pool == nil {
		return
	}

	f.pool.put(f.Data)
	f.pool = nil
	f.Data = nil
}

// framePool recycles pixel buffers of one fixed size.
type framePool struct {
	size int
	pool sync.Pool

	mu       sync.Mutex
	inFlight int
}

func newFramePool(size int) *framePool {
	p := &framePool{size: size}
	p.pool.New = func() any {
		return make([]byte, size)
	}

	return p
}

func (p *framePool) get(index int, res Resolution) *Frame {
	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()

	return &Frame{
		Index:  index,
		Width:  res.Width,
		Height: res.Height,
		Data:   p.pool.Get().([]byte),
		pool:   p,
	}
}

func (p *framePool) put(b []byte) {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()

	if len(b) == p.size {
		p.pool.Put(b)
	}
}

// outstanding returns the number of frames taken
// from the pool and not released yet.
func (p *framePool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inFlight
}
