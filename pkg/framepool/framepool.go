// Package framepool recycles the byte buffers that carry video frames
// through slot pipelines.
package framepool

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrFrameReleased = errors.New("framepool: frame has been released")
	ErrFrameTooLarge = errors.New("framepool: frame exceeds pool buffer size")
)

// DefaultMaxFrameSize fits a 1080p I420 frame.
const DefaultMaxFrameSize = 1920 * 1080 * 3 / 2

type Pool struct {
	frames  sync.Pool
	buffers sync.Pool
	maxSize int
}

func New(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	p := &Pool{maxSize: maxSize}

	p.frames.New = func() interface{} {
		return &Frame{}
	}

	p.buffers.New = func() interface{} {
		buf := make([]byte, 0, 64*1024)
		return &buf
	}

	return p
}

func (p *Pool) MaxSize() int {
	return p.maxSize
}

// Get copies data into a pooled frame holding one reference.
func (p *Pool) Get(data []byte) (*Frame, error) {
	if len(data) > p.maxSize {
		return nil, ErrFrameTooLarge
	}

	f := p.frames.Get().(*Frame) //nolint:forcetypeassert

	buf := p.buffers.Get().(*[]byte) //nolint:forcetypeassert
	*buf = append((*buf)[:0], data...)

	f.mu.Lock()
	f.pool = p
	f.buffer = buf
	f.count = 1
	f.addedTime = time.Now()
	f.mu.Unlock()

	return f, nil
}

func (p *Pool) release(f *Frame) {
	if f.buffer != nil {
		*f.buffer = (*f.buffer)[:0]
		p.buffers.Put(f.buffer)
	}

	f.buffer = nil
	f.Width = 0
	f.Height = 0
	f.Timestamp = time.Time{}
	f.Sequence = 0

	p.frames.Put(f)
}

// Frame is a reference counted frame buffer. The holder of the last
// reference returns it to the pool with Release.
type Frame struct {
	Width     int
	Height    int
	Timestamp time.Time
	Sequence  uint16

	mu        sync.RWMutex
	pool      *Pool
	count     int
	buffer    *[]byte
	addedTime time.Time
}

func (f *Frame) Data() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.buffer == nil {
		return nil
	}

	return *f.buffer
}

func (f *Frame) AddedTime() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.addedTime
}

func (f *Frame) Retain() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.count == 0 {
		return ErrFrameReleased
	}

	f.count++

	return nil
}

func (f *Frame) Release() {
	f.mu.Lock()

	if f.count == 0 {
		f.mu.Unlock()
		return
	}

	f.count--
	if f.count > 0 {
		f.mu.Unlock()
		return
	}

	pool := f.pool
	f.pool = nil
	f.mu.Unlock()

	if pool != nil {
		pool.release(f)
	}
}
