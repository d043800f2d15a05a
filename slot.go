package roomkit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/samespace/roomkit/pkg/framepool"
)

// localOwner is the owner id of slots that carry the local user's streams.
const localOwner = ""

type SlotDirection int

const (
	SlotConsume SlotDirection = iota
	SlotProduce
)

type slotKey struct {
	owner string
	kind  StreamKind
}

// SlotInfo is a point in time view of a StreamSlot.
type SlotInfo struct {
	Owner     string
	Kind      StreamKind
	Quality   StreamQuality
	Direction SlotDirection
	Target    TargetHandle
	FillMode  FillMode
	Rotation  Rotation
	Mirror    bool
	Delivered uint64
	Dropped   uint64
}

// StreamSlot binds one stream to one render target. Frames are delivered by
// a single goroutine per slot, so a slot never renders two frames at once.
type StreamSlot struct {
	key       slotKey
	direction SlotDirection
	targets   *targetArena
	metrics   *metrics
	log       logging.LeveledLogger

	// deliverMu is held while a frame is rendered; changing the binding
	// under it makes rebinds atomic with respect to delivery.
	deliverMu    sync.Mutex
	target       TargetHandle
	quality      StreamQuality
	fillMode     FillMode
	rotation     Rotation
	mirror       bool
	firstFrame   bool
	onFirstFrame func(owner string, kind StreamKind, width, height int)

	// pushMu guards sends on frames against close: once closed is set no
	// frame can enter the buffer after its final drain.
	pushMu sync.RWMutex
	closed bool

	frames    chan *framepool.Frame
	context   context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type slotConfig struct {
	key          slotKey
	direction    SlotDirection
	target       TargetHandle
	quality      StreamQuality
	bufferSize   int
	onFirstFrame func(owner string, kind StreamKind, width, height int)
}

func newStreamSlot(ctx context.Context, cfg slotConfig, targets *targetArena, m *metrics, log logging.LeveledLogger) *StreamSlot {
	localCtx, cancel := context.WithCancel(ctx)

	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 1
	}

	s := &StreamSlot{
		key:          cfg.key,
		direction:    cfg.direction,
		targets:      targets,
		metrics:      m,
		log:          log,
		target:       cfg.target,
		quality:      cfg.quality,
		onFirstFrame: cfg.onFirstFrame,
		frames:       make(chan *framepool.Frame, cfg.bufferSize),
		context:      localCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	m.slotAdded()

	go s.run()

	return s
}

func (s *StreamSlot) run() {
	defer close(s.done)

	for {
		select {
		case <-s.context.Done():
			s.drain()
			return
		case f := <-s.frames:
			s.deliver(f)
		}
	}
}

func (s *StreamSlot) drain() {
	for {
		select {
		case f := <-s.frames:
			f.Release()
		default:
			return
		}
	}
}

func (s *StreamSlot) deliver(f *framepool.Frame) {
	defer f.Release()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	// a rebind or close may have raced with the frame being queued
	if s.context.Err() != nil {
		return
	}

	frame := VideoFrame{
		Data:      f.Data(),
		Width:     f.Width,
		Height:    f.Height,
		Timestamp: f.Timestamp,
		Sequence:  f.Sequence,
		FillMode:  s.fillMode,
		Rotation:  s.rotation,
		Mirror:    s.mirror,
	}

	if !s.targets.render(s.target, s.key.owner, s.key.kind, &frame) {
		s.dropped.Add(1)
		s.metrics.frameDropped()

		return
	}

	s.delivered.Add(1)
	s.metrics.frameDelivered()

	if !s.firstFrame {
		s.firstFrame = true
		if s.onFirstFrame != nil {
			s.onFirstFrame(s.key.owner, s.key.kind, f.Width, f.Height)
		}
	}
}

// push queues a frame and takes over the caller's reference. A full buffer
// drops the frame instead of blocking the producer.
func (s *StreamSlot) push(f *framepool.Frame) bool {
	s.pushMu.RLock()
	defer s.pushMu.RUnlock()

	if s.closed || s.context.Err() != nil {
		f.Release()
		return false
	}

	select {
	case s.frames <- f:
		return true
	default:
		f.Release()
		s.dropped.Add(1)
		s.metrics.frameDropped()
		s.log.Tracef("slot %s/%s: buffer full, frame dropped", s.key.owner, s.key.kind)

		return false
	}
}

// rebind swaps the render target. When it returns the previous target will
// not receive any further frame from this slot.
func (s *StreamSlot) rebind(target TargetHandle, quality StreamQuality) TargetHandle {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	old := s.target
	s.target = target
	s.quality = quality
	s.firstFrame = false

	return old
}

func (s *StreamSlot) setQuality(quality StreamQuality) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.quality = quality
}

func (s *StreamSlot) setFillMode(mode FillMode) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.fillMode = mode
}

func (s *StreamSlot) setRotation(rotation Rotation) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.rotation = rotation
}

func (s *StreamSlot) setMirror(mirror bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mirror = mirror
}

// close stops the pipeline and waits for an in-flight frame to finish.
func (s *StreamSlot) close() {
	s.closeOnce.Do(func() {
		s.pushMu.Lock()
		s.closed = true
		s.pushMu.Unlock()

		s.cancel()
		<-s.done

		// frames queued before closed was set
		s.drain()

		s.metrics.slotRemoved()
	})
}

func (s *StreamSlot) Info() SlotInfo {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	return SlotInfo{
		Owner:     s.key.owner,
		Kind:      s.key.kind,
		Quality:   s.quality,
		Direction: s.direction,
		Target:    s.target,
		FillMode:  s.fillMode,
		Rotation:  s.rotation,
		Mirror:    s.mirror,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}
