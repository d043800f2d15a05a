package roomkit

import (
	"sync"
)

// TargetHandle references a render sink registered with the engine. The
// zero handle is never valid. A released handle stays invalid even when its
// slot in the arena is reused.
type TargetHandle uint64

func makeHandle(index, gen uint32) TargetHandle {
	return TargetHandle(uint64(gen)<<32 | uint64(index))
}

func (h TargetHandle) index() uint32 {
	return uint32(h)
}

func (h TargetHandle) generation() uint32 {
	return uint32(h >> 32)
}

type targetEntry struct {
	mu   sync.Mutex
	sink RenderSink
	live bool
}

type targetArena struct {
	mu      sync.Mutex
	entries []*targetEntry
	gens    []uint32
	free    []uint32
}

func newTargetArena() *targetArena {
	return &targetArena{}
}

func (a *targetArena) register(sink RenderSink) TargetHandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := &targetEntry{sink: sink, live: true}

	var idx uint32

	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
		a.entries[idx] = entry
	} else {
		idx = uint32(len(a.entries))
		a.entries = append(a.entries, entry)
		a.gens = append(a.gens, 0)
	}

	a.gens[idx]++

	return makeHandle(idx, a.gens[idx])
}

func (a *targetArena) lookup(h TargetHandle) *targetEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := h.index()
	if h == 0 || int(idx) >= len(a.entries) || a.gens[idx] != h.generation() {
		return nil
	}

	return a.entries[idx]
}

func (a *targetArena) valid(h TargetHandle) bool {
	return a.lookup(h) != nil
}

// release waits for an in-flight frame on the sink, then invalidates h.
func (a *targetArena) release(h TargetHandle) bool {
	entry := a.lookup(h)
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	entry.live = false
	entry.sink = nil
	entry.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := h.index()
	if a.gens[idx] == h.generation() && a.entries[idx] == entry {
		a.entries[idx] = nil
		a.free = append(a.free, idx)
	}

	return true
}

// render delivers one frame. Calls for the same sink are serialized.
func (a *targetArena) render(h TargetHandle, userID string, kind StreamKind, frame *VideoFrame) bool {
	entry := a.lookup(h)
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.live {
		return false
	}

	entry.sink.RenderFrame(userID, kind, frame)

	return true
}
