package roomkit

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

const uint32SizeHalf = uint32(1 << 31)

var (
	errCmdTooLate   = errors.New("cmdbuffer: message is too late")
	errCmdDuplicate = errors.New("cmdbuffer: message is duplicate")
)

func isCmdLate(seq, last uint32) bool {
	return seq == last || last-seq < uint32SizeHalf
}

type pendingCmd struct {
	msg       CustomCmdMessage
	addedTime time.Time
}

// cmdBuffer restores the send order of one (user, cmd id) stream. A gap is
// skipped once the message after it has waited maxLatency.
type cmdBuffer struct {
	init       bool
	buffers    *list.List
	lastSeq    uint32
	maxLatency time.Duration
}

func newCmdBuffer(maxLatency time.Duration) *cmdBuffer {
	return &cmdBuffer{
		buffers:    list.New(),
		maxLatency: maxLatency,
	}
}

func (b *cmdBuffer) add(msg CustomCmdMessage, now time.Time) error {
	if b.init && isCmdLate(msg.Seq, b.lastSeq) {
		return errCmdTooLate
	}

	item := pendingCmd{msg: msg, addedTime: now}

	for e := b.buffers.Back(); e != nil; e = e.Prev() {
		current := e.Value.(pendingCmd).msg.Seq //nolint:forcetypeassert

		if current == msg.Seq {
			return errCmdDuplicate
		}

		if msg.Seq-current < uint32SizeHalf {
			b.buffers.InsertAfter(item, e)
			return nil
		}
	}

	b.buffers.PushFront(item)

	return nil
}

// pop returns the messages that can be delivered now and how many sequence
// numbers were given up on.
func (b *cmdBuffer) pop(now time.Time) ([]CustomCmdMessage, int) {
	var (
		ready  []CustomCmdMessage
		missed int
	)

	for e := b.buffers.Front(); e != nil; e = b.buffers.Front() {
		item := e.Value.(pendingCmd) //nolint:forcetypeassert

		switch {
		case !b.init:
			b.init = true
		case item.msg.Seq-b.lastSeq == 1:
		case now.Sub(item.addedTime) >= b.maxLatency:
			missed += int(item.msg.Seq - b.lastSeq - 1)
		default:
			return ready, missed
		}

		b.lastSeq = item.msg.Seq
		b.buffers.Remove(e)
		ready = append(ready, item.msg)
	}

	return ready, missed
}

func (b *cmdBuffer) Len() int {
	return b.buffers.Len()
}

type cmdStreamKey struct {
	userID string
	cmdID  int
}

// cmdReorderer keeps one cmdBuffer per remote stream and flushes stale
// gaps from a timer when no newer message arrives.
type cmdReorderer struct {
	mu         sync.Mutex
	maxLatency time.Duration
	streams    map[cmdStreamKey]*cmdBuffer
	timers     map[cmdStreamKey]*time.Timer
	deliver    func(userID string, cmdID int, msgs []CustomCmdMessage, missed int)
	now        func() time.Time
}

func newCmdReorderer(maxLatency time.Duration, deliver func(userID string, cmdID int, msgs []CustomCmdMessage, missed int)) *cmdReorderer {
	return &cmdReorderer{
		maxLatency: maxLatency,
		streams:    make(map[cmdStreamKey]*cmdBuffer),
		timers:     make(map[cmdStreamKey]*time.Timer),
		deliver:    deliver,
		now:        time.Now,
	}
}

func (r *cmdReorderer) add(userID string, msg CustomCmdMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cmdStreamKey{userID: userID, cmdID: msg.CmdID}

	buf, ok := r.streams[key]
	if !ok {
		buf = newCmdBuffer(r.maxLatency)
		r.streams[key] = buf
	}

	if err := buf.add(msg, r.now()); err != nil {
		glog.Warning("message: drop cmd ", msg.CmdID, " seq ", msg.Seq, " from ", userID, ": ", err)
		return
	}

	r.flushLocked(key, buf)
}

func (r *cmdReorderer) flushLocked(key cmdStreamKey, buf *cmdBuffer) {
	ready, missed := buf.pop(r.now())
	if len(ready) > 0 || missed > 0 {
		r.deliver(key.userID, key.cmdID, ready, missed)
	}

	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}

	if buf.Len() > 0 {
		r.timers[key] = time.AfterFunc(r.maxLatency, func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			if current, ok := r.streams[key]; ok && current == buf {
				r.flushLocked(key, buf)
			}
		})
	}
}

func (r *cmdReorderer) removeUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.streams {
		if key.userID != userID {
			continue
		}

		if t, ok := r.timers[key]; ok {
			t.Stop()
			delete(r.timers, key)
		}

		delete(r.streams, key)
	}
}

func (r *cmdReorderer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.timers {
		t.Stop()
	}

	r.streams = make(map[cmdStreamKey]*cmdBuffer)
	r.timers = make(map[cmdStreamKey]*time.Timer)
}
