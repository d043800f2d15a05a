// Package networkmonitor grades link quality from the sequence numbers of
// received frames.
package networkmonitor

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

type Quality int

const (
	QualityUnknown Quality = iota
	QualityExcellent
	QualityGood
	QualityPoor
	QualityBad
	QualityVeryBad
	QualityDown
)

const uint16SizeHalf = uint16(1 << 15)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityBad:
		return "bad"
	case QualityVeryBad:
		return "very_bad"
	case QualityDown:
		return "down"
	default:
		return "unknown"
	}
}

var (
	ErrPacketTooLate   = errors.New("networkmonitor: sequence is too late")
	ErrPacketDuplicate = errors.New("networkmonitor: sequence is duplicate")
)

type Monitor struct {
	mu                 sync.Mutex
	buffers            *list.List
	init               bool
	maxLatency         time.Duration
	lastSequenceNumber uint16
	received           int
	lost               int
	quality            Quality
	onQualityChanged   func(Quality)
}

type packet struct {
	seq       uint16
	addedTime time.Time
}

// New returns a monitor that counts a missing sequence as lost once a later
// sequence has waited longer than maxLatency for it.
func New(maxLatency time.Duration) *Monitor {
	return &Monitor{
		buffers:    list.New(),
		maxLatency: maxLatency,
	}
}

func Default() *Monitor {
	return New(100 * time.Millisecond)
}

func (m *Monitor) Add(seq uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.init && (seq == m.lastSequenceNumber || m.lastSequenceNumber-seq < uint16SizeHalf) {
		return ErrPacketTooLate
	}

	pkt := packet{
		seq:       seq,
		addedTime: time.Now(),
	}

	inserted := false

	// keep the buffer ordered by sequence, newest at the back
	for e := m.buffers.Back(); e != nil; e = e.Prev() {
		currentSeq := e.Value.(packet).seq //nolint:forcetypeassert

		if currentSeq == seq {
			return ErrPacketDuplicate
		}

		if seq-currentSeq < uint16SizeHalf {
			m.buffers.InsertAfter(pkt, e)
			inserted = true

			break
		}
	}

	if !inserted {
		m.buffers.PushFront(pkt)
	}

	m.release()

	return nil
}

func (m *Monitor) release() {
	for e := m.buffers.Front(); e != nil; {
		pkt := e.Value.(packet) //nolint:forcetypeassert
		next := e.Next()

		switch {
		case !m.init:
			m.init = true
		case pkt.seq-m.lastSequenceNumber == 1:
		case time.Since(pkt.addedTime) > m.maxLatency:
			m.lost += int(pkt.seq - m.lastSequenceNumber - 1)
		default:
			return
		}

		m.received++
		m.lastSequenceNumber = pkt.seq
		m.buffers.Remove(e)

		e = next
	}
}

// Evaluate grades the traffic seen since the previous call and resets the
// counters. An interval without traffic keeps the previous grade.
func (m *Monitor) Evaluate() Quality {
	m.mu.Lock()

	m.release()

	total := m.received + m.lost
	if total == 0 {
		q := m.quality
		m.mu.Unlock()

		return q
	}

	q := Grade(float64(m.lost) / float64(total))
	m.received = 0
	m.lost = 0

	changed := q != m.quality
	m.quality = q
	f := m.onQualityChanged
	m.mu.Unlock()

	if changed && f != nil {
		f(q)
	}

	return q
}

func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.quality
}

// Reset forgets the sequence history, used when the sender restarts.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffers.Init()
	m.init = false
	m.received = 0
	m.lost = 0
}

func (m *Monitor) OnQualityChanged(f func(Quality)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onQualityChanged = f
}

// Grade maps a loss ratio in [0,1] to a quality level.
func Grade(lossRatio float64) Quality {
	switch {
	case lossRatio == 0:
		return QualityExcellent
	case lossRatio < 0.02:
		return QualityGood
	case lossRatio < 0.05:
		return QualityPoor
	case lossRatio < 0.1:
		return QualityBad
	case lossRatio < 0.3:
		return QualityVeryBad
	default:
		return QualityDown
	}
}
