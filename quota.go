package roomkit

import (
	"sync"
	"time"
)

type quotaEntry struct {
	at    time.Time
	bytes int
}

// quota is a sliding window limiter on both message count and payload
// bytes. A rejected request leaves the window untouched.
type quota struct {
	mu          sync.Mutex
	history     []quotaEntry
	maxMessages int
	maxBytes    int
	window      time.Duration
	now         func() time.Time
}

func newQuota(opts QuotaOptions) *quota {
	if opts.Window <= 0 {
		opts.Window = time.Second
	}

	return &quota{
		maxMessages: opts.MaxMessages,
		maxBytes:    opts.MaxBytes,
		window:      opts.Window,
		now:         time.Now,
	}
}

func (q *quota) pruneLocked(now time.Time) {
	windowStart := now.Add(-q.window)

	i := 0
	for i < len(q.history) && !q.history[i].at.After(windowStart) {
		i++
	}

	q.history = q.history[i:]
}

func (q *quota) allow(size int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.pruneLocked(now)

	if len(q.history)+1 > q.maxMessages {
		return false
	}

	total := size
	for _, e := range q.history {
		total += e.bytes
	}

	if total > q.maxBytes {
		return false
	}

	q.history = append(q.history, quotaEntry{at: now, bytes: size})

	return true
}

func (q *quota) usage() (messages, bytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(q.now())

	for _, e := range q.history {
		bytes += e.bytes
	}

	return len(q.history), bytes
}

func (q *quota) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.history = nil
}
