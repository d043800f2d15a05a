// Package volume turns RFC 6464 audio levels into per-user volume reports.
package volume

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// silence is the RFC 6464 level of a silent packet, in -dBov.
const silence = 127

type Config struct {
	// Levels at or below Threshold (in -dBov, 0 is loudest) count as voice.
	Threshold uint8
	// TailMargin keeps a speaker active after its last voice packet.
	TailMargin time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:  40,
		TailMargin: 300 * time.Millisecond,
	}
}

type Level struct {
	UserID   string
	Volume   int
	Speaking bool
}

type detector struct {
	peak         int
	detected     bool
	lastDetected time.Time
	lastActivity time.Time
}

type Evaluator struct {
	mu        sync.Mutex
	config    Config
	detectors map[string]*detector
	now       func() time.Time
}

func New(config Config) *Evaluator {
	return &Evaluator{
		config:    config,
		detectors: make(map[string]*detector),
		now:       time.Now,
	}
}

// AddExtension decodes an ssrc-audio-level header extension payload.
func (e *Evaluator) AddExtension(userID string, payload []byte) error {
	ext := rtp.AudioLevelExtension{}
	if err := ext.Unmarshal(payload); err != nil {
		return err
	}

	e.Add(userID, ext.Level, ext.Voice)

	return nil
}

// Add records one audio level sample. The voice flag set by the sender is
// honoured in addition to the threshold.
func (e *Evaluator) Add(userID string, level uint8, voice bool) {
	if level > silence {
		level = silence
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.detectors[userID]
	if !ok {
		d = &detector{}
		e.detectors[userID] = d
	}

	now := e.now()
	d.lastActivity = now

	vol := (silence - int(level)) * 100 / silence
	if vol > d.peak {
		d.peak = vol
	}

	if voice || level <= e.config.Threshold {
		d.detected = true
		d.lastDetected = now

		return
	}

	if d.detected && now.Sub(d.lastDetected) > e.config.TailMargin {
		d.detected = false
	}
}

func (e *Evaluator) Remove(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.detectors, userID)
}

// Reset forgets every user.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.detectors = make(map[string]*detector)
}

// Snapshot returns the peak volume of every user since the previous
// snapshot, sorted by user id, and resets the peaks.
func (e *Evaluator) Snapshot() []Level {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	levels := make([]Level, 0, len(e.detectors))

	for id, d := range e.detectors {
		if d.detected && now.Sub(d.lastDetected) > e.config.TailMargin {
			d.detected = false
		}

		levels = append(levels, Level{
			UserID:   id,
			Volume:   d.peak,
			Speaking: d.detected,
		})

		d.peak = 0
	}

	sort.Slice(levels, func(i, j int) bool {
		return levels[i].UserID < levels[j].UserID
	})

	return levels
}

// Total is the loudest volume in levels.
func Total(levels []Level) int {
	total := 0

	for _, l := range levels {
		if l.Volume > total {
			total = l.Volume
		}
	}

	return total
}
