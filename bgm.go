package roomkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/looplab/fsm"
)

const (
	BGMStopped = "stopped"
	BGMPlaying = "playing"
	BGMPaused  = "paused"

	bgmEventPlay     = "play"
	bgmEventPause    = "pause"
	bgmEventResume   = "resume"
	bgmEventStop     = "stop"
	bgmEventComplete = "complete"
)

var ErrBGMNotPlaying = errors.New("bgm: no background music")

func newBGMFSM() *fsm.FSM {
	return fsm.NewFSM(
		BGMStopped,
		fsm.Events{
			{Name: bgmEventPlay, Src: []string{BGMStopped}, Dst: BGMPlaying},
			{Name: bgmEventPause, Src: []string{BGMPlaying}, Dst: BGMPaused},
			{Name: bgmEventResume, Src: []string{BGMPaused}, Dst: BGMPlaying},
			{Name: bgmEventStop, Src: []string{BGMPlaying, BGMPaused}, Dst: BGMStopped},
			{Name: bgmEventComplete, Src: []string{BGMPlaying}, Dst: BGMStopped},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				glog.Info("bgm: ", e.Src, " -> ", e.Dst, " on ", e.Event)
			},
		},
	)
}

// bgmPlayer tracks the background music played through the device
// provider. The position is derived from the time spent playing.
type bgmPlayer struct {
	mu       sync.Mutex
	fsm      *fsm.FSM
	path     string
	duration time.Duration
	offset   time.Duration
	resumed  time.Time
	claim    uint64
}

func newBGMPlayer() *bgmPlayer {
	return &bgmPlayer{fsm: newBGMFSM()}
}

func (b *bgmPlayer) event(name string) {
	if err := b.fsm.Event(context.Background(), name); err != nil {
		glog.Error("bgm: transition ", name, " from ", b.fsm.Current(), " failed: ", err)
	}
}

func (b *bgmPlayer) positionLocked(now time.Time) time.Duration {
	pos := b.offset
	if b.fsm.Is(BGMPlaying) {
		pos += now.Sub(b.resumed)
	}

	if b.duration > 0 && pos > b.duration {
		pos = b.duration
	}

	return pos
}

// completeLocked moves a track that played to its end to stopped and
// reports whether it did.
func (b *bgmPlayer) completeLocked(now time.Time) bool {
	if !b.fsm.Is(BGMPlaying) || b.duration <= 0 || b.positionLocked(now) < b.duration {
		return false
	}

	b.event(bgmEventComplete)
	b.offset = 0

	return true
}

// released runs when the speaker test takes the playback over.
func (b *bgmPlayer) released() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.fsm.Is(BGMStopped) {
		b.event(bgmEventStop)
		b.offset = 0
	}
}

// PlayBGM replaces any running background music with the file at path.
func (l *LocalMedia) PlayBGM(path string) error {
	if path == "" {
		return ErrInvalidParams
	}

	l.StopBGM()

	duration, err := l.devices.provider.PlaybackDuration(path)
	if err != nil {
		return fmt.Errorf("%w: bgm %s: %v", ErrDeviceUnavailable, path, err)
	}

	claim := l.devices.claimPlayback(l.bgm.released)

	if err := l.devices.provider.StartPlayback(path); err != nil {
		l.devices.releasePlayback(claim)
		return fmt.Errorf("%w: bgm %s: %v", ErrDeviceUnavailable, path, err)
	}

	b := l.bgm

	b.mu.Lock()
	defer b.mu.Unlock()

	if !l.devices.ownsPlayback(claim) {
		return fmt.Errorf("%w: playback taken over", ErrDeviceUnavailable)
	}

	b.event(bgmEventPlay)
	b.path = path
	b.duration = duration
	b.offset = 0
	b.resumed = time.Now()
	b.claim = claim

	return nil
}

// StopBGM does nothing when no music is playing.
func (l *LocalMedia) StopBGM() {
	b := l.bgm

	b.mu.Lock()
	if b.completeLocked(time.Now()) || b.fsm.Is(BGMStopped) {
		claim := b.claim
		b.mu.Unlock()

		// a finished track still holds the playback
		l.devices.releasePlayback(claim)

		return
	}

	b.event(bgmEventStop)
	b.offset = 0
	claim := b.claim
	b.mu.Unlock()

	if !l.devices.releasePlayback(claim) {
		return
	}

	if err := l.devices.provider.StopPlayback(); err != nil {
		l.rt.log.Debugf("bgm: stop playback: %v", err)
	}
}

func (l *LocalMedia) PauseBGM() {
	b := l.bgm

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.completeLocked(now) || !b.fsm.Is(BGMPlaying) {
		return
	}

	if err := l.devices.provider.PausePlayback(); err != nil {
		l.rt.log.Warnf("bgm: pause: %v", err)
		return
	}

	b.offset = b.positionLocked(now)
	b.event(bgmEventPause)
}

func (l *LocalMedia) ResumeBGM() {
	b := l.bgm

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.fsm.Is(BGMPaused) {
		return
	}

	if err := l.devices.provider.ResumePlayback(); err != nil {
		l.rt.log.Warnf("bgm: resume: %v", err)
		return
	}

	b.resumed = time.Now()
	b.event(bgmEventResume)
}

// BGMDuration returns the length of the file at path, or of the current
// music when path is empty.
func (l *LocalMedia) BGMDuration(path string) (time.Duration, error) {
	if path != "" {
		d, err := l.devices.provider.PlaybackDuration(path)
		if err != nil {
			return 0, fmt.Errorf("%w: bgm %s: %v", ErrDeviceUnavailable, path, err)
		}

		return d, nil
	}

	b := l.bgm

	b.mu.Lock()
	defer b.mu.Unlock()

	b.completeLocked(time.Now())

	if b.fsm.Is(BGMStopped) {
		return 0, ErrBGMNotPlaying
	}

	return b.duration, nil
}

// SetBGMPosition seeks the current music. Positions past the end are
// clamped to the duration.
func (l *LocalMedia) SetBGMPosition(position time.Duration) error {
	b := l.bgm

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.completeLocked(now) || b.fsm.Is(BGMStopped) {
		return ErrBGMNotPlaying
	}

	if position < 0 {
		position = 0
	}

	if b.duration > 0 && position > b.duration {
		position = b.duration
	}

	if err := l.devices.provider.SeekPlayback(position); err != nil {
		return fmt.Errorf("%w: bgm seek: %v", ErrDeviceUnavailable, err)
	}

	b.offset = position
	b.resumed = now

	return nil
}

// BGMPosition is zero when no music is playing.
func (l *LocalMedia) BGMPosition() time.Duration {
	b := l.bgm

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.completeLocked(now) || b.fsm.Is(BGMStopped) {
		return 0
	}

	return b.positionLocked(now)
}

func (l *LocalMedia) BGMState() string {
	b := l.bgm

	b.mu.Lock()
	defer b.mu.Unlock()

	b.completeLocked(time.Now())

	return b.fsm.Current()
}

// SetMicVolumeOnMixing sets the microphone share of the BGM mix, clamped to
// [0,200].
func (l *LocalMedia) SetMicVolumeOnMixing(volume int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.micMixVolume = clamp(volume, 0, 200)
}

func (l *LocalMedia) MicVolumeOnMixing() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.micMixVolume
}
