package roomkit

import (
	"fmt"
)

type Size struct {
	Width  int
	Height int
}

type Rect struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

type ScreenCaptureSourceType int

const (
	ScreenSourceWindow ScreenCaptureSourceType = iota
	ScreenSourceScreen
)

type ScreenCaptureSource struct {
	Type      ScreenCaptureSourceType
	ID        string
	Name      string
	Thumbnail []byte
	Icon      []byte
}

// GetScreenCaptureSources lists windows and screens that can be shared.
func (l *LocalMedia) GetScreenCaptureSources(thumbnail, icon Size) ([]ScreenCaptureSource, error) {
	if l.screen == nil {
		return nil, ErrDeviceUnavailable
	}

	return l.screen.Sources(thumbnail, icon)
}

// SelectScreenCaptureTarget chooses what the next StartScreenCapture shares.
// An empty region captures the whole source.
func (l *LocalMedia) SelectScreenCaptureTarget(source ScreenCaptureSource, region Rect, captureMouse bool) error {
	if source.ID == "" {
		return ErrInvalidParams
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.screenSource = &source
	l.screenRegion = region
	l.screenMouse = captureMouse

	return nil
}

// StartScreenCapture publishes the selected source as the sub stream and
// renders it to target. A zero target shares without preview.
func (l *LocalMedia) StartScreenCapture(target TargetHandle) error {
	if target != 0 && !l.rt.targets.valid(target) {
		return ErrInvalidTarget
	}

	if l.screen == nil {
		return ErrDeviceUnavailable
	}

	l.mu.Lock()
	source, region, mouse := l.screenSource, l.screenRegion, l.screenMouse
	l.mu.Unlock()

	if source == nil {
		return fmt.Errorf("%w: no screen capture target selected", ErrInvalidParams)
	}

	l.switchMu.Lock()
	defer l.switchMu.Unlock()

	_, err := l.startProducer(StreamSub, sourceScreen, target, func() (VideoSource, error) {
		video, err := l.screen.Open(*source, region, mouse)
		if err != nil {
			return nil, fmt.Errorf("%w: screen: %v", ErrDeviceUnavailable, err)
		}

		return video, nil
	})
	if err != nil {
		return err
	}

	l.rt.notify(func(lis Listener) { lis.OnScreenCaptureStarted() })

	return nil
}

func (l *LocalMedia) PauseScreenCapture() {
	p := l.producer(StreamSub)
	if p == nil || p.source != sourceScreen {
		return
	}

	if p.paused.CompareAndSwap(false, true) {
		l.rt.notify(func(lis Listener) { lis.OnScreenCapturePaused() })
	}
}

func (l *LocalMedia) ResumeScreenCapture() {
	p := l.producer(StreamSub)
	if p == nil || p.source != sourceScreen {
		return
	}

	if p.paused.CompareAndSwap(true, false) {
		l.rt.notify(func(lis Listener) { lis.OnScreenCaptureResumed() })
	}
}

// StopScreenCapture does nothing when no screen is shared.
func (l *LocalMedia) StopScreenCapture() {
	l.switchMu.Lock()
	defer l.switchMu.Unlock()

	p := l.takeProducer(StreamSub, func(p *producer) bool { return p.source == sourceScreen })
	if p == nil {
		return
	}

	p.stop()
	l.rt.notify(func(lis Listener) { lis.OnScreenCaptureStopped(nil) })
}

// SetSubStreamMixVolume clamps to [0,200].
func (l *LocalMedia) SetSubStreamMixVolume(volume int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.screenMixVolume = clamp(volume, 0, 200)
}

func (l *LocalMedia) SubStreamMixVolume() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.screenMixVolume
}
