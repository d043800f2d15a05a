package roomkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samespace/roomkit/pkg/framepool"
)

type levelTest struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *levelTest) stop() {
	t.cancel()
	<-t.done
}

type deviceTests struct {
	mu      sync.Mutex
	camera  *captureLoop
	preview *StreamSlot
	mic     *levelTest
	speaker *levelTest
	// playback claim of the running speaker test
	speakerGen uint64
}

// StartCameraDeviceTest renders the current camera to target without
// publishing it.
func (d *DeviceRegistry) StartCameraDeviceTest(target TargetHandle) error {
	if !d.rt.targets.valid(target) {
		return ErrInvalidTarget
	}

	d.StopCameraDeviceTest()

	source, err := d.provider.OpenCamera(d.currentID(DeviceCamera))
	if err != nil {
		return fmt.Errorf("%w: camera: %v", ErrDeviceUnavailable, err)
	}

	slot := newStreamSlot(d.rt.ctx, slotConfig{
		key:        slotKey{owner: localOwner, kind: StreamMain},
		direction:  SlotProduce,
		target:     target,
		quality:    QualityBig,
		bufferSize: d.rt.options.SlotBufferSize,
	}, d.rt.targets, d.rt.metrics, d.rt.log)

	loop := startCapture(d.rt.ctx, source, d.rt.frames, d.rt.log, func(f *framepool.Frame) {
		slot.push(f)
	}, func(err error) {
		d.rt.notify(func(l Listener) { l.OnError(fmt.Errorf("%w: camera test: %v", ErrDeviceUnavailable, err)) })
	})

	d.tests.mu.Lock()
	d.tests.camera = loop
	d.tests.preview = slot
	d.tests.mu.Unlock()

	return nil
}

// StopCameraDeviceTest does nothing when no test is running.
func (d *DeviceRegistry) StopCameraDeviceTest() {
	d.tests.mu.Lock()
	loop, slot := d.tests.camera, d.tests.preview
	d.tests.camera, d.tests.preview = nil, nil
	d.tests.mu.Unlock()

	if loop != nil {
		loop.stop()
	}

	if slot != nil {
		slot.close()
	}
}

func (d *DeviceRegistry) startLevelTest(category DeviceCategory, interval time.Duration, report func(Listener, int)) *levelTest {
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(d.rt.ctx)
	t := &levelTest{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				level, err := d.provider.Level(category)
				if err != nil {
					d.rt.log.Debugf("device: %s level: %v", category, err)
					continue
				}

				level = clamp(level, 0, 100)
				d.rt.notify(func(l Listener) { report(l, level) })
			}
		}
	}()

	return t
}

// StartMicDeviceTest reports the microphone level every interval through
// OnTestMicVolume.
func (d *DeviceRegistry) StartMicDeviceTest(interval time.Duration) {
	d.StopMicDeviceTest()

	t := d.startLevelTest(DeviceMicrophone, interval, func(l Listener, v int) { l.OnTestMicVolume(v) })

	d.tests.mu.Lock()
	d.tests.mic = t
	d.tests.mu.Unlock()
}

func (d *DeviceRegistry) StopMicDeviceTest() {
	d.tests.mu.Lock()
	t := d.tests.mic
	d.tests.mic = nil
	d.tests.mu.Unlock()

	if t != nil {
		t.stop()
	}
}

// StartSpeakerDeviceTest plays the file at path and reports the output level
// through OnTestSpeakerVolume.
func (d *DeviceRegistry) StartSpeakerDeviceTest(path string, interval time.Duration) error {
	d.StopSpeakerDeviceTest()

	gen := d.claimPlayback(d.dropSpeakerTest)

	if err := d.provider.StartPlayback(path); err != nil {
		d.releasePlayback(gen)
		return fmt.Errorf("%w: speaker: %v", ErrDeviceUnavailable, err)
	}

	t := d.startLevelTest(DeviceSpeaker, interval, func(l Listener, v int) { l.OnTestSpeakerVolume(v) })

	d.tests.mu.Lock()
	d.tests.speaker = t
	d.tests.speakerGen = gen
	d.tests.mu.Unlock()

	return nil
}

// StopSpeakerDeviceTest does nothing when no test is running.
func (d *DeviceRegistry) StopSpeakerDeviceTest() {
	d.tests.mu.Lock()
	t, gen := d.tests.speaker, d.tests.speakerGen
	d.tests.speaker = nil
	d.tests.mu.Unlock()

	if t == nil {
		return
	}

	t.stop()

	if !d.releasePlayback(gen) {
		return
	}

	if err := d.provider.StopPlayback(); err != nil {
		d.rt.log.Debugf("device: stop playback: %v", err)
	}
}

// dropSpeakerTest ends the speaker test after another owner took the
// playback over.
func (d *DeviceRegistry) dropSpeakerTest() {
	d.tests.mu.Lock()
	t := d.tests.speaker
	d.tests.speaker = nil
	d.tests.mu.Unlock()

	if t != nil {
		t.stop()
	}
}

func (d *DeviceRegistry) stopTests() {
	d.StopCameraDeviceTest()
	d.StopMicDeviceTest()
	d.StopSpeakerDeviceTest()
}
