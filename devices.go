package roomkit

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

type DeviceCategory int

const (
	DeviceCamera DeviceCategory = iota
	DeviceMicrophone
	DeviceSpeaker
)

func (c DeviceCategory) String() string {
	switch c {
	case DeviceCamera:
		return "camera"
	case DeviceMicrophone:
		return "microphone"
	case DeviceSpeaker:
		return "speaker"
	default:
		return "unknown"
	}
}

type DeviceState int

const (
	DeviceAdded DeviceState = iota
	DeviceRemoved
	DeviceActive
)

type DeviceInfo struct {
	DeviceID string
	Name     string
	Category DeviceCategory
}

// DeviceList is the result of one enumeration. It stops being valid after a
// device of any category is plugged or unplugged.
type DeviceList struct {
	category   DeviceCategory
	devices    []DeviceInfo
	generation uint64
	registry   *DeviceRegistry
}

func (l *DeviceList) Category() DeviceCategory {
	return l.category
}

func (l *DeviceList) Len() int {
	return len(l.devices)
}

func (l *DeviceList) At(i int) DeviceInfo {
	return l.devices[i]
}

func (l *DeviceList) Devices() []DeviceInfo {
	return slices.Clone(l.devices)
}

func (l *DeviceList) Valid() bool {
	return l.registry.currentGeneration() == l.generation
}

type DeviceRegistry struct {
	mu         sync.Mutex
	rt         *runtime
	provider   DeviceProvider
	generation uint64
	last       map[DeviceCategory][]DeviceInfo
	current    map[DeviceCategory]string
	volumes    map[DeviceCategory]int
	muted      map[DeviceCategory]bool

	tests deviceTests

	playbackMu      sync.Mutex
	playbackGen     uint64
	playbackRelease func()
}

func newDeviceRegistry(rt *runtime, provider DeviceProvider) *DeviceRegistry {
	return &DeviceRegistry{
		rt:       rt,
		provider: provider,
		last:     make(map[DeviceCategory][]DeviceInfo),
		current:  make(map[DeviceCategory]string),
		volumes: map[DeviceCategory]int{
			DeviceMicrophone: clamp(rt.options.MicVolume, 0, 100),
			DeviceSpeaker:    clamp(rt.options.SpeakerVolume, 0, 100),
		},
		muted: make(map[DeviceCategory]bool),
	}
}

func (d *DeviceRegistry) currentGeneration() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.generation
}

// ListDevices enumerates the devices of a category and remembers the result
// for SelectDevice.
func (d *DeviceRegistry) ListDevices(category DeviceCategory) (*DeviceList, error) {
	devices, err := d.provider.List(category)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, category, err)
	}

	devices = slices.Clone(devices)
	for i := range devices {
		devices[i].Category = category
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.last[category] = devices

	return &DeviceList{
		category:   category,
		devices:    devices,
		generation: d.generation,
		registry:   d,
	}, nil
}

func (d *DeviceRegistry) SelectDevice(category DeviceCategory, deviceID string) error {
	d.mu.Lock()
	found := slices.ContainsFunc(d.last[category], func(info DeviceInfo) bool {
		return info.DeviceID == deviceID
	})
	d.mu.Unlock()

	if !found {
		return ErrDeviceNotFound
	}

	if err := d.provider.Select(category, deviceID); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrDeviceUnavailable, category, deviceID, err)
	}

	d.mu.Lock()
	d.current[category] = deviceID
	d.mu.Unlock()

	glog.Info("device: selected ", category, " ", deviceID)

	return nil
}

// CurrentDevice returns the selected device, or the first enumerated one
// when none was selected.
func (d *DeviceRegistry) CurrentDevice(category DeviceCategory) (DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices := d.last[category]
	id, ok := d.current[category]

	if !ok {
		if len(devices) == 0 {
			return DeviceInfo{}, ErrDeviceNotFound
		}

		return devices[0], nil
	}

	idx := slices.IndexFunc(devices, func(info DeviceInfo) bool {
		return info.DeviceID == id
	})
	if idx < 0 {
		return DeviceInfo{DeviceID: id, Category: category}, nil
	}

	return devices[idx], nil
}

func (d *DeviceRegistry) currentID(category DeviceCategory) string {
	info, err := d.CurrentDevice(category)
	if err != nil {
		return ""
	}

	return info.DeviceID
}

func (d *DeviceRegistry) setVolume(category DeviceCategory, volume int) error {
	volume = clamp(volume, 0, 100)

	if err := d.provider.SetVolume(category, volume); err != nil {
		return fmt.Errorf("%w: %s volume: %v", ErrDeviceUnavailable, category, err)
	}

	d.mu.Lock()
	d.volumes[category] = volume
	d.mu.Unlock()

	return nil
}

func (d *DeviceRegistry) volume(category DeviceCategory) int {
	if v, err := d.provider.Volume(category); err == nil {
		d.mu.Lock()
		d.volumes[category] = clamp(v, 0, 100)
		d.mu.Unlock()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.volumes[category]
}

// SetMicVolume clamps volume to [0,100].
func (d *DeviceRegistry) SetMicVolume(volume int) error {
	return d.setVolume(DeviceMicrophone, volume)
}

func (d *DeviceRegistry) MicVolume() int {
	return d.volume(DeviceMicrophone)
}

// SetSpeakerVolume clamps volume to [0,100].
func (d *DeviceRegistry) SetSpeakerVolume(volume int) error {
	return d.setVolume(DeviceSpeaker, volume)
}

func (d *DeviceRegistry) SpeakerVolume() int {
	return d.volume(DeviceSpeaker)
}

func (d *DeviceRegistry) SetMute(category DeviceCategory, mute bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.muted[category] = mute
}

func (d *DeviceRegistry) Muted(category DeviceCategory) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.muted[category]
}

// HandleDeviceChange is called by the platform layer on hot-plug. Every
// DeviceList handed out before the call becomes invalid.
func (d *DeviceRegistry) HandleDeviceChange(deviceID string, category DeviceCategory, state DeviceState) {
	d.mu.Lock()
	d.generation++

	if state == DeviceRemoved {
		d.last[category] = slices.DeleteFunc(slices.Clone(d.last[category]), func(info DeviceInfo) bool {
			return info.DeviceID == deviceID
		})

		if d.current[category] == deviceID {
			delete(d.current, category)
		}
	}
	d.mu.Unlock()

	glog.Info("device: ", category, " ", deviceID, " changed state ", state)

	d.rt.notify(func(l Listener) {
		l.OnDeviceChange(deviceID, category, state)
	})
}

// claimPlayback makes the caller the owner of the provider playback.
// release runs when another owner claims it and must not stop the playback
// itself.
func (d *DeviceRegistry) claimPlayback(release func()) uint64 {
	d.playbackMu.Lock()
	prev := d.playbackRelease
	d.playbackGen++
	gen := d.playbackGen
	d.playbackRelease = release
	d.playbackMu.Unlock()

	if prev != nil {
		prev()
	}

	return gen
}

// releasePlayback reports whether gen still owned the playback.
func (d *DeviceRegistry) releasePlayback(gen uint64) bool {
	d.playbackMu.Lock()
	defer d.playbackMu.Unlock()

	if d.playbackGen != gen || d.playbackRelease == nil {
		return false
	}

	d.playbackRelease = nil

	return true
}

func (d *DeviceRegistry) ownsPlayback(gen uint64) bool {
	d.playbackMu.Lock()
	defer d.playbackMu.Unlock()

	return d.playbackGen == gen && d.playbackRelease != nil
}
