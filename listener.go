package roomkit

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/samespace/roomkit/pkg/networkmonitor"
	"github.com/samespace/roomkit/pkg/volume"
	"golang.org/x/exp/slices"
)

type RemoteQuality struct {
	UserID  string
	Quality networkmonitor.Quality
}

// Listener receives engine events. Embed NopListener to implement only the
// events you need. Events are delivered one at a time on the engine
// notification goroutine, in the order they happened.
type Listener interface {
	OnError(err error)
	OnWarning(msg string)

	OnEnterRoom(elapsed time.Duration, err error)
	OnExitRoom(reason ExitReason)
	OnSwitchRole(err error)
	OnConnectOtherRoom(userID string, err error)
	OnDisconnectOtherRoom(err error)
	OnConnectionLost()
	OnTryToReconnect()
	OnConnectionRecovery()

	OnRemoteUserEnterRoom(userID string)
	OnRemoteUserLeaveRoom(userID string, reason LeaveReason)
	OnUserVideoAvailable(userID string, available bool)
	OnUserSubStreamAvailable(userID string, available bool)
	OnUserAudioAvailable(userID string, available bool)
	OnFirstVideoFrame(userID string, kind StreamKind, width, height int)

	OnNetworkQuality(local networkmonitor.Quality, remote []RemoteQuality)
	OnUserVoiceVolume(levels []volume.Level, total int)
	OnSpeedTest(result SpeedTestResult, finished, total int)

	OnDeviceChange(deviceID string, category DeviceCategory, state DeviceState)
	OnTestMicVolume(volume int)
	OnTestSpeakerVolume(volume int)

	OnRecvCustomCmdMsg(userID string, cmdID int, seq uint32, data []byte)
	OnMissCustomCmdMsg(userID string, cmdID int, err error, missed int)
	OnRecvSEIMsg(userID string, data []byte)
	OnSEIMsgExpired(data []byte, sent int)

	OnSetMixTranscodingConfig(err error)
	OnStartPublishCDNStream(err error)
	OnStopPublishCDNStream(err error)

	OnScreenCaptureStarted()
	OnScreenCapturePaused()
	OnScreenCaptureResumed()
	OnScreenCaptureStopped(err error)
}

type NopListener struct{}

func (NopListener) OnError(error)                                            {}
func (NopListener) OnWarning(string)                                         {}
func (NopListener) OnEnterRoom(time.Duration, error)                         {}
func (NopListener) OnExitRoom(ExitReason)                                    {}
func (NopListener) OnSwitchRole(error)                                       {}
func (NopListener) OnConnectOtherRoom(string, error)                         {}
func (NopListener) OnDisconnectOtherRoom(error)                              {}
func (NopListener) OnConnectionLost()                                        {}
func (NopListener) OnTryToReconnect()                                        {}
func (NopListener) OnConnectionRecovery()                                    {}
func (NopListener) OnRemoteUserEnterRoom(string)                             {}
func (NopListener) OnRemoteUserLeaveRoom(string, LeaveReason)                {}
func (NopListener) OnUserVideoAvailable(string, bool)                        {}
func (NopListener) OnUserSubStreamAvailable(string, bool)                    {}
func (NopListener) OnUserAudioAvailable(string, bool)                        {}
func (NopListener) OnFirstVideoFrame(string, StreamKind, int, int)           {}
func (NopListener) OnNetworkQuality(networkmonitor.Quality, []RemoteQuality) {}
func (NopListener) OnUserVoiceVolume([]volume.Level, int)                    {}
func (NopListener) OnSpeedTest(SpeedTestResult, int, int)                    {}
func (NopListener) OnDeviceChange(string, DeviceCategory, DeviceState)       {}
func (NopListener) OnTestMicVolume(int)                                      {}
func (NopListener) OnTestSpeakerVolume(int)                                  {}
func (NopListener) OnRecvCustomCmdMsg(string, int, uint32, []byte)           {}
func (NopListener) OnMissCustomCmdMsg(string, int, error, int)               {}
func (NopListener) OnRecvSEIMsg(string, []byte)                              {}
func (NopListener) OnSEIMsgExpired([]byte, int)                              {}
func (NopListener) OnSetMixTranscodingConfig(error)                          {}
func (NopListener) OnStartPublishCDNStream(error)                            {}
func (NopListener) OnStopPublishCDNStream(error)                             {}
func (NopListener) OnScreenCaptureStarted()                                  {}
func (NopListener) OnScreenCapturePaused()                                   {}
func (NopListener) OnScreenCaptureResumed()                                  {}
func (NopListener) OnScreenCaptureStopped(error)                             {}

type ListenerHandle string

type listenerEntry struct {
	handle   ListenerHandle
	listener Listener
}

// listenerSet keeps listeners in registration order.
type listenerSet struct {
	mu      sync.RWMutex
	entries []listenerEntry
}

func (s *listenerSet) add(l Listener) ListenerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := ListenerHandle(GenerateID())
	s.entries = append(s.entries, listenerEntry{handle: h, listener: l})

	return h
}

func (s *listenerSet) remove(h ListenerHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.entries, func(e listenerEntry) bool {
		return e.handle == h
	})
	if idx < 0 {
		return false
	}

	s.entries = slices.Delete(s.entries, idx, idx+1)

	return true
}

func (s *listenerSet) snapshot() []listenerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.entries)
}

// fanOut calls f for every listener in order. A panicking listener is
// logged and skipped.
func (s *listenerSet) fanOut(f func(Listener)) {
	for _, e := range s.snapshot() {
		callListener(e, f)
	}
}

func callListener(e listenerEntry, f func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			glog.Error("listener: listener ", e.handle, " panicked: ", r)
		}
	}()

	f(e.listener)
}
