package roomkit

import (
	"context"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Transport is the signaling and media network layer. Blocking calls take
// the session context and must return when it is canceled. Events flow back
// through the RoomSession Handle* methods.
type Transport interface {
	Join(ctx context.Context, params EnterParams, scene AppScene) error
	Leave(ctx context.Context) error
	SwitchRole(ctx context.Context, role Role) error
	ConnectOtherRoom(ctx context.Context, param ConnectOtherRoomParam) error
	DisconnectOtherRoom(ctx context.Context) error

	Subscribe(userID string, kind StreamKind, quality StreamQuality, subscribe bool) error
	SetRemoteStreamType(userID string, quality StreamQuality) error
	MuteRemoteAudio(userID string, mute bool) error
	MuteLocal(track LocalTrack, mute bool) error
	EnableLocalAudio(enable bool) error
	SetNetworkQos(param NetworkQosParam) error

	WriteRTP(kind StreamKind, quality StreamQuality, pkt *rtp.Packet) error
	WriteRTCP(pkts []rtcp.Packet) error
	SendCustomCmd(msg CustomCmdMessage, init webrtc.DataChannelInit) error

	SetMixTranscoding(ctx context.Context, config *MixTranscodingConfig) error
	StartPublishCDN(ctx context.Context, param PublishCDNParam) error
	StopPublishCDN(ctx context.Context) error

	SpeedTest(ctx context.Context, param SpeedTestParam, report func(result SpeedTestResult, finished, total int)) error
}

// VideoSource produces raw frames for a local stream. ReadFrame blocks until
// a frame is available or ctx is done.
type VideoSource interface {
	ReadFrame(ctx context.Context) (*VideoFrame, error)
	Close() error
}

// Encoder compresses raw frames into Annex-B access units.
type Encoder interface {
	Encode(kind StreamKind, quality StreamQuality, frame *VideoFrame) ([]byte, error)
	SetParam(kind StreamKind, quality StreamQuality, param VideoEncParam) error
	RequestKeyFrame(kind StreamKind)
}

// RenderSink receives decoded frames. A sink is never called concurrently.
type RenderSink interface {
	RenderFrame(userID string, kind StreamKind, frame *VideoFrame)
}

// RenderSinkFunc adapts a function to RenderSink.
type RenderSinkFunc func(userID string, kind StreamKind, frame *VideoFrame)

func (f RenderSinkFunc) RenderFrame(userID string, kind StreamKind, frame *VideoFrame) {
	f(userID, kind, frame)
}

// DeviceProvider wraps the platform audio and video device drivers.
type DeviceProvider interface {
	List(category DeviceCategory) ([]DeviceInfo, error)
	Select(category DeviceCategory, deviceID string) error
	OpenCamera(deviceID string) (VideoSource, error)
	Volume(category DeviceCategory) (int, error)
	SetVolume(category DeviceCategory, volume int) error
	// Level reports the instantaneous level of a microphone or speaker in [0,100].
	Level(category DeviceCategory) (int, error)
	// StartPlayback plays a local audio file. The provider has one playback
	// at a time; it is shared by the speaker test and background music.
	StartPlayback(path string) error
	StopPlayback() error
	PausePlayback() error
	ResumePlayback() error
	SeekPlayback(position time.Duration) error
	PlaybackDuration(path string) (time.Duration, error)
}

// ScreenCapturer wraps the operating system screen capture API.
type ScreenCapturer interface {
	Sources(thumbnail, icon Size) ([]ScreenCaptureSource, error)
	Open(source ScreenCaptureSource, region Rect, captureMouse bool) (VideoSource, error)
}
