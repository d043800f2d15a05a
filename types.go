package roomkit

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type AppScene int

const (
	SceneVideoCall AppScene = iota
	SceneLive
)

func (s AppScene) String() string {
	if s == SceneLive {
		return "live"
	}

	return "video_call"
}

type Role int

const (
	RoleAnchor Role = iota
	RoleAudience
)

type StreamKind int

const (
	StreamMain StreamKind = iota
	StreamSub
)

func (k StreamKind) String() string {
	if k == StreamSub {
		return "sub"
	}

	return "main"
}

type StreamQuality int

const (
	// QualityDefault resolves to the prior stream type set with
	// SetPriorRemoteVideoStreamType.
	QualityDefault StreamQuality = iota
	QualityBig
	QualitySmall
)

func (q StreamQuality) String() string {
	switch q {
	case QualityBig:
		return "big"
	case QualitySmall:
		return "small"
	default:
		return "default"
	}
}

type FillMode int

const (
	FillModeFill FillMode = iota
	FillModeFit
)

type Rotation int

const (
	Rotation0 Rotation = iota
	Rotation90
	Rotation180
	Rotation270
)

type ExitReason int

const (
	ExitReasonUser ExitReason = iota
	ExitReasonKicked
	ExitReasonDismissed
	ExitReasonAlone
)

type LeaveReason int

const (
	LeaveReasonNormal LeaveReason = iota
	LeaveReasonTimeout
	LeaveReasonKicked
)

type EnterParams struct {
	SDKAppID      uint32
	UserID        string
	UserSig       string
	RoomID        string
	Role          Role
	PrivateMapKey string
	BusinessInfo  string
}

func (p EnterParams) validate() error {
	if p.SDKAppID == 0 || p.UserID == "" || p.RoomID == "" {
		return ErrInvalidParams
	}

	return nil
}

type ConnectOtherRoomParam struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type ResolutionMode int

const (
	ResolutionLandscape ResolutionMode = iota
	ResolutionPortrait
)

type VideoEncParam struct {
	Width          int                       `mapstructure:"width"`
	Height         int                       `mapstructure:"height"`
	FPS            int                       `mapstructure:"fps"`
	Bitrate        int                       `mapstructure:"bitrate"`
	MinBitrate     int                       `mapstructure:"min_bitrate"`
	ResolutionMode ResolutionMode            `mapstructure:"resolution_mode"`
	Codec          webrtc.RTPCodecCapability `mapstructure:"codec"`
}

func (p VideoEncParam) valid() bool {
	return p.Width > 0 && p.Height > 0 && p.FPS > 0 && p.Bitrate > 0 && p.MinBitrate <= p.Bitrate
}

type QosPreference int

const (
	QosPreferenceSmooth QosPreference = iota
	QosPreferenceClear
)

type QosControl int

const (
	QosControlServer QosControl = iota
	QosControlClient
)

type NetworkQosParam struct {
	Preference QosPreference `mapstructure:"preference"`
	Control    QosControl    `mapstructure:"control"`
}

type BeautyStyle int

const (
	BeautyStyleSmooth BeautyStyle = iota
	BeautyStyleNature
)

type BeautyParam struct {
	Style     BeautyStyle
	Beauty    int
	White     int
	Ruddiness int
}

type WaterMark struct {
	Kind   StreamKind
	Image  []byte
	Width  int
	Height int
	X      float64
	Y      float64
	Scale  float64
}

// VideoFrame is a raw frame exchanged with sources, encoders and render
// sinks. Data is only valid for the duration of the call it is passed to.
// FillMode, Rotation and Mirror are render hints set by the slot.
type VideoFrame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
	Sequence  uint16
	FillMode  FillMode
	Rotation  Rotation
	Mirror    bool
}

type LocalTrack int

const (
	LocalTrackAudio LocalTrack = iota
	LocalTrackVideo
)

type PublishCDNParam struct {
	AppID  uint32 `json:"appId"`
	BizID  uint32 `json:"bizId"`
	URL    string `json:"url"`
	Stream string `json:"streamId"`
}

type SpeedTestParam struct {
	SDKAppID uint32
	UserID   string
	UserSig  string
}

type SpeedTestResult struct {
	IP           string
	Quality      int
	UpLostRate   float64
	DownLostRate float64
	RTT          time.Duration
}
