package roomkit

import (
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samespace/roomkit/pkg/framepool"
	"github.com/samespace/roomkit/pkg/volume"
)

type QuotaOptions struct {
	// Max messages per window, shared by custom and SEI messages.
	MaxMessages int `mapstructure:"max_messages"`
	// Max payload bytes per window.
	MaxBytes int           `mapstructure:"max_bytes"`
	Window   time.Duration `mapstructure:"window"`
}

type Options struct {
	VideoEncoder       VideoEncParam   `mapstructure:"video_encoder"`
	SmallVideoEncoder  VideoEncParam   `mapstructure:"small_video_encoder"`
	SubStreamEncoder   VideoEncParam   `mapstructure:"sub_stream_encoder"`
	NetworkQos         NetworkQosParam `mapstructure:"network_qos"`
	EnableSmallStream  bool            `mapstructure:"enable_small_stream"`
	PriorRemoteQuality StreamQuality   `mapstructure:"prior_remote_quality"`

	MicVolume     int `mapstructure:"mic_volume"`
	SpeakerVolume int `mapstructure:"speaker_volume"`
	BGMVolume     int `mapstructure:"bgm_volume"`

	Quota QuotaOptions `mapstructure:"quota"`
	// A queued SEI message is dropped when no video frame picks it up
	// within this window.
	SEIExpiry   time.Duration `mapstructure:"sei_expiry"`
	MaxSEIQueue int           `mapstructure:"max_sei_queue"`
	// Ordered messages wait at most this long for a missing sequence.
	CmdReorderTimeout time.Duration `mapstructure:"cmd_reorder_timeout"`

	// Frames buffered per slot before new frames are dropped.
	SlotBufferSize int `mapstructure:"slot_buffer_size"`
	MaxFrameSize   int `mapstructure:"max_frame_size"`
	MTU            int `mapstructure:"mtu"`

	VolumeThreshold        uint8         `mapstructure:"volume_threshold"`
	VolumeTailMargin       time.Duration `mapstructure:"volume_tail_margin"`
	NetworkQualityInterval time.Duration `mapstructure:"network_quality_interval"`
	FrameMaxLatency        time.Duration `mapstructure:"frame_max_latency"`

	// Leave a video call room after it stayed without remote users for
	// EmptyRoomTimeout.
	ExitWhenAlone    bool          `mapstructure:"exit_when_alone"`
	EmptyRoomTimeout time.Duration `mapstructure:"empty_room_timeout"`
	LeaveTimeout     time.Duration `mapstructure:"leave_timeout"`

	MetricsRegisterer prometheus.Registerer `mapstructure:"-"`
	LoggerFactory     logging.LoggerFactory `mapstructure:"-"`
}

func DefaultVideoEncParam() VideoEncParam {
	return VideoEncParam{
		Width:      640,
		Height:     360,
		FPS:        15,
		Bitrate:    550,
		MinBitrate: 200,
		Codec: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
	}
}

func DefaultOptions() Options {
	small := DefaultVideoEncParam()
	small.Width = 320
	small.Height = 180
	small.Bitrate = 150
	small.MinBitrate = 80

	sub := DefaultVideoEncParam()
	sub.Width = 1280
	sub.Height = 720
	sub.FPS = 10
	sub.Bitrate = 1200
	sub.MinBitrate = 400

	vol := volume.DefaultConfig()

	return Options{
		VideoEncoder:       DefaultVideoEncParam(),
		SmallVideoEncoder:  small,
		SubStreamEncoder:   sub,
		NetworkQos:         NetworkQosParam{Preference: QosPreferenceClear, Control: QosControlServer},
		PriorRemoteQuality: QualityBig,
		MicVolume:          100,
		SpeakerVolume:      100,
		BGMVolume:          100,
		Quota: QuotaOptions{
			MaxMessages: 30,
			MaxBytes:    8000,
			Window:      time.Second,
		},
		SEIExpiry:              time.Second,
		MaxSEIQueue:            30,
		CmdReorderTimeout:      500 * time.Millisecond,
		SlotBufferSize:         8,
		MaxFrameSize:           framepool.DefaultMaxFrameSize,
		MTU:                    1200,
		VolumeThreshold:        vol.Threshold,
		VolumeTailMargin:       vol.TailMargin,
		NetworkQualityInterval: 2 * time.Second,
		FrameMaxLatency:        200 * time.Millisecond,
		ExitWhenAlone:          false,
		EmptyRoomTimeout:       3 * time.Minute,
		LeaveTimeout:           5 * time.Second,
	}
}
