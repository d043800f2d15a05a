package roomkit

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/viper"
)

// LoadOptions reads options from a yaml, json or toml file and ROOMKIT_*
// environment variables. Missing keys keep the DefaultOptions values. An
// empty path only applies the environment.
func LoadOptions(path string) (Options, error) {
	defaults := DefaultOptions()

	v := viper.New()
	v.SetEnvPrefix("roomkit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, defaults)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return defaults, fmt.Errorf("config: failed to read %s: %w", path, err)
		}

		glog.Info("config: loaded ", v.ConfigFileUsed())
	}

	opts := defaults
	if err := v.Unmarshal(&opts); err != nil {
		return defaults, fmt.Errorf("config: failed to parse: %w", err)
	}

	return opts, nil
}

func setDefaults(v *viper.Viper, o Options) {
	setEncoderDefaults(v, "video_encoder", o.VideoEncoder)
	setEncoderDefaults(v, "small_video_encoder", o.SmallVideoEncoder)
	setEncoderDefaults(v, "sub_stream_encoder", o.SubStreamEncoder)

	v.SetDefault("network_qos.preference", int(o.NetworkQos.Preference))
	v.SetDefault("network_qos.control", int(o.NetworkQos.Control))
	v.SetDefault("enable_small_stream", o.EnableSmallStream)
	v.SetDefault("prior_remote_quality", int(o.PriorRemoteQuality))

	v.SetDefault("mic_volume", o.MicVolume)
	v.SetDefault("speaker_volume", o.SpeakerVolume)
	v.SetDefault("bgm_volume", o.BGMVolume)

	v.SetDefault("quota.max_messages", o.Quota.MaxMessages)
	v.SetDefault("quota.max_bytes", o.Quota.MaxBytes)
	v.SetDefault("quota.window", o.Quota.Window)
	v.SetDefault("sei_expiry", o.SEIExpiry)
	v.SetDefault("max_sei_queue", o.MaxSEIQueue)
	v.SetDefault("cmd_reorder_timeout", o.CmdReorderTimeout)

	v.SetDefault("slot_buffer_size", o.SlotBufferSize)
	v.SetDefault("max_frame_size", o.MaxFrameSize)
	v.SetDefault("mtu", o.MTU)

	v.SetDefault("volume_threshold", o.VolumeThreshold)
	v.SetDefault("volume_tail_margin", o.VolumeTailMargin)
	v.SetDefault("network_quality_interval", o.NetworkQualityInterval)
	v.SetDefault("frame_max_latency", o.FrameMaxLatency)

	v.SetDefault("exit_when_alone", o.ExitWhenAlone)
	v.SetDefault("empty_room_timeout", o.EmptyRoomTimeout)
	v.SetDefault("leave_timeout", o.LeaveTimeout)
}

func setEncoderDefaults(v *viper.Viper, prefix string, p VideoEncParam) {
	v.SetDefault(prefix+".width", p.Width)
	v.SetDefault(prefix+".height", p.Height)
	v.SetDefault(prefix+".fps", p.FPS)
	v.SetDefault(prefix+".bitrate", p.Bitrate)
	v.SetDefault(prefix+".min_bitrate", p.MinBitrate)
	v.SetDefault(prefix+".resolution_mode", int(p.ResolutionMode))
	v.SetDefault(prefix+".codec.mimetype", p.Codec.MimeType)
	v.SetDefault(prefix+".codec.clockrate", p.Codec.ClockRate)
	v.SetDefault(prefix+".codec.sdpfmtpline", p.Codec.SDPFmtpLine)
}
