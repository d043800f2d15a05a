package roomkit

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

// payload types offered for local video, matching the transport SDP.
var videoPayloadTypes = map[string]uint8{
	strings.ToLower(webrtc.MimeTypeVP8):  96,
	strings.ToLower(webrtc.MimeTypeVP9):  98,
	strings.ToLower(webrtc.MimeTypeH264): 102,
	strings.ToLower(webrtc.MimeTypeAV1):  45,
}

var (
	h264KeyFrame2x2SPS = []byte{
		0x67, 0x42, 0xc0, 0x1f, 0x0f, 0xd9, 0x1f, 0x88,
		0x88, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04, 0x00,
		0x00, 0x03, 0x00, 0xc8, 0x3c, 0x60, 0xc9, 0x20,
	}
	h264KeyFrame2x2PPS = []byte{
		0x68, 0x87, 0xcb, 0x83, 0xcb, 0x20,
	}
	h264KeyFrame2x2IDR = []byte{
		0x65, 0x88, 0x84, 0x0a, 0xf2, 0x62, 0x80, 0x00,
		0xa7, 0xbe,
	}
)

// h264BlackFrame is a 2x2 black key frame in Annex-B form, sent instead of
// real frames while the local video is muted and black stream is enabled.
func h264BlackFrame() []byte {
	out := make([]byte, 0, 64)

	for _, nal := range [][]byte{h264KeyFrame2x2SPS, h264KeyFrame2x2PPS, h264KeyFrame2x2IDR} {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, nal...)
	}

	return out
}

func isH264(codec webrtc.RTPCodecCapability) bool {
	return strings.EqualFold(codec.MimeType, webrtc.MimeTypeH264)
}

func payloaderForCodec(codec webrtc.RTPCodecCapability) (rtp.Payloader, error) {
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(webrtc.MimeTypeH264):
		return &codecs.H264Payloader{}, nil
	case strings.ToLower(webrtc.MimeTypeVP8):
		return &codecs.VP8Payloader{
			EnablePictureID: true,
		}, nil
	case strings.ToLower(webrtc.MimeTypeVP9):
		return &codecs.VP9Payloader{}, nil
	case strings.ToLower(webrtc.MimeTypeAV1):
		return &codecs.AV1Payloader{}, nil
	default:
		return nil, webrtc.ErrNoPayloaderForCodec
	}
}

// packetizer splits encoded frames of one local stream into RTP packets.
type packetizer struct {
	mu           sync.Mutex
	packetizer   rtp.Packetizer
	codec        webrtc.RTPCodecCapability
	ssrc         uint32
	clockRate    uint32
	frameSamples uint32
	last         time.Time
}

func newPacketizer(codec webrtc.RTPCodecCapability, fps, mtu int, ssrc uint32) (*packetizer, error) {
	payloader, err := payloaderForCodec(codec)
	if err != nil {
		return nil, err
	}

	clockRate := codec.ClockRate
	if clockRate == 0 {
		clockRate = 90000
	}

	if fps <= 0 {
		fps = 15
	}

	return &packetizer{
		packetizer: rtp.NewPacketizer(
			uint16(mtu),
			videoPayloadTypes[strings.ToLower(codec.MimeType)],
			ssrc,
			payloader,
			rtp.NewRandomSequencer(),
			clockRate,
		),
		codec:        codec,
		ssrc:         ssrc,
		clockRate:    clockRate,
		frameSamples: clockRate / uint32(fps),
	}, nil
}

// packetize advances the RTP timestamp by the capture time elapsed since the
// previous frame, or by one frame interval when that is unknown.
func (p *packetizer) packetize(payload []byte, ts time.Time) []*rtp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	samples := p.frameSamples
	if !p.last.IsZero() && ts.After(p.last) {
		samples = uint32(ts.Sub(p.last).Seconds() * float64(p.clockRate))
	}

	if !ts.IsZero() {
		p.last = ts
	}

	return p.packetizer.Packetize(payload, samples)
}
