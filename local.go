package roomkit

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pion/rtcp"
	"github.com/samespace/roomkit/pkg/framepool"
	"github.com/samespace/roomkit/pkg/networkmonitor"
	"github.com/samespace/roomkit/pkg/sei"
)

type producerSource int

const (
	sourceCamera producerSource = iota
	sourceCustom
	sourceScreen
)

func (s producerSource) String() string {
	switch s {
	case sourceCustom:
		return "custom"
	case sourceScreen:
		return "screen"
	default:
		return "camera"
	}
}

// producer is one local video stream: an optional capture loop feeding an
// optional preview slot and the encoder.
type producer struct {
	kind   StreamKind
	source producerSource

	mu      sync.Mutex
	capture *captureLoop

	preview *StreamSlot
	paused  atomic.Bool
	stopped atomic.Bool

	// held for reading while a frame is encoded and written
	inflight sync.RWMutex
}

// stop returns once no frame of p is being encoded and the source is closed.
func (p *producer) stop() {
	p.stopped.Store(true)

	p.inflight.Lock()
	p.inflight.Unlock() //nolint:staticcheck

	p.mu.Lock()
	capture := p.capture
	p.mu.Unlock()

	if capture != nil {
		capture.stop()
	}

	if p.preview != nil {
		p.preview.close()
	}
}

type streamKey struct {
	kind    StreamKind
	quality StreamQuality
}

// LocalMedia owns the local camera, custom and screen producers and their
// publish pipeline.
type LocalMedia struct {
	rt        *runtime
	session   *RoomSession
	messages  *MessageChannel
	transport Transport
	encoder   Encoder
	devices   *DeviceRegistry
	screen    ScreenCapturer

	// switchMu orders producer changes: the previous producer of a kind
	// is stopped before the next source is opened.
	switchMu sync.Mutex

	mu            sync.Mutex
	producers     map[StreamKind]*producer
	customEnabled bool
	packetizers   map[streamKey]*packetizer
	encParams     map[streamKey]VideoEncParam
	smallStream   bool
	qos           NetworkQosParam
	videoMuted    bool
	audioMuted    bool
	audioStarted  bool
	view          viewSetting
	mirror        bool
	encRotation   Rotation
	encMirror     bool
	beauty        BeautyParam
	watermarks    map[StreamKind]WaterMark
	bgmVolume     int
	micMixVolume  int
	blackStream   bool

	bgm *bgmPlayer

	screenSource    *ScreenCaptureSource
	screenRegion    Rect
	screenMouse     bool
	screenMixVolume int
}

func newLocalMedia(rt *runtime, deps Dependencies, session *RoomSession, messages *MessageChannel, devices *DeviceRegistry) *LocalMedia {
	return &LocalMedia{
		rt:          rt,
		session:     session,
		messages:    messages,
		transport:   deps.Transport,
		encoder:     deps.Encoder,
		devices:     devices,
		screen:      deps.Screen,
		producers:   make(map[StreamKind]*producer),
		packetizers: make(map[streamKey]*packetizer),
		encParams: map[streamKey]VideoEncParam{
			{StreamMain, QualityBig}:   rt.options.VideoEncoder,
			{StreamMain, QualitySmall}: rt.options.SmallVideoEncoder,
			{StreamSub, QualityBig}:    rt.options.SubStreamEncoder,
		},
		smallStream:     rt.options.EnableSmallStream,
		qos:             rt.options.NetworkQos,
		watermarks:      make(map[StreamKind]WaterMark),
		bgmVolume:       clamp(rt.options.BGMVolume, 0, 200),
		micMixVolume:    100,
		bgm:             newBGMPlayer(),
		screenMixVolume: 100,
	}
}

// takeProducer removes the producer of kind when match accepts it.
func (l *LocalMedia) takeProducer(kind StreamKind, match func(*producer) bool) *producer {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.producers[kind]
	if p == nil || (match != nil && !match(p)) {
		return nil
	}

	delete(l.producers, kind)

	return p
}

func (l *LocalMedia) producer(kind StreamKind) *producer {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.producers[kind]
}

func (l *LocalMedia) newPreview(kind StreamKind, target TargetHandle) *StreamSlot {
	if target == 0 {
		return nil
	}

	l.mu.Lock()
	view, mirror := l.view, l.mirror
	l.mu.Unlock()

	slot := newStreamSlot(l.rt.ctx, slotConfig{
		key:        slotKey{owner: localOwner, kind: kind},
		direction:  SlotProduce,
		target:     target,
		quality:    QualityBig,
		bufferSize: l.rt.options.SlotBufferSize,
	}, l.rt.targets, l.rt.metrics, l.rt.log)

	if kind == StreamMain {
		slot.setFillMode(view.fillMode)
		slot.setRotation(view.rotation)
		slot.setMirror(mirror)
	}

	return slot
}

// startProducer stops the running producer of kind, then opens the new
// source and installs its pipeline. open may be nil for producers fed by
// the caller. Callers hold switchMu.
func (l *LocalMedia) startProducer(kind StreamKind, source producerSource, target TargetHandle, open func() (VideoSource, error)) (*producer, error) {
	if old := l.takeProducer(kind, nil); old != nil {
		old.stop()
	}

	var video VideoSource

	if open != nil {
		var err error

		video, err = open()
		if err != nil {
			return nil, err
		}
	}

	p := &producer{
		kind:    kind,
		source:  source,
		preview: l.newPreview(kind, target),
	}

	l.mu.Lock()
	l.producers[kind] = p
	l.mu.Unlock()

	if video != nil {
		p.mu.Lock()
		p.capture = startCapture(l.rt.ctx, video, l.rt.frames, l.rt.log, func(f *framepool.Frame) {
			l.handleFrame(p, f)
		}, func(err error) {
			l.takeProducer(kind, func(cur *producer) bool { return cur == p })

			// stop waits for this goroutine
			go p.stop()

			l.rt.notify(func(lis Listener) {
				lis.OnError(fmt.Errorf("%w: %s capture: %v", ErrDeviceUnavailable, source, err))
			})

			if source == sourceScreen {
				l.rt.notify(func(lis Listener) { lis.OnScreenCaptureStopped(err) })
			}
		})
		p.mu.Unlock()
	}

	glog.Info("local: ", source, " producer started for ", kind, " stream")

	return p, nil
}

// StartLocalPreview opens the selected camera, renders it to target and
// publishes it while the session is joined. A zero target publishes without
// preview. A running camera or custom capture is stopped first.
func (l *LocalMedia) StartLocalPreview(target TargetHandle) error {
	if target != 0 && !l.rt.targets.valid(target) {
		return ErrInvalidTarget
	}

	l.switchMu.Lock()
	defer l.switchMu.Unlock()

	l.mu.Lock()
	l.customEnabled = false
	l.mu.Unlock()

	_, err := l.startProducer(StreamMain, sourceCamera, target, func() (VideoSource, error) {
		source, err := l.devices.provider.OpenCamera(l.devices.currentID(DeviceCamera))
		if err != nil {
			return nil, fmt.Errorf("%w: camera: %v", ErrDeviceUnavailable, err)
		}

		return source, nil
	})

	return err
}

// StopLocalPreview does nothing when the camera is not running.
func (l *LocalMedia) StopLocalPreview() {
	l.switchMu.Lock()
	defer l.switchMu.Unlock()

	p := l.takeProducer(StreamMain, func(p *producer) bool { return p.source == sourceCamera })
	if p != nil {
		p.stop()
	}
}

// EnableCustomVideoCapture switches the main stream between the camera and
// frames pushed through SendCustomVideoData. The camera pipeline is stopped
// before custom frames are accepted.
func (l *LocalMedia) EnableCustomVideoCapture(enable bool) {
	l.switchMu.Lock()
	defer l.switchMu.Unlock()

	l.mu.Lock()
	if l.customEnabled == enable {
		l.mu.Unlock()
		return
	}

	l.customEnabled = enable
	l.mu.Unlock()

	if enable {
		// custom producers never fail to start
		_, _ = l.startProducer(StreamMain, sourceCustom, 0, nil)
		return
	}

	p := l.takeProducer(StreamMain, func(p *producer) bool { return p.source == sourceCustom })
	if p != nil {
		p.stop()
	}
}

// SendCustomVideoData publishes one caller supplied frame. The frame data is
// copied before the call returns.
func (l *LocalMedia) SendCustomVideoData(frame *VideoFrame) error {
	if frame == nil || len(frame.Data) == 0 {
		return ErrInvalidParams
	}

	p := l.producer(StreamMain)
	if p == nil || p.source != sourceCustom {
		return ErrStreamUnavailable
	}

	f, err := l.rt.frames.Get(frame.Data)
	if err != nil {
		return err
	}

	f.Width = frame.Width
	f.Height = frame.Height
	f.Timestamp = frame.Timestamp
	f.Sequence = frame.Sequence

	l.handleFrame(p, f)

	return nil
}

func (l *LocalMedia) handleFrame(p *producer, f *framepool.Frame) {
	defer f.Release()

	p.inflight.RLock()
	defer p.inflight.RUnlock()

	if p.paused.Load() || p.stopped.Load() {
		return
	}

	if p.preview != nil && f.Retain() == nil {
		p.preview.push(f)
	}

	l.publish(p.kind, f)
}

func (l *LocalMedia) publish(kind StreamKind, f *framepool.Frame) {
	if l.encoder == nil || !l.session.isJoined() {
		return
	}

	l.mu.Lock()
	muted := kind == StreamMain && l.videoMuted
	black := l.blackStream
	small := kind == StreamMain && l.smallStream
	rotation, mirror := l.encRotation, l.encMirror
	l.mu.Unlock()

	if muted {
		if black {
			l.writeFrame(kind, QualityBig, h264BlackFrame(), f)
		}

		return
	}

	frame := &VideoFrame{
		Data:      f.Data(),
		Width:     f.Width,
		Height:    f.Height,
		Timestamp: f.Timestamp,
		Sequence:  f.Sequence,
		Rotation:  rotation,
		Mirror:    mirror,
	}

	l.encodeAndWrite(kind, QualityBig, frame, f)

	if small {
		l.encodeAndWrite(kind, QualitySmall, frame, f)
	}
}

func (l *LocalMedia) encodeAndWrite(kind StreamKind, quality StreamQuality, frame *VideoFrame, f *framepool.Frame) {
	data, err := l.encoder.Encode(kind, quality, frame)
	if err != nil {
		l.rt.log.Warnf("local: encode %s/%s: %v", kind, quality, err)
		return
	}

	if len(data) == 0 {
		return
	}

	l.writeFrame(kind, quality, data, f)
}

func (l *LocalMedia) writeFrame(kind StreamKind, quality StreamQuality, data []byte, f *framepool.Frame) {
	pk, err := l.packetizer(kind, quality)
	if err != nil {
		l.rt.log.Warnf("local: packetizer %s/%s: %v", kind, quality, err)
		return
	}

	// SEI rides on the main big H.264 stream only
	if kind == StreamMain && quality == QualityBig && isH264(pk.codec) {
		if payloads := l.messages.takeSEI(); len(payloads) > 0 {
			withSEI, err := sei.Inject(data, payloads...)
			if err != nil {
				l.rt.log.Warnf("local: inject sei: %v", err)
			} else {
				data = withSEI
			}
		}
	}

	for _, pkt := range pk.packetize(data, f.Timestamp) {
		if err := l.transport.WriteRTP(kind, quality, pkt); err != nil {
			l.rt.log.Tracef("local: write rtp %s/%s: %v", kind, quality, err)
			return
		}
	}
}

func (l *LocalMedia) packetizer(kind StreamKind, quality StreamQuality) (*packetizer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := streamKey{kind: kind, quality: quality}
	if pk, ok := l.packetizers[key]; ok {
		return pk, nil
	}

	param := l.encParams[key]

	pk, err := newPacketizer(param.Codec, param.FPS, l.rt.options.MTU, rand.Uint32())
	if err != nil {
		return nil, err
	}

	l.packetizers[key] = pk

	return pk, nil
}

// streamForSSRC maps an SSRC from RTCP feedback to a local stream.
func (l *LocalMedia) streamForSSRC(ssrc uint32) (streamKey, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, pk := range l.packetizers {
		if pk.ssrc == ssrc {
			return key, true
		}
	}

	return streamKey{}, false
}

func (l *LocalMedia) handleRTCP(pkts []rtcp.Packet) {
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication:
			l.requestKeyFrame(p.MediaSSRC)
		case *rtcp.FullIntraRequest:
			l.requestKeyFrame(p.MediaSSRC)
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				if _, ok := l.streamForSSRC(report.SSRC); !ok {
					continue
				}

				l.session.setLocalQuality(networkmonitor.Grade(float64(report.FractionLost) / 256))
			}
		}
	}
}

func (l *LocalMedia) requestKeyFrame(ssrc uint32) {
	key, ok := l.streamForSSRC(ssrc)
	if !ok || l.encoder == nil {
		return
	}

	l.encoder.RequestKeyFrame(key.kind)
}

// stopAll stops every local producer. Called when the session ends.
func (l *LocalMedia) stopAll() {
	l.switchMu.Lock()
	defer l.switchMu.Unlock()

	l.mu.Lock()
	producers := make([]*producer, 0, len(l.producers))

	for kind, p := range l.producers {
		producers = append(producers, p)
		delete(l.producers, kind)
	}

	l.customEnabled = false
	l.packetizers = make(map[streamKey]*packetizer)
	l.mu.Unlock()

	for _, p := range producers {
		p.stop()

		if p.source == sourceScreen {
			l.rt.notify(func(lis Listener) { lis.OnScreenCaptureStopped(nil) })
		}
	}
}

func (l *LocalMedia) MuteLocalVideo(mute bool) error {
	l.mu.Lock()
	l.videoMuted = mute
	l.mu.Unlock()

	if !l.session.isJoined() {
		return nil
	}

	return l.transport.MuteLocal(LocalTrackVideo, mute)
}

func (l *LocalMedia) MuteLocalAudio(mute bool) error {
	l.mu.Lock()
	l.audioMuted = mute
	l.mu.Unlock()

	l.devices.SetMute(DeviceMicrophone, mute)

	if !l.session.isJoined() {
		return nil
	}

	return l.transport.MuteLocal(LocalTrackAudio, mute)
}

func (l *LocalMedia) StartLocalAudio() error {
	l.mu.Lock()
	if l.audioStarted {
		l.mu.Unlock()
		return nil
	}

	l.audioStarted = true
	l.mu.Unlock()

	return l.transport.EnableLocalAudio(true)
}

func (l *LocalMedia) StopLocalAudio() error {
	l.mu.Lock()
	if !l.audioStarted {
		l.mu.Unlock()
		return nil
	}

	l.audioStarted = false
	l.mu.Unlock()

	return l.transport.EnableLocalAudio(false)
}

func (l *LocalMedia) setEncoderParam(key streamKey, param VideoEncParam) error {
	if !param.valid() {
		return ErrInvalidParams
	}

	if param.Codec.MimeType == "" {
		param.Codec = DefaultVideoEncParam().Codec
	}

	if _, err := payloaderForCodec(param.Codec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	l.mu.Lock()
	prev := l.encParams[key]
	l.encParams[key] = param

	if prev.Codec.MimeType != param.Codec.MimeType || prev.FPS != param.FPS {
		delete(l.packetizers, key)
	}
	l.mu.Unlock()

	if l.encoder == nil {
		return nil
	}

	return l.encoder.SetParam(key.kind, key.quality, param)
}

func (l *LocalMedia) SetVideoEncoderParam(param VideoEncParam) error {
	return l.setEncoderParam(streamKey{StreamMain, QualityBig}, param)
}

func (l *LocalMedia) SetSubStreamEncoderParam(param VideoEncParam) error {
	return l.setEncoderParam(streamKey{StreamSub, QualityBig}, param)
}

func (l *LocalMedia) VideoEncoderParam(kind StreamKind, quality StreamQuality) VideoEncParam {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.encParams[streamKey{kind, quality}]
}

// EnableSmallVideoStream publishes a second, smaller main stream next to the
// big one. param is ignored when disabling.
func (l *LocalMedia) EnableSmallVideoStream(enable bool, param VideoEncParam) error {
	if enable {
		if err := l.setEncoderParam(streamKey{StreamMain, QualitySmall}, param); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.smallStream = enable

	return nil
}

func (l *LocalMedia) SetNetworkQosParam(param NetworkQosParam) error {
	l.mu.Lock()
	l.qos = param
	l.mu.Unlock()

	return l.transport.SetNetworkQos(param)
}

func (l *LocalMedia) SetLocalViewFillMode(mode FillMode) {
	l.mu.Lock()
	l.view.fillMode = mode
	p := l.producers[StreamMain]
	l.mu.Unlock()

	if p != nil && p.preview != nil {
		p.preview.setFillMode(mode)
	}
}

func (l *LocalMedia) SetLocalViewRotation(rotation Rotation) {
	l.mu.Lock()
	l.view.rotation = rotation
	p := l.producers[StreamMain]
	l.mu.Unlock()

	if p != nil && p.preview != nil {
		p.preview.setRotation(rotation)
	}
}

func (l *LocalMedia) SetLocalViewMirror(mirror bool) {
	l.mu.Lock()
	l.mirror = mirror
	p := l.producers[StreamMain]
	l.mu.Unlock()

	if p != nil && p.preview != nil {
		p.preview.setMirror(mirror)
	}
}

func (l *LocalMedia) SetVideoEncoderRotation(rotation Rotation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.encRotation = rotation
}

func (l *LocalMedia) SetVideoEncoderMirror(mirror bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.encMirror = mirror
}

// SetBeautyStyle clamps every level to [0,9].
func (l *LocalMedia) SetBeautyStyle(style BeautyStyle, beauty, white, ruddiness int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.beauty = BeautyParam{
		Style:     style,
		Beauty:    clamp(beauty, 0, 9),
		White:     clamp(white, 0, 9),
		Ruddiness: clamp(ruddiness, 0, 9),
	}
}

func (l *LocalMedia) Beauty() BeautyParam {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.beauty
}

// SetWaterMark replaces the watermark of a stream; nil removes it.
func (l *LocalMedia) SetWaterMark(kind StreamKind, mark *WaterMark) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mark == nil {
		delete(l.watermarks, kind)
		return
	}

	m := *mark
	m.Kind = kind
	l.watermarks[kind] = m
}

func (l *LocalMedia) WaterMark(kind StreamKind) (WaterMark, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.watermarks[kind]

	return m, ok
}

// SetBGMVolume clamps to [0,200].
func (l *LocalMedia) SetBGMVolume(volume int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bgmVolume = clamp(volume, 0, 200)
}

func (l *LocalMedia) BGMVolume() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.bgmVolume
}

func (l *LocalMedia) setBlackStream(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.blackStream = enable
}

// LocalSlots returns the preview slots of running producers.
func (l *LocalMedia) LocalSlots() []SlotInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	var infos []SlotInfo

	for _, kind := range []StreamKind{StreamMain, StreamSub} {
		if p := l.producers[kind]; p != nil && p.preview != nil {
			infos = append(infos, p.preview.Info())
		}
	}

	return infos
}
