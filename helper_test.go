package roomkit

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/samespace/roomkit/pkg/networkmonitor"
	"github.com/samespace/roomkit/pkg/volume"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 5 * time.Millisecond
)

var errTestTransport = errors.New("transport: test failure")

type subscribeCall struct {
	userID    string
	kind      StreamKind
	quality   StreamQuality
	subscribe bool
}

type rtpWrite struct {
	kind    StreamKind
	quality StreamQuality
	packet  *rtp.Packet
}

// fakeTransport records every call. Join blocks on joinGate when set.
type fakeTransport struct {
	mu          sync.Mutex
	joinErr     error
	joinGate    chan struct{}
	joins       int
	leaves      int
	roles       []Role
	subscribes  []subscribeCall
	streamTypes map[string]StreamQuality
	typeErr     error
	typeCalls   int
	rtcp        []rtcp.Packet
	rtp         []rtpWrite
	cmds        []CustomCmdMessage
	cmdInits    []webrtc.DataChannelInit
	mixes       []*MixTranscodingConfig
	cdn         []PublishCDNParam
	mutedRemote map[string]bool
	localMuted  map[LocalTrack]bool
	localAudio  bool
	qos         []NetworkQosParam
	otherRoom   []ConnectOtherRoomParam
	speedTests  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		streamTypes: make(map[string]StreamQuality),
		mutedRemote: make(map[string]bool),
		localMuted:  make(map[LocalTrack]bool),
	}
}

func (f *fakeTransport) Join(ctx context.Context, _ EnterParams, _ AppScene) error {
	f.mu.Lock()
	f.joins++
	gate, err := f.joinGate, f.joinErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

func (f *fakeTransport) Leave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.leaves++

	return nil
}

func (f *fakeTransport) SwitchRole(_ context.Context, role Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.roles = append(f.roles, role)

	return nil
}

func (f *fakeTransport) ConnectOtherRoom(_ context.Context, param ConnectOtherRoomParam) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.otherRoom = append(f.otherRoom, param)

	if param.RoomID == "missing" {
		return errTestTransport
	}

	return nil
}

func (f *fakeTransport) DisconnectOtherRoom(context.Context) error {
	return nil
}

func (f *fakeTransport) Subscribe(userID string, kind StreamKind, quality StreamQuality, subscribe bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subscribes = append(f.subscribes, subscribeCall{userID, kind, quality, subscribe})

	return nil
}

func (f *fakeTransport) SetRemoteStreamType(userID string, quality StreamQuality) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.typeCalls++

	if f.typeErr != nil {
		return f.typeErr
	}

	f.streamTypes[userID] = quality

	return nil
}

func (f *fakeTransport) MuteRemoteAudio(userID string, mute bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mutedRemote[userID] = mute

	return nil
}

func (f *fakeTransport) MuteLocal(track LocalTrack, mute bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.localMuted[track] = mute

	return nil
}

func (f *fakeTransport) EnableLocalAudio(enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.localAudio = enable

	return nil
}

func (f *fakeTransport) SetNetworkQos(param NetworkQosParam) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.qos = append(f.qos, param)

	return nil
}

func (f *fakeTransport) WriteRTP(kind StreamKind, quality StreamQuality, pkt *rtp.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rtp = append(f.rtp, rtpWrite{kind: kind, quality: quality, packet: pkt})

	return nil
}

func (f *fakeTransport) WriteRTCP(pkts []rtcp.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rtcp = append(f.rtcp, pkts...)

	return nil
}

func (f *fakeTransport) SendCustomCmd(msg CustomCmdMessage, init webrtc.DataChannelInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cmds = append(f.cmds, msg)
	f.cmdInits = append(f.cmdInits, init)

	return nil
}

func (f *fakeTransport) SetMixTranscoding(_ context.Context, config *MixTranscodingConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mixes = append(f.mixes, config)

	return nil
}

func (f *fakeTransport) StartPublishCDN(_ context.Context, param PublishCDNParam) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cdn = append(f.cdn, param)

	return nil
}

func (f *fakeTransport) StopPublishCDN(context.Context) error {
	return nil
}

func (f *fakeTransport) SpeedTest(ctx context.Context, _ SpeedTestParam, report func(SpeedTestResult, int, int)) error {
	f.mu.Lock()
	f.speedTests++
	f.mu.Unlock()

	for i := 1; i <= 2; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		report(SpeedTestResult{IP: "10.0.0.1", Quality: 1}, i, 2)
	}

	return nil
}

func (f *fakeTransport) rtpWrites() []rtpWrite {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]rtpWrite(nil), f.rtp...)
}

func (f *fakeTransport) sentCmds() []CustomCmdMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]CustomCmdMessage(nil), f.cmds...)
}

func (f *fakeTransport) mixCalls() []*MixTranscodingConfig {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*MixTranscodingConfig(nil), f.mixes...)
}

func (f *fakeTransport) rtcpPackets() []rtcp.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]rtcp.Packet(nil), f.rtcp...)
}

func (f *fakeTransport) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.leaves
}

// fakeSource yields the frames written to its channel.
type fakeSource struct {
	frames chan *VideoFrame
	closed atomic.Bool
	err    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan *VideoFrame, 16)}
}

func (s *fakeSource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}

			return nil, io.EOF
		}

		return f, nil
	}
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeDevices struct {
	mu        sync.Mutex
	lists     map[DeviceCategory][]DeviceInfo
	selected  map[DeviceCategory]string
	volumes   map[DeviceCategory]int
	listErr   error
	selectErr error
	level     int
	playing   string
	paused    bool
	seeks     []time.Duration
	duration  time.Duration
	stops     int
	cameras   []*fakeSource
	// overlap is set when a camera is opened while another is still open
	overlap atomic.Bool
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		lists: map[DeviceCategory][]DeviceInfo{
			DeviceCamera: {
				{DeviceID: "cam-1", Name: "Front"},
				{DeviceID: "cam-2", Name: "Back"},
			},
			DeviceMicrophone: {{DeviceID: "mic-1", Name: "Built-in"}},
			DeviceSpeaker:    {{DeviceID: "spk-1", Name: "Built-in"}},
		},
		selected: make(map[DeviceCategory]string),
		volumes:  make(map[DeviceCategory]int),
		level:    42,
		duration: time.Minute,
	}
}

func (d *fakeDevices) List(category DeviceCategory) ([]DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.listErr != nil {
		return nil, d.listErr
	}

	return append([]DeviceInfo(nil), d.lists[category]...), nil
}

func (d *fakeDevices) Select(category DeviceCategory, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.selectErr != nil {
		return d.selectErr
	}

	d.selected[category] = deviceID

	return nil
}

func (d *fakeDevices) OpenCamera(string) (VideoSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range d.cameras {
		if !c.closed.Load() {
			d.overlap.Store(true)
		}
	}

	s := newFakeSource()
	d.cameras = append(d.cameras, s)

	return s, nil
}

func (d *fakeDevices) camera(i int) *fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.cameras[i]
}

func (d *fakeDevices) Volume(category DeviceCategory) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.volumes[category]
	if !ok {
		return 0, errors.New("device: volume unknown")
	}

	return v, nil
}

func (d *fakeDevices) SetVolume(category DeviceCategory, volume int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.volumes[category] = volume

	return nil
}

func (d *fakeDevices) Level(DeviceCategory) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.level, nil
}

func (d *fakeDevices) StartPlayback(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.playing = path

	return nil
}

func (d *fakeDevices) StopPlayback() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.playing = ""
	d.paused = false
	d.stops++

	return nil
}

func (d *fakeDevices) PausePlayback() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.paused = true

	return nil
}

func (d *fakeDevices) ResumePlayback() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.paused = false

	return nil
}

func (d *fakeDevices) SeekPlayback(position time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seeks = append(d.seeks, position)

	return nil
}

func (d *fakeDevices) PlaybackDuration(path string) (time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if path == "missing.mp3" {
		return 0, errors.New("device: no such file")
	}

	return d.duration, nil
}

func (d *fakeDevices) playback() (string, bool, int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.playing, d.paused, d.stops
}

type fakeScreen struct {
	source *fakeSource
}

func (s *fakeScreen) Sources(Size, Size) ([]ScreenCaptureSource, error) {
	return []ScreenCaptureSource{
		{Type: ScreenSourceScreen, ID: "screen-1", Name: "Display 1"},
		{Type: ScreenSourceWindow, ID: "win-1", Name: "Editor"},
	}, nil
}

func (s *fakeScreen) Open(ScreenCaptureSource, Rect, bool) (VideoSource, error) {
	s.source = newFakeSource()
	return s.source, nil
}

// fakeEncoder turns every raw frame into an IDR NAL unit carrying the raw
// bytes.
type fakeEncoder struct {
	mu        sync.Mutex
	encoded   map[streamKey]int
	keyFrames map[StreamKind]int
	params    map[streamKey]VideoEncParam
	encodes   []string

	// when gate is set Encode signals entered and waits for gate
	gate    chan struct{}
	entered chan struct{}
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{
		encoded:   make(map[streamKey]int),
		keyFrames: make(map[StreamKind]int),
		params:    make(map[streamKey]VideoEncParam),
	}
}

func (e *fakeEncoder) Encode(kind StreamKind, quality StreamQuality, frame *VideoFrame) ([]byte, error) {
	e.mu.Lock()
	e.encoded[streamKey{kind, quality}]++
	e.encodes = append(e.encodes, string(frame.Data))
	gate, entered := e.gate, e.entered
	e.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	return append([]byte{0x00, 0x00, 0x00, 0x01, 0x65}, frame.Data...), nil
}

func (e *fakeEncoder) SetParam(kind StreamKind, quality StreamQuality, param VideoEncParam) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.params[streamKey{kind, quality}] = param

	return nil
}

func (e *fakeEncoder) RequestKeyFrame(kind StreamKind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.keyFrames[kind]++
}

func (e *fakeEncoder) block() (entered <-chan struct{}, release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.gate = make(chan struct{})
	e.entered = make(chan struct{}, 16)

	gate := e.gate

	var once sync.Once

	return e.entered, func() {
		once.Do(func() {
			e.mu.Lock()
			e.gate = nil
			e.mu.Unlock()

			close(gate)
		})
	}
}

func (e *fakeEncoder) encodedData() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.encodes...)
}

func (e *fakeEncoder) keyFrameRequests(kind StreamKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.keyFrames[kind]
}

// countingSink counts rendered frames.
type countingSink struct {
	count atomic.Int64
	last  atomic.Value
}

func (s *countingSink) RenderFrame(_ string, _ StreamKind, frame *VideoFrame) {
	data := append([]byte(nil), frame.Data...)
	s.last.Store(data)
	s.count.Add(1)
}

func (s *countingSink) frames() int {
	return int(s.count.Load())
}

type cmdEvent struct {
	userID string
	cmdID  int
	seq    uint32
	data   []byte
}

type missEvent struct {
	userID string
	cmdID  int
	missed int
}

type seiExpiredEvent struct {
	data []byte
	sent int
}

// recordingListener forwards the events tests wait for to buffered
// channels and keeps an ordered log of the rest.
type recordingListener struct {
	NopListener

	enter       chan error
	exit        chan ExitReason
	userEnter   chan string
	userLeave   chan string
	connLost    chan struct{}
	otherRoom   chan error
	switchRole  chan error
	firstFrame  chan string
	cmd         chan cmdEvent
	miss        chan missEvent
	sei         chan []byte
	seiExpired  chan seiExpiredEvent
	mix         chan error
	cdn         chan error
	device      chan string
	micVolume   chan int
	speedTest   chan int
	voice       chan int
	quality     chan []RemoteQuality
	screenState chan string
	errs        chan error

	mu     sync.Mutex
	events []string

	onLeave func(userID string)
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		enter:       make(chan error, 16),
		exit:        make(chan ExitReason, 16),
		userEnter:   make(chan string, 64),
		userLeave:   make(chan string, 64),
		connLost:    make(chan struct{}, 16),
		otherRoom:   make(chan error, 16),
		switchRole:  make(chan error, 16),
		firstFrame:  make(chan string, 64),
		cmd:         make(chan cmdEvent, 64),
		miss:        make(chan missEvent, 64),
		sei:         make(chan []byte, 64),
		seiExpired:  make(chan seiExpiredEvent, 64),
		mix:         make(chan error, 16),
		cdn:         make(chan error, 16),
		device:      make(chan string, 16),
		micVolume:   make(chan int, 256),
		speedTest:   make(chan int, 16),
		voice:       make(chan int, 256),
		quality:     make(chan []RemoteQuality, 256),
		screenState: make(chan string, 16),
		errs:        make(chan error, 16),
	}
}

func (l *recordingListener) log(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
}

func (l *recordingListener) eventLog() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.events...)
}

func (l *recordingListener) OnError(err error) { l.errs <- err }

func (l *recordingListener) OnEnterRoom(_ time.Duration, err error) { l.enter <- err }

func (l *recordingListener) OnExitRoom(reason ExitReason) { l.exit <- reason }

func (l *recordingListener) OnSwitchRole(err error) { l.switchRole <- err }

func (l *recordingListener) OnConnectOtherRoom(_ string, err error) { l.otherRoom <- err }

func (l *recordingListener) OnConnectionLost() { l.connLost <- struct{}{} }

func (l *recordingListener) OnRemoteUserEnterRoom(userID string) {
	l.log("enter:" + userID)
	l.userEnter <- userID
}

func (l *recordingListener) OnRemoteUserLeaveRoom(userID string, _ LeaveReason) {
	if l.onLeave != nil {
		l.onLeave(userID)
	}

	l.log("leave:" + userID)
	l.userLeave <- userID
}

func (l *recordingListener) OnUserVideoAvailable(userID string, available bool) {
	if available {
		l.log("video:" + userID)
	} else {
		l.log("novideo:" + userID)
	}
}

func (l *recordingListener) OnUserSubStreamAvailable(userID string, available bool) {
	if available {
		l.log("sub:" + userID)
	}
}

func (l *recordingListener) OnUserAudioAvailable(userID string, available bool) {
	if available {
		l.log("audio:" + userID)
	}
}

func (l *recordingListener) OnFirstVideoFrame(userID string, _ StreamKind, _, _ int) {
	l.firstFrame <- userID
}

func (l *recordingListener) OnRecvCustomCmdMsg(userID string, cmdID int, seq uint32, data []byte) {
	l.cmd <- cmdEvent{userID: userID, cmdID: cmdID, seq: seq, data: data}
}

func (l *recordingListener) OnMissCustomCmdMsg(userID string, cmdID int, _ error, missed int) {
	l.miss <- missEvent{userID: userID, cmdID: cmdID, missed: missed}
}

func (l *recordingListener) OnRecvSEIMsg(_ string, data []byte) { l.sei <- data }

func (l *recordingListener) OnSEIMsgExpired(data []byte, sent int) {
	l.seiExpired <- seiExpiredEvent{data: data, sent: sent}
}

func (l *recordingListener) OnSetMixTranscodingConfig(err error) { l.mix <- err }

func (l *recordingListener) OnStartPublishCDNStream(err error) { l.cdn <- err }

func (l *recordingListener) OnDeviceChange(deviceID string, _ DeviceCategory, _ DeviceState) {
	l.device <- deviceID
}

func (l *recordingListener) OnTestMicVolume(volume int) { l.micVolume <- volume }

func (l *recordingListener) OnSpeedTest(_ SpeedTestResult, finished, _ int) { l.speedTest <- finished }

func (l *recordingListener) OnUserVoiceVolume(_ []volume.Level, total int) { l.voice <- total }

func (l *recordingListener) OnNetworkQuality(_ networkmonitor.Quality, remote []RemoteQuality) {
	l.quality <- remote
}

func (l *recordingListener) OnScreenCaptureStarted() { l.screenState <- "started" }

func (l *recordingListener) OnScreenCapturePaused() { l.screenState <- "paused" }

func (l *recordingListener) OnScreenCaptureResumed() { l.screenState <- "resumed" }

func (l *recordingListener) OnScreenCaptureStopped(error) { l.screenState <- "stopped" }

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
	}

	var zero T

	return zero
}

type testEngine struct {
	*Engine
	transport *fakeTransport
	devices   *fakeDevices
	encoder   *fakeEncoder
	screen    *fakeScreen
	listener  *recordingListener
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.NetworkQualityInterval = 0
	opts.LoggerFactory = testLoggerFactory

	return opts
}

func newTestEngine(t *testing.T, opts Options) *testEngine {
	t.Helper()

	te := &testEngine{
		transport: newFakeTransport(),
		devices:   newFakeDevices(),
		encoder:   newFakeEncoder(),
		screen:    &fakeScreen{},
		listener:  newRecordingListener(),
	}

	engine, err := NewEngine(context.Background(), Dependencies{
		Transport: te.transport,
		Devices:   te.devices,
		Screen:    te.screen,
		Encoder:   te.encoder,
	}, opts)
	require.NoError(t, err)

	te.Engine = engine
	engine.AddListener(te.listener)

	t.Cleanup(engine.Close)

	return te
}

func testEnterParams(userID string) EnterParams {
	return EnterParams{
		SDKAppID: 1400000001,
		UserID:   userID,
		UserSig:  "sig",
		RoomID:   "room-1",
	}
}

// enter joins room-1 as "local" and waits for OnEnterRoom.
func (te *testEngine) enter(t *testing.T, scene AppScene) {
	t.Helper()

	require.NoError(t, te.Session().Enter(testEnterParams("local"), scene))
	require.NoError(t, receive(t, te.listener.enter))
	require.Equal(t, StateJoined, te.Session().State())
}

// addUser announces a remote user publishing main video.
func (te *testEngine) addUser(t *testing.T, userID string) {
	t.Helper()

	te.Session().HandleUserEnter(userID)
	te.Session().HandleVideoAvailable(userID, true)
	require.Equal(t, userID, receive(t, te.listener.userEnter))
}

func (te *testEngine) waitIdle(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return te.Session().State() == StateIdle
	}, testTimeout, testTick)
}

func (te *testEngine) pushRemoteFrame(userID string, kind StreamKind, seq uint16) {
	te.Session().HandleRemoteVideoFrame(userID, kind, &VideoFrame{
		Data:      []byte{0xde, 0xad, byte(seq)},
		Width:     320,
		Height:    180,
		Timestamp: time.Now(),
		Sequence:  seq,
	})
}
