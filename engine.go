package roomkit

import (
	"context"
	"flag"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/pion/logging"
	"github.com/samespace/roomkit/pkg/framepool"
)

// runtime is shared by every component of one Engine.
type runtime struct {
	ctx      context.Context
	options  Options
	log      logging.LeveledLogger
	metrics  *metrics
	notifier *notifier
	targets  *targetArena
	frames   *framepool.Pool
}

func (r *runtime) notify(f func(Listener)) {
	r.notifier.push(f)
}

// Dependencies are the platform collaborators of an Engine. Screen and
// Encoder are optional; without an encoder local video is previewed but not
// published.
type Dependencies struct {
	Transport Transport
	Devices   DeviceProvider
	Screen    ScreenCapturer
	Encoder   Encoder
}

// Engine owns one room session with its devices, streams, messages and mix
// layout. Engines are independent of each other.
type Engine struct {
	rt            *runtime
	context       context.Context
	cancel        context.CancelFunc
	listeners     *listenerSet
	loggerFactory logging.LoggerFactory
	transport     Transport

	session  *RoomSession
	devices  *DeviceRegistry
	messages *MessageChannel
	mix      *MixTranscodeCoordinator
	local    *LocalMedia
	meta     *Metadata

	mu          sync.Mutex
	closed      bool
	speedCancel context.CancelFunc
}

func NewEngine(ctx context.Context, deps Dependencies, options Options) (*Engine, error) {
	if deps.Transport == nil || deps.Devices == nil {
		return nil, ErrInvalidParams
	}

	localCtx, cancel := context.WithCancel(ctx)

	factory := options.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	listeners := &listenerSet{}

	rt := &runtime{
		ctx:      localCtx,
		options:  options,
		log:      factory.NewLogger("roomkit"),
		metrics:  newMetrics(options.MetricsRegisterer),
		notifier: newNotifier(localCtx, listeners),
		targets:  newTargetArena(),
		frames:   framepool.New(options.MaxFrameSize),
	}

	e := &Engine{
		rt:            rt,
		context:       localCtx,
		cancel:        cancel,
		listeners:     listeners,
		loggerFactory: factory,
		transport:     deps.Transport,
		meta:          NewMetadata(),
	}

	e.session = newRoomSession(rt, deps.Transport)
	e.devices = newDeviceRegistry(rt, deps.Devices)
	e.messages = newMessageChannel(rt, e.session, deps.Transport)
	e.mix = newMixTranscodeCoordinator(rt, e.session, deps.Transport)
	e.local = newLocalMedia(rt, deps, e.session, e.messages, e.devices)

	e.session.messages = e.messages
	e.session.mix = e.mix
	e.session.local = e.local

	if options.ExitWhenAlone {
		e.session.AddExtension(NewAutoExitExtension(options.EmptyRoomTimeout))
	}

	glog.Info("engine: created")

	return e, nil
}

func (e *Engine) Session() *RoomSession {
	return e.session
}

func (e *Engine) Devices() *DeviceRegistry {
	return e.devices
}

func (e *Engine) Messages() *MessageChannel {
	return e.messages
}

func (e *Engine) Mix() *MixTranscodeCoordinator {
	return e.mix
}

func (e *Engine) Local() *LocalMedia {
	return e.local
}

func (e *Engine) Options() Options {
	return e.rt.options
}

// AddListener registers l. Listeners are called in registration order.
func (e *Engine) AddListener(l Listener) ListenerHandle {
	return e.listeners.add(l)
}

func (e *Engine) RemoveListener(h ListenerHandle) bool {
	return e.listeners.remove(h)
}

// RegisterRenderTarget returns the handle slots use to reach sink.
func (e *Engine) RegisterRenderTarget(sink RenderSink) TargetHandle {
	return e.rt.targets.register(sink)
}

// ReleaseRenderTarget waits for a frame being rendered to sink, then
// invalidates the handle. Slots still bound to it drop their frames.
func (e *Engine) ReleaseRenderTarget(h TargetHandle) bool {
	return e.rt.targets.release(h)
}

// SetLogLevel changes the level of the engine leveled logger.
func (e *Engine) SetLogLevel(level logging.LogLevel) {
	if f, ok := e.loggerFactory.(*logging.DefaultLoggerFactory); ok {
		f.DefaultLogLevel = level
	}

	if l, ok := e.rt.log.(*logging.DefaultLeveledLogger); ok {
		l.SetLevel(level)
	}
}

// SetConsoleEnabled switches lifecycle logs between stderr and log files.
func (e *Engine) SetConsoleEnabled(enabled bool) error {
	return flag.Set("logtostderr", strconv.FormatBool(enabled))
}

// StartSpeedTest measures the network to the media servers. Results arrive
// through OnSpeedTest. A running test is replaced.
func (e *Engine) StartSpeedTest(param SpeedTestParam) error {
	if param.SDKAppID == 0 || param.UserID == "" {
		return ErrInvalidParams
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}

	if e.speedCancel != nil {
		e.speedCancel()
	}

	ctx, cancel := context.WithCancel(e.context)
	e.speedCancel = cancel
	e.mu.Unlock()

	go func() {
		err := e.transport.SpeedTest(ctx, param, func(result SpeedTestResult, finished, total int) {
			e.rt.notify(func(l Listener) { l.OnSpeedTest(result, finished, total) })
		})

		if err != nil && ctx.Err() == nil {
			glog.Warning("engine: speed test: ", err)
			e.rt.notify(func(l Listener) { l.OnWarning("speed test failed: " + err.Error()) })
		}
	}()

	return nil
}

func (e *Engine) StopSpeedTest() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.speedCancel != nil {
		e.speedCancel()
		e.speedCancel = nil
	}
}

// Close exits the room and stops every pipeline. No listener is called
// after Close returns.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.closed = true
	e.mu.Unlock()

	e.StopSpeedTest()

	if err := e.session.Exit(); err != nil {
		glog.Error("engine: exit on close: ", err)
	}

	e.session.EnableAudioVolumeEvaluation(0)
	e.local.stopAll()
	e.local.StopBGM()
	e.devices.stopTests()

	e.cancel()
	<-e.rt.notifier.done

	glog.Info("engine: closed")
}

// flush waits until queued listener events have been delivered.
func (e *Engine) flush() {
	e.rt.notifier.flush()
}
