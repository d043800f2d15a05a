package roomkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type MixMode int

const (
	MixModeManual MixMode = iota
	MixModePureAudio
)

// MixInput places one stream on the mixed canvas.
type MixInput struct {
	UserID  string        `json:"userId"`
	Kind    StreamKind    `json:"streamType"`
	Quality StreamQuality `json:"quality"`
	X       int           `json:"x"`
	Y       int           `json:"y"`
	Width   int           `json:"width"`
	Height  int           `json:"height"`
	ZOrder  int           `json:"zOrder"`
}

type MixTranscodingConfig struct {
	Mode            MixMode    `json:"mode"`
	AppID           uint32     `json:"appId"`
	BizID           uint32     `json:"bizId"`
	Width           int        `json:"videoWidth"`
	Height          int        `json:"videoHeight"`
	FPS             int        `json:"videoFramerate"`
	GOP             int        `json:"videoGOP"`
	VideoBitrate    int        `json:"videoBitrate"`
	BackgroundColor uint32     `json:"backgroundColor"`
	AudioSampleRate int        `json:"audioSampleRate"`
	AudioBitrate    int        `json:"audioBitrate"`
	AudioChannels   int        `json:"audioChannels"`
	Inputs          []MixInput `json:"mixUsers"`
}

func (c *MixTranscodingConfig) empty() bool {
	return c == nil || len(c.Inputs) == 0
}

func (c *MixTranscodingConfig) clone() *MixTranscodingConfig {
	cp := *c
	cp.Inputs = append([]MixInput(nil), c.Inputs...)

	return &cp
}

// validate checks the config shape without looking at the roster.
func (c *MixTranscodingConfig) validate() error {
	if c.Mode != MixModePureAudio {
		if c.Width <= 0 || c.Height <= 0 || c.FPS <= 0 || c.VideoBitrate <= 0 {
			return fmt.Errorf("%w: mix output video", ErrInvalidParams)
		}
	}

	if c.AudioSampleRate < 0 || c.AudioBitrate < 0 || c.AudioChannels < 0 || c.AudioChannels > 2 {
		return fmt.Errorf("%w: mix output audio", ErrInvalidParams)
	}

	for i, in := range c.Inputs {
		if in.UserID == "" {
			return fmt.Errorf("%w: mix input %d has no user", ErrInvalidStreamReference, i)
		}

		if in.Width < 0 || in.Height < 0 || in.X < 0 || in.Y < 0 {
			return fmt.Errorf("%w: mix input %d layout", ErrInvalidParams, i)
		}
	}

	return nil
}

// MixTranscodeCoordinator holds the cloud mix layout of the session. Only
// one layout is active at a time; setting a new one replaces it.
type MixTranscodeCoordinator struct {
	rt        *runtime
	session   *RoomSession
	transport Transport

	mu     sync.Mutex
	active *MixTranscodingConfig
	cached *MixTranscodingConfig
	cdn    *PublishCDNParam
	// gen changes on every set or clear; a cached layout is only committed
	// when no newer call happened meanwhile.
	gen uint64
}

func newMixTranscodeCoordinator(rt *runtime, session *RoomSession, transport Transport) *MixTranscodeCoordinator {
	return &MixTranscodeCoordinator{
		rt:        rt,
		session:   session,
		transport: transport,
	}
}

// SetMixTranscodingConfig replaces the mix layout. nil or a config without
// inputs clears it. Outside a room the config is kept and applied once the
// session joins. The transport result arrives through
// OnSetMixTranscodingConfig.
func (m *MixTranscodeCoordinator) SetMixTranscodingConfig(config *MixTranscodingConfig) error {
	ctx, joined := m.session.joinedContext()

	if config.empty() {
		m.mu.Lock()
		hadActive := m.active != nil
		m.active = nil
		m.cached = nil
		m.gen++
		m.mu.Unlock()

		if joined && hadActive {
			go m.apply(ctx, nil)
		}

		return nil
	}

	if err := config.validate(); err != nil {
		return err
	}

	cfg := config.clone()

	if !joined {
		m.mu.Lock()
		m.cached = cfg
		m.gen++
		m.mu.Unlock()

		// the session may have joined and drained the cache in between
		if ctx, joined := m.session.joinedContext(); joined {
			go m.applyCached(ctx)
		}

		return nil
	}

	if err := m.session.checkMixInputs(cfg.Inputs); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = cfg
	m.cached = nil
	m.gen++
	m.mu.Unlock()

	go m.apply(ctx, cfg)

	return nil
}

func (m *MixTranscodeCoordinator) apply(ctx context.Context, cfg *MixTranscodingConfig) {
	err := m.transport.SetMixTranscoding(ctx, cfg)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		glog.Warning("mix: set transcoding: ", err)
	}

	m.rt.notify(func(l Listener) { l.OnSetMixTranscodingConfig(err) })
}

// applyCached sends a config that was set before the session joined.
func (m *MixTranscodeCoordinator) applyCached(ctx context.Context) {
	m.mu.Lock()
	cfg, gen := m.cached, m.gen
	m.cached = nil
	m.mu.Unlock()

	if cfg == nil {
		return
	}

	if err := m.session.checkMixInputs(cfg.Inputs); err != nil {
		m.rt.notify(func(l Listener) { l.OnSetMixTranscodingConfig(err) })
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}

	m.active = cfg
	m.mu.Unlock()

	m.apply(ctx, cfg)
}

// clear forgets the active and cached layout and the CDN target.
func (m *MixTranscodeCoordinator) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active = nil
	m.cached = nil
	m.cdn = nil
	m.gen++
}

// Current returns a copy of the active layout, nil when none.
func (m *MixTranscodeCoordinator) Current() *MixTranscodingConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}

	return m.active.clone()
}

// Pending returns a copy of the layout waiting for the session to join.
func (m *MixTranscodeCoordinator) Pending() *MixTranscodingConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached == nil {
		return nil
	}

	return m.cached.clone()
}

func (m *MixTranscodeCoordinator) StartPublishCDNStream(param PublishCDNParam) error {
	if param.URL == "" {
		return ErrInvalidParams
	}

	ctx, joined := m.session.joinedContext()
	if !joined {
		return ErrNotInRoom
	}

	go func() {
		err := m.transport.StartPublishCDN(ctx, param)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			m.mu.Lock()
			p := param
			m.cdn = &p
			m.mu.Unlock()
		}

		m.rt.notify(func(l Listener) { l.OnStartPublishCDNStream(err) })
	}()

	return nil
}

func (m *MixTranscodeCoordinator) StopPublishCDNStream() error {
	ctx, joined := m.session.joinedContext()
	if !joined {
		return ErrNotInRoom
	}

	go func() {
		err := m.transport.StopPublishCDN(ctx)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			m.mu.Lock()
			m.cdn = nil
			m.mu.Unlock()
		}

		m.rt.notify(func(l Listener) { l.OnStopPublishCDNStream(err) })
	}()

	return nil
}

func (m *MixTranscodeCoordinator) PublishingCDN() (PublishCDNParam, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cdn == nil {
		return PublishCDNParam{}, false
	}

	return *m.cdn, true
}
