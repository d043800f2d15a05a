package roomkit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/looplab/fsm"
	"github.com/samespace/roomkit/pkg/networkmonitor"
	"github.com/samespace/roomkit/pkg/volume"
)

const (
	StateIdle     = "idle"
	StateEntering = "entering"
	StateJoined   = "joined"
	StateExiting  = "exiting"

	eventEnter          = "enter"
	eventJoined         = "joined"
	eventJoinFailed     = "join_failed"
	eventExit           = "exit"
	eventExited         = "exited"
	eventConnectionLost = "connection_lost"
)

func newSessionFSM(m *metrics) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventEnter, Src: []string{StateIdle}, Dst: StateEntering},
			{Name: eventJoined, Src: []string{StateEntering}, Dst: StateJoined},
			{Name: eventJoinFailed, Src: []string{StateEntering}, Dst: StateIdle},
			{Name: eventExit, Src: []string{StateEntering, StateJoined}, Dst: StateExiting},
			{Name: eventExited, Src: []string{StateExiting}, Dst: StateIdle},
			{Name: eventConnectionLost, Src: []string{StateJoined}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				m.transition(e.Event)
				m.setJoined(e.Dst == StateJoined)
				glog.Info("session: ", e.Src, " -> ", e.Dst, " on ", e.Event)
			},
		},
	)
}

// RoomSession owns room membership, the roster of remote users and the
// remote stream slots. All roster and slot registry changes happen under mu;
// mu is never held while waiting for a slot to finish a frame.
type RoomSession struct {
	rt        *runtime
	transport Transport
	messages  *MessageChannel
	mix       *MixTranscodeCoordinator
	local     *LocalMedia
	volumes   *volume.Evaluator

	// eventMu keeps transport events in the order they were handed over.
	eventMu sync.Mutex

	mu            sync.Mutex
	fsm           *fsm.FSM
	epoch         uint64
	id            string
	params        EnterParams
	scene         AppScene
	role          Role
	enterStarted  time.Time
	context       context.Context
	cancel        context.CancelFunc
	roster        roster
	slots         map[slotKey]*StreamSlot
	views         map[slotKey]viewSetting
	otherRoom     *ConnectOtherRoomParam
	priorQuality  StreamQuality
	muteAllAudio  bool
	muteAllVideo  bool
	localQuality  networkmonitor.Quality
	extensions    []SessionExtension
	volumeCancel  context.CancelFunc
	qualityCancel context.CancelFunc

	joined atomic.Bool
}

type viewSetting struct {
	fillMode FillMode
	rotation Rotation
}

func newRoomSession(rt *runtime, transport Transport) *RoomSession {
	prior := rt.options.PriorRemoteQuality
	if prior == QualityDefault {
		prior = QualityBig
	}

	return &RoomSession{
		rt:        rt,
		transport: transport,
		volumes: volume.New(volume.Config{
			Threshold:  rt.options.VolumeThreshold,
			TailMargin: rt.options.VolumeTailMargin,
		}),
		fsm:          newSessionFSM(rt.metrics),
		roster:       make(roster),
		slots:        make(map[slotKey]*StreamSlot),
		views:        make(map[slotKey]viewSetting),
		priorQuality: prior,
	}
}

func (s *RoomSession) AddExtension(ext SessionExtension) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.extensions = append(s.extensions, ext)
}

func (s *RoomSession) extensionsSnapshot() []SessionExtension {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SessionExtension(nil), s.extensions...)
}

func (s *RoomSession) event(name string) {
	if err := s.fsm.Event(context.Background(), name); err != nil {
		glog.Error("session: transition ", name, " from ", s.fsm.Current(), " failed: ", err)
	}
}

func (s *RoomSession) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fsm.Current()
}

// ID is a fresh identifier for every Enter call.
func (s *RoomSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.id
}

func (s *RoomSession) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.params.RoomID
}

func (s *RoomSession) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.params.UserID
}

func (s *RoomSession) Scene() AppScene {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scene
}

func (s *RoomSession) isJoined() bool {
	return s.joined.Load()
}

func (s *RoomSession) hasUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.roster[userID]

	return ok
}

// Roster returns a copy of the remote users sorted by user id.
func (s *RoomSession) Roster() []RemoteUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.roster.snapshot()
}

func (s *RoomSession) RemoteUser(userID string) (RemoteUser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.roster[userID]
	if !ok {
		return RemoteUser{}, false
	}

	cp := *u
	cp.monitor = nil

	return cp, true
}

// Enter starts joining a room. The result arrives through OnEnterRoom.
func (s *RoomSession) Enter(params EnterParams, scene AppScene) error {
	if s.rt.ctx.Err() != nil {
		return ErrEngineClosed
	}

	if err := params.validate(); err != nil {
		return err
	}

	if s.State() != StateIdle {
		return ErrAlreadyInRoom
	}

	for _, ext := range s.extensionsSnapshot() {
		if err := ext.OnBeforeEnter(s, params); err != nil {
			return err
		}
	}

	s.mu.Lock()

	if !s.fsm.Is(StateIdle) {
		s.mu.Unlock()
		return ErrAlreadyInRoom
	}

	s.event(eventEnter)

	s.epoch++
	epoch := s.epoch
	ctx, cancel := context.WithCancel(s.rt.ctx)
	s.context, s.cancel = ctx, cancel
	s.id = newSessionID()
	s.params = params
	s.scene = scene
	s.role = params.Role
	s.enterStarted = time.Now()
	s.roster = make(roster)
	s.localQuality = networkmonitor.QualityUnknown
	s.mu.Unlock()

	glog.Info("session: entering room ", params.RoomID, " as ", params.UserID, " scene ", scene)

	go s.join(ctx, epoch, params, scene)

	return nil
}

func (s *RoomSession) join(ctx context.Context, epoch uint64, params EnterParams, scene AppScene) {
	err := s.transport.Join(ctx, params, scene)

	s.mu.Lock()

	if s.epoch != epoch || !s.fsm.Is(StateEntering) {
		// exit won the race
		s.mu.Unlock()
		return
	}

	elapsed := time.Since(s.enterStarted)

	if err != nil {
		s.event(eventJoinFailed)
		s.cancel()
		s.roster = make(roster)
		s.mu.Unlock()

		glog.Warning("session: failed to enter room ", params.RoomID, ": ", err)
		s.rt.notify(func(l Listener) { l.OnEnterRoom(elapsed, err) })

		return
	}

	s.event(eventJoined)
	s.joined.Store(true)
	s.mu.Unlock()

	s.rt.notify(func(l Listener) { l.OnEnterRoom(elapsed, nil) })

	s.startQualityLoop(ctx)
	s.mix.applyCached(ctx)

	for _, ext := range s.extensionsSnapshot() {
		ext.OnJoined(s)
	}
}

type teardown struct {
	cancel context.CancelFunc
	slots  []*StreamSlot
}

// detachLocked empties the session. The returned teardown must run after
// mu is released.
func (s *RoomSession) detachLocked() teardown {
	t := teardown{cancel: s.cancel}

	for key, slot := range s.slots {
		t.slots = append(t.slots, slot)
		delete(s.slots, key)
	}

	s.roster = make(roster)
	s.otherRoom = nil
	s.joined.Store(false)
	s.rt.metrics.setRemoteUsers(0)

	return t
}

func (s *RoomSession) runTeardown(t teardown) {
	if t.cancel != nil {
		t.cancel()
	}

	for _, slot := range t.slots {
		slot.close()
	}

	s.local.stopAll()
	s.messages.reset()
	s.mix.clear()
	s.volumes.Reset()
}

// Exit leaves the room. Every slot is closed before Exit returns; the
// transport leave and OnExitRoom happen asynchronously. Exit from idle does
// nothing.
func (s *RoomSession) Exit() error {
	return s.exit(ExitReasonUser)
}

func (s *RoomSession) exit(reason ExitReason) error {
	s.mu.Lock()

	if s.fsm.Is(StateIdle) || s.fsm.Is(StateExiting) {
		s.mu.Unlock()
		return nil
	}

	s.event(eventExit)
	t := s.detachLocked()
	epoch := s.epoch
	roomID := s.params.RoomID
	s.mu.Unlock()

	glog.Info("session: exiting room ", roomID)

	s.runTeardown(t)

	go s.finishExit(epoch, reason)

	return nil
}

func (s *RoomSession) finishExit(epoch uint64, reason ExitReason) {
	ctx, cancel := context.WithTimeout(s.rt.ctx, s.rt.options.LeaveTimeout)
	defer cancel()

	if err := s.transport.Leave(ctx); err != nil {
		glog.Warning("session: transport leave: ", err)
	}

	s.mu.Lock()
	if s.epoch == epoch && s.fsm.Is(StateExiting) {
		s.event(eventExited)
	}
	s.mu.Unlock()

	s.rt.notify(func(l Listener) { l.OnExitRoom(reason) })

	for _, ext := range s.extensionsSnapshot() {
		ext.OnExited(s)
	}
}

// HandleConnectionLost is called by the transport when the connection
// cannot be recovered. The session returns to idle and every slot is closed
// before OnConnectionLost fires.
func (s *RoomSession) HandleConnectionLost() {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.mu.Lock()

	if !s.fsm.Is(StateJoined) {
		s.mu.Unlock()
		return
	}

	s.event(eventConnectionLost)
	t := s.detachLocked()
	s.mu.Unlock()

	glog.Warning("session: connection lost")

	s.runTeardown(t)

	s.rt.notify(func(l Listener) { l.OnConnectionLost() })

	for _, ext := range s.extensionsSnapshot() {
		ext.OnExited(s)
	}
}

func (s *RoomSession) HandleReconnecting() {
	if s.isJoined() {
		s.rt.notify(func(l Listener) { l.OnTryToReconnect() })
	}
}

func (s *RoomSession) HandleReconnected() {
	if s.isJoined() {
		s.rt.notify(func(l Listener) { l.OnConnectionRecovery() })
	}
}

// acceptsEventsLocked reports whether presence events belong to a live
// session.
func (s *RoomSession) acceptsEventsLocked() bool {
	return s.fsm.Is(StateEntering) || s.fsm.Is(StateJoined)
}

// userLocked returns the roster entry for userID, creating it when the
// first presence signal for the user arrives.
func (s *RoomSession) userLocked(userID string) (*RemoteUser, bool) {
	if u, ok := s.roster[userID]; ok {
		return u, false
	}

	u := &RemoteUser{
		UserID:     userID,
		Volume:     100,
		StreamType: s.priorQuality,
		AudioMuted: s.muteAllAudio,
		VideoMuted: s.muteAllVideo,
		JoinedAt:   time.Now(),
		monitor:    networkmonitor.New(s.rt.options.FrameMaxLatency),
	}

	s.roster[userID] = u
	s.rt.metrics.setRemoteUsers(len(s.roster))

	return u, true
}

func (s *RoomSession) userEntered(userID string, muteAudio bool) {
	s.rt.notify(func(l Listener) { l.OnRemoteUserEnterRoom(userID) })

	if muteAudio {
		if err := s.transport.MuteRemoteAudio(userID, true); err != nil {
			s.rt.log.Warnf("session: mute new user %s: %v", userID, err)
		}
	}

	for _, ext := range s.extensionsSnapshot() {
		ext.OnUserEntered(s, userID)
	}
}

func (s *RoomSession) HandleUserEnter(userID string) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.mu.Lock()
	if !s.acceptsEventsLocked() {
		s.mu.Unlock()
		return
	}

	u, created := s.userLocked(userID)
	muteAudio := u.AudioMuted
	s.mu.Unlock()

	if created {
		s.userEntered(userID, muteAudio)
	}
}

// HandleUserLeave removes the user and closes all of its slots before
// OnRemoteUserLeaveRoom is queued.
func (s *RoomSession) HandleUserLeave(userID string, reason LeaveReason) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.mu.Lock()
	if _, ok := s.roster[userID]; !ok || !s.acceptsEventsLocked() {
		s.mu.Unlock()
		return
	}

	delete(s.roster, userID)
	s.rt.metrics.setRemoteUsers(len(s.roster))

	var closing []*StreamSlot

	for key, slot := range s.slots {
		if key.owner == userID {
			closing = append(closing, slot)
			delete(s.slots, key)
		}
	}

	for key := range s.views {
		if key.owner == userID {
			delete(s.views, key)
		}
	}
	s.mu.Unlock()

	for _, slot := range closing {
		slot.close()
	}

	s.volumes.Remove(userID)
	s.messages.reorder.removeUser(userID)

	s.rt.notify(func(l Listener) { l.OnRemoteUserLeaveRoom(userID, reason) })

	for _, ext := range s.extensionsSnapshot() {
		ext.OnUserLeft(s, userID)
	}
}

func (s *RoomSession) setAvailable(userID string, kind StreamKind, audio, available bool) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.mu.Lock()
	if !s.acceptsEventsLocked() {
		s.mu.Unlock()
		return
	}

	u, created := s.userLocked(userID)

	var changed bool

	switch {
	case audio:
		changed = u.AudioAvailable != available
		u.AudioAvailable = available
	case kind == StreamSub:
		changed = u.SubStreamAvailable != available
		u.SubStreamAvailable = available
	default:
		changed = u.VideoAvailable != available
		u.VideoAvailable = available
	}

	muteAudio := u.AudioMuted
	s.mu.Unlock()

	if created {
		s.userEntered(userID, muteAudio)
	}

	if !changed {
		return
	}

	s.rt.notify(func(l Listener) {
		switch {
		case audio:
			l.OnUserAudioAvailable(userID, available)
		case kind == StreamSub:
			l.OnUserSubStreamAvailable(userID, available)
		default:
			l.OnUserVideoAvailable(userID, available)
		}
	})
}

func (s *RoomSession) HandleVideoAvailable(userID string, available bool) {
	s.setAvailable(userID, StreamMain, false, available)
}

func (s *RoomSession) HandleSubStreamAvailable(userID string, available bool) {
	s.setAvailable(userID, StreamSub, false, available)
}

func (s *RoomSession) HandleAudioAvailable(userID string, available bool) {
	s.setAvailable(userID, StreamMain, true, available)
}

// HandleRemoteStreamInfo records dual stream capability and the SSRCs of a
// remote user's streams.
func (s *RoomSession) HandleRemoteStreamInfo(userID string, info RemoteStreamInfo) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.mu.Lock()
	if !s.acceptsEventsLocked() {
		s.mu.Unlock()
		return
	}

	u, created := s.userLocked(userID)
	u.Streams = info
	u.DualStream = info.DualStream

	if !u.DualStream {
		u.StreamType = QualityBig
	}

	muteAudio := u.AudioMuted
	s.mu.Unlock()

	if created {
		s.userEntered(userID, muteAudio)
	}
}

// HandleRemoteVideoFrame routes a decoded remote frame to the user's slot.
// The frame is copied; the caller keeps ownership of frame.Data.
func (s *RoomSession) HandleRemoteVideoFrame(userID string, kind StreamKind, frame *VideoFrame) {
	s.mu.Lock()

	u, ok := s.roster[userID]
	if !ok {
		s.mu.Unlock()
		return
	}

	monitor := u.monitor
	muted := u.VideoMuted
	slot := s.slots[slotKey{owner: userID, kind: kind}]
	s.mu.Unlock()

	if kind == StreamMain && monitor != nil {
		_ = monitor.Add(frame.Sequence)
	}

	if slot == nil || muted {
		return
	}

	f, err := s.rt.frames.Get(frame.Data)
	if err != nil {
		s.rt.log.Warnf("session: frame from %s: %v", userID, err)
		return
	}

	f.Width = frame.Width
	f.Height = frame.Height
	f.Timestamp = frame.Timestamp
	f.Sequence = frame.Sequence

	slot.push(f)
}

// HandleAudioLevel takes the raw payload of an ssrc-audio-level header
// extension for userID.
func (s *RoomSession) HandleAudioLevel(userID string, extension []byte) {
	if err := s.volumes.AddExtension(userID, extension); err != nil {
		s.rt.log.Debugf("session: audio level from %s: %v", userID, err)
	}
}

// SwitchRole changes between anchor and audience in a live room. The result
// arrives through OnSwitchRole.
func (s *RoomSession) SwitchRole(role Role) error {
	s.mu.Lock()
	if !s.fsm.Is(StateJoined) {
		s.mu.Unlock()
		return ErrNotInRoom
	}

	ctx := s.context
	s.mu.Unlock()

	go func() {
		err := s.transport.SwitchRole(ctx, role)
		if err == nil {
			s.mu.Lock()
			s.role = role
			s.mu.Unlock()
		}

		if ctx.Err() != nil {
			return
		}

		s.rt.notify(func(l Listener) { l.OnSwitchRole(err) })
	}()

	return nil
}

func (s *RoomSession) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.role
}

// ConnectOtherRoom relays the local streams into another room. Failures
// are reported through OnConnectOtherRoom and never change the session state.
func (s *RoomSession) ConnectOtherRoom(param ConnectOtherRoomParam) error {
	if param.RoomID == "" || param.UserID == "" {
		return ErrInvalidParams
	}

	s.mu.Lock()
	if !s.fsm.Is(StateJoined) {
		s.mu.Unlock()
		return ErrNotInRoom
	}

	ctx := s.context
	s.mu.Unlock()

	go func() {
		err := s.transport.ConnectOtherRoom(ctx, param)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			err = fmt.Errorf("session: connect other room %s: %w", param.RoomID, err)
		} else {
			s.mu.Lock()
			p := param
			s.otherRoom = &p
			s.mu.Unlock()
		}

		s.rt.notify(func(l Listener) { l.OnConnectOtherRoom(param.UserID, err) })
	}()

	return nil
}

func (s *RoomSession) DisconnectOtherRoom() error {
	s.mu.Lock()
	if !s.fsm.Is(StateJoined) {
		s.mu.Unlock()
		return ErrNotInRoom
	}

	ctx := s.context
	s.mu.Unlock()

	go func() {
		err := s.transport.DisconnectOtherRoom(ctx)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			s.mu.Lock()
			s.otherRoom = nil
			s.mu.Unlock()
		}

		s.rt.notify(func(l Listener) { l.OnDisconnectOtherRoom(err) })
	}()

	return nil
}

// LinkedRoom returns the room the session relays into, if any.
func (s *RoomSession) LinkedRoom() (ConnectOtherRoomParam, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.otherRoom == nil {
		return ConnectOtherRoomParam{}, false
	}

	return *s.otherRoom, true
}

// EnableAudioVolumeEvaluation reports OnUserVoiceVolume every interval.
// A zero interval stops the reports.
func (s *RoomSession) EnableAudioVolumeEvaluation(interval time.Duration) {
	s.mu.Lock()
	if s.volumeCancel != nil {
		s.volumeCancel()
		s.volumeCancel = nil
	}

	if interval <= 0 {
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(s.rt.ctx)
	s.volumeCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.isJoined() {
					continue
				}

				levels := s.volumes.Snapshot()
				total := volume.Total(levels)
				s.rt.notify(func(l Listener) { l.OnUserVoiceVolume(levels, total) })
			}
		}
	}()
}

func (s *RoomSession) startQualityLoop(ctx context.Context) {
	interval := s.rt.options.NetworkQualityInterval
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reportQuality()
			}
		}
	}()
}

func (s *RoomSession) reportQuality() {
	s.mu.Lock()
	local := s.localQuality
	monitors := make(map[string]*networkmonitor.Monitor, len(s.roster))

	for id, u := range s.roster {
		monitors[id] = u.monitor
	}
	s.mu.Unlock()

	remote := make([]RemoteQuality, 0, len(monitors))
	for _, u := range s.Roster() {
		if m := monitors[u.UserID]; m != nil {
			remote = append(remote, RemoteQuality{UserID: u.UserID, Quality: m.Evaluate()})
		}
	}

	s.rt.notify(func(l Listener) { l.OnNetworkQuality(local, remote) })
}

func (s *RoomSession) setLocalQuality(q networkmonitor.Quality) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.localQuality = q
}

func (s *RoomSession) joinedContext() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fsm.Is(StateJoined) {
		return nil, false
	}

	return s.context, true
}

// checkMixInputs reports inputs that name neither the local user nor a
// remote user publishing the referenced stream.
func (s *RoomSession) checkMixInputs(inputs []MixInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range inputs {
		if in.UserID == s.params.UserID {
			continue
		}

		u, ok := s.roster[in.UserID]
		if !ok {
			return fmt.Errorf("%w: unknown user %s", ErrInvalidStreamReference, in.UserID)
		}

		if in.Kind == StreamSub && !u.SubStreamAvailable {
			return fmt.Errorf("%w: %s has no sub stream", ErrInvalidStreamReference, in.UserID)
		}
	}

	return nil
}
