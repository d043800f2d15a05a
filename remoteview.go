package roomkit

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/pion/rtcp"
)

func (s *RoomSession) resolveQualityLocked(u *RemoteUser, kind StreamKind, quality StreamQuality) StreamQuality {
	if kind == StreamSub {
		return QualityBig
	}

	if quality == QualityDefault {
		quality = u.StreamType
	}

	if quality == QualityDefault {
		quality = s.priorQuality
	}

	// a user without dual stream only has the big stream
	if quality == QualitySmall && !u.DualStream {
		return QualityBig
	}

	return quality
}

func (s *RoomSession) notifyFirstFrame(owner string, kind StreamKind, width, height int) {
	s.rt.notify(func(l Listener) { l.OnFirstVideoFrame(owner, kind, width, height) })
}

// StartRemoteView renders a remote user's stream to target. Calling it again
// for the same user and kind rebinds the existing slot; the previous target
// receives no frame after this returns.
func (s *RoomSession) StartRemoteView(userID string, kind StreamKind, quality StreamQuality, target TargetHandle) error {
	if !s.rt.targets.valid(target) {
		return ErrInvalidTarget
	}

	key := slotKey{owner: userID, kind: kind}

	s.mu.Lock()

	if !s.acceptsEventsLocked() {
		s.mu.Unlock()
		return ErrNotInRoom
	}

	u, ok := s.roster[userID]
	if !ok || !u.available(kind) {
		s.mu.Unlock()
		return ErrStreamUnavailable
	}

	quality = s.resolveQualityLocked(u, kind, quality)

	if slot, ok := s.slots[key]; ok {
		s.mu.Unlock()

		prev := slot.Info().Quality
		old := slot.rebind(target, quality)
		s.rt.log.Debugf("remoteview: %s/%s rebound %d -> %d", userID, kind, old, target)

		if prev != quality {
			if err := s.transport.Subscribe(userID, kind, quality, true); err != nil {
				s.rt.log.Warnf("remoteview: resubscribe %s/%s: %v", userID, kind, err)
			}
		}

		return nil
	}

	view := s.views[key]
	slot := newStreamSlot(s.context, slotConfig{
		key:          key,
		direction:    SlotConsume,
		target:       target,
		quality:      quality,
		bufferSize:   s.rt.options.SlotBufferSize,
		onFirstFrame: s.notifyFirstFrame,
	}, s.rt.targets, s.rt.metrics, s.rt.log)
	slot.setFillMode(view.fillMode)
	slot.setRotation(view.rotation)

	s.slots[key] = slot
	s.mu.Unlock()

	if err := s.transport.Subscribe(userID, kind, quality, true); err != nil {
		s.rt.log.Warnf("remoteview: subscribe %s/%s: %v", userID, kind, err)
	}

	glog.Info("remoteview: started ", userID, " ", kind, " ", quality)

	return nil
}

// StopRemoteView removes the slot of one kind. It returns after the last
// frame for that slot has been rendered.
func (s *RoomSession) StopRemoteView(userID string, kind StreamKind) {
	key := slotKey{owner: userID, kind: kind}

	s.mu.Lock()
	slot, ok := s.slots[key]
	if ok {
		delete(s.slots, key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	slot.close()

	if err := s.transport.Subscribe(userID, kind, slot.Info().Quality, false); err != nil {
		s.rt.log.Warnf("remoteview: unsubscribe %s/%s: %v", userID, kind, err)
	}
}

// StopAllRemoteView removes every remote slot, sub streams included.
func (s *RoomSession) StopAllRemoteView() {
	s.mu.Lock()
	closing := make(map[slotKey]*StreamSlot, len(s.slots))

	for key, slot := range s.slots {
		closing[key] = slot
		delete(s.slots, key)
	}
	s.mu.Unlock()

	for key, slot := range closing {
		slot.close()

		if err := s.transport.Subscribe(key.owner, key.kind, slot.Info().Quality, false); err != nil {
			s.rt.log.Warnf("remoteview: unsubscribe %s/%s: %v", key.owner, key.kind, err)
		}
	}
}

// RemoteSlots returns the bound remote slots.
func (s *RoomSession) RemoteSlots() []SlotInfo {
	s.mu.Lock()
	slots := make([]*StreamSlot, 0, len(s.slots))

	for _, slot := range s.slots {
		slots = append(slots, slot)
	}
	s.mu.Unlock()

	infos := make([]SlotInfo, 0, len(slots))
	for _, slot := range slots {
		infos = append(infos, slot.Info())
	}

	return infos
}

// SetRemoteVideoStreamType switches between the big and small main stream
// of a user. Users without dual stream keep the big stream and the call
// succeeds without doing anything.
func (s *RoomSession) SetRemoteVideoStreamType(userID string, quality StreamQuality) error {
	if quality != QualityBig && quality != QualitySmall {
		return ErrInvalidParams
	}

	s.mu.Lock()

	if !s.acceptsEventsLocked() {
		s.mu.Unlock()
		return ErrNotInRoom
	}

	u, ok := s.roster[userID]
	if !ok {
		s.mu.Unlock()
		return ErrStreamUnavailable
	}

	if !u.DualStream || u.StreamType == quality {
		s.mu.Unlock()
		return nil
	}

	s.mu.Unlock()

	// the roster keeps the old type until the transport accepted the switch
	if err := s.transport.SetRemoteStreamType(userID, quality); err != nil {
		return fmt.Errorf("session: set stream type of %s: %w", userID, err)
	}

	s.mu.Lock()
	if s.roster[userID] != u {
		s.mu.Unlock()
		return ErrStreamUnavailable
	}

	u.StreamType = quality
	ssrc := u.Streams.ssrc(StreamMain, quality)
	slot := s.slots[slotKey{owner: userID, kind: StreamMain}]
	s.mu.Unlock()

	if ssrc != 0 {
		if err := s.transport.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			s.rt.log.Debugf("remoteview: pli for %s: %v", userID, err)
		}
	}

	if slot != nil {
		slot.setQuality(quality)
	}

	return nil
}

// SetPriorRemoteVideoStreamType sets the quality used when StartRemoteView
// is called with QualityDefault.
func (s *RoomSession) SetPriorRemoteVideoStreamType(quality StreamQuality) error {
	if quality != QualityBig && quality != QualitySmall {
		return ErrInvalidParams
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.priorQuality = quality

	return nil
}

func (s *RoomSession) updateView(userID string, kind StreamKind, apply func(*viewSetting)) {
	key := slotKey{owner: userID, kind: kind}

	s.mu.Lock()
	view := s.views[key]
	apply(&view)
	s.views[key] = view
	slot := s.slots[key]
	s.mu.Unlock()

	if slot != nil {
		slot.setFillMode(view.fillMode)
		slot.setRotation(view.rotation)
	}
}

func (s *RoomSession) SetRemoteViewFillMode(userID string, mode FillMode) {
	s.updateView(userID, StreamMain, func(v *viewSetting) { v.fillMode = mode })
}

func (s *RoomSession) SetRemoteViewRotation(userID string, rotation Rotation) {
	s.updateView(userID, StreamMain, func(v *viewSetting) { v.rotation = rotation })
}

func (s *RoomSession) SetRemoteSubStreamViewFillMode(userID string, mode FillMode) {
	s.updateView(userID, StreamSub, func(v *viewSetting) { v.fillMode = mode })
}

func (s *RoomSession) SetRemoteSubStreamViewRotation(userID string, rotation Rotation) {
	s.updateView(userID, StreamSub, func(v *viewSetting) { v.rotation = rotation })
}

// MuteRemoteVideoStream stops rendering a user's main stream without
// removing the slot.
func (s *RoomSession) MuteRemoteVideoStream(userID string, mute bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.roster[userID]
	if !ok {
		return ErrStreamUnavailable
	}

	u.VideoMuted = mute

	return nil
}

// MuteAllRemoteVideoStreams also applies to users that enter later.
func (s *RoomSession) MuteAllRemoteVideoStreams(mute bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muteAllVideo = mute

	for _, u := range s.roster {
		u.VideoMuted = mute
	}
}

func (s *RoomSession) MuteRemoteAudio(userID string, mute bool) error {
	s.mu.Lock()
	u, ok := s.roster[userID]
	if ok {
		u.AudioMuted = mute
	}
	s.mu.Unlock()

	if !ok {
		return ErrStreamUnavailable
	}

	return s.transport.MuteRemoteAudio(userID, mute)
}

// MuteAllRemoteAudio also applies to users that enter later.
func (s *RoomSession) MuteAllRemoteAudio(mute bool) {
	s.mu.Lock()
	s.muteAllAudio = mute
	ids := make([]string, 0, len(s.roster))

	for id, u := range s.roster {
		u.AudioMuted = mute
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.transport.MuteRemoteAudio(id, mute); err != nil {
			s.rt.log.Warnf("remoteview: mute audio of %s: %v", id, err)
		}
	}
}

// SetRemoteAudioVolume clamps to [0,100].
func (s *RoomSession) SetRemoteAudioVolume(userID string, volume int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.roster[userID]
	if !ok {
		return ErrStreamUnavailable
	}

	u.Volume = clamp(volume, 0, 100)

	return nil
}

// HandleRTCP takes RTCP feedback about the local streams.
func (s *RoomSession) HandleRTCP(pkts []rtcp.Packet) {
	s.local.handleRTCP(pkts)
}
