package roomkit

import (
	"time"

	"github.com/samespace/roomkit/pkg/networkmonitor"
)

type SessionStats struct {
	SessionID        string                 `json:"session_id"`
	State            string                 `json:"state"`
	RoomID           string                 `json:"room_id"`
	UserID           string                 `json:"user_id"`
	Scene            string                 `json:"scene"`
	RemoteUsers      int                    `json:"remote_users"`
	RemoteSlots      []SlotInfo             `json:"remote_slots"`
	LocalSlots       []SlotInfo             `json:"local_slots"`
	FramesDelivered  uint64                 `json:"frames_delivered"`
	FramesDropped    uint64                 `json:"frames_dropped"`
	MessagesAccepted uint64                 `json:"messages_accepted"`
	MessagesRejected uint64                 `json:"messages_rejected"`
	PendingSEI       int                    `json:"pending_sei"`
	LocalQuality     networkmonitor.Quality `json:"local_quality"`
	Timestamp        time.Time              `json:"timestamp"`
}

// Stats returns a snapshot of the session, its slots and the message
// channel counters.
func (e *Engine) Stats() SessionStats {
	s := e.session

	s.mu.Lock()
	stats := SessionStats{
		SessionID:    s.id,
		State:        s.fsm.Current(),
		RoomID:       s.params.RoomID,
		UserID:       s.params.UserID,
		Scene:        s.scene.String(),
		RemoteUsers:  len(s.roster),
		LocalQuality: s.localQuality,
		Timestamp:    time.Now(),
	}
	s.mu.Unlock()

	stats.RemoteSlots = s.RemoteSlots()
	stats.LocalSlots = e.local.LocalSlots()

	for _, infos := range [][]SlotInfo{stats.RemoteSlots, stats.LocalSlots} {
		for _, info := range infos {
			stats.FramesDelivered += info.Delivered
			stats.FramesDropped += info.Dropped
		}
	}

	stats.MessagesAccepted = e.messages.accepted.Load()
	stats.MessagesRejected = e.messages.rejected.Load()
	stats.PendingSEI = e.messages.pendingSEI()

	return stats
}
