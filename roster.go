package roomkit

import (
	"time"

	"github.com/samespace/roomkit/pkg/networkmonitor"
	"golang.org/x/exp/slices"
)

// RemoteStreamInfo carries what the transport learned about a remote
// user's published streams.
type RemoteStreamInfo struct {
	DualStream bool
	BigSSRC    uint32
	SmallSSRC  uint32
	SubSSRC    uint32
}

func (i RemoteStreamInfo) ssrc(kind StreamKind, quality StreamQuality) uint32 {
	if kind == StreamSub {
		return i.SubSSRC
	}

	if quality == QualitySmall {
		return i.SmallSSRC
	}

	return i.BigSSRC
}

type RemoteUser struct {
	UserID             string
	VideoAvailable     bool
	SubStreamAvailable bool
	AudioAvailable     bool
	DualStream         bool
	VideoMuted         bool
	AudioMuted         bool
	Volume             int
	StreamType         StreamQuality
	Streams            RemoteStreamInfo
	JoinedAt           time.Time

	monitor *networkmonitor.Monitor
}

func (u *RemoteUser) available(kind StreamKind) bool {
	if kind == StreamSub {
		return u.SubStreamAvailable
	}

	return u.VideoAvailable
}

type roster map[string]*RemoteUser

// snapshot returns copies sorted by user id.
func (r roster) snapshot() []RemoteUser {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	users := make([]RemoteUser, 0, len(ids))
	for _, id := range ids {
		u := *r[id]
		u.monitor = nil
		users = append(users, u)
	}

	return users
}
