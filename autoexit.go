package roomkit

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// AutoExitExtension leaves a video call once no remote user has been in
// the room for the configured timeout.
type AutoExitExtension struct {
	timeout time.Duration

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func NewAutoExitExtension(timeout time.Duration) *AutoExitExtension {
	return &AutoExitExtension{timeout: timeout}
}

func (a *AutoExitExtension) OnBeforeEnter(*RoomSession, EnterParams) error {
	return nil
}

func (a *AutoExitExtension) OnJoined(session *RoomSession) {
	a.armIfAlone(session)
}

func (a *AutoExitExtension) OnUserEntered(*RoomSession, string) {
	a.disarm()
}

func (a *AutoExitExtension) OnUserLeft(session *RoomSession, _ string) {
	a.armIfAlone(session)
}

func (a *AutoExitExtension) OnExited(*RoomSession) {
	a.disarm()
}

func (a *AutoExitExtension) armIfAlone(session *RoomSession) {
	if session.Scene() != SceneVideoCall || len(session.Roster()) > 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		return
	}

	a.gen++
	gen := a.gen

	a.timer = time.AfterFunc(a.timeout, func() {
		a.mu.Lock()
		if gen != a.gen {
			a.mu.Unlock()
			return
		}
		a.timer = nil
		a.mu.Unlock()

		if len(session.Roster()) > 0 {
			return
		}

		glog.Info("autoexit: room ", session.RoomID(), " empty for ", a.timeout, ", exiting")

		if err := session.exit(ExitReasonAlone); err != nil {
			glog.Error("autoexit: exit: ", err)
		}
	})
}

func (a *AutoExitExtension) disarm() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gen++

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// armed reports whether the exit timer is running.
func (a *AutoExitExtension) armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.timer != nil
}
