package roomkit

// SessionExtension hooks into the session lifecycle. Hooks run outside the
// session lock and may call back into the session.
type SessionExtension interface {
	// OnBeforeEnter can reject an enter, for example to check credentials
	// before anything reaches the transport.
	OnBeforeEnter(session *RoomSession, params EnterParams) error
	OnJoined(session *RoomSession)
	OnUserEntered(session *RoomSession, userID string)
	OnUserLeft(session *RoomSession, userID string)
	// OnExited runs after an exit or a lost connection.
	OnExited(session *RoomSession)
}
