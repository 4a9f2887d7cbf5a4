package session

import "errors"

var (
	// ErrPermissionDenied is returned when a non-host attempts a host-only
	// action. The room authority enforces the same rule; this check only
	// spares the round trip.
	ErrPermissionDenied = errors.New("permission denied: host only")
	// ErrSessionEnded is returned by Run after the host ended the session.
	ErrSessionEnded = errors.New("session ended")
	// ErrRoomInactive is returned by Run when the store reports the room as
	// no longer active.
	ErrRoomInactive = errors.New("room inactive")
	// ErrJoinRejected is returned by Run when the room authority refused the
	// join request.
	ErrJoinRejected = errors.New("join rejected")
	// ErrLeft is returned by Run after Leave.
	ErrLeft = errors.New("left session")
	// ErrClosed is returned once the coordinator stopped for any other reason.
	ErrClosed = errors.New("session closed")
	// ErrUnknownParticipant is returned for an identity not in the roster.
	ErrUnknownParticipant = errors.New("unknown participant")
)
