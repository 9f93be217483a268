package collab

import (
	"github.com/pkg/errors"

	"github.com/manpreetbhatti/sketchsync/internal/roomclient"
	"github.com/manpreetbhatti/sketchsync/internal/session"
)

var (
	ErrJoinDenied       = errors.New("join request denied")
	ErrKicked           = errors.New("removed from room")
	ErrNotOwner         = errors.New("only the room owner can do this")
	ErrNotCollaborating = errors.New("not collaborating")
	ErrNoRequest        = errors.New("no such join request")
	ErrUnknownPeer      = errors.New("unknown collaborator")
	ErrCanceled         = errors.New("collaboration start canceled")
	ErrClosed           = errors.New("controller closed")
)

// UserMessage turns an engine error into the one line shown to the user
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrKicked), errors.Is(err, session.ErrForbidden):
		return "You have been removed from this room."
	case errors.Is(err, ErrJoinDenied):
		return "The room owner declined your request to join."
	case errors.Is(err, session.ErrReconnectFailed):
		return "Could not reconnect to the room. Check your connection and try again."
	case errors.Is(err, session.ErrUnauthorized):
		return "This collaboration session has ended."
	case errors.Is(err, session.ErrConnection):
		return "Connection lost. Reconnecting..."
	case errors.Is(err, roomclient.ErrRoomNotFound):
		return "This room does not exist."
	case errors.Is(err, roomclient.ErrForbidden):
		return "You are not allowed to do that."
	case errors.Is(err, ErrNotOwner):
		return "Only the room owner can do that."
	}
	return "Something went wrong while collaborating."
}
