package awareness

import "github.com/manpreetbhatti/sketchsync/internal/room"

// Collaborator is the view of one client handed to the UI and renderer.
// It is rebuilt from presence on every change and never persisted.
type Collaborator struct {
	ClientID           string     `json:"clientId"`
	Username           string     `json:"username"`
	AvatarURL          string     `json:"avatarUrl,omitempty"`
	Pointer            *Pointer   `json:"pointer,omitempty"`
	Button             string     `json:"button,omitempty"`
	SelectedElementIDs []string   `json:"selectedElementIds,omitempty"`
	RoomInfo           *room.Info `json:"roomInfo,omitempty"`
	UserState          UserState  `json:"userState"`
	IsCurrentUser      bool       `json:"isCurrentUser"`
}

func newCollaborator(clientID string, s State, self bool) Collaborator {
	return Collaborator{
		ClientID:           clientID,
		Username:           s.Username,
		AvatarURL:          s.AvatarURL,
		Pointer:            s.Pointer,
		Button:             s.Button,
		SelectedElementIDs: s.SelectedElementIDs,
		RoomInfo:           s.RoomInfo,
		UserState:          s.UserState,
		IsCurrentUser:      self,
	}
}
