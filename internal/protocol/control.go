package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Control frame types. Control frames travel as websocket text messages,
// out of band from replication traffic.
const (
	ControlRoomInfo   = "room:info"
	ControlPermission = "room:permission"
	ControlCallInvite = "room:call_invite"
)

// Control is a JSON control frame sent by the relay
type Control struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId,omitempty"`
	Role    string `json:"role,omitempty"`
	Scope   string `json:"scope,omitempty"`
	GuestID string `json:"guestId,omitempty"`
	UserID  string `json:"userId,omitempty"`

	// Raw keeps the whole frame for types the engine does not interpret
	Raw json.RawMessage `json:"-"`
}

func EncodeControl(c Control) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encode control frame")
	}
	return data, nil
}

// ParseControl decodes a control frame. Unknown types parse fine and are
// left for the caller to ignore.
func ParseControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, errors.Wrap(err, "decode control frame")
	}
	if c.Type == "" {
		return Control{}, errors.New("control frame without type")
	}
	c.Raw = append(json.RawMessage(nil), data...)
	return c, nil
}
