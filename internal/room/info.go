package room

// Role of a member inside a room
type Role string

const (
	RoleOwner Role = "owner"
	RoleGuest Role = "guest"
)

// Scope is a member's permission level
type Scope string

const (
	ScopeReadWrite Scope = "read_write"
	ScopeReadOnly  Scope = "read_only"
)

func (s Scope) Valid() bool {
	return s == ScopeReadWrite || s == ScopeReadOnly
}

// Info is the room membership a collaborator advertises. Owners carry a
// UserID, guests a GuestID.
type Info struct {
	RoomID  string `cbor:"roomId" json:"roomId"`
	Role    Role   `cbor:"role" json:"role"`
	Scope   Scope  `cbor:"scope" json:"scope"`
	GuestID string `cbor:"guestId,omitempty" json:"guestId,omitempty"`
	UserID  string `cbor:"userId,omitempty" json:"userId,omitempty"`
}

// MemberID returns whichever member id is set
func (i Info) MemberID() string {
	if i.UserID != "" {
		return i.UserID
	}
	return i.GuestID
}

func (i Info) IsOwner() bool {
	return i.Role == RoleOwner
}

func (i Info) ReadOnly() bool {
	return i.Scope == ScopeReadOnly
}
