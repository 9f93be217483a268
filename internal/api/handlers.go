package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/db"
	"github.com/manpreetbhatti/sketchsync/internal/room"
	"github.com/manpreetbhatti/sketchsync/internal/ws"
)

// AuthHeader carries "Bearer <token>" on owner-only calls. The token is
// the secret issued by create and join; member ids are public.
const AuthHeader = "Authorization"

const bearerPrefix = "Bearer "

type API struct {
	hub        *ws.Hub
	database   *db.Database
	socketBase string
	log        *zap.Logger
}

// New builds the Room Service. socketBase is the public websocket URL of
// the relay; when empty it is derived from each request's host.
func New(hub *ws.Hub, database *db.Database, socketBase string, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		hub:        hub,
		database:   database,
		socketBase: socketBase,
		log:        log,
	}
}

// Routes registers the Room Service and the relay endpoint on r
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)

	rooms := r.PathPrefix("/api/rooms").Subrouter()
	rooms.HandleFunc("", a.ListRoomsHandler).Methods(http.MethodGet)
	rooms.HandleFunc("", a.CreateRoomHandler).Methods(http.MethodPost)
	rooms.HandleFunc("/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	rooms.HandleFunc("/{id}", a.DeleteRoomHandler).Methods(http.MethodDelete)
	rooms.HandleFunc("/{id}/join", a.JoinRoomHandler).Methods(http.MethodPost)
	rooms.HandleFunc("/{id}/kick", a.KickHandler).Methods(http.MethodPost)
	rooms.HandleFunc("/{id}/permission", a.PermissionHandler).Methods(http.MethodPost)

	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})
}

// Router returns a new router with every route registered
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	a.Routes(r)
	return r
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("encoding JSON response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_members"] = dbStats["member_count"]
			stats["kicked_members"] = dbStats["kicked_count"]
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
	Members     int       `json:"members,omitempty"`
}

type CreateRoomRequest struct {
	Name string `json:"name,omitempty"`
}

// MembershipResponse is returned by create and join. Owners get a
// userId, guests a guestId. Token is the member's secret and is never
// shown to other members.
type MembershipResponse struct {
	RoomID    string     `json:"roomId"`
	SocketURL string     `json:"socketUrl"`
	Role      room.Role  `json:"role"`
	Scope     room.Scope `json:"scope"`
	UserID    string     `json:"userId,omitempty"`
	GuestID   string     `json:"guestId,omitempty"`
	Token     string     `json:"token"`
}

// TargetRequest names the member a moderation call acts on
type TargetRequest struct {
	GuestID string     `json:"guestId,omitempty"`
	UserID  string     `json:"userId,omitempty"`
	Scope   room.Scope `json:"scope,omitempty"`
}

func (t TargetRequest) memberID() string {
	if t.GuestID != "" {
		return t.GuestID
	}
	return t.UserID
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		a.log.Error("list rooms", zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.hub.GetActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i, rm := range rooms {
		response[i] = RoomResponse{
			ID:          rm.ID,
			Name:        rm.Name,
			CreatedAt:   rm.CreatedAt,
			UpdatedAt:   rm.UpdatedAt,
			ActiveUsers: activeRooms[rm.ID],
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

// CreateRoomHandler creates a room and makes the caller its owner
func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	roomID := uuid.NewString()
	ownerID := uuid.NewString()
	token := newToken()
	if err := a.database.CreateRoom(roomID, req.Name, ownerID, token); err != nil {
		a.log.Error("create room", zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	a.log.Info("room created", zap.String("room", roomID), zap.String("member", ownerID))
	a.jsonResponse(w, http.StatusCreated, MembershipResponse{
		RoomID:    roomID,
		SocketURL: a.socketURL(r, roomID, token),
		Role:      room.RoleOwner,
		Scope:     room.ScopeReadWrite,
		UserID:    ownerID,
		Token:     token,
	})
}

// JoinRoomHandler admits the caller as a new guest
func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	if !a.roomExists(w, roomID) {
		return
	}

	guestID := uuid.NewString()
	token := newToken()
	if err := a.database.AddMember(roomID, guestID, token, room.RoleGuest, room.ScopeReadWrite); err != nil {
		a.log.Error("join room", zap.String("room", roomID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to join room")
		return
	}

	a.log.Info("guest joined", zap.String("room", roomID), zap.String("member", guestID))
	a.jsonResponse(w, http.StatusOK, MembershipResponse{
		RoomID:    roomID,
		SocketURL: a.socketURL(r, roomID, token),
		Role:      room.RoleGuest,
		Scope:     room.ScopeReadWrite,
		GuestID:   guestID,
		Token:     token,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	rm, err := a.database.GetRoom(roomID)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if rm == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	members, _ := a.database.ListMembers(roomID)

	a.jsonResponse(w, http.StatusOK, RoomResponse{
		ID:          rm.ID,
		Name:        rm.Name,
		CreatedAt:   rm.CreatedAt,
		UpdatedAt:   rm.UpdatedAt,
		ActiveUsers: a.hub.GetRoomClientCount(roomID),
		Members:     len(members),
	})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	if _, ok := a.requireOwner(w, r, roomID); !ok {
		return
	}

	if err := a.database.DeleteRoom(roomID); err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}
	a.hub.CloseRoom(roomID)

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// Moderation handlers

// KickHandler removes a guest. The relay refuses the guest from then on
// and its open sockets are closed.
func (a *API) KickHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	owner, ok := a.requireOwner(w, r, roomID)
	if !ok {
		return
	}
	_, target, ok := a.decodeTarget(w, r, roomID)
	if !ok {
		return
	}
	if target.ID == owner.ID || target.Role == room.RoleOwner {
		a.errorResponse(w, http.StatusBadRequest, "The owner cannot be kicked")
		return
	}

	if err := a.database.KickMember(roomID, target.ID); err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to kick member")
		return
	}
	sockets := a.hub.Kick(roomID, target.ID)

	a.log.Info("member kicked", zap.String("room", roomID), zap.String("member", target.ID), zap.Int("sockets", sockets))
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Member kicked"})
}

// PermissionHandler changes a member's scope and pushes a
// room:permission frame to its live sockets
func (a *API) PermissionHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	owner, ok := a.requireOwner(w, r, roomID)
	if !ok {
		return
	}
	req, target, ok := a.decodeTarget(w, r, roomID)
	if !ok {
		return
	}
	if !req.Scope.Valid() {
		a.errorResponse(w, http.StatusBadRequest, "Invalid scope")
		return
	}
	if target.ID == owner.ID || target.Role == room.RoleOwner {
		a.errorResponse(w, http.StatusBadRequest, "The owner's scope cannot be changed")
		return
	}

	err := a.database.SetMemberScope(roomID, target.ID, req.Scope)
	if errors.Is(err, db.ErrNotFound) {
		a.errorResponse(w, http.StatusNotFound, "Member not found")
		return
	}
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to set permission")
		return
	}
	sockets := a.hub.SetScope(roomID, target.ID, req.Scope)

	a.log.Info("permission changed",
		zap.String("room", roomID),
		zap.String("member", target.ID),
		zap.String("scope", string(req.Scope)),
		zap.Int("sockets", sockets))
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Permission updated"})
}

func (a *API) roomExists(w http.ResponseWriter, roomID string) bool {
	rm, err := a.database.GetRoom(roomID)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return false
	}
	if rm == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return false
	}
	return true
}

// requireOwner checks the caller's bearer token belongs to the room's
// owner
func (a *API) requireOwner(w http.ResponseWriter, r *http.Request, roomID string) (*db.Member, bool) {
	if !a.roomExists(w, roomID) {
		return nil, false
	}
	token := bearerToken(r)
	if token == "" {
		a.errorResponse(w, http.StatusUnauthorized, "Missing bearer token")
		return nil, false
	}
	caller, err := a.database.MemberByToken(roomID, token)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get member")
		return nil, false
	}
	if caller == nil {
		a.errorResponse(w, http.StatusUnauthorized, "Unknown token")
		return nil, false
	}
	if caller.Role != room.RoleOwner || caller.Kicked {
		a.errorResponse(w, http.StatusForbidden, "Only the room owner can do that")
		return nil, false
	}
	return caller, true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get(AuthHeader)
	if !strings.HasPrefix(header, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
}

// newToken returns a member secret with 244 random bits
func newToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// decodeTarget reads the moderation body and resolves its public member
// id
func (a *API) decodeTarget(w http.ResponseWriter, r *http.Request, roomID string) (TargetRequest, *db.Member, bool) {
	var req TargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.memberID() == "" {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return req, nil, false
	}
	target, err := a.database.GetMember(roomID, req.memberID())
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get member")
		return req, nil, false
	}
	if target == nil {
		a.errorResponse(w, http.StatusNotFound, "Member not found")
		return req, nil, false
	}
	return req, target, true
}

func (a *API) socketURL(r *http.Request, roomID, token string) string {
	base := a.socketBase
	if base == "" {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		base = scheme + "://" + r.Host + "/ws"
	}
	q := url.Values{}
	q.Set("room", roomID)
	q.Set("token", token)
	return base + "?" + q.Encode()
}
