package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/sketchsync/internal/room"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "sketchsync-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func TestDatabaseCreation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if db == nil {
		t.Fatal("Database should not be nil")
	}
}

func TestRoomOperations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	// Create room
	if err := db.CreateRoom("test-room", "Test Room", "owner-1", "tok-owner-1"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	// Get room
	r, err := db.GetRoom("test-room")
	if err != nil {
		t.Fatalf("Failed to get room: %v", err)
	}
	if r == nil {
		t.Fatal("Room should exist")
	}
	if r.ID != "test-room" {
		t.Errorf("Expected room ID 'test-room', got '%s'", r.ID)
	}
	if r.OwnerID != "owner-1" {
		t.Errorf("Expected owner 'owner-1', got '%s'", r.OwnerID)
	}

	// Owner membership is created with the room
	owner, err := db.GetMember("test-room", "owner-1")
	if err != nil {
		t.Fatalf("Failed to get owner: %v", err)
	}
	if owner == nil || owner.Role != room.RoleOwner || owner.Scope != room.ScopeReadWrite {
		t.Errorf("Unexpected owner membership: %+v", owner)
	}

	// Get non-existent room
	missing, err := db.GetRoom("non-existent")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if missing != nil {
		t.Error("Non-existent room should return nil")
	}

	// Duplicate room id
	if err := db.CreateRoom("test-room", "Again", "owner-2", "tok-owner-2"); err == nil {
		t.Error("Expected duplicate room to fail")
	}

	// List rooms
	if err := db.CreateRoom("test-room-2", "Test Room 2", "owner-2", "tok-owner-2"); err != nil {
		t.Fatalf("Failed to create second room: %v", err)
	}
	rooms, err := db.ListRooms(10, 0)
	if err != nil {
		t.Fatalf("Failed to list rooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms, got %d", len(rooms))
	}

	// Delete room
	if err := db.DeleteRoom("test-room"); err != nil {
		t.Fatalf("Failed to delete room: %v", err)
	}
	r, _ = db.GetRoom("test-room")
	if r != nil {
		t.Error("Room should be deleted")
	}
	owner, _ = db.GetMember("test-room", "owner-1")
	if owner != nil {
		t.Error("Memberships should be deleted with the room")
	}
}

func TestMemberOperations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	db.CreateRoom("test-room", "Test Room", "owner-1", "tok-owner-1")

	if err := db.AddMember("test-room", "guest-1", "tok-guest-1", room.RoleGuest, room.ScopeReadWrite); err != nil {
		t.Fatalf("Failed to add member: %v", err)
	}
	if err := db.AddMember("test-room", "guest-1", "tok-guest-1", room.RoleGuest, room.ScopeReadWrite); err == nil {
		t.Error("Expected duplicate member to fail")
	}

	guest, err := db.GetMember("test-room", "guest-1")
	if err != nil {
		t.Fatalf("Failed to get member: %v", err)
	}
	if guest == nil {
		t.Fatal("Member should exist")
	}
	info := guest.Info()
	if info.GuestID != "guest-1" || info.UserID != "" || info.Role != room.RoleGuest {
		t.Errorf("Unexpected guest info: %+v", info)
	}

	members, err := db.ListMembers("test-room")
	if err != nil {
		t.Fatalf("Failed to list members: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Expected 2 members, got %d", len(members))
	}

	// Scope change
	if err := db.SetMemberScope("test-room", "guest-1", room.ScopeReadOnly); err != nil {
		t.Fatalf("Failed to set scope: %v", err)
	}
	guest, _ = db.GetMember("test-room", "guest-1")
	if guest.Scope != room.ScopeReadOnly {
		t.Errorf("Expected scope read_only, got %s", guest.Scope)
	}

	// Kick
	if err := db.KickMember("test-room", "guest-1"); err != nil {
		t.Fatalf("Failed to kick member: %v", err)
	}
	guest, _ = db.GetMember("test-room", "guest-1")
	if !guest.Kicked {
		t.Error("Member should be marked kicked")
	}

	// Unknown members
	if err := db.KickMember("test-room", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := db.SetMemberScope("other-room", "guest-1", room.ScopeReadOnly); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	nobody, err := db.GetMember("test-room", "nobody")
	if err != nil || nobody != nil {
		t.Errorf("Expected nil member, got %+v (%v)", nobody, err)
	}
}

func TestMemberByToken(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	db.CreateRoom("room-1", "Room 1", "owner-1", "owner-secret")
	db.CreateRoom("room-2", "Room 2", "owner-2", "other-secret")
	db.AddMember("room-1", "guest-1", "guest-secret", room.RoleGuest, room.ScopeReadWrite)

	tests := []struct {
		name   string
		roomID string
		token  string
		want   string
	}{
		{"owner token", "room-1", "owner-secret", "owner-1"},
		{"guest token", "room-1", "guest-secret", "guest-1"},
		{"member id is not a token", "room-1", "owner-1", ""},
		{"token of another room", "room-1", "other-secret", ""},
		{"empty token", "room-1", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := db.MemberByToken(tt.roomID, tt.token)
			if err != nil {
				t.Fatalf("MemberByToken failed: %v", err)
			}
			got := ""
			if m != nil {
				got = m.ID
			}
			if got != tt.want {
				t.Errorf("Expected member %q, got %q", tt.want, got)
			}
		})
	}

	if err := db.AddMember("room-1", "guest-2", "", room.RoleGuest, room.ScopeReadWrite); err == nil {
		t.Error("Expected a member without a token to be refused")
	}

	var stored string
	db.db.QueryRow("SELECT token_hash FROM members WHERE id = ?", "guest-1").Scan(&stored)
	if stored == "" || stored == "guest-secret" {
		t.Errorf("Expected a digest to be stored, got %q", stored)
	}
}

func TestStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	db.CreateRoom("room-1", "Room 1", "owner-1", "tok-owner-1")
	db.CreateRoom("room-2", "Room 2", "owner-2", "tok-owner-2")
	db.AddMember("room-1", "guest-1", "tok-guest-1", room.RoleGuest, room.ScopeReadWrite)
	db.KickMember("room-1", "guest-1")

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}

	if stats["room_count"].(int) != 2 {
		t.Errorf("Expected 2 rooms, got %v", stats["room_count"])
	}
	if stats["member_count"].(int) != 3 {
		t.Errorf("Expected 3 members, got %v", stats["member_count"])
	}
	if stats["kicked_count"].(int) != 1 {
		t.Errorf("Expected 1 kicked member, got %v", stats["kicked_count"])
	}
}
