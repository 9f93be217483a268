package db

import (
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/sketchsync/internal/room"
)

// ErrNotFound is returned when a room or member does not exist
var ErrNotFound = errors.New("not found")

type Database struct {
	db *sql.DB
}

type Room struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Member is one admitted participant of a room
type Member struct {
	ID        string
	RoomID    string
	Role      room.Role
	Scope     room.Scope
	Kicked    bool
	CreatedAt time.Time
}

// Info returns the room info announced to the member on connect
func (m Member) Info() room.Info {
	info := room.Info{RoomID: m.RoomID, Role: m.Role, Scope: m.Scope}
	if m.Role == room.RoleOwner {
		info.UserID = m.ID
	} else {
		info.GuestID = m.ID
	}
	return info
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// WAL lets readers proceed while the relay writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create tables")
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS members (
		id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		role TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT 'read_write',
		token_hash TEXT NOT NULL,
		kicked BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, id),
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_members_room_id ON members(room_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_members_token ON members(room_id, token_hash);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

// CreateRoom inserts a room together with its owner membership. Only a
// digest of ownerToken is stored.
func (d *Database) CreateRoom(id, name, ownerID, ownerToken string) error {
	if ownerToken == "" {
		return errors.New("owner token is required")
	}

	tx, err := d.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO rooms (id, name, owner_id) VALUES (?, ?, ?)",
		id, name, ownerID,
	); err != nil {
		return errors.Wrapf(err, "insert room %s", id)
	}
	if _, err := tx.Exec(
		"INSERT INTO members (id, room_id, role, scope, token_hash) VALUES (?, ?, ?, ?, ?)",
		ownerID, id, room.RoleOwner, room.ScopeReadWrite, hashToken(ownerToken),
	); err != nil {
		return errors.Wrapf(err, "insert owner of %s", id)
	}
	return tx.Commit()
}

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, name, owner_id, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var r Room
	err := row.Scan(&r.ID, &r.Name, &r.OwnerID, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get room %s", id)
	}
	return &r, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT id, name, owner_id, created_at, updated_at FROM rooms ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.OwnerID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan room")
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (d *Database) UpdateRoomTimestamp(id string) error {
	_, err := d.db.Exec(
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return err
}

// DeleteRoom removes a room and every membership in it
func (d *Database) DeleteRoom(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM members WHERE room_id = ?", id); err != nil {
		return errors.Wrapf(err, "delete members of %s", id)
	}
	if _, err := tx.Exec("DELETE FROM rooms WHERE id = ?", id); err != nil {
		return errors.Wrapf(err, "delete room %s", id)
	}
	return tx.Commit()
}

// Member operations

// AddMember admits memberID. token is the member's secret; only its
// digest is stored.
func (d *Database) AddMember(roomID, memberID, token string, role room.Role, scope room.Scope) error {
	if token == "" {
		return errors.Errorf("token for %s is required", memberID)
	}
	_, err := d.db.Exec(
		"INSERT INTO members (id, room_id, role, scope, token_hash) VALUES (?, ?, ?, ?, ?)",
		memberID, roomID, role, scope, hashToken(token),
	)
	if err != nil {
		return errors.Wrapf(err, "add member %s to %s", memberID, roomID)
	}
	return d.UpdateRoomTimestamp(roomID)
}

func (d *Database) GetMember(roomID, memberID string) (*Member, error) {
	row := d.db.QueryRow(
		"SELECT id, room_id, role, scope, kicked, created_at FROM members WHERE room_id = ? AND id = ?",
		roomID, memberID,
	)

	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get member %s", memberID)
	}
	return m, nil
}

// MemberByToken resolves a member's secret token. A nil member means the
// token is unknown in this room.
func (d *Database) MemberByToken(roomID, token string) (*Member, error) {
	if token == "" {
		return nil, nil
	}
	row := d.db.QueryRow(
		"SELECT id, room_id, role, scope, kicked, created_at FROM members WHERE room_id = ? AND token_hash = ?",
		roomID, hashToken(token),
	)

	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get member by token")
	}
	return m, nil
}

func (d *Database) ListMembers(roomID string) ([]Member, error) {
	rows, err := d.db.Query(
		"SELECT id, room_id, role, scope, kicked, created_at FROM members WHERE room_id = ? ORDER BY created_at ASC",
		roomID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list members")
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func (d *Database) SetMemberScope(roomID, memberID string, scope room.Scope) error {
	res, err := d.db.Exec(
		"UPDATE members SET scope = ? WHERE room_id = ? AND id = ?",
		scope, roomID, memberID,
	)
	if err != nil {
		return errors.Wrapf(err, "set scope of %s", memberID)
	}
	return expectRow(res, memberID)
}

// KickMember marks a member kicked. Kicked members are refused by the
// relay from then on.
func (d *Database) KickMember(roomID, memberID string) error {
	res, err := d.db.Exec(
		"UPDATE members SET kicked = TRUE WHERE room_id = ? AND id = ?",
		roomID, memberID,
	)
	if err != nil {
		return errors.Wrapf(err, "kick %s", memberID)
	}
	return expectRow(res, memberID)
}

func hashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMember(s scanner) (*Member, error) {
	var (
		m     Member
		role  string
		scope string
	)
	if err := s.Scan(&m.ID, &m.RoomID, &role, &scope, &m.Kicked, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = room.Role(role)
	m.Scope = room.Scope(scope)
	return &m, nil
}

func expectRow(res sql.Result, memberID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "member %s", memberID)
	}
	return nil
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var memberCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM members").Scan(&memberCount); err != nil {
		return nil, err
	}
	stats["member_count"] = memberCount

	var kickedCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM members WHERE kicked = TRUE").Scan(&kickedCount); err != nil {
		return nil, err
	}
	stats["kicked_count"] = kickedCount

	return stats, nil
}
