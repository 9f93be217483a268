// Package roomclient talks to the Room Service: creating rooms, joining
// them, and the owner's moderation calls.
package roomclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/sketchsync/internal/room"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrForbidden    = errors.New("not allowed")
)

// Membership is what the Room Service hands back on create and join.
// Token is the member's secret: it opens the socket and authenticates
// owner calls, and never leaves this client.
type Membership struct {
	RoomID    string     `json:"roomId"`
	SocketURL string     `json:"socketUrl"`
	Role      room.Role  `json:"role"`
	Scope     room.Scope `json:"scope"`
	UserID    string     `json:"userId,omitempty"`
	GuestID   string     `json:"guestId,omitempty"`
	Token     string     `json:"token"`
}

// Info is the public part of the membership
func (m Membership) Info() room.Info {
	return room.Info{
		RoomID:  m.RoomID,
		Role:    m.Role,
		Scope:   m.Scope,
		UserID:  m.UserID,
		GuestID: m.GuestID,
	}
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the Room Service at baseURL. A nil
// httpClient gets a 10s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

func (c *Client) CreateRoom(ctx context.Context) (Membership, error) {
	var m Membership
	err := c.do(ctx, http.MethodPost, "/api/rooms", "", nil, &m)
	return m, errors.Wrap(err, "create room")
}

func (c *Client) JoinRoom(ctx context.Context, roomID string) (Membership, error) {
	var m Membership
	err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/join", "", nil, &m)
	return m, errors.Wrapf(err, "join room %s", roomID)
}

// Kick removes the member with public id targetID from the room. token
// is the owner's secret.
func (c *Client) Kick(ctx context.Context, roomID, token, targetID string) error {
	body := map[string]string{"guestId": targetID}
	err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/kick", token, body, nil)
	return errors.Wrapf(err, "kick %s", targetID)
}

func (c *Client) SetPermission(ctx context.Context, roomID, token, targetID string, scope room.Scope) error {
	body := map[string]string{"guestId": targetID, "scope": string(scope)}
	err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/permission", token, body, nil)
	return errors.Wrapf(err, "set permission of %s", targetID)
}

// DeleteRoom ends the room for everyone. token is the owner's secret.
func (c *Client) DeleteRoom(ctx context.Context, roomID, token string) error {
	err := c.do(ctx, http.MethodDelete, "/api/rooms/"+url.PathEscape(roomID), token, nil, nil)
	return errors.Wrapf(err, "delete room %s", roomID)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	message := body.Error
	if message == "" {
		message = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.Wrap(ErrRoomNotFound, message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Wrap(ErrForbidden, message)
	default:
		return errors.Errorf("room service: %s (%d)", message, resp.StatusCode)
	}
}
