// Package command carries moderation messages (kick, join requests and
// their answers) as short-lived entries in the document's commands
// region. Every peer consumes the entries it receives and deletes them.
package command

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/clock"
	"github.com/manpreetbhatti/sketchsync/internal/doc"
)

type Type string

const (
	TypeKick         Type = "kick"
	TypeJoinRequest  Type = "join_request"
	TypeJoinApproved Type = "join_approved"
	TypeJoinDenied   Type = "join_denied"
)

func (t Type) Valid() bool {
	switch t {
	case TypeKick, TypeJoinRequest, TypeJoinApproved, TypeJoinDenied:
		return true
	}
	return false
}

// DefaultTTL bounds how old a command may be when it is first seen.
// Older entries are leftovers replayed to late joiners.
const DefaultTTL = 60 * time.Second

type Command struct {
	Type      Type   `cbor:"type" json:"type"`
	TargetID  string `cbor:"targetId,omitempty" json:"targetId,omitempty"`
	SenderID  string `cbor:"senderId,omitempty" json:"senderId,omitempty"`
	Username  string `cbor:"username,omitempty" json:"username,omitempty"`
	AvatarURL string `cbor:"avatarUrl,omitempty" json:"avatarUrl,omitempty"`
	// Timestamp is unix milliseconds at send time
	Timestamp int64 `cbor:"ts" json:"ts"`
}

func (c Command) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// Sender identifies the client asking to join
type Sender struct {
	ID        string
	Username  string
	AvatarURL string
}

type Channel struct {
	doc     *doc.Document
	clock   clock.Clock
	ttl     time.Duration
	handler func(Command)
	log     *zap.Logger

	mu        sync.Mutex
	closed    bool
	unobserve func()
}

// New attaches a channel to d. handler receives every command delivered
// by a peer, oldest first.
func New(d *doc.Document, c clock.Clock, ttl time.Duration, handler func(Command), log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	if c == nil {
		c = clock.Real()
	}
	ch := &Channel{
		doc:     d,
		clock:   c,
		ttl:     ttl,
		handler: handler,
		log:     log,
	}
	ch.unobserve = d.Observe(ch.onChange)
	return ch
}

// Send inserts cmd under a fresh type:timestamp:suffix key and returns
// the key
func (ch *Channel) Send(cmd Command) (string, error) {
	if !cmd.Type.Valid() {
		return "", errors.Errorf("unknown command type %q", cmd.Type)
	}
	if ch.isClosed() {
		return "", doc.ErrClosed
	}

	cmd.Timestamp = ch.clock.Now().UnixMilli()
	key := fmt.Sprintf("%s:%d:%s", cmd.Type, cmd.Timestamp, uuid.NewString()[:8])
	err := ch.doc.Transact(ch, func(tx *doc.Txn) error {
		tx.Set(doc.RegionCommands, key, cmd)
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "send %s", cmd.Type)
	}
	ch.log.Debug("command sent", zap.String("type", string(cmd.Type)), zap.String("target", cmd.TargetID))
	return key, nil
}

func (ch *Channel) SendKick(targetID string) error {
	_, err := ch.Send(Command{Type: TypeKick, TargetID: targetID})
	return err
}

func (ch *Channel) SendJoinRequest(s Sender) error {
	_, err := ch.Send(Command{
		Type:      TypeJoinRequest,
		SenderID:  s.ID,
		Username:  s.Username,
		AvatarURL: s.AvatarURL,
	})
	return err
}

func (ch *Channel) SendApproval(targetID string) error {
	_, err := ch.Send(Command{Type: TypeJoinApproved, TargetID: targetID})
	return err
}

func (ch *Channel) SendDenial(targetID string) error {
	_, err := ch.Send(Command{Type: TypeJoinDenied, TargetID: targetID})
	return err
}

// Close stops dispatching. Entries already in the document stay there.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	unobserve := ch.unobserve
	ch.mu.Unlock()

	unobserve()
}

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

type received struct {
	key string
	cmd Command
}

func (ch *Channel) onChange(e doc.Event) {
	if e.Local {
		return
	}
	keys := e.Keys(doc.RegionCommands)
	if len(keys) == 0 {
		return
	}

	var (
		consumed []string
		batch    []received
	)
	cutoff := ch.clock.Now().Add(-ch.ttl)
	for _, key := range keys {
		var cmd Command
		ok, err := ch.doc.Get(doc.RegionCommands, key, &cmd)
		if !ok {
			continue
		}
		consumed = append(consumed, key)
		if err != nil {
			ch.log.Warn("malformed command", zap.String("key", key), zap.Error(err))
			continue
		}
		if !cmd.Type.Valid() {
			ch.log.Warn("unknown command", zap.String("key", key), zap.String("type", string(cmd.Type)))
			continue
		}
		if ch.ttl > 0 && cmd.Time().Before(cutoff) {
			ch.log.Debug("stale command dropped", zap.String("key", key))
			continue
		}
		batch = append(batch, received{key: key, cmd: cmd})
	}

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].cmd.Timestamp < batch[j].cmd.Timestamp
	})
	for _, r := range batch {
		if ch.isClosed() {
			return
		}
		ch.handler(r.cmd)
	}

	if ch.isClosed() || len(consumed) == 0 {
		return
	}
	err := ch.doc.Transact(ch, func(tx *doc.Txn) error {
		for _, key := range consumed {
			tx.Delete(doc.RegionCommands, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, doc.ErrClosed) {
		ch.log.Warn("delete consumed commands", zap.Error(err))
	}
}
