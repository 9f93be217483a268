package fanout

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("bus closed")

// Redis publishes each room on its own channel, prefix + room id, and
// pattern-subscribes to every room under the prefix
type Redis struct {
	client *redis.Client
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

func NewRedis(client *redis.Client, prefix string, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, log: log}
}

// Dial connects to addr and checks the server answers
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return rdb, nil
}

func (r *Redis) Channel(roomID string) string {
	return r.prefix + roomID
}

func (r *Redis) Publish(ctx context.Context, e Envelope) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.Channel(e.RoomID), data).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", r.Channel(e.RoomID))
	}
	return nil
}

// Subscribe starts delivering envelopes to fn until ctx is done or the
// bus is closed
func (r *Redis) Subscribe(ctx context.Context, fn func(Envelope)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	r.subs = append(r.subs, pubsub)
	r.mu.Unlock()

	// wait for the subscription to be confirmed so nothing published
	// after Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return errors.Wrap(err, "subscribe")
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				e, err := Decode([]byte(msg.Payload))
				if err != nil {
					r.log.Warn("dropping fanout message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				fn(e)
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, s := range r.subs {
		s.Close()
	}
	r.subs = nil
	return nil
}
