// Package fanout relays frames between relay nodes that serve the same
// room. Each node publishes the frames its own clients send and
// forwards frames published by other nodes to its local clients.
package fanout

import (
	"context"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/sketchsync/internal/doc"
)

// Envelope is one frame crossing nodes
type Envelope struct {
	Node   string `cbor:"1,keyasint"`
	RoomID string `cbor:"2,keyasint"`
	Data   []byte `cbor:"3,keyasint"`
}

func Encode(e Envelope) ([]byte, error) {
	data, err := doc.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return data, nil
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := doc.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if e.RoomID == "" {
		return Envelope{}, errors.New("envelope without room")
	}
	return e, nil
}

// Bus carries envelopes between nodes. Subscribers see every envelope,
// their own included, and filter by Node.
type Bus interface {
	Publish(ctx context.Context, e Envelope) error
	Subscribe(ctx context.Context, fn func(Envelope)) error
	Close() error
}
