package doc

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Stamp orders writes to the same entry. The higher Lamport time wins;
// equal times fall back to comparing client ids so every replica picks
// the same winner.
type Stamp struct {
	Lamport uint64 `cbor:"1,keyasint"`
	Client  string `cbor:"2,keyasint"`
}

// Newer reports whether s beats other
func (s Stamp) Newer(other Stamp) bool {
	if s.Lamport != other.Lamport {
		return s.Lamport > other.Lamport
	}
	return s.Client > other.Client
}

type OpKind uint8

const (
	OpSet     OpKind = 1
	OpDelete  OpKind = 2
	OpReplace OpKind = 3
)

// Op is a single write to one region
type Op struct {
	Kind   OpKind            `cbor:"1,keyasint"`
	Region string            `cbor:"2,keyasint"`
	Key    string            `cbor:"3,keyasint,omitempty"`
	Value  cbor.RawMessage   `cbor:"4,keyasint,omitempty"`
	Items  []cbor.RawMessage `cbor:"5,keyasint,omitempty"`
	Stamp  Stamp             `cbor:"6,keyasint"`
}

// StateVector maps a client id to the highest update sequence applied
// from that client
type StateVector map[string]uint64

func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// Update is the unit of replication. One transaction produces one
// Update. A snapshot Update has no Client and carries the full state
// plus the vector it covers.
type Update struct {
	Client string      `cbor:"1,keyasint,omitempty"`
	Seq    uint64      `cbor:"2,keyasint,omitempty"`
	Ops    []Op        `cbor:"3,keyasint"`
	Vector StateVector `cbor:"4,keyasint,omitempty"`
}

func (u Update) IsSnapshot() bool {
	return u.Client == ""
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v deterministically
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes cbor data into v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func EncodeUpdate(u Update) ([]byte, error) {
	data, err := Marshal(u)
	if err != nil {
		return nil, errors.Wrap(err, "encode update")
	}
	return data, nil
}

func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := Unmarshal(data, &u); err != nil {
		return Update{}, errors.Wrap(err, "decode update")
	}
	return u, nil
}

// EncodeBatch encodes a catch-up batch of already-encoded updates
func EncodeBatch(updates [][]byte) ([]byte, error) {
	raw := make([]cbor.RawMessage, len(updates))
	for i, u := range updates {
		raw[i] = u
	}
	data, err := Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "encode batch")
	}
	return data, nil
}

func DecodeBatch(data []byte) ([]Update, error) {
	var raw []cbor.RawMessage
	if err := Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode batch")
	}
	updates := make([]Update, 0, len(raw))
	for _, r := range raw {
		u, err := DecodeUpdate(r)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func EncodeVector(v StateVector) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode state vector")
	}
	return data, nil
}

func DecodeVector(data []byte) (StateVector, error) {
	v := StateVector{}
	if len(data) == 0 {
		return v, nil
	}
	if err := Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "decode state vector")
	}
	return v, nil
}
