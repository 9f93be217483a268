package doc

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Txn collects the writes of one Transact call
type Txn struct {
	ops []Op
	err error
}

// Set stores v under key in a map region
func (tx *Txn) Set(region, key string, v any) {
	if tx.err != nil {
		return
	}
	value, err := Marshal(v)
	if err != nil {
		tx.err = errors.Wrapf(err, "encode %s/%s", region, key)
		return
	}
	tx.ops = append(tx.ops, Op{Kind: OpSet, Region: region, Key: key, Value: value})
}

// Delete removes key from a map region
func (tx *Txn) Delete(region, key string) {
	if tx.err != nil {
		return
	}
	tx.ops = append(tx.ops, Op{Kind: OpDelete, Region: region, Key: key})
}

// ReplaceRaw swaps the whole content of a sequence region
func (tx *Txn) ReplaceRaw(region string, items []cbor.RawMessage) {
	if tx.err != nil {
		return
	}
	tx.ops = append(tx.ops, Op{Kind: OpReplace, Region: region, Items: items})
}

// Replace encodes items and swaps them in as the whole content of a
// sequence region
func Replace[T any](tx *Txn, region string, items []T) {
	if tx.err != nil {
		return
	}
	raw := make([]cbor.RawMessage, 0, len(items))
	for i := range items {
		data, err := Marshal(items[i])
		if err != nil {
			tx.err = errors.Wrapf(err, "encode %s[%d]", region, i)
			return
		}
		raw = append(raw, data)
	}
	tx.ReplaceRaw(region, raw)
}
