package doc

import "sort"

// Event describes one committed change
type Event struct {
	// Origin is the value passed to Transact, or RemoteOrigin{}
	Origin  any
	Local   bool
	Changes map[string]*Change
}

// Change lists what moved inside one region
type Change struct {
	Keys     []string
	Replaced bool
}

type changeSet map[string]*Change

func (c changeSet) add(op Op) {
	change, ok := c[op.Region]
	if !ok {
		change = &Change{}
		c[op.Region] = change
	}
	if op.Kind == OpReplace {
		change.Replaced = true
		return
	}
	for _, key := range change.Keys {
		if key == op.Key {
			return
		}
	}
	change.Keys = append(change.Keys, op.Key)
}

// Touches reports whether the event changed region
func (e Event) Touches(region string) bool {
	_, ok := e.Changes[region]
	return ok
}

// Keys returns the changed keys of a map region in sorted order
func (e Event) Keys(region string) []string {
	change, ok := e.Changes[region]
	if !ok {
		return nil
	}
	keys := append([]string(nil), change.Keys...)
	sort.Strings(keys)
	return keys
}
