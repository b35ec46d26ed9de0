package device

import (
	"reflect"

	"github.com/planforge/planforge/pkg/engine"
)

// computeDelta compares current device state with the desired fields and
// returns the minimal delta to submit plus a before snapshot of every
// field the change names. Both maps are value copies with no aliasing into
// the live state.
func computeDelta(current, desired engine.FieldMap) (delta, before engine.FieldMap) {
	delta = make(engine.FieldMap)
	before = make(engine.FieldMap, len(desired))

	for field, want := range desired {
		got := current[field]
		before[field] = engine.CopyValue(got)
		if !reflect.DeepEqual(normalize(got), normalize(want)) {
			delta[field] = engine.CopyValue(want)
		}
	}
	return delta, before
}

// snapshotFields extracts the fields named by desired from an observed
// state, falling back to the desired values when the transport did not
// echo the resulting state back.
func snapshotFields(observed, desired engine.FieldMap) engine.FieldMap {
	out := make(engine.FieldMap, len(desired))
	for field, want := range desired {
		if observed != nil {
			if got, ok := observed[field]; ok {
				out[field] = engine.CopyValue(got)
				continue
			}
		}
		out[field] = engine.CopyValue(want)
	}
	return out
}

// normalize converts string slices to []any so JSON-decoded state and
// caller-constructed desired fields compare equal.
func normalize(v any) any {
	if s, ok := v.([]string); ok {
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	}
	return v
}
