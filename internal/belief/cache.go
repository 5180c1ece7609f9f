// Package belief caches the opponent's serialised posterior between rounds.
//
// Entries are opaque to the server: the oracle adapter reads and writes
// them verbatim. A save always replaces the whole entry of a user, and only
// the worker handling that user's current job writes it.
package belief

import (
	"context"
	"maps"
)

// Belief maps a posterior parameter key to its serialised value.
type Belief map[string][]byte

// Clone returns a copy that shares no byte slices with b.
func (b Belief) Clone() Belief {
	out := make(Belief, len(b))
	for k, v := range b {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Equal reports whether both beliefs hold identical bytes under identical keys.
func (b Belief) Equal(other Belief) bool {
	return maps.EqualFunc(b, other, func(x, y []byte) bool { return string(x) == string(y) })
}

// Cache stores one Belief per user.
type Cache interface {
	// Load returns the user's belief, or an empty Belief if none was saved.
	Load(ctx context.Context, userID string) (Belief, error)
	// Save replaces the user's belief entirely.
	Save(ctx context.Context, userID string, b Belief) error
	// Delete drops the user's belief.
	Delete(ctx context.Context, userID string) error
}
