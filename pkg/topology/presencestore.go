package topology

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Fetch for keys that are absent or expired.
var ErrNotFound = errors.New("key not found in presence store")

// PresenceStore holds ephemeral advertisement state such as node
// registrations. It has no persistent source of truth behind it, so entries
// are written and removed explicitly.
type PresenceStore[K comparable, V any] interface {
	Set(ctx context.Context, key K, value V) error
	Fetch(ctx context.Context, key K) (V, error)
	Delete(ctx context.Context, key K) error
	// List returns every live value in no particular order.
	List(ctx context.Context) ([]V, error)
	io.Closer
}
