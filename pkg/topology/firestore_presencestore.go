package topology

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestorePresenceStore is a PresenceStore backed by a Firestore collection,
// one document per key. Firestore has no per-write TTL here, so stale entries
// are filtered by their readers (see Registry).
type FirestorePresenceStore[K comparable, V any] struct {
	client     *firestore.Client
	collection string
}

// NewFirestorePresenceStore creates a store on an existing client.
func NewFirestorePresenceStore[K comparable, V any](
	client *firestore.Client,
	collectionName string,
) (*FirestorePresenceStore[K, V], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	return &FirestorePresenceStore[K, V]{
		client:     client,
		collection: collectionName,
	}, nil
}

func (s *FirestorePresenceStore[K, V]) Set(ctx context.Context, key K, value V) error {
	k := fmt.Sprintf("%v", key)
	if _, err := s.client.Collection(s.collection).Doc(k).Set(ctx, value); err != nil {
		return fmt.Errorf("failed to set presence in firestore for key %s: %w", k, err)
	}
	return nil
}

func (s *FirestorePresenceStore[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	k := fmt.Sprintf("%v", key)
	snap, err := s.client.Collection(s.collection).Doc(k).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, fmt.Errorf("%w: %v", ErrNotFound, key)
		}
		return zero, fmt.Errorf("firestore get failed for key %s: %w", k, err)
	}
	var value V
	if err := snap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal presence data for key %s: %w", k, err)
	}
	return value, nil
}

func (s *FirestorePresenceStore[K, V]) Delete(ctx context.Context, key K) error {
	k := fmt.Sprintf("%v", key)
	if _, err := s.client.Collection(s.collection).Doc(k).Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("firestore delete failed for key %s: %w", k, err)
	}
	return nil
}

func (s *FirestorePresenceStore[K, V]) List(ctx context.Context) ([]V, error) {
	var out []V
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list of %s failed: %w", s.collection, err)
		}
		var value V
		if err := snap.DataTo(&value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal presence document %s: %w", snap.Ref.ID, err)
		}
		out = append(out, value)
	}
}

// Close is a no-op; the client's lifecycle is managed by the caller.
func (s *FirestorePresenceStore[K, V]) Close() error {
	return nil
}
