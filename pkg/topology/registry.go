package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Registration is a destination as held in the registry's presence store.
type Registration struct {
	Destination Destination `json:"destination" firestore:"destination"`
	AnnouncedAt time.Time   `json:"announced_at" firestore:"announced_at"`
}

// Registry advertises node inputs so that upstream Managers can discover them.
// A node announces itself on start and on every heartbeat, and withdraws on
// shutdown.
type Registry struct {
	store      PresenceStore[string, Registration]
	notifier   Notifier
	staleAfter time.Duration
	logger     zerolog.Logger
}

// NewRegistry creates a Registry. notifier may be nil, in which case upstream
// nodes only see registrations on their next snapshot. Registrations older
// than staleAfter are left out of snapshots; zero keeps them all.
func NewRegistry(
	store PresenceStore[string, Registration],
	notifier Notifier,
	staleAfter time.Duration,
	logger zerolog.Logger,
) (*Registry, error) {
	if store == nil {
		return nil, errors.New("presence store cannot be nil")
	}
	return &Registry{
		store:      store,
		notifier:   notifier,
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "Registry").Logger(),
	}, nil
}

// Announce stores or refreshes d and notifies its stream.
func (r *Registry) Announce(ctx context.Context, d Destination) error {
	reg := Registration{Destination: d, AnnouncedAt: time.Now().UTC()}
	if err := r.store.Set(ctx, d.ID(), reg); err != nil {
		return fmt.Errorf("failed to announce %s: %w", d.ID(), err)
	}
	return r.publish(ctx, d.Stream, Update{Kind: KindAnnounce, Destinations: []Destination{d}})
}

// Withdraw removes d and notifies its stream.
func (r *Registry) Withdraw(ctx context.Context, d Destination) error {
	if err := r.store.Delete(ctx, d.ID()); err != nil {
		return fmt.Errorf("failed to withdraw %s: %w", d.ID(), err)
	}
	return r.publish(ctx, d.Stream, Update{Kind: KindWithdraw, Destinations: []Destination{d}})
}

// Snapshot lists the live destinations registered for stream, sorted by ID.
// An empty stream lists every destination.
func (r *Registry) Snapshot(ctx context.Context, stream string) ([]Destination, error) {
	regs, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	cutoff := time.Now().Add(-r.staleAfter)
	out := make([]Destination, 0, len(regs))
	for _, reg := range regs {
		if stream != "" && reg.Destination.Stream != stream {
			continue
		}
		if r.staleAfter > 0 && reg.AnnouncedAt.Before(cutoff) {
			continue
		}
		out = append(out, reg.Destination)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (r *Registry) publish(ctx context.Context, stream string, u Update) error {
	if r.notifier == nil {
		return nil
	}
	if err := r.notifier.Publish(ctx, stream, u); err != nil {
		return fmt.Errorf("failed to publish %s update: %w", u.Kind, err)
	}
	r.logger.Debug().Str("stream", stream).Str("kind", string(u.Kind)).Msg("Topology update published.")
	return nil
}
