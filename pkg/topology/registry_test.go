package topology_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-intersection/pkg/topology"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPresenceStore(t *testing.T) {
	ctx := context.Background()
	s := topology.NewInMemoryPresenceStore[string, string]()

	t.Run("Fetch miss", func(t *testing.T) {
		_, err := s.Fetch(ctx, "non-existent-key")
		require.ErrorIs(t, err, topology.ErrNotFound)
	})

	t.Run("Set, Fetch, List and Delete cycle", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "a", "tcp://a:1"))
		require.NoError(t, s.Set(ctx, "b", "tcp://b:1"))

		got, err := s.Fetch(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "tcp://a:1", got)

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"tcp://a:1", "tcp://b:1"}, all)

		require.NoError(t, s.Delete(ctx, "a"))
		_, err = s.Fetch(ctx, "a")
		require.ErrorIs(t, err, topology.ErrNotFound)
	})
}

func TestRegistry_AnnounceWithdrawNotifies(t *testing.T) {
	ctx := context.Background()
	store := topology.NewInMemoryPresenceStore[string, topology.Registration]()
	notifier := topology.NewChannelSource(4)
	reg, err := topology.NewRegistry(store, notifier, 0, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, reg.Announce(ctx, dest(1)))
	u := <-notifier.Updates()
	assert.Equal(t, topology.KindAnnounce, u.Kind)
	assert.Equal(t, []topology.Destination{dest(1)}, u.Destinations)

	stored, err := store.Fetch(ctx, "proc-1")
	require.NoError(t, err)
	assert.Equal(t, dest(1), stored.Destination)
	assert.WithinDuration(t, time.Now(), stored.AnnouncedAt, time.Minute)

	require.NoError(t, reg.Withdraw(ctx, dest(1)))
	u = <-notifier.Updates()
	assert.Equal(t, topology.KindWithdraw, u.Kind)
	_, err = store.Fetch(ctx, "proc-1")
	require.ErrorIs(t, err, topology.ErrNotFound)
}

func TestRegistry_Snapshot(t *testing.T) {
	ctx := context.Background()
	store := topology.NewInMemoryPresenceStore[string, topology.Registration]()
	reg, err := topology.NewRegistry(store, nil, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, reg.Announce(ctx, dest(2)))
	require.NoError(t, reg.Announce(ctx, dest(1)))
	other := dest(3)
	other.Stream = "alerts"
	require.NoError(t, reg.Announce(ctx, other))
	stale := dest(4)
	require.NoError(t, store.Set(ctx, stale.ID(), topology.Registration{Destination: stale, AnnouncedAt: time.Now().Add(-time.Hour)}))

	got, err := reg.Snapshot(ctx, "counts")
	require.NoError(t, err)
	assert.Equal(t, []topology.Destination{dest(1), dest(2)}, got)

	all, err := reg.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNewRegistry_NilStore(t *testing.T) {
	_, err := topology.NewRegistry(nil, nil, 0, zerolog.Nop())
	require.Error(t, err)
}
