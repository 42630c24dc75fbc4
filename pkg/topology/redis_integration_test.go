//go:build integration

package topology_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/illmade-knight/go-intersection/pkg/topology"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T, ctx context.Context) (*redis.Client, *topology.RedisConfig) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	cfg := &topology.RedisConfig{
		Addr:      addr,
		KeyPrefix: fmt.Sprintf("test-%d", time.Now().UnixNano()),
		TTL:       time.Minute,
	}
	client, err := topology.NewRedisClient(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, cfg
}

func TestRedisPresenceStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	client, cfg := setupRedis(t, ctx)

	store, err := topology.NewRedisPresenceStore[string, topology.Registration](client, cfg, zerolog.Nop())
	require.NoError(t, err)

	t.Run("Set, Fetch, List and Delete cycle", func(t *testing.T) {
		reg := topology.Registration{Destination: dest(1), AnnouncedAt: time.Now().UTC().Truncate(time.Second)}
		require.NoError(t, store.Set(ctx, "proc-1", reg))

		exists, err := client.Exists(ctx, cfg.KeyPrefix+":presence:proc-1").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists)

		got, err := store.Fetch(ctx, "proc-1")
		require.NoError(t, err)
		assert.Equal(t, reg.Destination, got.Destination)
		assert.True(t, reg.AnnouncedAt.Equal(got.AnnouncedAt))

		all, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, store.Delete(ctx, "proc-1"))
		_, err = store.Fetch(ctx, "proc-1")
		require.ErrorIs(t, err, topology.ErrNotFound)
	})

	t.Run("TTL expires registrations", func(t *testing.T) {
		shortCfg := *cfg
		shortCfg.TTL = 150 * time.Millisecond
		s, err := topology.NewRedisPresenceStore[string, topology.Registration](client, &shortCfg, zerolog.Nop())
		require.NoError(t, err)

		require.NoError(t, s.Set(ctx, "ttl-key", topology.Registration{Destination: dest(2)}))
		time.Sleep(300 * time.Millisecond)

		_, err = s.Fetch(ctx, "ttl-key")
		require.ErrorIs(t, err, topology.ErrNotFound)
	})
}

func TestRedisSource_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	client, cfg := setupRedis(t, ctx)

	store, err := topology.NewRedisPresenceStore[string, topology.Registration](client, cfg, zerolog.Nop())
	require.NoError(t, err)
	notifier := topology.NewRedisNotifier(client, cfg.KeyPrefix)
	reg, err := topology.NewRegistry(store, notifier, 0, zerolog.Nop())
	require.NoError(t, err)

	// Registered before the source starts: arrives in the initial snapshot.
	require.NoError(t, reg.Announce(ctx, dest(1)))

	source, err := topology.NewRedisSource(client, reg, topology.RedisSourceConfig{Prefix: cfg.KeyPrefix, Stream: "counts"}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, source.Start(ctx))

	select {
	case u := <-source.Updates():
		assert.Equal(t, topology.KindSnapshot, u.Kind)
		assert.Equal(t, []topology.Destination{dest(1)}, u.Destinations)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot received")
	}

	// Registered after: arrives as a notification.
	require.NoError(t, reg.Announce(ctx, dest(2)))
	select {
	case u := <-source.Updates():
		assert.Equal(t, topology.KindAnnounce, u.Kind)
		assert.Equal(t, []topology.Destination{dest(2)}, u.Destinations)
	case <-time.After(5 * time.Second):
		t.Fatal("no announce received")
	}

	require.NoError(t, source.Stop(ctx))
	_, open := <-source.Updates()
	assert.False(t, open)
}
