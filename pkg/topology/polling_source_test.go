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

func TestPollingSource_EmitsSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := topology.NewInMemoryPresenceStore[string, topology.Registration]()
	reg, err := topology.NewRegistry(store, nil, 0, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, reg.Announce(ctx, dest(1)))

	src, err := topology.NewPollingSource(reg, "counts", 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, src.Start(ctx))

	select {
	case u := <-src.Updates():
		assert.Equal(t, topology.KindSnapshot, u.Kind)
		assert.Equal(t, []topology.Destination{dest(1)}, u.Destinations)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	require.NoError(t, reg.Announce(ctx, dest(2)))
	require.Eventually(t, func() bool {
		select {
		case u := <-src.Updates():
			return len(u.Destinations) == 2
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, src.Stop(stopCtx))
	for range src.Updates() {
		// Drain anything buffered; the loop ends once the channel is closed.
	}
}

func TestPollingSource_Validation(t *testing.T) {
	_, err := topology.NewPollingSource(nil, "counts", time.Second, zerolog.Nop())
	require.Error(t, err)

	reg, err := topology.NewRegistry(topology.NewInMemoryPresenceStore[string, topology.Registration](), nil, 0, zerolog.Nop())
	require.NoError(t, err)
	_, err = topology.NewPollingSource(reg, "counts", 0, zerolog.Nop())
	require.Error(t, err)

	src, err := topology.NewPollingSource(reg, "counts", time.Second, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, src.Stop(context.Background()), "stopping an unstarted source is a no-op")
}
