package grouping_test

import (
	"fmt"
	"testing"

	"github.com/illmade-knight/go-intersection/pkg/grouping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func destinations(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("dest-%02d", i)
	}
	return out
}

func TestHashPartitioner_StableForSameKey(t *testing.T) {
	p := grouping.NewHashPartitioner(nil)

	for k := 1; k <= 16; k++ {
		dests := destinations(k)
		for _, key := range []string{"hello", "world", "a", "some-longer-grouping-key"} {
			first := p.Select(key, dests)
			require.Len(t, first, 1)
			for i := 0; i < 5; i++ {
				assert.Equal(t, first, p.Select(key, dests), "key %q with %d destinations", key, k)
			}
		}
	}
}

func TestHashPartitioner_SpreadsKeys(t *testing.T) {
	p := grouping.NewHashPartitioner(nil)
	dests := destinations(4)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[p.Select(fmt.Sprintf("key-%d", i), dests)[0]] = true
	}
	assert.Len(t, seen, 4)
}

func TestHashPartitioner_EmptyDestinations(t *testing.T) {
	p := grouping.NewHashPartitioner(nil)
	assert.Empty(t, p.Select("hello", nil))
	assert.Empty(t, p.Select("", []string{}))
}

func TestHashPartitioner_UnkeyedUsesFallback(t *testing.T) {
	dests := destinations(3)

	rr := grouping.NewHashPartitioner(&grouping.RoundRobin{})
	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, rr.Select("", dests)...)
	}
	assert.Equal(t, []string{"dest-00", "dest-01", "dest-02", "dest-00", "dest-01", "dest-02"}, got)

	bc := grouping.NewHashPartitioner(grouping.Broadcast{})
	assert.Equal(t, dests, bc.Select("", dests))
}

func TestBroadcast_ReturnsCopy(t *testing.T) {
	dests := destinations(2)
	out := grouping.Broadcast{}.Select("", dests)
	out[0] = "changed"
	assert.Equal(t, "dest-00", dests[0])
}

func TestNew(t *testing.T) {
	testCases := []struct {
		name      string
		policy    string
		broadcast bool
		wantErr   bool
	}{
		{name: "default", policy: ""},
		{name: "round robin", policy: "round_robin"},
		{name: "broadcast", policy: "BROADCAST", broadcast: true},
		{name: "unknown", policy: "random", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := grouping.New(tc.policy)
			if tc.wantErr {
				require.ErrorIs(t, err, grouping.ErrUnknownPolicy)
				return
			}
			require.NoError(t, err)
			got := p.Select("", destinations(3))
			if tc.broadcast {
				assert.Len(t, got, 3)
			} else {
				assert.Len(t, got, 1)
			}
		})
	}
}
