// Package grouping chooses which downstream destinations receive an outgoing
// message.
package grouping

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// ErrUnknownPolicy is returned by New for an unrecognised policy name.
var ErrUnknownPolicy = errors.New("unknown grouping policy")

// Policy names accepted by New.
const (
	PolicyRoundRobin = "round_robin"
	PolicyBroadcast  = "broadcast"
)

// Partitioner selects destinations for a message given its grouping key (empty
// when the message has no partition preference) and the live destination ids.
// destinations must be in a stable order; implementations never modify it.
type Partitioner interface {
	Select(key string, destinations []string) []string
}

// HashPartitioner routes keyed messages to destinations[xxhash(key) % n], so a
// key keeps its destination for as long as the destination set is unchanged.
// Unkeyed messages are delegated to Fallback.
type HashPartitioner struct {
	Fallback Partitioner
}

// NewHashPartitioner creates a HashPartitioner. A nil fallback uses RoundRobin.
func NewHashPartitioner(fallback Partitioner) *HashPartitioner {
	if fallback == nil {
		fallback = &RoundRobin{}
	}
	return &HashPartitioner{Fallback: fallback}
}

// Select implements Partitioner.
func (p *HashPartitioner) Select(key string, destinations []string) []string {
	if len(destinations) == 0 {
		return nil
	}
	if key == "" {
		return p.Fallback.Select(key, destinations)
	}
	idx := xxhash.Sum64String(key) % uint64(len(destinations))
	return []string{destinations[idx]}
}

// RoundRobin spreads messages over destinations in turn.
type RoundRobin struct {
	next atomic.Uint64
}

// Select implements Partitioner.
func (r *RoundRobin) Select(_ string, destinations []string) []string {
	if len(destinations) == 0 {
		return nil
	}
	n := r.next.Add(1) - 1
	return []string{destinations[n%uint64(len(destinations))]}
}

// Broadcast sends every message to all destinations.
type Broadcast struct{}

// Select implements Partitioner.
func (Broadcast) Select(_ string, destinations []string) []string {
	if len(destinations) == 0 {
		return nil
	}
	out := make([]string, len(destinations))
	copy(out, destinations)
	return out
}

// New builds the default hash partitioner with the named fallback policy for
// unkeyed messages. An empty name means round_robin.
func New(fallback string) (Partitioner, error) {
	switch strings.ToLower(fallback) {
	case "", PolicyRoundRobin:
		return NewHashPartitioner(&RoundRobin{}), nil
	case PolicyBroadcast:
		return NewHashPartitioner(Broadcast{}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, fallback)
}
