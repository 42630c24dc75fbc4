package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ====================================================================================
// This file defines the point-to-point transport contracts used between pipeline
// nodes. Transports carry opaque encoded records; they know nothing about topology,
// lineage or which node sits on the other end.
// ====================================================================================

var (
	// ErrTimeout is returned by Receive when no record arrived before the poll timeout.
	// It is a normal "no data" outcome, not a failure.
	ErrTimeout = errors.New("transport: receive timed out")
	// ErrClosed is returned once a Receiver or Sender has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrUnroutable is returned when an address peers could not dial is about
	// to be advertised.
	ErrUnroutable = errors.New("transport: address is not routable")
)

// Receiver is a pull-style endpoint bound to an address chosen by the node.
type Receiver interface {
	// Receive blocks for at most timeout waiting for the next record.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	// Addr is the address upstream nodes should send to.
	Addr() string
	Close() error
}

// Sender is a push-style connection to a single downstream destination.
// Send is fire-and-forget from the caller's perspective, bounded by the
// implementation's own send deadline.
type Sender interface {
	Send(ctx context.Context, data []byte) error
	Address() string
	Close() error
}

// Dialer opens Senders for destination addresses.
type Dialer interface {
	Dial(ctx context.Context, address string) (Sender, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (Sender, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, address string) (Sender, error) {
	return f(ctx, address)
}

// SchemeDialer routes Dial calls to a registered Dialer by the address scheme
// (the part before "://"). Addresses with an unregistered scheme go to the fallback.
type SchemeDialer struct {
	mu       sync.RWMutex
	dialers  map[string]Dialer
	fallback Dialer
}

// NewSchemeDialer creates a SchemeDialer. fallback may be nil.
func NewSchemeDialer(fallback Dialer) *SchemeDialer {
	return &SchemeDialer{
		dialers:  make(map[string]Dialer),
		fallback: fallback,
	}
}

// Register sets the Dialer used for addresses with the given scheme.
func (d *SchemeDialer) Register(scheme string, dialer Dialer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialers[strings.ToLower(scheme)] = dialer
}

// Dial implements Dialer.
func (d *SchemeDialer) Dial(ctx context.Context, address string) (Sender, error) {
	scheme, _, found := strings.Cut(address, "://")
	if !found {
		return nil, fmt.Errorf("address %q has no scheme", address)
	}

	d.mu.RLock()
	dialer, ok := d.dialers[strings.ToLower(scheme)]
	d.mu.RUnlock()
	if !ok {
		dialer = d.fallback
	}
	if dialer == nil {
		return nil, fmt.Errorf("no dialer registered for scheme %q", scheme)
	}
	return dialer.Dial(ctx, address)
}
