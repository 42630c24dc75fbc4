package messagepipeline

import (
	"context"

	"github.com/illmade-knight/go-intersection/pkg/control"
	"github.com/illmade-knight/go-intersection/pkg/topology"
)

// ====================================================================================
// This file defines the contracts between the processing loop, the user supplied
// transform and the connection manager.
// ====================================================================================

// Emit hands a result to the node for routing. The node stamps the producer,
// picks destinations and sends it before Emit returns. Results built with
// SpinOff carry lineage; results built with NewMessage are detached.
//
// Emit must only be called while the transform that received it is running.
type Emit func(msg *Message)

// Transform processes a single input message. Returning an error (or
// panicking) fails the input. Inputs still pending when it returns without
// error are acknowledged; a transform may also settle the input itself.
type Transform func(ctx context.Context, msg *Message, emit Emit) error

// BatchTransform processes an accumulated batch, which may be empty. An error
// fails every input in the batch that is still pending.
type BatchTransform func(ctx context.Context, msgs []*Message, emit Emit) error

// ConnectionManager is the node's view of the topology. It is implemented by
// *topology.Manager.
type ConnectionManager interface {
	// Run maintains the topology until ctx is cancelled.
	Run(ctx context.Context) error
	// Current returns the latest destination table without blocking.
	Current() *topology.View
	// Control returns the control channel, or nil while none is established.
	Control() control.Channel
	Close() error
}
