package topology

import (
	"context"
)

// Source delivers topology-change notifications to a Manager.
type Source interface {
	// Updates is the notification stream. It may be closed once the source stops.
	Updates() <-chan Update
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Notifier publishes topology updates for a stream so that the Sources of
// upstream nodes see them.
type Notifier interface {
	Publish(ctx context.Context, stream string, u Update) error
}

// ChannelSource is an in-process Source. It suits static topologies wired in
// code and tests.
type ChannelSource struct {
	updates chan Update
}

// NewChannelSource creates a ChannelSource with the given buffer size.
func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{updates: make(chan Update, buffer)}
}

// Publish queues u, blocking while the buffer is full. The stream is ignored:
// a ChannelSource carries a single stream. It also makes ChannelSource a Notifier.
func (s *ChannelSource) Publish(ctx context.Context, _ string, u Update) error {
	select {
	case s.updates <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Updates implements Source.
func (s *ChannelSource) Updates() <-chan Update { return s.updates }

// Start implements Source.
func (s *ChannelSource) Start(context.Context) error { return nil }

// Stop implements Source. The channel stays open so late publishers never panic.
func (s *ChannelSource) Stop(context.Context) error { return nil }
