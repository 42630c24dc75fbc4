package topology

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PollingSource emits a Snapshot of a stream's registrations every Interval.
// It serves presence stores that cannot push notifications, such as Firestore.
type PollingSource struct {
	registry *Registry
	stream   string
	interval time.Duration
	logger   zerolog.Logger

	updates  chan Update
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewPollingSource creates a PollingSource for stream.
func NewPollingSource(registry *Registry, stream string, interval time.Duration, logger zerolog.Logger) (*PollingSource, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if interval <= 0 {
		return nil, errors.New("polling interval must be positive")
	}
	return &PollingSource{
		registry: registry,
		stream:   stream,
		interval: interval,
		logger:   logger.With().Str("component", "PollingSource").Str("stream", stream).Logger(),
		updates:  make(chan Update, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Updates implements Source. The channel is closed once the source stops.
func (s *PollingSource) Updates() <-chan Update { return s.updates }

// Start begins polling; the first snapshot is taken immediately.
func (s *PollingSource) Start(ctx context.Context) error {
	s.started = true
	go s.run(ctx)
	return nil
}

func (s *PollingSource) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.updates)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		dests, err := s.registry.Snapshot(ctx, s.stream)
		if err != nil {
			s.logger.Error().Err(err).Msg("Topology poll failed.")
		} else {
			select {
			case s.updates <- Update{Kind: KindSnapshot, Destinations: dests}:
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends polling and waits for the goroutine to exit.
func (s *PollingSource) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if !s.started {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
