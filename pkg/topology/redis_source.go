package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ChannelName is the Redis Pub/Sub channel carrying updates for a stream.
func ChannelName(prefix, stream string) string {
	return fmt.Sprintf("%s:topology:%s", prefix, stream)
}

// RedisNotifier publishes topology updates as JSON on Redis Pub/Sub.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier creates a notifier on an existing client.
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: prefix}
}

// Publish implements Notifier.
func (n *RedisNotifier) Publish(ctx context.Context, stream string, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal topology update: %w", err)
	}
	if err := n.client.Publish(ctx, ChannelName(n.prefix, stream), data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// RedisSourceConfig configures a RedisSource.
type RedisSourceConfig struct {
	Prefix string
	Stream string
	// ResyncInterval is how often a full snapshot is emitted, which repairs
	// any notification lost while disconnected. Zero disables resync.
	ResyncInterval time.Duration
}

// RedisSource subscribes to a stream's topology channel. On start, and every
// ResyncInterval, it also emits a Snapshot built from the Registry.
type RedisSource struct {
	client   *redis.Client
	registry *Registry
	cfg      RedisSourceConfig
	logger   zerolog.Logger

	updates  chan Update
	sub      *redis.PubSub
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRedisSource creates a RedisSource. registry may be nil to rely on
// notifications alone.
func NewRedisSource(client *redis.Client, registry *Registry, cfg RedisSourceConfig, logger zerolog.Logger) (*RedisSource, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	return &RedisSource{
		client:   client,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "RedisSource").Str("stream", cfg.Stream).Logger(),
		updates:  make(chan Update, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Updates implements Source. The channel is closed once the source stops.
func (s *RedisSource) Updates() <-chan Update { return s.updates }

// Start subscribes and begins forwarding updates.
func (s *RedisSource) Start(ctx context.Context) error {
	channel := ChannelName(s.cfg.Prefix, s.cfg.Stream)
	sub := s.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no update published after
	// Start returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	s.sub = sub
	s.logger.Info().Str("channel", channel).Msg("Subscribed to topology updates.")

	go s.run(ctx)
	return nil
}

func (s *RedisSource) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.updates)

	s.resync(ctx)

	var tick <-chan time.Time
	if s.cfg.ResyncInterval > 0 {
		ticker := time.NewTicker(s.cfg.ResyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	msgs := s.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-tick:
			s.resync(ctx)
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var u Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				s.logger.Warn().Err(err).Msg("Skipping undecodable topology update.")
				continue
			}
			s.emit(ctx, u)
		}
	}
}

func (s *RedisSource) resync(ctx context.Context) {
	if s.registry == nil {
		return
	}
	dests, err := s.registry.Snapshot(ctx, s.cfg.Stream)
	if err != nil {
		s.logger.Error().Err(err).Msg("Topology resync failed.")
		return
	}
	s.emit(ctx, Update{Kind: KindSnapshot, Destinations: dests})
}

func (s *RedisSource) emit(ctx context.Context, u Update) {
	select {
	case s.updates <- u:
	case <-ctx.Done():
	case <-s.stop:
	}
}

// Stop unsubscribes and waits for the forwarding goroutine to exit.
func (s *RedisSource) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.sub == nil {
		return nil
	}
	err := s.sub.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
