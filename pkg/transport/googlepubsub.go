package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// PubsubScheme is the address scheme for Pub/Sub backed transports: "pubsub://<topic-id>".
const PubsubScheme = "pubsub"

// PubsubAddress returns the transport address for a topic.
func PubsubAddress(topicID string) string {
	return PubsubScheme + "://" + topicID
}

// --- Sender ---

// GooglePubsubSenderConfig holds configuration for a Pub/Sub sender.
type GooglePubsubSenderConfig struct {
	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
	StopTimeout                time.Duration
}

// NewGooglePubsubSenderDefaults provides a config with sensible defaults.
func NewGooglePubsubSenderDefaults() *GooglePubsubSenderConfig {
	return &GooglePubsubSenderConfig{
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 30 * time.Second,
		StopTimeout:                10 * time.Second,
	}
}

// GooglePubsubSender publishes records to a Pub/Sub topic.
type GooglePubsubSender struct {
	topic  *pubsub.Topic
	cfg    *GooglePubsubSenderConfig
	logger zerolog.Logger
}

// NewGooglePubsubSender creates a sender for topicID, verifying the topic exists.
func NewGooglePubsubSender(
	ctx context.Context,
	cfg *GooglePubsubSenderConfig,
	client *pubsub.Client,
	topicID string,
	logger zerolog.Logger,
) (*GooglePubsubSender, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &GooglePubsubSender{
		topic:  topic,
		cfg:    cfg,
		logger: logger.With().Str("component", "GooglePubsubSender").Str("topic_id", topicID).Logger(),
	}, nil
}

// Send queues the record and returns immediately. The publish result is
// confirmed asynchronously and logged.
func (s *GooglePubsubSender) Send(ctx context.Context, data []byte) error {
	res := s.topic.Publish(ctx, &pubsub.Message{Data: data})

	go func() {
		// Use a new context for Get so a short-lived caller context does not cancel the confirmation.
		getCtx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishConfirmationTimeout)
		defer cancel()

		msgID, err := res.Get(getCtx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to publish record.")
			return
		}
		s.logger.Debug().Str("published_msg_id", msgID).Msg("Record published.")
	}()
	return nil
}

// Address implements Sender.
func (s *GooglePubsubSender) Address() string { return PubsubAddress(s.topic.ID()) }

// Close flushes pending publishes, bounded by StopTimeout.
func (s *GooglePubsubSender) Close() error {
	stopDone := make(chan struct{})
	go func() {
		s.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-time.After(s.cfg.StopTimeout):
		return fmt.Errorf("timeout flushing pubsub topic %s", s.topic.ID())
	}
}

// GooglePubsubDialer opens GooglePubsubSenders for "pubsub://<topic>" addresses.
type GooglePubsubDialer struct {
	client *pubsub.Client
	cfg    *GooglePubsubSenderConfig
	logger zerolog.Logger
}

// NewGooglePubsubDialer creates a dialer sharing one Pub/Sub client.
func NewGooglePubsubDialer(client *pubsub.Client, cfg *GooglePubsubSenderConfig, logger zerolog.Logger) *GooglePubsubDialer {
	if cfg == nil {
		cfg = NewGooglePubsubSenderDefaults()
	}
	return &GooglePubsubDialer{client: client, cfg: cfg, logger: logger}
}

// Dial implements Dialer.
func (d *GooglePubsubDialer) Dial(ctx context.Context, address string) (Sender, error) {
	topicID, ok := strings.CutPrefix(address, PubsubScheme+"://")
	if !ok || topicID == "" {
		return nil, fmt.Errorf("invalid pubsub address %q", address)
	}
	return NewGooglePubsubSender(ctx, d.cfg, d.client, topicID, d.logger)
}

// --- Receiver ---

// GooglePubsubReceiverConfig holds configuration for a Pub/Sub receiver.
type GooglePubsubReceiverConfig struct {
	SubscriptionID string
	// TopicID is the topic the subscription is attached to; it is the address
	// advertised to upstream nodes.
	TopicID                string
	MaxOutstandingMessages int
	NumGoroutines          int
	StopTimeout            time.Duration
}

// NewGooglePubsubReceiverDefaults provides a config for the given subscription and topic.
func NewGooglePubsubReceiverDefaults(subID, topicID string) *GooglePubsubReceiverConfig {
	return &GooglePubsubReceiverConfig{
		SubscriptionID:         subID,
		TopicID:                topicID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          5,
		StopTimeout:            30 * time.Second,
	}
}

// GooglePubsubReceiver pulls records from a Pub/Sub subscription. Records are
// acknowledged to Pub/Sub once handed to the node; redelivery after a failure is
// driven by lineage from the origin, not by the broker.
type GooglePubsubReceiver struct {
	subscription *pubsub.Subscription
	cfg          *GooglePubsubReceiverConfig
	logger       zerolog.Logger
	records      chan []byte
	cancel       context.CancelFunc
	doneChan     chan struct{}
	closeOnce    sync.Once
}

// NewGooglePubsubReceiver verifies the subscription and starts receiving in the background.
func NewGooglePubsubReceiver(
	ctx context.Context,
	cfg *GooglePubsubReceiverConfig,
	client *pubsub.Client,
	logger zerolog.Logger,
) (*GooglePubsubReceiver, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	r := &GooglePubsubReceiver{
		subscription: sub,
		cfg:          cfg,
		logger:       logger.With().Str("component", "GooglePubsubReceiver").Str("subscription_id", cfg.SubscriptionID).Logger(),
		records:      make(chan []byte, cfg.MaxOutstandingMessages),
		doneChan:     make(chan struct{}),
	}
	r.start()
	return r, nil
}

func (r *GooglePubsubReceiver) start() {
	receiveCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		defer close(r.doneChan)
		r.logger.Info().Msg("Pub/Sub Receive goroutine started.")
		err := r.subscription.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
			payloadCopy := make([]byte, len(msg.Data))
			copy(payloadCopy, msg.Data)

			select {
			case r.records <- payloadCopy:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error.")
		}
		r.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")
	}()
}

// Receive implements Receiver.
func (r *GooglePubsubReceiver) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-r.records:
		return data, nil
	case <-r.doneChan:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr implements Receiver.
func (r *GooglePubsubReceiver) Addr() string { return PubsubAddress(r.cfg.TopicID) }

// Close stops the background Receive call.
func (r *GooglePubsubReceiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		select {
		case <-r.doneChan:
		case <-time.After(r.cfg.StopTimeout):
			err = fmt.Errorf("timeout waiting for subscription %s to stop", r.cfg.SubscriptionID)
		}
	})
	return err
}
