// Package control implements the side channel a node uses to report
// acknowledgements, failures, spawned messages, identity and heartbeats to the
// control plane. It is fire-and-forget and separate from the data transports.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/illmade-knight/go-intersection/pkg/transport"
	"github.com/rs/zerolog"
)

// Type is the kind of control record.
type Type string

// Control record types.
const (
	TypeAck       Type = "ack"
	TypeFail      Type = "fail"
	TypeHeartbeat Type = "heartbeat"
	TypeIdentity  Type = "identity"
	// TypeSpawn registers a routed spin-off against its parent so the control
	// plane can follow the lineage tree.
	TypeSpawn Type = "spawn"
)

// Message is a single control record.
type Message struct {
	Type        Type   `json:"type"`
	MessageID   string `json:"message_id,omitempty"`
	ProcessUUID string `json:"process_uuid"`
	// TimeConsumed is encoded as integer nanoseconds.
	TimeConsumed time.Duration          `json:"time_consumed"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

// Channel sends control records to the control plane.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Dialer opens a Channel to a control plane address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Channel, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (Channel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, address string) (Channel, error) {
	return f(ctx, address)
}

// SenderChannel is a Channel that JSON-encodes records onto a transport.Sender,
// e.g. a nanomsg PUSH socket to the controller or a Pub/Sub control topic.
type SenderChannel struct {
	sender transport.Sender
	logger zerolog.Logger
}

// NewSenderChannel wraps sender.
func NewSenderChannel(sender transport.Sender, logger zerolog.Logger) *SenderChannel {
	return &SenderChannel{
		sender: sender,
		logger: logger.With().Str("component", "ControlChannel").Str("address", sender.Address()).Logger(),
	}
}

// Send implements Channel.
func (c *SenderChannel) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s control message: %w", msg.Type, err)
	}
	if err := c.sender.Send(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s control message: %w", msg.Type, err)
	}
	c.logger.Debug().Str("type", string(msg.Type)).Str("msg_id", msg.MessageID).Msg("Control message sent.")
	return nil
}

// Close implements Channel.
func (c *SenderChannel) Close() error {
	return c.sender.Close()
}

// NewTransportDialer returns a Dialer that opens SenderChannels over the
// transports reachable through dialer.
func NewTransportDialer(dialer transport.Dialer, logger zerolog.Logger) Dialer {
	return DialerFunc(func(ctx context.Context, address string) (Channel, error) {
		sender, err := dialer.Dial(ctx, address)
		if err != nil {
			return nil, err
		}
		return NewSenderChannel(sender, logger), nil
	})
}
