package control

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Identity describes the node to the control plane.
type Identity struct {
	ProcessUUID string
	ProcessName string
	Address     string
}

// HeartbeatConfig configures a Heartbeater.
type HeartbeatConfig struct {
	Interval    time.Duration
	SendTimeout time.Duration
}

// Heartbeater sends an identity record whenever a new control channel becomes
// available, followed by a heartbeat every Interval.
type Heartbeater struct {
	cfg      HeartbeatConfig
	identity Identity
	channel  func() Channel
	stats    func() map[string]interface{}
	onBeat   func(ctx context.Context) error
	logger   zerolog.Logger
}

// NewHeartbeater creates a Heartbeater. channel returns the current control
// channel or nil while none is established. stats and onBeat may be nil; onBeat
// runs after every heartbeat (e.g. to refresh a registry announcement).
func NewHeartbeater(
	cfg HeartbeatConfig,
	identity Identity,
	channel func() Channel,
	stats func() map[string]interface{},
	onBeat func(ctx context.Context) error,
	logger zerolog.Logger,
) *Heartbeater {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &Heartbeater{
		cfg:      cfg,
		identity: identity,
		channel:  channel,
		stats:    stats,
		onBeat:   onBeat,
		logger:   logger.With().Str("component", "Heartbeater").Logger(),
	}
}

// Run beats until ctx is cancelled.
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	var identified Channel
	for {
		identified = h.beat(ctx, identified)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// beat returns the channel the identity record was last delivered on.
func (h *Heartbeater) beat(ctx context.Context, identified Channel) Channel {
	if h.onBeat != nil {
		if err := h.onBeat(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("Heartbeat hook failed.")
		}
	}

	ch := h.channel()
	if ch == nil {
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, h.cfg.SendTimeout)
	defer cancel()

	if ch != identified {
		err := ch.Send(sendCtx, Message{
			Type:        TypeIdentity,
			ProcessUUID: h.identity.ProcessUUID,
			Extra: map[string]interface{}{
				"process_name": h.identity.ProcessName,
				"address":      h.identity.Address,
			},
		})
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send identity.")
			return identified
		}
		h.logger.Info().Str("process_uuid", h.identity.ProcessUUID).Msg("Identity sent to control plane.")
		identified = ch
	}

	var extra map[string]interface{}
	if h.stats != nil {
		extra = h.stats()
	}
	if err := ch.Send(sendCtx, Message{Type: TypeHeartbeat, ProcessUUID: h.identity.ProcessUUID, Extra: extra}); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send heartbeat.")
	}
	return identified
}
