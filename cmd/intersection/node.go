package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-intersection/pkg/config"
	"github.com/illmade-knight/go-intersection/pkg/control"
	"github.com/illmade-knight/go-intersection/pkg/grouping"
	"github.com/illmade-knight/go-intersection/pkg/messagepipeline"
	"github.com/illmade-knight/go-intersection/pkg/metrics"
	"github.com/illmade-knight/go-intersection/pkg/microservice"
	"github.com/illmade-knight/go-intersection/pkg/topology"
	"github.com/illmade-knight/go-intersection/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const shutdownTimeout = 30 * time.Second

func newLogger(cfg *config.NodeConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if cfg.LogFormat == config.LogFormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "intersection").Logger(), nil
}

// discovery is how the node learns its destinations and advertises itself.
type discovery struct {
	source   topology.Source
	registry *topology.Registry
	closers  []io.Closer
}

func (d *discovery) Close() error {
	var errs []error
	for n := len(d.closers) - 1; n >= 0; n-- {
		errs = append(errs, d.closers[n].Close())
	}
	return errors.Join(errs...)
}

// run wires a node from cfg and blocks until ctx is cancelled or the node
// stops on its own.
func run(ctx context.Context, cfg *config.NodeConfig, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		return err
	}

	var psClient *pubsub.Client
	if cfg.ProjectID != "" {
		psClient, err = pubsub.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
		if err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		defer func() { _ = psClient.Close() }()
	}

	receiver, err := newReceiver(ctx, cfg, psClient, logger)
	if err != nil {
		return err
	}

	dialer := newDialer(psClient, logger)
	disc, err := newDiscovery(ctx, cfg, logger)
	if err != nil {
		_ = receiver.Close()
		return err
	}
	defer func() {
		if err := disc.Close(); err != nil {
			logger.Warn().Err(err).Msg("Error closing discovery clients.")
		}
	}()

	node, err := newNode(cfg, receiver, dialer, disc, m, logger)
	if err != nil {
		_ = receiver.Close()
		return err
	}

	server := microservice.NewServer(logger, cfg.HTTPPort, node.Ready, reg)
	if err := server.Start(); err != nil {
		_ = receiver.Close()
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received.")
	case <-node.Done():
		logger.Warn().Msg("Node stopped on its own.")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(node.Stop(stopCtx), server.Shutdown(stopCtx))
}

func clientOptions(cfg *config.NodeConfig) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

func newReceiver(ctx context.Context, cfg *config.NodeConfig, client *pubsub.Client, logger zerolog.Logger) (transport.Receiver, error) {
	if cfg.Input.Subscription != "" {
		rcfg := transport.NewGooglePubsubReceiverDefaults(cfg.Input.Subscription, cfg.Input.Topic)
		r, err := transport.NewGooglePubsubReceiver(ctx, rcfg, client, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := transport.ListenNanomsg(cfg.Input.Address, logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// newDialer dials nanomsg addresses, and pubsub:// addresses when a client is
// available.
func newDialer(client *pubsub.Client, logger zerolog.Logger) *transport.SchemeDialer {
	dialer := transport.NewSchemeDialer(transport.NewNanomsgDialer(transport.NewNanomsgDefaults(), logger))
	if client != nil {
		dialer.Register(transport.PubsubScheme, transport.NewGooglePubsubDialer(client, transport.NewGooglePubsubSenderDefaults(), logger))
	}
	return dialer
}

func newDiscovery(ctx context.Context, cfg *config.NodeConfig, logger zerolog.Logger) (*discovery, error) {
	rc := cfg.Registry
	switch rc.Backend {
	case config.RegistryRedis:
		redisCfg := &topology.RedisConfig{
			Addr:      rc.RedisAddr,
			Password:  rc.RedisPassword,
			DB:        rc.RedisDB,
			KeyPrefix: rc.KeyPrefix,
			TTL:       rc.TTL,
		}
		client, err := topology.NewRedisClient(ctx, redisCfg, logger)
		if err != nil {
			return nil, err
		}
		store, err := topology.NewRedisPresenceStore[string, topology.Registration](client, redisCfg, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		registry, err := topology.NewRegistry(store, topology.NewRedisNotifier(client, rc.KeyPrefix), rc.TTL, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		source, err := topology.NewRedisSource(client, registry, topology.RedisSourceConfig{
			Prefix:         rc.KeyPrefix,
			Stream:         cfg.Output.Stream,
			ResyncInterval: rc.ResyncInterval,
		}, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &discovery{source: source, registry: registry, closers: []io.Closer{client, store}}, nil

	case config.RegistryFirestore:
		client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := topology.NewFirestorePresenceStore[string, topology.Registration](client, rc.FirestoreCollection)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		registry, err := topology.NewRegistry(store, nil, rc.TTL, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		source, err := topology.NewPollingSource(registry, cfg.Output.Stream, rc.ResyncInterval, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &discovery{source: source, registry: registry, closers: []io.Closer{client, store}}, nil

	default:
		source := topology.NewChannelSource(1)
		if err := source.Publish(ctx, cfg.Output.Stream, staticSnapshot(cfg)); err != nil {
			return nil, err
		}
		return &discovery{source: source}, nil
	}
}

// staticSnapshot is the destination table listed in the config.
func staticSnapshot(cfg *config.NodeConfig) topology.Update {
	dests := make([]topology.Destination, 0, len(cfg.Output.Destinations))
	names := make(map[string]string)
	for _, d := range cfg.Output.Destinations {
		dests = append(dests, topology.Destination{
			ProcessUUID: d.ProcessUUID,
			ProcessName: d.ProcessName,
			Address:     d.Address,
		})
		if d.ProcessUUID != "" && d.ProcessName != "" {
			names[d.ProcessUUID] = d.ProcessName
		}
	}
	return topology.Update{Kind: topology.KindSnapshot, Destinations: dests, Names: names}
}

func newNode(
	cfg *config.NodeConfig,
	receiver transport.Receiver,
	dialer transport.Dialer,
	disc *discovery,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*messagepipeline.Intersection, error) {
	// A wildcard host is never announced. Without a registry the bound
	// address is only reported in heartbeats.
	advertised, err := transport.AdvertiseAddress(receiver.Addr(), cfg.Input.AdvertiseHost)
	if err != nil {
		if disc.registry != nil {
			return nil, fmt.Errorf("cannot announce input %s: %w", receiver.Addr(), err)
		}
		advertised = ""
	}

	mcfg := topology.NewManagerDefaults()
	mcfg.Stream = cfg.Output.Stream
	mcfg.ControlAddress = cfg.Output.Controller
	manager, err := topology.NewManager(mcfg, disc.source, dialer, control.NewTransportDialer(dialer, logger), m, logger)
	if err != nil {
		return nil, err
	}

	partitioner, err := grouping.New(cfg.Output.Fallback)
	if err != nil {
		return nil, err
	}

	icfg := messagepipeline.NewIntersectionDefaults()
	if cfg.ProcessName != "" {
		icfg.ProcessName = cfg.ProcessName
	}
	icfg.PollTimeout = cfg.Processing.PollTimeout
	icfg.SendControlMessages = cfg.Processing.SendControlMessages
	icfg.AdvertiseAddress = advertised
	if cfg.Processing.HeartbeatInterval > 0 {
		icfg.HeartbeatInterval = cfg.Processing.HeartbeatInterval
	}

	var node *messagepipeline.Intersection
	deps := messagepipeline.Dependencies{
		Receiver:    receiver,
		Topology:    manager,
		Partitioner: partitioner,
		Metrics:     m,
	}
	if disc.registry != nil {
		self := func() topology.Destination {
			return topology.Destination{
				ProcessUUID: node.ProcessUUID(),
				ProcessName: node.ProcessName(),
				Address:     node.Address(),
				Stream:      cfg.Input.Stream,
			}
		}
		deps.Announce = func(ctx context.Context) error { return disc.registry.Announce(ctx, self()) }
		deps.Withdraw = func(ctx context.Context) error { return disc.registry.Withdraw(ctx, self()) }
	}

	field := cfg.Processing.FilterField
	if cfg.Processing.Mode == config.ModeBatch {
		transform := messagepipeline.RelayBatch(cfg.Output.GroupingField)
		if field != "" {
			transform = messagepipeline.WithBatchPayloadFilter(transform, messagepipeline.HasField(field), logger)
		}
		batch := messagepipeline.BatchConfig{Wait: cfg.Processing.BatchWait, Limit: cfg.Processing.BatchLimit}
		node, err = messagepipeline.NewBatchIntersection(icfg, batch, deps, transform, logger)
	} else {
		transform := messagepipeline.Relay(cfg.Output.GroupingField)
		if field != "" {
			transform = messagepipeline.WithPayloadFilter(transform, messagepipeline.HasField(field), logger)
		}
		node, err = messagepipeline.NewIntersection(icfg, deps, transform, logger)
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}
