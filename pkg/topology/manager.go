package topology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/illmade-knight/go-intersection/pkg/control"
	"github.com/illmade-knight/go-intersection/pkg/metrics"
	"github.com/illmade-knight/go-intersection/pkg/transport"
	"github.com/rs/zerolog"
)

// ErrNoControl is returned while the control channel has not been established.
var ErrNoControl = errors.New("control channel not established")

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Stream restricts the destination table to destinations announced for
	// this stream. Empty accepts every destination.
	Stream string
	// ControlAddress is dialled at startup. Empty waits for an Update that
	// names the controller.
	ControlAddress string
	// DialTimeout bounds a single dial attempt.
	DialTimeout time.Duration
	// InitialDialInterval and MaxDialElapsed shape the exponential backoff
	// used when a dial fails.
	InitialDialInterval time.Duration
	MaxDialElapsed      time.Duration
	// RetryInterval is how often Run redials destinations whose dial gave
	// up. Zero disables the retry; missing destinations then wait for the
	// next update.
	RetryInterval time.Duration
}

// NewManagerDefaults provides a config with sensible defaults, overridable by
// INTERSECTION_OUTPUT_STREAM and INTERSECTION_CONTROL_ADDRESS.
func NewManagerDefaults() *ManagerConfig {
	cfg := &ManagerConfig{
		DialTimeout:         5 * time.Second,
		InitialDialInterval: 100 * time.Millisecond,
		MaxDialElapsed:      30 * time.Second,
		RetryInterval:       15 * time.Second,
	}
	if stream := os.Getenv("INTERSECTION_OUTPUT_STREAM"); stream != "" {
		cfg.Stream = stream
	}
	if addr := os.Getenv("INTERSECTION_CONTROL_ADDRESS"); addr != "" {
		cfg.ControlAddress = addr
	}
	return cfg
}

type controlHandle struct {
	address string
	channel control.Channel
}

// Manager owns the node's view of the topology. It consumes Updates from a
// Source, keeps one Sender open per live destination and publishes the
// destination table as an immutable View. It also establishes and replaces
// the control channel. Manager is the only writer of both; readers call
// Current and Control from any goroutine.
type Manager struct {
	cfg           *ManagerConfig
	source        Source
	dialer        transport.Dialer
	controlDialer control.Dialer
	metrics       *metrics.Metrics
	logger        zerolog.Logger

	view atomic.Pointer[View]
	ctrl atomic.Pointer[controlHandle]

	// applyMu serialises reconciliation with Close.
	applyMu sync.Mutex
	desired map[string]Destination
	closed  bool

	namesMu sync.RWMutex
	names   map[string]string // process uuid -> process name
	uuids   map[string]string // address -> process uuid
}

// NewManager creates a Manager. controlDialer may be nil for nodes that never
// report to a control plane.
func NewManager(
	cfg *ManagerConfig,
	source Source,
	dialer transport.Dialer,
	controlDialer control.Dialer,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Manager, error) {
	if cfg == nil {
		cfg = NewManagerDefaults()
	}
	if source == nil {
		return nil, errors.New("topology source cannot be nil")
	}
	if dialer == nil {
		return nil, errors.New("transport dialer cannot be nil")
	}
	return &Manager{
		cfg:           cfg,
		source:        source,
		dialer:        dialer,
		controlDialer: controlDialer,
		metrics:       m,
		logger:        logger.With().Str("component", "TopologyManager").Logger(),
		desired:       make(map[string]Destination),
		names:         make(map[string]string),
		uuids:         make(map[string]string),
	}, nil
}

// Run consumes topology updates until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.ControlAddress != "" {
		m.ensureControl(ctx, m.cfg.ControlAddress)
	}

	if err := m.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start topology source: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.source.Stop(stopCtx); err != nil {
			m.logger.Warn().Err(err).Msg("Topology source did not stop cleanly.")
		}
	}()

	m.logger.Info().Str("stream", m.cfg.Stream).Msg("Topology manager started.")
	var retry <-chan time.Time
	if m.cfg.RetryInterval > 0 {
		ticker := time.NewTicker(m.cfg.RetryInterval)
		defer ticker.Stop()
		retry = ticker.C
	}

	updates := m.source.Updates()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Topology manager stopping.")
			return nil
		case u, ok := <-updates:
			if !ok {
				m.logger.Warn().Msg("Topology source closed; keeping the last known destinations.")
				// A nil channel never delivers, so only ctx and retry remain.
				updates = nil
				continue
			}
			m.Apply(ctx, u)
		case <-retry:
			m.RetryMissing(ctx)
		}
	}
}

// RetryMissing redials desired destinations that are not in the current
// View because their last dial gave up. It does nothing when every desired
// destination is connected.
func (m *Manager) RetryMissing(ctx context.Context) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if m.closed || len(m.desired) <= m.view.Load().Len() {
		return
	}
	m.logger.Info().Int("desired", len(m.desired)).Int("connected", m.view.Load().Len()).Msg("Retrying unreachable destinations.")
	m.reconcile(ctx)
}

// Apply reconciles the destination table with a single update. Run calls it
// for every notification; static topologies may call it directly.
func (m *Manager) Apply(ctx context.Context, u Update) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if m.closed {
		return
	}

	m.recordIdentities(u)

	switch u.Kind {
	case KindAnnounce:
		for _, d := range u.Destinations {
			if m.accepts(d) {
				m.desired[d.ID()] = d
			}
		}
	case KindWithdraw:
		for _, d := range u.Destinations {
			delete(m.desired, d.ID())
		}
	case KindSnapshot:
		m.desired = make(map[string]Destination, len(u.Destinations))
		for _, d := range u.Destinations {
			if m.accepts(d) {
				m.desired[d.ID()] = d
			}
		}
	default:
		m.logger.Warn().Str("kind", string(u.Kind)).Msg("Ignoring topology update of unknown kind.")
		return
	}

	if u.Controller != "" {
		m.ensureControl(ctx, u.Controller)
	}
	m.reconcile(ctx)
}

func (m *Manager) accepts(d Destination) bool {
	if d.Address == "" {
		m.logger.Warn().Str("process_uuid", d.ProcessUUID).Msg("Ignoring destination without an address.")
		return false
	}
	return m.cfg.Stream == "" || d.Stream == "" || d.Stream == m.cfg.Stream
}

func (m *Manager) recordIdentities(u Update) {
	m.namesMu.Lock()
	defer m.namesMu.Unlock()
	for id, name := range u.Names {
		m.names[id] = name
	}
	for _, d := range u.Destinations {
		if d.ProcessUUID == "" {
			continue
		}
		if d.ProcessName != "" {
			m.names[d.ProcessUUID] = d.ProcessName
		}
		if d.Address != "" {
			m.uuids[d.Address] = d.ProcessUUID
		}
	}
}

// reconcile builds the next View from the desired set, reusing Senders whose
// address is unchanged, publishes it, and only then closes Senders that
// dropped out so no reader of the old View sends on a closed handle it just
// picked up.
func (m *Manager) reconcile(ctx context.Context) {
	old := m.view.Load()
	entries := make([]Entry, 0, len(m.desired))
	kept := make(map[string]bool, len(m.desired))

	for id, d := range m.desired {
		if e, ok := old.entry(id); ok && e.Destination.Address == d.Address {
			entries = append(entries, Entry{Destination: d, Sender: e.Sender})
			kept[id] = true
			continue
		}
		sender, err := dialWithBackoff(ctx, m.cfg, m.logger, d.Address, m.dialer.Dial)
		if err != nil {
			// Left out of the View; the next update or RetryMissing redials it.
			m.logger.Error().Err(err).Str("destination", id).Str("address", d.Address).Msg("Failed to connect to destination.")
			continue
		}
		m.logger.Info().Str("destination", id).Str("address", d.Address).Msg("Connected to destination.")
		entries = append(entries, Entry{Destination: d, Sender: sender})
	}

	next := NewView(entries)
	m.view.Store(next)
	m.metrics.SetDestinations(next.Len())

	for _, id := range old.IDs() {
		if kept[id] {
			continue
		}
		e, _ := old.entry(id)
		if err := e.Sender.Close(); err != nil {
			m.logger.Warn().Err(err).Str("destination", id).Msg("Error closing stale destination.")
		}
		m.logger.Info().Str("destination", id).Msg("Removed destination.")
	}
}

func (m *Manager) ensureControl(ctx context.Context, address string) {
	if m.controlDialer == nil {
		return
	}
	current := m.ctrl.Load()
	if current != nil && current.address == address {
		return
	}

	ch, err := dialWithBackoff(ctx, m.cfg, m.logger, address, m.controlDialer.Dial)
	if err != nil {
		m.logger.Error().Err(err).Str("address", address).Msg("Failed to connect to control plane.")
		return
	}
	m.ctrl.Store(&controlHandle{address: address, channel: ch})
	m.metrics.SetControlConnected(true)
	m.logger.Info().Str("address", address).Msg("Control channel established.")

	if current != nil {
		if err := current.channel.Close(); err != nil {
			m.logger.Warn().Err(err).Str("address", current.address).Msg("Error closing previous control channel.")
		}
	}
}

func dialWithBackoff[T any](
	ctx context.Context,
	cfg *ManagerConfig,
	logger zerolog.Logger,
	address string,
	dial func(ctx context.Context, address string) (T, error),
) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDialInterval
	b.MaxElapsedTime = cfg.MaxDialElapsed

	return backoff.RetryNotifyWithData(func() (T, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		return dial(dialCtx, address)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn().Err(err).Str("address", address).Dur("retry_in", next).Msg("Dial failed, retrying.")
	})
}

// Current returns the latest destination table. It never blocks.
func (m *Manager) Current() *View {
	return m.view.Load()
}

// Control returns the control channel, or nil while none is established.
func (m *Manager) Control() control.Channel {
	if h := m.ctrl.Load(); h != nil {
		return h.channel
	}
	return nil
}

// WaitForControl polls every interval until the control channel exists.
func (m *Manager) WaitForControl(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for m.Control() == nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for control channel: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// ProcessName returns the human readable name announced for a process UUID.
func (m *Manager) ProcessName(processUUID string) (string, bool) {
	m.namesMu.RLock()
	defer m.namesMu.RUnlock()
	name, ok := m.names[processUUID]
	return name, ok
}

// ProcessUUID returns the process UUID announced for an address.
func (m *Manager) ProcessUUID(address string) (string, bool) {
	m.namesMu.RLock()
	defer m.namesMu.RUnlock()
	id, ok := m.uuids[address]
	return id, ok
}

// Close closes every destination Sender and the control channel. Further
// updates are ignored.
func (m *Manager) Close() error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	old := m.view.Swap(NewView(nil))
	for _, id := range old.IDs() {
		e, _ := old.entry(id)
		if err := e.Sender.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing destination %s: %w", id, err))
		}
	}
	m.metrics.SetDestinations(0)

	if h := m.ctrl.Swap(nil); h != nil {
		if err := h.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing control channel: %w", err))
		}
	}
	m.metrics.SetControlConnected(false)
	return errors.Join(errs...)
}
