package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-intersection/pkg/control"
	"github.com/illmade-knight/go-intersection/pkg/grouping"
	"github.com/illmade-knight/go-intersection/pkg/metrics"
	"github.com/illmade-knight/go-intersection/pkg/topology"
	"github.com/illmade-knight/go-intersection/pkg/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// IntersectionConfig holds configuration for an Intersection.
type IntersectionConfig struct {
	// ProcessName is the human readable node name reported to the control plane.
	ProcessName string
	// PollTimeout bounds every receive so the loop can observe shutdown.
	PollTimeout time.Duration
	// SendControlMessages reports ack, fail and spawn records upward. Terminal
	// nodes that are not subject to retry-from-origin can turn it off.
	SendControlMessages bool
	// ControlWaitInterval is how often startup checks for the control channel.
	ControlWaitInterval time.Duration
	// HeartbeatInterval is the period of heartbeat records and announcements.
	HeartbeatInterval time.Duration
	// ReportTimeout bounds a single control report.
	ReportTimeout time.Duration
	// AdvertiseAddress is the input address reported to peers. Empty reports
	// the receiver's bound address.
	AdvertiseAddress string
}

// NewIntersectionDefaults provides a config with sensible defaults, overridable
// by INTERSECTION_PROCESS_NAME, INTERSECTION_POLL_TIMEOUT and
// INTERSECTION_SEND_CONTROL_MESSAGES.
func NewIntersectionDefaults() *IntersectionConfig {
	cfg := &IntersectionConfig{
		ProcessName:         fmt.Sprintf("%s-%d", filepath.Base(os.Args[0]), os.Getpid()),
		PollTimeout:         1 * time.Second,
		SendControlMessages: true,
		ControlWaitInterval: 1 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		ReportTimeout:       DefaultReportTimeout,
	}
	if name := os.Getenv("INTERSECTION_PROCESS_NAME"); name != "" {
		cfg.ProcessName = name
	}
	if pt := os.Getenv("INTERSECTION_POLL_TIMEOUT"); pt != "" {
		if val, err := time.ParseDuration(pt); err == nil {
			cfg.PollTimeout = val
		}
	}
	if sc := os.Getenv("INTERSECTION_SEND_CONTROL_MESSAGES"); sc != "" {
		if val, err := strconv.ParseBool(sc); err == nil {
			cfg.SendControlMessages = val
		}
	}
	return cfg
}

// BatchConfig bounds batch accumulation: a batch closes when Limit messages
// have arrived or Wait has elapsed since it started, whichever is first.
type BatchConfig struct {
	Wait  time.Duration
	Limit int
}

// Dependencies are the collaborators an Intersection is composed from.
type Dependencies struct {
	Receiver transport.Receiver
	Topology ConnectionManager
	// Partitioner defaults to a hash partitioner with round-robin fallback.
	Partitioner grouping.Partitioner
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Announce, when set, advertises the node. It runs on start and on every
	// heartbeat.
	Announce func(ctx context.Context) error
	// Withdraw, when set, runs once on Stop.
	Withdraw func(ctx context.Context) error
}

// Intersection is a processing node: it pulls messages from its Receiver,
// applies the transform and routes every result to the live downstream
// destinations, reporting acknowledgements and failures to the control plane.
type Intersection struct {
	cfg            *IntersectionConfig
	batch          *BatchConfig
	transform      Transform
	batchTransform BatchTransform

	receiver    transport.Receiver
	topology    ConnectionManager
	partitioner grouping.Partitioner
	metrics     *metrics.Metrics
	announce    func(ctx context.Context) error
	withdraw    func(ctx context.Context) error

	processUUID string
	logger      zerolog.Logger
	hooks       *settleHooks
	control     control.Channel

	processed atomic.Int64
	ready     atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
}

// NewIntersection creates a node that hands its transform one message at a time.
func NewIntersection(
	cfg *IntersectionConfig,
	deps Dependencies,
	transform Transform,
	logger zerolog.Logger,
) (*Intersection, error) {
	if transform == nil {
		return nil, errors.New("transform cannot be nil")
	}
	i, err := newIntersection(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	i.transform = transform
	return i, nil
}

// NewBatchIntersection creates a node that hands its transform bounded batches.
func NewBatchIntersection(
	cfg *IntersectionConfig,
	batch BatchConfig,
	deps Dependencies,
	transform BatchTransform,
	logger zerolog.Logger,
) (*Intersection, error) {
	if transform == nil {
		return nil, errors.New("batch transform cannot be nil")
	}
	if batch.Wait <= 0 || batch.Limit <= 0 {
		return nil, fmt.Errorf("batch wait and limit must be positive, got wait=%s limit=%d", batch.Wait, batch.Limit)
	}
	i, err := newIntersection(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	i.batch = &batch
	i.batchTransform = transform
	return i, nil
}

func newIntersection(cfg *IntersectionConfig, deps Dependencies, logger zerolog.Logger) (*Intersection, error) {
	if cfg == nil {
		cfg = NewIntersectionDefaults()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.ControlWaitInterval <= 0 {
		cfg.ControlWaitInterval = time.Second
	}
	if deps.Receiver == nil {
		return nil, errors.New("receiver cannot be nil")
	}
	if deps.Topology == nil {
		return nil, errors.New("topology cannot be nil")
	}
	if deps.Partitioner == nil {
		deps.Partitioner = grouping.NewHashPartitioner(nil)
	}

	processUUID := uuid.NewString()
	i := &Intersection{
		cfg:         cfg,
		receiver:    deps.Receiver,
		topology:    deps.Topology,
		partitioner: deps.Partitioner,
		metrics:     deps.Metrics,
		announce:    deps.Announce,
		withdraw:    deps.Withdraw,
		processUUID: processUUID,
		logger: logger.With().
			Str("component", "Intersection").
			Str("process_name", cfg.ProcessName).
			Str("process_uuid", processUUID).
			Logger(),
		done: make(chan struct{}),
	}
	results := &settleHooks{violation: i.onSettleViolation}
	results.results = results
	i.hooks = &settleHooks{settled: i.onSettled, violation: i.onSettleViolation, results: results}
	if cfg.SendControlMessages {
		i.control = liveControl{topology: deps.Topology}
	}
	return i, nil
}

// Start launches the connection manager, the processing loop and the
// heartbeater. They run until Stop is called or ctx is cancelled.
func (i *Intersection) Start(ctx context.Context) error {
	started := false
	i.startOnce.Do(func() {
		started = true
		runCtx, cancel := context.WithCancel(ctx)
		i.cancel = cancel

		heartbeater := control.NewHeartbeater(
			control.HeartbeatConfig{Interval: i.cfg.HeartbeatInterval, SendTimeout: i.cfg.ReportTimeout},
			control.Identity{ProcessUUID: i.processUUID, ProcessName: i.cfg.ProcessName, Address: i.Address()},
			i.heartbeatChannel,
			i.stats,
			i.announce,
			i.logger,
		)

		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error { return i.topology.Run(gctx) })
		g.Go(func() error { return i.loop(gctx) })
		g.Go(func() error { return heartbeater.Run(gctx) })

		go func() {
			i.runErr = g.Wait()
			close(i.done)
		}()
		i.logger.Info().Str("address", i.Address()).Bool("batch", i.batch != nil).Msg("Intersection started.")
	})
	if !started {
		return errors.New("intersection already started")
	}
	return nil
}

// Stop cancels the node and waits, bounded by ctx, for the in-flight unit of
// work to finish. It then closes the receiver and every connection.
func (i *Intersection) Stop(ctx context.Context) error {
	var errs []error
	i.stopOnce.Do(func() {
		i.logger.Info().Msg("Stopping intersection...")
		if i.cancel != nil {
			i.cancel()
			select {
			case <-i.done:
				if i.runErr != nil {
					errs = append(errs, i.runErr)
				}
			case <-ctx.Done():
				i.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for the processing loop to finish.")
				errs = append(errs, ctx.Err())
			}
		}
		i.ready.Store(false)

		if i.withdraw != nil {
			if err := i.withdraw(ctx); err != nil {
				i.logger.Warn().Err(err).Msg("Failed to withdraw node advertisement.")
			}
		}
		if err := i.receiver.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing receiver: %w", err))
		}
		if err := i.topology.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing topology: %w", err))
		}
		i.logger.Info().Int64("messages_processed", i.processed.Load()).Msg("Intersection stopped.")
	})
	return errors.Join(errs...)
}

// Done is closed once every goroutine started by Start has returned.
func (i *Intersection) Done() <-chan struct{} { return i.done }

// Ready reports whether the processing loop is pulling input, i.e. the
// control channel is established or not required.
func (i *Intersection) Ready() bool { return i.ready.Load() }

// MessagesProcessed is the number of input messages handed to the transform.
func (i *Intersection) MessagesProcessed() int64 { return i.processed.Load() }

// ProcessUUID is the node's machine identity, stamped on every message it touches.
func (i *Intersection) ProcessUUID() string { return i.processUUID }

// ProcessName is the node's human readable name.
func (i *Intersection) ProcessName() string { return i.cfg.ProcessName }

// Address is where peers reach the node's input.
func (i *Intersection) Address() string {
	if i.cfg.AdvertiseAddress != "" {
		return i.cfg.AdvertiseAddress
	}
	return i.receiver.Addr()
}

func (i *Intersection) heartbeatChannel() control.Channel {
	if !i.cfg.SendControlMessages {
		return nil
	}
	return i.topology.Control()
}

func (i *Intersection) stats() map[string]interface{} {
	return map[string]interface{}{
		"messages_processed": i.processed.Load(),
		"destinations":       i.topology.Current().Len(),
	}
}

// loop is the receive/process/emit cycle.
func (i *Intersection) loop(ctx context.Context) error {
	if i.cfg.SendControlMessages {
		if !i.waitForControl(ctx) {
			return nil
		}
	}
	i.ready.Store(true)
	i.logger.Info().Msg("Processing loop started.")

	for ctx.Err() == nil {
		var err error
		if i.batch != nil {
			err = i.processBatch(ctx)
		} else {
			err = i.processSingle(ctx)
		}
		if err != nil {
			return err
		}
	}
	i.logger.Info().Msg("Processing loop stopped.")
	return nil
}

// waitForControl blocks until the control channel exists. It returns false
// if ctx is cancelled first.
func (i *Intersection) waitForControl(ctx context.Context) bool {
	if i.topology.Control() != nil {
		return true
	}
	i.logger.Info().Msg("Waiting for the control channel before processing.")
	ticker := time.NewTicker(i.cfg.ControlWaitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if i.topology.Control() != nil {
				i.logger.Info().Msg("Control channel available.")
				return true
			}
		}
	}
}

// receive polls once. It returns (nil, nil) for an empty poll and an error
// only when the receiver can no longer be used.
func (i *Intersection) receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	data, err := i.receiver.Receive(ctx, timeout)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrTimeout), ctx.Err() != nil:
		return nil, nil
	case errors.Is(err, transport.ErrClosed):
		return nil, fmt.Errorf("receiver closed: %w", err)
	default:
		i.logger.Warn().Err(err).Msg("Receive failed.")
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		return nil, nil
	}

	msg, err := DecodeMessage(data, i.processUUID, i.control)
	if err != nil {
		i.metrics.RecordDecodeError()
		i.logger.Error().Err(err).Int("size", len(data)).Msg("Dropping undecodable message.")
		return nil, nil
	}
	msg.reportTimeout = i.cfg.ReportTimeout
	msg.hooks = i.hooks
	i.metrics.RecordReceived()
	return msg, nil
}

func (i *Intersection) processSingle(ctx context.Context) error {
	msg, err := i.receive(ctx, i.cfg.PollTimeout)
	if err != nil || msg == nil {
		return err
	}
	i.processed.Add(1)
	i.process(ctx, []*Message{msg}, func(ctx context.Context, emit Emit) error {
		return i.transform(ctx, msg, emit)
	})
	return nil
}

func (i *Intersection) processBatch(ctx context.Context) error {
	deadline := time.Now().Add(i.batch.Wait)
	msgs := make([]*Message, 0, i.batch.Limit)

	for len(msgs) < i.batch.Limit {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if ctx.Err() != nil {
			i.failAll(msgs, "node shutting down")
			return nil
		}
		msg, err := i.receive(ctx, min(i.cfg.PollTimeout, remaining))
		if err != nil {
			i.failAll(msgs, "receiver closed")
			return err
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}

	i.processed.Add(int64(len(msgs)))
	i.process(ctx, msgs, func(ctx context.Context, emit Emit) error {
		return i.batchTransform(ctx, msgs, emit)
	})
	return nil
}

// process runs one transform call over inputs and settles every input the
// transform left pending: all acknowledged on success, all failed on error
// or when a result reached none of the destinations chosen for it.
func (i *Intersection) process(ctx context.Context, inputs []*Message, call func(context.Context, Emit) error) {
	started := time.Now()
	w := &window{start: started}
	emit := func(out *Message) {
		w.mu.Lock()
		defer w.mu.Unlock()
		var delivered bool
		w.start, delivered = i.route(ctx, out, w.start)
		if !delivered {
			w.undelivered++
		}
	}

	err := invoke(ctx, call, emit)
	i.metrics.RecordProcessingDuration(time.Since(started))

	if err != nil {
		i.metrics.RecordTransformError()
		i.logger.Error().Err(err).Strs("msg_ids", messageIDs(inputs)).Msg("Transform failed, failing inputs.")
		i.failAll(inputs, err.Error())
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.undelivered > 0 {
		i.logger.Error().Int("undelivered", w.undelivered).Strs("msg_ids", messageIDs(inputs)).Msg("Results were not delivered, failing inputs.")
		i.failAll(inputs, reasonUndelivered)
		return
	}
	for _, in := range inputs {
		if in.State() != StatePending {
			continue
		}
		if err := in.Ack(time.Since(w.start)); err != nil && !errors.Is(err, ErrAlreadySettled) {
			i.logger.Warn().Err(err).Str("msg_id", in.ID).Msg("Ack report failed.")
		}
		w.start = time.Now()
	}
}

// reasonUndelivered is the fail reason for inputs whose results could not
// be sent to any chosen destination.
const reasonUndelivered = "result undelivered"

type window struct {
	mu          sync.Mutex
	start       time.Time
	undelivered int
}

func invoke(ctx context.Context, call func(context.Context, Emit) error, emit Emit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panicked: %v", r)
		}
	}()
	return call(ctx, emit)
}

func (i *Intersection) failAll(msgs []*Message, reason string) {
	for _, m := range msgs {
		if m.State() != StatePending {
			continue
		}
		if err := m.Fail(reason); err != nil && !errors.Is(err, ErrAlreadySettled) {
			i.logger.Warn().Err(err).Str("msg_id", m.ID).Msg("Fail report failed.")
		}
	}
}

// route stamps a result and sends it to the destinations chosen by the
// partitioner. It returns the start of the next measurement window, reset
// after a send and unchanged when nothing was sent, and whether the result
// was delivered. A result with no destination counts as delivered; one whose
// destinations all rejected it does not.
func (i *Intersection) route(ctx context.Context, out *Message, windowStart time.Time) (time.Time, bool) {
	if out == nil {
		return windowStart, true
	}
	if out.hooks == nil {
		out.hooks = i.hooks.forResults()
	}
	out.Producer = i.processUUID
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	view := i.topology.Current()
	targets := i.partitioner.Select(out.GroupingValue, view.IDs())
	if len(targets) == 0 {
		i.metrics.RecordDiscarded()
		i.logger.Debug().Str("msg_id", out.ID).Msg("No downstream destination, discarding result.")
		return windowStart, true
	}

	data, err := out.Encode()
	if err != nil {
		i.metrics.RecordSendError()
		i.logger.Error().Err(err).Str("msg_id", out.ID).Msg("Failed to encode result.")
		return windowStart, false
	}

	// Sends complete even while the node is shutting down.
	sendCtx := context.WithoutCancel(ctx)
	sent := make([]string, 0, len(targets))
	for _, id := range targets {
		sender, ok := view.Sender(id)
		if !ok {
			continue
		}
		if err := sender.Send(sendCtx, data); err != nil {
			i.metrics.RecordSendError()
			i.logger.Error().Err(err).Str("msg_id", out.ID).Str("destination", id).Msg("Failed to send result.")
			continue
		}
		sent = append(sent, id)
	}
	if len(sent) == 0 {
		return windowStart, false
	}
	i.metrics.RecordRouted()

	elapsed := time.Since(windowStart)
	if out.IsSpinOff() && i.control != nil {
		i.reportSpawn(sendCtx, out, sent, elapsed)
	}
	i.logger.Debug().Str("msg_id", out.ID).Strs("destinations", sent).Dur("time_consumed", elapsed).Msg("Result routed.")
	return time.Now(), true
}

func (i *Intersection) reportSpawn(ctx context.Context, out *Message, destinations []string, elapsed time.Duration) {
	reportCtx, cancel := context.WithTimeout(ctx, i.reportTimeout())
	defer cancel()
	err := i.control.Send(reportCtx, control.Message{
		Type:         control.TypeSpawn,
		MessageID:    out.ID,
		ProcessUUID:  i.processUUID,
		TimeConsumed: elapsed,
		Extra: map[string]interface{}{
			"parent_id":    out.ParentID,
			"destinations": destinations,
		},
	})
	if err != nil {
		i.logger.Warn().Err(err).Str("msg_id", out.ID).Msg("Spawn report failed.")
	}
}

func (i *Intersection) reportTimeout() time.Duration {
	if i.cfg.ReportTimeout > 0 {
		return i.cfg.ReportTimeout
	}
	return DefaultReportTimeout
}

func (i *Intersection) onSettled(_ *Message, s State) {
	switch s {
	case StateAcknowledged:
		i.metrics.RecordSettled(metrics.StateAcknowledged)
	case StateFailed:
		i.metrics.RecordSettled(metrics.StateFailed)
	}
}

func (i *Intersection) onSettleViolation(m *Message, err error) {
	i.metrics.RecordSettleViolation()
	i.logger.Error().Err(err).Str("msg_id", m.ID).Msg("Message settled more than once.")
}

func messageIDs(msgs []*Message) []string {
	ids := make([]string, len(msgs))
	for n, m := range msgs {
		ids[n] = m.ID
	}
	return ids
}

// liveControl forwards to whichever control channel the manager currently
// holds, so messages keep reporting after the controller moves.
type liveControl struct {
	topology ConnectionManager
}

func (c liveControl) Send(ctx context.Context, msg control.Message) error {
	ch := c.topology.Control()
	if ch == nil {
		return topology.ErrNoControl
	}
	return ch.Send(ctx, msg)
}

// Close is a no-op; the manager owns the underlying channel.
func (c liveControl) Close() error { return nil }
