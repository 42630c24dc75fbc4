package messagepipeline_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-intersection/pkg/control"
	"github.com/illmade-knight/go-intersection/pkg/messagepipeline"
	"github.com/illmade-knight/go-intersection/pkg/topology"
	"github.com/illmade-knight/go-intersection/pkg/transport"
	"github.com/stretchr/testify/require"
)

// ====================================================================================
// This file contains mocks for the collaborators of an Intersection.
// ====================================================================================

// --- MockReceiver ---

// MockReceiver is a transport.Receiver fed from a buffered channel.
type MockReceiver struct {
	records   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	timeouts []time.Duration
}

func NewMockReceiver(buffer int) *MockReceiver {
	return &MockReceiver{
		records: make(chan []byte, buffer),
		closed:  make(chan struct{}),
	}
}

// Push encodes md and queues it for delivery.
func (r *MockReceiver) Push(t *testing.T, md messagepipeline.MessageData) {
	t.Helper()
	data, err := json.Marshal(md)
	require.NoError(t, err)
	r.records <- data
}

// PushRaw queues an arbitrary record.
func (r *MockReceiver) PushRaw(data []byte) {
	r.records <- data
}

func (r *MockReceiver) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	r.timeouts = append(r.timeouts, timeout)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-r.records:
		return data, nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	}
}

func (r *MockReceiver) Addr() string { return "inproc://intersection-under-test" }

func (r *MockReceiver) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// PollTimeouts returns the timeouts passed to every Receive call so far.
func (r *MockReceiver) PollTimeouts() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.timeouts...)
}

// --- MockSender ---

// MockSender is a transport.Sender that keeps every record it is sent.
type MockSender struct {
	address string
	mu      sync.Mutex
	sent    []messagepipeline.MessageData
	sendErr error
	closed  atomic.Bool
}

func NewMockSender(address string) *MockSender {
	return &MockSender{address: address}
}

func (s *MockSender) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return transport.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	var md messagepipeline.MessageData
	if err := json.Unmarshal(data, &md); err != nil {
		return err
	}
	s.sent = append(s.sent, md)
	return nil
}

func (s *MockSender) Address() string { return s.address }

// SetSendErr makes every later Send return err.
func (s *MockSender) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *MockSender) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *MockSender) Sent() []messagepipeline.MessageData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messagepipeline.MessageData(nil), s.sent...)
}

// --- MockTopology ---

// MockTopology is a ConnectionManager whose view and control channel are set
// directly by the test.
type MockTopology struct {
	view    atomic.Pointer[topology.View]
	ctrl    atomic.Pointer[RecordingChannel]
	closed  atomic.Int32
	running atomic.Bool
}

func NewMockTopology() *MockTopology {
	return &MockTopology{}
}

// SetDestinations publishes a view with one destination per sender.
func (m *MockTopology) SetDestinations(senders ...*MockSender) {
	entries := make([]topology.Entry, 0, len(senders))
	for _, s := range senders {
		entries = append(entries, topology.Entry{
			Destination: topology.Destination{ProcessUUID: "dest-" + s.address, Address: s.address},
			Sender:      s,
		})
	}
	m.view.Store(topology.NewView(entries))
}

func (m *MockTopology) SetControl(ch *RecordingChannel) {
	m.ctrl.Store(ch)
}

func (m *MockTopology) Run(ctx context.Context) error {
	m.running.Store(true)
	<-ctx.Done()
	m.running.Store(false)
	return nil
}

func (m *MockTopology) Current() *topology.View { return m.view.Load() }

func (m *MockTopology) Control() control.Channel {
	if ch := m.ctrl.Load(); ch != nil {
		return ch
	}
	return nil
}

func (m *MockTopology) Close() error {
	m.closed.Add(1)
	return nil
}

// --- RecordingChannel ---

// RecordingChannel is a control.Channel that keeps every record.
type RecordingChannel struct {
	mu   sync.Mutex
	msgs []control.Message
}

func (c *RecordingChannel) Send(_ context.Context, msg control.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *RecordingChannel) Close() error { return nil }

// OfType returns the records of one type, in order.
func (c *RecordingChannel) OfType(typ control.Type) []control.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []control.Message
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// Find returns the first record of the given type for a message id.
func (c *RecordingChannel) Find(typ control.Type, messageID string) (control.Message, bool) {
	for _, m := range c.OfType(typ) {
		if m.MessageID == messageID {
			return m, true
		}
	}
	return control.Message{}, false
}

// --- helpers ---

func testConfig() *messagepipeline.IntersectionConfig {
	return &messagepipeline.IntersectionConfig{
		ProcessName:         "counter-test",
		PollTimeout:         20 * time.Millisecond,
		SendControlMessages: true,
		ControlWaitInterval: 5 * time.Millisecond,
		HeartbeatInterval:   time.Hour,
		ReportTimeout:       time.Second,
	}
}

// startIntersection starts node and stops it when the test ends.
func startIntersection(t *testing.T, node *messagepipeline.Intersection) {
	t.Helper()
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = node.Stop(ctx)
	})
}
