package messagepipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-intersection/pkg/control"
)

// ErrAlreadySettled is returned when Ack or Fail is called on a message that
// already reached a terminal state.
var ErrAlreadySettled = errors.New("message already settled")

// DefaultReportTimeout bounds a single ack/fail report to the control plane.
const DefaultReportTimeout = 5 * time.Second

// State is a message's acknowledgement state.
type State int32

const (
	StatePending State = iota
	StateAcknowledged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAcknowledged:
		return "acknowledged"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MessageData is the wire record exchanged between nodes, one JSON document
// per transport message.
type MessageData struct {
	// ID is assigned when the message is created, by the origin or by the node
	// that spun it off.
	ID string `json:"id"`
	// Payload is the business data. It is opaque to the pipeline.
	Payload interface{} `json:"payload"`
	// ParentID links a spin-off to the message it was derived from. Empty for
	// root and detached messages.
	ParentID string `json:"parent_id,omitempty"`
	// GroupingValue selects a destination deterministically. Empty means no
	// partition preference.
	GroupingValue string `json:"grouping_value,omitempty"`
	// Producer is the process UUID of the node that created the message.
	Producer  string    `json:"producer"`
	CreatedAt time.Time `json:"created_at"`
}

// settleHooks lets the node observe every terminal transition, including
// those a transform makes itself.
type settleHooks struct {
	settled   func(m *Message, s State)
	violation func(m *Message, err error)
	// results are the hooks handed to messages derived from this one. Only
	// inputs count towards the settled totals.
	results *settleHooks
}

func (h *settleHooks) forResults() *settleHooks {
	if h == nil {
		return nil
	}
	return h.results
}

// Message is a unit of work together with its lineage and settlement state.
// A Message must not be copied after creation.
type Message struct {
	MessageData

	// ProcessUUID identifies the node currently holding the message.
	ProcessUUID string
	// ReceivedAt is when the node decoded the message.
	ReceivedAt time.Time

	state         atomic.Int32
	control       control.Channel
	reportTimeout time.Duration
	hooks         *settleHooks
}

// NewMessage creates a detached message. It has no parent, so its outcome is
// never reported back to whoever created it.
func NewMessage(payload interface{}, groupingValue string) *Message {
	return &Message{
		MessageData: MessageData{
			ID:            uuid.NewString(),
			Payload:       payload,
			GroupingValue: groupingValue,
			CreatedAt:     time.Now().UTC(),
		},
	}
}

// SpinOff creates a message derived from m. It inherits m's lineage, so a
// failure anywhere below it can be retried from the origin.
func (m *Message) SpinOff(payload interface{}, groupingValue string) *Message {
	child := NewMessage(payload, groupingValue)
	child.ParentID = m.ID
	child.hooks = m.hooks.forResults()
	return child
}

// IsSpinOff reports whether the message has a parent.
func (m *Message) IsSpinOff() bool {
	return m.ParentID != ""
}

// State returns the current acknowledgement state.
func (m *Message) State() State {
	return State(m.state.Load())
}

// Ack marks the message as successfully processed and reports the elapsed
// processing time to the control plane when a channel is attached.
func (m *Message) Ack(timeConsumed time.Duration) error {
	return m.settle(StateAcknowledged, control.Message{
		Type:         control.TypeAck,
		MessageID:    m.ID,
		ProcessUUID:  m.ProcessUUID,
		TimeConsumed: timeConsumed,
	})
}

// Fail marks the message as failed and reports it. There is no local retry:
// the control plane decides whether to resend from the origin.
func (m *Message) Fail(reason string) error {
	cm := control.Message{
		Type:        control.TypeFail,
		MessageID:   m.ID,
		ProcessUUID: m.ProcessUUID,
	}
	if reason != "" {
		cm.Extra = map[string]interface{}{"reason": reason}
	}
	return m.settle(StateFailed, cm)
}

func (m *Message) settle(target State, report control.Message) error {
	if !m.state.CompareAndSwap(int32(StatePending), int32(target)) {
		err := fmt.Errorf("%w: message %s is %s, cannot mark it %s", ErrAlreadySettled, m.ID, m.State(), target)
		if m.hooks != nil && m.hooks.violation != nil {
			m.hooks.violation(m, err)
		}
		return err
	}
	if m.hooks != nil && m.hooks.settled != nil {
		m.hooks.settled(m, target)
	}
	if m.control == nil {
		return nil
	}

	timeout := m.reportTimeout
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.control.Send(ctx, report); err != nil {
		return fmt.Errorf("failed to report %s for message %s: %w", report.Type, m.ID, err)
	}
	return nil
}

// Encode serialises the wire record.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m.MessageData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// DecodeMessage parses a wire record and stamps it with the receiving node's
// identity. ch receives the ack/fail reports; nil keeps settlement local.
func DecodeMessage(data []byte, processUUID string, ch control.Channel) (*Message, error) {
	var md MessageData
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if md.ID == "" {
		return nil, errors.New("failed to decode message: missing id")
	}
	return &Message{
		MessageData: md,
		ProcessUUID: processUUID,
		ReceivedAt:  time.Now(),
		control:     ch,
	}, nil
}
