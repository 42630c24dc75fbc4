package messagepipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// WithPayloadFilter is a decorator. Inputs rejected by keep never reach the
// inner transform; they produce no results and are acknowledged like any
// other successfully handled input.
func WithPayloadFilter(inner Transform, keep func(msg *Message) bool, logger zerolog.Logger) Transform {
	return func(ctx context.Context, msg *Message, emit Emit) error {
		if !keep(msg) {
			logger.Debug().Str("msg_id", msg.ID).Msg("Filtered out message.")
			return nil
		}
		return inner(ctx, msg, emit)
	}
}

// WithBatchPayloadFilter is the batch form of WithPayloadFilter. Rejected
// inputs are removed from the batch handed to inner.
func WithBatchPayloadFilter(inner BatchTransform, keep func(msg *Message) bool, logger zerolog.Logger) BatchTransform {
	return func(ctx context.Context, msgs []*Message, emit Emit) error {
		kept := make([]*Message, 0, len(msgs))
		for _, msg := range msgs {
			if keep(msg) {
				kept = append(kept, msg)
				continue
			}
			logger.Debug().Str("msg_id", msg.ID).Msg("Filtered out message.")
		}
		return inner(ctx, kept, emit)
	}
}

// HasField reports whether the payload is an object with the given top-level field.
func HasField(field string) func(msg *Message) bool {
	return func(msg *Message) bool {
		obj, ok := msg.Payload.(map[string]interface{})
		if !ok {
			return false
		}
		_, ok = obj[field]
		return ok
	}
}

// GroupingValue extracts a top-level field of an object payload as a grouping
// value. Missing fields, nulls and non-object payloads give "".
func GroupingValue(payload interface{}, field string) string {
	if field == "" {
		return ""
	}
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return ""
	}
	switch v := obj[field].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Relay forwards every input unchanged as a spin-off, grouped by
// groupingField (empty keeps the input's own grouping value).
func Relay(groupingField string) Transform {
	return func(_ context.Context, msg *Message, emit Emit) error {
		emit(relayed(msg, groupingField))
		return nil
	}
}

// RelayBatch is the batch form of Relay.
func RelayBatch(groupingField string) BatchTransform {
	return func(_ context.Context, msgs []*Message, emit Emit) error {
		for _, msg := range msgs {
			emit(relayed(msg, groupingField))
		}
		return nil
	}
}

func relayed(msg *Message, groupingField string) *Message {
	key := msg.GroupingValue
	if groupingField != "" {
		key = GroupingValue(msg.Payload, groupingField)
	}
	return msg.SpinOff(msg.Payload, key)
}
