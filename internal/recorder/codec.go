package recorder

import (
	"encoding/json"
	"fmt"

	"github.com/coinalpha/hbot/internal/domain"
)

// envelope is the stream wire form of an order event: the kind tag plus the
// event struct as raw JSON.
type envelope struct {
	Kind    domain.EventKind `json:"kind"`
	Payload json.RawMessage  `json:"payload"`
}

// encodeEvent serializes an order event for the durable stream.
func encodeEvent(ev domain.OrderEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("recorder: marshal %s: %w", ev.Kind(), err)
	}
	return json.Marshal(envelope{Kind: ev.Kind(), Payload: payload})
}

// decodeEvent parses a stream payload back into its concrete event type.
func decodeEvent(data []byte) (domain.OrderEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("recorder: decode envelope: %w", err)
	}

	var (
		ev  domain.OrderEvent
		err error
	)
	switch env.Kind {
	case domain.EventOrderCreated:
		var e domain.OrderCreatedEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case domain.EventOrderFilled:
		var e domain.OrderFilledEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case domain.EventOrderCompleted:
		var e domain.OrderCompletedEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case domain.EventOrderCancelled:
		var e domain.OrderCancelledEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case domain.EventOrderFailed:
		var e domain.OrderFailureEvent
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("recorder: unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("recorder: decode %s: %w", env.Kind, err)
	}
	return ev, nil
}
