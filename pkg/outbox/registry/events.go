// Package registry maps outbox rows to Pub/Sub topics and typed payloads.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/outbox"
	"github.com/residenza/backoffice/pkg/outbox/payloads"
)

// maxEnvelopeVersion is the newest envelope layout this publisher understands.
const maxEnvelopeVersion = 1

// orderScoped payloads name the payment order they describe; it must match
// the row's aggregate id.
type orderScoped interface {
	PaymentOrderID() string
}

// EventDescriptor binds an event type to its aggregate, topic and payload type.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
	newPayload    func() any
}

// ResolvedEvent is a decoded, validated outbox row ready to publish.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// NonRetryableError marks a row that can never publish; the dispatcher moves
// it to the dead letter table instead of retrying.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func permanent(format string, args ...any) error {
	return NewNonRetryableError(fmt.Errorf(format, args...))
}

type EventRegistry struct {
	byType map[enums.OutboxEventType]EventDescriptor
}

// NewEventRegistry routes settlement and failure events to the payments topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	topic := strings.TrimSpace(cfg.PaymentsTopic)
	if topic == "" {
		return nil, fmt.Errorf("payments topic is required")
	}
	return &EventRegistry{byType: map[enums.OutboxEventType]EventDescriptor{
		enums.EventPaymentSettled: {
			EventType:     enums.EventPaymentSettled,
			AggregateType: enums.AggregatePaymentOrder,
			Topic:         topic,
			newPayload:    func() any { return &payloads.PaymentSettledEvent{} },
		},
		enums.EventPaymentFailed: {
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregatePaymentOrder,
			Topic:         topic,
			newPayload:    func() any { return &payloads.PaymentFailedEvent{} },
		},
	}}, nil
}

// Topics lists the distinct topics, sorted.
func (r *EventRegistry) Topics() []string {
	var out []string
	for _, desc := range r.byType {
		if !slices.Contains(out, desc.Topic) {
			out = append(out, desc.Topic)
		}
	}
	slices.Sort(out)
	return out
}

// Resolve decodes the row's envelope and payload. Every failure is
// non-retryable: a malformed row stays malformed.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.byType[event.EventType]
	switch {
	case !ok:
		return nil, permanent("unsupported event type %s", event.EventType)
	case desc.AggregateType != event.AggregateType:
		return nil, permanent("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType)
	case strings.TrimSpace(event.AggregateID) == "":
		return nil, permanent("missing aggregate_id")
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, permanent("decode envelope: %w", err)
	}
	if envelope.Version > maxEnvelopeVersion {
		return nil, permanent("envelope version %d not supported", envelope.Version)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, permanent("payload missing for %s", event.EventType)
	}

	payload := desc.newPayload()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, permanent("decode %s payload: %w", event.EventType, err)
	}
	if scoped, ok := payload.(orderScoped); ok && scoped.PaymentOrderID() != event.AggregateID {
		return nil, permanent("payload order %q does not match aggregate %q", scoped.PaymentOrderID(), event.AggregateID)
	}

	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
