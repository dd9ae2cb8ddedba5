package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/outbox/payloads"
	"github.com/residenza/backoffice/pkg/outbox/registry"
)

const (
	fallbackBatch       = 50
	fallbackPoll        = 500 * time.Millisecond
	fallbackMaxAttempts = 10
	publishTimeout      = 15 * time.Second
)

type txRunner interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type topicPublishers interface {
	Ping(context.Context) error
	Publisher(topic string) *gcppubsub.Publisher
}

// outboxStore is the row bookkeeping the publisher needs from pkg/outbox.
type outboxStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type deadLetterStore interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type eventResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// publisher and publishResult narrow *pubsub.Publisher so tests can script
// publish outcomes.
type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          txRunner
	Topics      topicPublishers
	Outbox      outboxStore
	Events      eventResolver
	DeadLetters deadLetterStore
	// Publisher overrides the per-topic lookup on Topics.
	Publisher func(topic string) publisher
}

func (p ServiceParams) validate() error {
	required := []struct {
		name    string
		missing bool
	}{
		{"config", p.Config == nil},
		{"logger", p.Logger == nil},
		{"database", p.DB == nil},
		{"pubsub topics", p.Topics == nil},
		{"outbox store", p.Outbox == nil},
		{"event resolver", p.Events == nil},
		{"dead letter store", p.DeadLetters == nil},
	}
	for _, r := range required {
		if r.missing {
			return fmt.Errorf("outbox publisher: %s is required", r.name)
		}
	}
	return nil
}

// Service drains outbox_events into Pub/Sub. Each batch runs in one
// transaction so rows claimed with SKIP LOCKED stay invisible to other
// publisher replicas until their outcome is recorded.
type Service struct {
	logg        *logger.Logger
	db          txRunner
	topics      topicPublishers
	outbox      outboxStore
	events      eventResolver
	deadLetters deadLetterStore
	publisherOf func(topic string) publisher

	batch       int
	maxAttempts int
	poll        time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	publisherOf := params.Publisher
	if publisherOf == nil {
		publisherOf = func(topic string) publisher {
			if p := params.Topics.Publisher(topic); p != nil {
				return gcpPublisher{p}
			}
			return nil
		}
	}

	cfg := params.Config.Outbox
	poll := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if poll <= 0 {
		poll = fallbackPoll
	}
	return &Service{
		logg:        params.Logger,
		db:          params.DB,
		topics:      params.Topics,
		outbox:      params.Outbox,
		events:      params.Events,
		deadLetters: params.DeadLetters,
		publisherOf: publisherOf,
		batch:       positiveOr(cfg.BatchSize, fallbackBatch),
		maxAttempts: positiveOr(cfg.MaxAttempts, fallbackMaxAttempts),
		poll:        poll,
	}, nil
}

func positiveOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Run polls until ctx is canceled. An empty batch sleeps one interval; a
// failing batch backs off exponentially.
func (s *Service) Run(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{
		"database": s.db.Ping,
		"pubsub":   s.topics.Ping,
	} {
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, name+" ping failed", err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}

	wait := newBackoff(s.poll)
	for {
		if err := ctx.Err(); err != nil {
			s.logg.Info(ctx, "outbox publisher context canceled")
			return err
		}

		processed, err := s.processBatch(ctx)
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			if err := sleep(ctx, wait.fail()); err != nil {
				return err
			}
		case processed:
			wait.reset()
		default:
			wait.reset()
			if err := sleep(ctx, wait.idle()); err != nil {
				return err
			}
		}
	}
}

// outcome is what happened to one outbox row.
type outcome int

const (
	outcomePublished outcome = iota
	outcomeRetry
	outcomeDeadLetter
)

// batchStats counts outcomes for the per-batch log line.
type batchStats struct {
	published    int
	retried      int
	deadLettered int
}

func (b *batchStats) add(o outcome) {
	switch o {
	case outcomePublished:
		b.published++
	case outcomeRetry:
		b.retried++
	case outcomeDeadLetter:
		b.deadLettered++
	}
}

func (s *Service) processBatch(ctx context.Context) (bool, error) {
	var stats batchStats
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.outbox.FetchUnpublishedForPublish(tx, s.batch, s.maxAttempts)
		if err != nil {
			return err
		}
		processed = len(events) > 0

		for _, event := range events {
			o, err := s.dispatch(ctx, tx, event)
			if err != nil {
				return err
			}
			stats.add(o)
		}
		return nil
	})
	if processed && err == nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"published":     stats.published,
			"retried":       stats.retried,
			"dead_lettered": stats.deadLettered,
		}), "outbox batch processed")
	}
	return processed, err
}

// dispatch publishes one row and records its outcome. The returned error is
// only for bookkeeping failures, which abort the batch transaction.
func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) (outcome, error) {
	resolved, err := s.events.Resolve(event)
	if err != nil {
		return outcomeDeadLetter, s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, err, eventFields(event, nil))
	}

	fields := eventFields(event, resolved)
	publishErr := s.publishResolved(ctx, event, resolved)
	if publishErr == nil {
		if err := s.outbox.MarkPublishedTx(tx, event.ID); err != nil {
			return outcomePublished, fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event published")
		return outcomePublished, nil
	}

	o, reason := classify(publishErr, event.AttemptCount+1, s.maxAttempts)
	fields["attempt_count"] = event.AttemptCount + 1
	if o == outcomeDeadLetter {
		if reason == enums.OutboxDLQReasonMaxAttempts {
			publishErr = fmt.Errorf("max publish attempts reached: %w", publishErr)
		}
		return o, s.deadLetter(ctx, tx, event, reason, publishErr, fields)
	}

	s.logg.Warn(s.logg.WithFields(ctx, withError(fields, publishErr)), "outbox publish failed")
	if err := s.outbox.MarkFailedTx(tx, event.ID, publishErr); err != nil {
		return o, fmt.Errorf("mark failure %s: %w", event.ID, err)
	}
	return o, nil
}

// classify decides between another attempt and the dead letter table.
func classify(err error, nextAttempt, maxAttempts int) (outcome, enums.OutboxDLQErrorReason) {
	var nonRetry registry.NonRetryableError
	if errors.As(err, &nonRetry) {
		return outcomeDeadLetter, enums.OutboxDLQReasonNonRetryable
	}
	if nextAttempt >= maxAttempts {
		return outcomeDeadLetter, enums.OutboxDLQReasonMaxAttempts
	}
	return outcomeRetry, ""
}

func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, fields map[string]any) error {
	fields["error_reason"] = reason
	s.logg.Warn(s.logg.WithFields(ctx, withError(fields, cause)), "outbox event will not be retried")

	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := s.deadLetters.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	if err := s.outbox.MarkTerminalTx(tx, event.ID, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	return nil
}

func (s *Service) publishResolved(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := s.publisherOf(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	result := pub.Publish(publishCtx, &gcppubsub.Message{
		Data:       event.Payload,
		Attributes: messageAttributes(event, resolved),
	})
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	_, err := result.Get(publishCtx)
	return err
}

// messageAttributes lets subscribers filter on order, sigla and provider
// without decoding the body.
func messageAttributes(event models.OutboxEvent, resolved *registry.ResolvedEvent) map[string]string {
	attrs := map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID,
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
	}
	var sigla string
	var provider enums.PaymentProvider
	switch p := resolved.Payload.(type) {
	case *payloads.PaymentSettledEvent:
		sigla, provider = p.Sigla, p.Provider
	case *payloads.PaymentFailedEvent:
		sigla, provider = p.Sigla, p.Provider
	}
	if sigla != "" {
		attrs["sigla"] = sigla
	}
	if provider != "" {
		attrs["provider"] = string(provider)
	}
	return attrs
}

func eventFields(event models.OutboxEvent, resolved *registry.ResolvedEvent) map[string]any {
	fields := map[string]any{
		"outbox_id":     event.ID.String(),
		"event_type":    event.EventType,
		"order_id":      event.AggregateID,
		"attempt_count": event.AttemptCount,
	}
	if resolved != nil {
		fields["topic"] = resolved.Descriptor.Topic
		if resolved.Envelope.EventID != "" {
			fields["event_id"] = resolved.Envelope.EventID
			fields["occurred_at"] = resolved.Envelope.OccurredAt.Format(time.RFC3339Nano)
		}
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func withError(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}

type gcpPublisher struct {
	p *gcppubsub.Publisher
}

func (g gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return g.p.Publish(ctx, msg)
}
