package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/residenza/backoffice/pkg/db/dbtest"
	"github.com/residenza/backoffice/pkg/db/models"
	"github.com/residenza/backoffice/pkg/enums"
	"github.com/residenza/backoffice/pkg/logger"
)

func insertEvent(t *testing.T, conn *gorm.DB, aggregateID string, publishedAt *time.Time, attempts int, createdAt time.Time) uuid.UUID {
	t.Helper()
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventPaymentSettled,
		AggregateType: enums.AggregatePaymentOrder,
		AggregateID:   aggregateID,
		Payload:       json.RawMessage(`{}`),
		CreatedAt:     createdAt,
		PublishedAt:   publishedAt,
		AttemptCount:  attempts,
	}
	require.NoError(t, conn.Create(&event).Error)
	return event.ID
}

func TestDeletePublishedBefore(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour)
	cutoff := now.Add(-30 * 24 * time.Hour)

	insertEvent(t, conn, "RZ-old-published", &old, 1, old)
	recent := now.Add(-time.Hour)
	keptRecent := insertEvent(t, conn, "RZ-recent-published", &recent, 1, recent)
	insertEvent(t, conn, "RZ-old-dead", nil, 5, old)
	keptPending := insertEvent(t, conn, "RZ-old-pending", nil, 2, old)

	deleted, err := repo.DeletePublishedBefore(context.Background(), conn, cutoff, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	var remaining []models.OutboxEvent
	require.NoError(t, conn.Order("aggregate_id").Find(&remaining).Error)
	ids := []uuid.UUID{}
	for _, row := range remaining {
		ids = append(ids, row.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{keptRecent, keptPending}, ids)
}

func TestEmitIfNotExistsWritesOnce(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(NewRepository(conn), logger.New(logger.Options{ServiceName: "outbox-test"}))
	event := DomainEvent{
		EventType:     enums.EventPaymentSettled,
		AggregateType: enums.AggregatePaymentOrder,
		AggregateID:   "RZ-20260301-0000abcd",
		Data:          map[string]any{"order_id": "RZ-20260301-0000abcd"},
	}

	var first, second bool
	err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		first, err = svc.EmitIfNotExists(context.Background(), tx, event)
		return err
	})
	require.NoError(t, err)
	err = conn.Transaction(func(tx *gorm.DB) error {
		var err error
		second, err = svc.EmitIfNotExists(context.Background(), tx, event)
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	_, err = svc.EmitIfNotExists(context.Background(), nil, event)
	require.Error(t, err)
}

func TestDLQCountSince(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewDLQRepository(conn)
	now := time.Now().UTC()

	insert := func(failedAt time.Time) {
		msg := "max publish attempts reached"
		require.NoError(t, repo.InsertTx(conn, models.OutboxDLQ{
			EventID:       uuid.New(),
			EventType:     enums.EventPaymentSettled,
			AggregateType: enums.AggregatePaymentOrder,
			AggregateID:   "RZ-20260301-0000abcd",
			Payload:       json.RawMessage(`{}`),
			ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
			ErrorMessage:  &msg,
			FailedAt:      failedAt,
		}))
	}
	insert(now.Add(-48 * time.Hour))
	insert(now.Add(-time.Hour))

	count, err := repo.CountSince(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestEmitWrapsDataInEnvelope(t *testing.T) {
	conn := dbtest.Open(t)
	svc := NewService(NewRepository(conn), nil)
	occurred := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, svc.Emit(context.Background(), conn, DomainEvent{
		EventType:     enums.EventPaymentSettled,
		AggregateType: enums.AggregatePaymentOrder,
		AggregateID:   "RZ-20260301-0000beef",
		Actor:         &ActorRef{Kind: "webhook", ID: "stripe"},
		Data:          map[string]any{"amount_cents": 5000},
		OccurredAt:    occurred,
	}))

	var row models.OutboxEvent
	require.NoError(t, conn.Where("aggregate_id = ?", "RZ-20260301-0000beef").First(&row).Error)

	var env PayloadEnvelope
	require.NoError(t, json.Unmarshal(row.Payload, &env))
	assert.Equal(t, row.ID.String(), env.EventID)
	assert.Equal(t, 1, env.Version)
	assert.True(t, occurred.Equal(env.OccurredAt))
	assert.Equal(t, "stripe", env.Actor.ID)
	assert.JSONEq(t, `{"amount_cents":5000}`, string(env.Data))

	assert.ErrorIs(t, svc.Emit(context.Background(), conn, DomainEvent{EventType: enums.EventPaymentSettled}), errAggregateIDRequired)
}
