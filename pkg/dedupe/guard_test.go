package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	keys   map[string]time.Duration
	setErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{keys: map[string]time.Duration{}}
}

func (m *memoryStore) SetNX(_ context.Context, key string, _ any, ttl time.Duration) (bool, error) {
	if m.setErr != nil {
		return false, m.setErr
	}
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = ttl
	return true, nil
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.keys, k)
	}
	return nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return "rz:idempotency:" + scope + ":" + id
}

func TestClaimFirstDeliveryOnly(t *testing.T) {
	store := newMemoryStore()
	guard, err := NewGuard(store, 24*time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	claimed, err := guard.Claim(ctx, "stripe", "evt_123")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 24*time.Hour, store.keys["rz:idempotency:evt:stripe:evt_123"])

	claimed, err = guard.Claim(ctx, "stripe", "evt_123")
	require.NoError(t, err)
	assert.False(t, claimed, "redelivery must not be claimed again")

	claimed, err = guard.Claim(ctx, "paypal", "evt_123")
	require.NoError(t, err)
	assert.True(t, claimed, "claims are per consumer")
}

func TestReleaseAllowsRetry(t *testing.T) {
	guard, err := NewGuard(newMemoryStore(), time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = guard.Claim(ctx, "nexi", "op-9")
	require.NoError(t, err)
	require.NoError(t, guard.Release(ctx, "nexi", "op-9"))

	claimed, err := guard.Claim(ctx, "nexi", "op-9")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimValidatesAndPropagatesErrors(t *testing.T) {
	store := newMemoryStore()
	guard, err := NewGuard(store, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = guard.Claim(ctx, " ", "evt_1")
	assert.Error(t, err)
	_, err = guard.Claim(ctx, "stripe", "")
	assert.Error(t, err)

	store.setErr = errors.New("connection refused")
	_, err = guard.Claim(ctx, "stripe", "evt_1")
	assert.ErrorIs(t, err, store.setErr)
}

func TestNewGuardValidates(t *testing.T) {
	_, err := NewGuard(nil, time.Hour)
	assert.Error(t, err)
	_, err = NewGuard(newMemoryStore(), 0)
	assert.Error(t, err)
}
