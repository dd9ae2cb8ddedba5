// Package dedupe keeps a short-lived record of provider event ids so repeated
// webhook deliveries are recognised before touching the database.
package dedupe

import (
	"context"
	"errors"
	"strings"
	"time"
)

type store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

// Guard claims event ids per consumer. Keys look like
// rz:idempotency:evt:<consumer>:<event_id>; consumers are webhook providers
// and event ids are whatever the provider issued (evt_ ids, WH- ids, ...).
type Guard struct {
	store store
	ttl   time.Duration
}

func NewGuard(s store, ttl time.Duration) (*Guard, error) {
	if s == nil {
		return nil, errors.New("dedupe store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("dedupe ttl must be positive")
	}
	return &Guard{store: s, ttl: ttl}, nil
}

// Claim reports true when this call is the first to see eventID for consumer
// within the TTL.
func (g *Guard) Claim(ctx context.Context, consumer, eventID string) (bool, error) {
	key, err := g.key(consumer, eventID)
	if err != nil {
		return false, err
	}
	return g.store.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), g.ttl)
}

// Release drops a claim so a delivery that failed midway can be retried.
func (g *Guard) Release(ctx context.Context, consumer, eventID string) error {
	key, err := g.key(consumer, eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *Guard) key(consumer, eventID string) (string, error) {
	consumer = strings.TrimSpace(consumer)
	eventID = strings.TrimSpace(eventID)
	switch {
	case consumer == "":
		return "", errors.New("consumer is required")
	case eventID == "":
		return "", errors.New("event id is required")
	}
	return g.store.IdempotencyKey("evt:"+consumer, eventID), nil
}
