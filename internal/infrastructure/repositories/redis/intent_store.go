package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voicemesh/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const intentPrefix = "voicemesh:rejoin:"

// IntentStore keeps rejoin intents in redis so a restarted client can
// resume its channel. Keys expire after ttl.
type IntentStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIntentStore(client *redis.Client, ttl time.Duration) *IntentStore {
	return &IntentStore{client: client, ttl: ttl}
}

func intentKey(userID domain.UserID) string {
	return intentPrefix + string(userID)
}

func (s *IntentStore) Save(ctx context.Context, intent *domain.RejoinIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to marshal rejoin intent: %w", err)
	}
	if err := s.client.Set(ctx, intentKey(intent.UserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save rejoin intent: %w", err)
	}
	return nil
}

func (s *IntentStore) Load(ctx context.Context, userID domain.UserID) (*domain.RejoinIntent, error) {
	data, err := s.client.Get(ctx, intentKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rejoin intent: %w", err)
	}

	var intent domain.RejoinIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rejoin intent: %w", err)
	}
	return &intent, nil
}

func (s *IntentStore) Clear(ctx context.Context, userID domain.UserID) error {
	if err := s.client.Del(ctx, intentKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear rejoin intent: %w", err)
	}
	return nil
}
