// Package registration keeps the short-lived state of a chat user who is
// registering as a patient, and drives the name/phone prompts.
package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Step is where a user is in the registration conversation.
type Step string

const (
	StepAwaitingName  Step = "awaiting_name"
	StepAwaitingPhone Step = "awaiting_phone"
)

const (
	stateKeyPrefix  = "linebot:pending:"
	defaultStateTTL = 15 * time.Minute
)

// State is the in-progress registration for one chat user.
type State struct {
	Step      Step      `json:"step"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateStore persists registration state. Get returns (nil, nil) on a miss.
type StateStore interface {
	Get(ctx context.Context, chatUserID string) (*State, error)
	Set(ctx context.Context, chatUserID string, state State) error
	Clear(ctx context.Context, chatUserID string) (bool, error)
}

// RedisStore keeps registration state under a TTL so abandoned flows expire.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ StateStore = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if rdb == nil {
		panic("registration: redis client required")
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func stateKey(chatUserID string) string {
	return stateKeyPrefix + chatUserID
}

func (s *RedisStore) Get(ctx context.Context, chatUserID string) (*State, error) {
	if chatUserID == "" {
		return nil, nil
	}
	data, err := s.rdb.Get(ctx, stateKey(chatUserID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("registration: get state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		// corrupt entries are treated as absent
		return nil, nil
	}
	return &state, nil
}

func (s *RedisStore) Set(ctx context.Context, chatUserID string, state State) error {
	if chatUserID == "" {
		return fmt.Errorf("registration: chat user id required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("registration: marshal state: %w", err)
	}
	if err := s.rdb.Set(ctx, stateKey(chatUserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("registration: set state: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, chatUserID string) (bool, error) {
	if chatUserID == "" {
		return false, nil
	}
	n, err := s.rdb.Del(ctx, stateKey(chatUserID)).Result()
	if err != nil {
		return false, fmt.Errorf("registration: clear state: %w", err)
	}
	return n > 0, nil
}
