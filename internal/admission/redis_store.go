package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Naveenravi07/Avara/internal/models"
)

// RedisStoreConfig configures the Redis-backed waiting-list store.
type RedisStoreConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
}

// NewRedisStore initialises a store persisting one hash per room, one field
// per waiting user.
func NewRedisStore(cfg RedisStoreConfig) (Store, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "admission"
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &redisStore{client: client, prefix: prefix}, nil
}

type redisStore struct {
	client redis.UniversalClient
	prefix string
}

// waitingValue is the JSON stored in each hash field.
type waitingValue struct {
	Status      string `json:"status"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

func (s *redisStore) roomKey(roomID string) string {
	return s.prefix + ":" + roomID
}

func userField(userID string) string {
	return "user:" + userID
}

func userIDFromField(field string) string {
	return strings.TrimPrefix(field, "user:")
}

func (s *redisStore) Put(ctx context.Context, entry models.WaitingEntry) error {
	payload, err := json.Marshal(waitingValue{
		Status:      entry.Status,
		DisplayName: entry.DisplayName,
		AvatarRef:   entry.AvatarRef,
	})
	if err != nil {
		return fmt.Errorf("marshal waiting entry: %w", err)
	}
	return s.client.HSet(ctx, s.roomKey(entry.RoomID), userField(entry.UserID), payload).Err()
}

func (s *redisStore) Get(ctx context.Context, roomID, userID string) (models.WaitingEntry, bool, error) {
	raw, err := s.client.HGet(ctx, s.roomKey(roomID), userField(userID)).Result()
	if err == redis.Nil {
		return models.WaitingEntry{}, false, nil
	}
	if err != nil {
		return models.WaitingEntry{}, false, err
	}
	var value waitingValue
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return models.WaitingEntry{}, false, fmt.Errorf("decode waiting entry: %w", err)
	}
	return models.WaitingEntry{
		RoomID:      roomID,
		UserID:      userID,
		Status:      value.Status,
		DisplayName: value.DisplayName,
		AvatarRef:   value.AvatarRef,
	}, true, nil
}

func (s *redisStore) SetStatus(ctx context.Context, roomID, userID, status string) error {
	entry, ok, err := s.Get(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrEntryNotFound
	}
	entry.Status = status
	return s.Put(ctx, entry)
}

func (s *redisStore) Delete(ctx context.Context, roomID, userID string) error {
	return s.client.HDel(ctx, s.roomKey(roomID), userField(userID)).Err()
}

func (s *redisStore) DeleteIfWaiting(ctx context.Context, roomID, userID string) (bool, error) {
	entry, ok, err := s.Get(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	if !ok || entry.Status != models.WaitingStatusWaiting {
		return false, nil
	}
	if err := s.Delete(ctx, roomID, userID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *redisStore) List(ctx context.Context, roomID string) ([]models.WaitingEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]models.WaitingEntry, 0, len(fields))
	for field, raw := range fields {
		var value waitingValue
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode waiting entry %s: %w", field, err)
		}
		entries = append(entries, models.WaitingEntry{
			RoomID:      roomID,
			UserID:      userIDFromField(field),
			Status:      value.Status,
			DisplayName: value.DisplayName,
			AvatarRef:   value.AvatarRef,
		})
	}
	return entries, nil
}
