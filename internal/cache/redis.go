package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisAuditStream publishes ledger entries to a capped Redis stream so
// SIEM consumers can follow the audit trail with XREAD.
type RedisAuditStream struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisAuditStream creates a stream sink. maxLen caps the stream
// approximately; zero means uncapped.
func NewRedisAuditStream(client redis.Cmdable, stream string, maxLen int64) *RedisAuditStream {
	return &RedisAuditStream{client: client, stream: stream, maxLen: maxLen}
}

// Name identifies the sink.
func (s *RedisAuditStream) Name() string {
	return "redis"
}

// WriteEntry appends an entry to the stream.
func (s *RedisAuditStream) WriteEntry(ctx context.Context, entry models.AuditEntry) error {
	values, err := entryValues(entry)
	if err != nil {
		return err
	}
	return s.add(ctx, values)
}

// WriteCheckpoint appends a checkpoint marker to the stream.
func (s *RedisAuditStream) WriteCheckpoint(ctx context.Context, cp models.AuditCheckpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode audit checkpoint: %w", err)
	}
	return s.add(ctx, map[string]any{
		"type":       "checkpoint",
		"id":         cp.ID,
		"last_hash":  cp.LastHash,
		"checkpoint": string(raw),
	})
}

func (s *RedisAuditStream) add(ctx context.Context, values map[string]any) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// entryValues flattens the fields consumers filter on and carries the full
// entry as JSON.
func entryValues(entry models.AuditEntry) (map[string]any, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode audit entry: %w", err)
	}
	return map[string]any{
		"type":     "entry",
		"id":       entry.ID,
		"action":   string(entry.Action),
		"severity": string(entry.Severity),
		"hash":     entry.Hash,
		"entry":    string(raw),
	}, nil
}

// DecodeStreamEntry rebuilds an entry from a stream message.
func DecodeStreamEntry(msg redis.XMessage) (models.AuditEntry, error) {
	var entry models.AuditEntry
	raw, ok := msg.Values["entry"].(string)
	if !ok {
		return entry, fmt.Errorf("stream message %s has no entry", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return entry, fmt.Errorf("decode stream message %s: %w", msg.ID, err)
	}
	return entry, nil
}
