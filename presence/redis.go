// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberchat/ember/protocol"
)

// RedisStore implements Store on Redis. Presence records are JSON
// values under per-user keys with a TTL. Session markers live in one
// hash per user, connection ID to expiry deadline, so counting a
// user's sessions is a single read of their hash regardless of how
// many other keys share the store; lapsed fields are pruned on read.
// The get-then-set in SetStatus is deliberately not a transaction:
// the store contract is last-write-wins across nodes.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an already-connected Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(user protocol.UserID) string {
	return "ember:presence:user:" + string(user)
}

func markersKey(user protocol.UserID) string {
	return "ember:presence:conn:" + string(user)
}

func seqKey(scope protocol.Scope) string {
	return "ember:seq:" + scope.String()
}

func (s *RedisStore) SetStatus(ctx context.Context, user protocol.UserID, record Record, ttl time.Duration) (Status, error) {
	previous := StatusOffline
	raw, err := s.client.Get(ctx, recordKey(user)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// No live record: the user reads as offline.
	case err != nil:
		return "", fmt.Errorf("reading presence record: %w", err)
	default:
		var existing Record
		if err := json.Unmarshal([]byte(raw), &existing); err == nil {
			previous = existing.Status
		}
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encoding presence record: %w", err)
	}
	if err := s.client.Set(ctx, recordKey(user), encoded, ttl).Err(); err != nil {
		return "", fmt.Errorf("writing presence record: %w", err)
	}
	return previous, nil
}

func (s *RedisStore) Get(ctx context.Context, user protocol.UserID) (Record, bool, error) {
	raw, err := s.client.Get(ctx, recordKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("reading presence record: %w", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, false, fmt.Errorf("decoding presence record for %s: %w", user, err)
	}
	return record, true, nil
}

func (s *RedisStore) GetMulti(ctx context.Context, users []protocol.UserID) (map[protocol.UserID]Record, error) {
	if len(users) == 0 {
		return map[protocol.UserID]Record{}, nil
	}
	keys := make([]string, len(users))
	for i, user := range users {
		keys[i] = recordKey(user)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading presence records: %w", err)
	}
	result := make(map[protocol.UserID]Record, len(users))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue // absent or expired
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue // corrupt entry reads as offline
		}
		result[users[i]] = record
	}
	return result, nil
}

func (s *RedisStore) Refresh(ctx context.Context, user protocol.UserID, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, recordKey(user), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("refreshing presence record: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) SetSessionMarker(ctx context.Context, user protocol.UserID, connID string, ttl time.Duration) error {
	deadline := time.Now().Add(ttl).UnixMilli()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, markersKey(user), connID, deadline)
	// The hash TTL rolls forward with every marker write: the key
	// outlives its newest field and expires once no session of the
	// user refreshes it.
	pipe.PExpire(ctx, markersKey(user), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing session marker: %w", err)
	}
	return nil
}

func (s *RedisStore) RemoveSessionMarker(ctx context.Context, user protocol.UserID, connID string) error {
	if err := s.client.HDel(ctx, markersKey(user), connID).Err(); err != nil {
		return fmt.Errorf("removing session marker: %w", err)
	}
	return nil
}

func (s *RedisStore) CountSessions(ctx context.Context, user protocol.UserID) (int, error) {
	fields, err := s.client.HGetAll(ctx, markersKey(user)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading session markers: %w", err)
	}
	live, expired := splitMarkers(fields, time.Now())
	if len(expired) > 0 {
		// Markers left behind by crashed nodes.
		if err := s.client.HDel(ctx, markersKey(user), expired...).Err(); err != nil {
			return 0, fmt.Errorf("pruning expired session markers: %w", err)
		}
	}
	return live, nil
}

// splitMarkers partitions marker hash fields into a live count and the
// connection IDs whose deadlines (unix milliseconds) have lapsed.
// Unparseable deadlines count as lapsed.
func splitMarkers(fields map[string]string, now time.Time) (live int, expired []string) {
	cutoff := now.UnixMilli()
	for connID, raw := range fields {
		deadline, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || deadline <= cutoff {
			expired = append(expired, connID)
			continue
		}
		live++
	}
	return live, expired
}

func (s *RedisStore) NextSeq(ctx context.Context, scope protocol.Scope) (uint64, error) {
	seq, err := s.client.Incr(ctx, seqKey(scope)).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing scope sequence: %w", err)
	}
	return uint64(seq), nil
}
