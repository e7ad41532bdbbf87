// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/emberchat/ember/protocol"
)

// RedisAuthenticator validates session tokens against entries the auth
// service writes into the shared Redis. Tokens are stored hashed: the
// key holds the SHA-256 of the token, the value the owning user ID, so
// a leaked store dump does not yield usable tokens. Expiry is the
// key's TTL, owned by the auth service.
type RedisAuthenticator struct {
	client redis.UniversalClient
}

// NewRedisAuthenticator wraps an already-connected Redis client.
func NewRedisAuthenticator(client redis.UniversalClient) *RedisAuthenticator {
	return &RedisAuthenticator{client: client}
}

// tokenKey derives the storage key for a session token.
func tokenKey(token string) string {
	digest := sha256.Sum256([]byte(token))
	return "ember:auth:session:" + hex.EncodeToString(digest[:])
}

func (a *RedisAuthenticator) Authenticate(ctx context.Context, token string) (protocol.UserID, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	user, err := a.client.Get(ctx, tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("looking up session token: %w", err)
	}
	if user == "" {
		return "", ErrInvalidToken
	}
	return protocol.UserID(user), nil
}
