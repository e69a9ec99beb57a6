package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisMaxRetries = 4
	// Keys outlive the token so a late lookup still reports "expired"
	// instead of "unknown".
	redisExpiredGrace = 24 * time.Hour
)

var errRedisRecordCorrupt = errors.New("corrupt refresh token record")

// RedisTokenStore is a RefreshTokenStore on Redis. Each token lives under
// <prefix>rt:<hash> and the user's current hash under <prefix>rtu:<userID>.
type RedisTokenStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisTokenStore(client redis.UniversalClient, prefix string) *RedisTokenStore {
	return &RedisTokenStore{redis: client, prefix: prefix}
}

func (s *RedisTokenStore) tokenKey(tokenHash string) string {
	return s.prefix + "rt:" + tokenHash
}

func (s *RedisTokenStore) userKey(userID int64) string {
	return s.prefix + "rtu:" + strconv.FormatInt(userID, 10)
}

func (s *RedisTokenStore) ReplaceRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt, now time.Time) error {
	userKey := s.userKey(userID)
	value := encodeRedisToken(RefreshToken{UserID: userID, ExpiresAt: expiresAt, CreatedAt: now})
	ttl := expiresAt.Sub(now) + redisExpiredGrace

	for i := 0; i < redisMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			previous, err := tx.Get(ctx, userKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if previous != "" {
					pipe.Del(ctx, s.tokenKey(previous))
				}
				pipe.Set(ctx, s.tokenKey(tokenHash), value, ttl)
				pipe.Set(ctx, userKey, tokenHash, ttl)
				return nil
			})
			return err
		}, userKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
		return nil
	}

	return fmt.Errorf("store refresh token: %w", redis.TxFailedErr)
}

func (s *RedisTokenStore) FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	data, err := s.redis.Get(ctx, s.tokenKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RefreshToken{}, ErrRefreshTokenNotFound
		}
		return RefreshToken{}, fmt.Errorf("read refresh token: %w", err)
	}

	token, err := decodeRedisToken(data)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("read refresh token: %w", err)
	}
	return token, nil
}

func (s *RedisTokenStore) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	token, err := s.FindRefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil
		}
		return err
	}

	userKey := s.userKey(token.UserID)
	for i := 0; i < redisMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, userKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, s.tokenKey(tokenHash))
				if current == tokenHash {
					pipe.Del(ctx, userKey)
				}
				return nil
			})
			return err
		}, userKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("delete refresh token: %w", err)
		}
		return nil
	}

	return fmt.Errorf("delete refresh token: %w", redis.TxFailedErr)
}

func (s *RedisTokenStore) DeleteRefreshTokensForUser(ctx context.Context, userID int64) error {
	userKey := s.userKey(userID)

	for i := 0; i < redisMaxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, userKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if current != "" {
					pipe.Del(ctx, s.tokenKey(current))
				}
				pipe.Del(ctx, userKey)
				return nil
			})
			return err
		}, userKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("delete user refresh tokens: %w", err)
		}
		return nil
	}

	return fmt.Errorf("delete user refresh tokens: %w", redis.TxFailedErr)
}

// PurgeExpiredRefreshTokens is a no-op: Redis drops the keys on its own once
// their TTL runs out.
func (s *RedisTokenStore) PurgeExpiredRefreshTokens(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func (s *RedisTokenStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// userID|expiresAtUnixNano|createdAtUnixNano
func encodeRedisToken(token RefreshToken) string {
	return strconv.FormatInt(token.UserID, 10) + "|" +
		strconv.FormatInt(token.ExpiresAt.UnixNano(), 10) + "|" +
		strconv.FormatInt(token.CreatedAt.UnixNano(), 10)
}

func decodeRedisToken(data string) (RefreshToken, error) {
	parts := strings.Split(data, "|")
	if len(parts) != 3 {
		return RefreshToken{}, errRedisRecordCorrupt
	}

	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return RefreshToken{}, errRedisRecordCorrupt
	}
	expiresAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return RefreshToken{}, errRedisRecordCorrupt
	}
	createdAt, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return RefreshToken{}, errRedisRecordCorrupt
	}

	return RefreshToken{
		UserID:    userID,
		ExpiresAt: time.Unix(0, expiresAt).UTC(),
		CreatedAt: time.Unix(0, createdAt).UTC(),
	}, nil
}
