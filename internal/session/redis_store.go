// Package session keeps refresh tokens in Redis. Tokens are single use: a
// refresh consumes the old token and the caller saves a new one.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnknownToken = errors.New("session: refresh token not found or expired")

// Session is the data stored for each refresh token hash.
type Session struct {
	PrincipalID string    `json:"principal_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RedisStore stores refresh sessions as string keys with a TTL and keeps a
// per-principal set of live hashes so every session can be revoked at once.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, prefix), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "refresh:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) indexKey(principalID string) string {
	return s.prefix + "by:" + principalID
}

func (s *RedisStore) Save(ctx context.Context, tokenHash, principalID string, expiresAt time.Time) error {
	data, err := json.Marshal(Session{PrincipalID: principalID, CreatedAt: time.Now().UTC(), ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save refresh session: already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(tokenHash), data, ttl)
	pipe.SAdd(ctx, s.indexKey(principalID), tokenHash)
	pipe.Expire(ctx, s.indexKey(principalID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (Session, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Bytes()
	return decode(raw, err)
}

// Consume returns the session and deletes it in the same round trip.
func (s *RedisStore) Consume(ctx context.Context, tokenHash string) (Session, error) {
	raw, err := s.client.GetDel(ctx, s.key(tokenHash)).Bytes()
	sess, err := decode(raw, err)
	if err != nil {
		return Session{}, err
	}
	s.client.SRem(ctx, s.indexKey(sess.PrincipalID), tokenHash)
	return sess, nil
}

func decode(raw []byte, err error) (Session, error) {
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrUnknownToken
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) Revoke(ctx context.Context, tokenHash string) error {
	if _, err := s.Consume(ctx, tokenHash); err != nil && !errors.Is(err, ErrUnknownToken) {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeAll drops every refresh session of a principal, used when it is
// suspended or its password changes.
func (s *RedisStore) RevokeAll(ctx context.Context, principalID string) error {
	hashes, err := s.client.SMembers(ctx, s.indexKey(principalID)).Result()
	if err != nil {
		return fmt.Errorf("list refresh sessions: %w", err)
	}
	keys := make([]string, 0, len(hashes)+1)
	for _, h := range hashes {
		keys = append(keys, s.key(h))
	}
	keys = append(keys, s.indexKey(principalID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoke refresh sessions: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
