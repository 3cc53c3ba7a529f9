// Package tree is the client of the shared state tree kept in Redis.
//
// Every node is a JSON document stored under its slash-separated path. Parents
// keep a set of child segments so a subtree can be listed and deleted. Writes
// publish a change event per path, transactions use WATCH/MULTI with retries,
// and connections carry disconnect tombstones that fire when the connection
// closes or its liveness deadline passes.
package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"raterhub/api/internal/metrics"
)

const defaultMaxRetries = 25

var ErrRetryExhausted = errors.New("tree: transaction retries exhausted")

// Store is safe for concurrent use.
type Store struct {
	client      *redis.Client
	prefix      string
	maxRetries  int
	livenessTTL time.Duration
	now         func() time.Time
	log         *zap.Logger
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func WithLivenessTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.livenessTTL = ttl
		}
	}
}

// WithClock replaces time.Now for deadlines and server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New connects to redisURL and verifies the connection.
func New(redisURL string, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, opts...), nil
}

func NewWithClient(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:      client,
		prefix:      "tree:",
		maxRetries:  defaultMaxRetries,
		livenessTTL: 30 * time.Second,
		now:         time.Now,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client exposes the underlying connection for components sharing it.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Now is the store's notion of server time.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func (s *Store) valueKey(path string) string { return s.prefix + "v:" + path }

func (s *Store) childrenKey(path string) string { return s.prefix + "c:" + path }

func (s *Store) eventChannel(path string) string { return s.prefix + "e:" + path }

// Get decodes the value at path into dest. It reports false when the path holds no value.
func (s *Store) Get(ctx context.Context, path string, dest any) (bool, error) {
	raw, err := s.GetRaw(ctx, path)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (s *Store) GetRaw(ctx context.Context, path string) ([]byte, error) {
	path = cleanPath(path)
	raw, err := s.client.Get(ctx, s.valueKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return raw, nil
}

// GetMany fetches several paths in one round trip. Missing paths are absent from the result.
func (s *Store) GetMany(ctx context.Context, paths []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(paths))
	if len(paths) == 0 {
		return out, nil
	}
	cleaned := make([]string, len(paths))
	keys := make([]string, len(paths))
	for i, p := range paths {
		cleaned[i] = cleanPath(p)
		keys[i] = s.valueKey(cleaned[i])
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[cleaned[i]] = []byte(str)
		}
	}
	return out, nil
}

// Children lists the child segments registered under parent.
func (s *Store) Children(ctx context.Context, parent string) ([]string, error) {
	parent = cleanPath(parent)
	names, err := s.client.SMembers(ctx, s.childrenKey(parent)).Result()
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", parent, err)
	}
	return names, nil
}

// List returns the values of the direct children of parent keyed by segment.
// Children that only exist as intermediate nodes are omitted.
func (s *Store) List(ctx context.Context, parent string) (map[string]json.RawMessage, error) {
	parent = cleanPath(parent)
	names, err := s.Children(ctx, parent)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = Join(parent, name)
	}
	values, err := s.GetMany(ctx, paths)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(values))
	for i, name := range names {
		if raw, ok := values[paths[i]]; ok {
			out[name] = raw
		}
	}
	return out, nil
}

// Set overwrites the value at path (last writer wins).
func (s *Store) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

// Delete removes path and everything below it.
func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Update(ctx, map[string]any{path: nil})
}

// Update applies several writes in one MULTI/EXEC. A nil value deletes the
// path and its subtree. The subtree being deleted is watched while it is
// read, so a concurrent write below it restarts the update. Delete events
// go out only for nodes that existed.
func (s *Store) Update(ctx context.Context, writes map[string]any) error {
	encoded := make(map[string][]byte, len(writes))
	var deletes []string
	for path, value := range writes {
		path = cleanPath(path)
		if value == nil {
			deletes = append(deletes, path)
			continue
		}
		raw, err := encode(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		encoded[path] = raw
	}

	var removed, existed []string
	txf := func(tx *redis.Tx) error {
		removed, existed = removed[:0], existed[:0]
		for _, path := range deletes {
			all, present, err := s.watchSubtree(ctx, tx, path)
			if err != nil {
				return err
			}
			removed = append(removed, all...)
			existed = append(existed, present...)
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, path := range removed {
				pipe.Del(ctx, s.valueKey(path), s.childrenKey(path))
			}
			for _, path := range deletes {
				parent, name := Parent(path)
				pipe.SRem(ctx, s.childrenKey(parent), name)
			}
			for path, raw := range encoded {
				pipe.Set(ctx, s.valueKey(path), raw, 0)
				s.index(ctx, pipe, path)
			}
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf)
		if errors.Is(err, redis.TxFailedErr) {
			metrics.IncTxRetry("update")
			continue
		}
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		for _, path := range existed {
			s.publish(ctx, path, OpDelete)
		}
		for path := range encoded {
			s.publish(ctx, path, OpSet)
		}
		return nil
	}
	metrics.IncTxExhausted("update")
	return fmt.Errorf("update: %w", ErrRetryExhausted)
}

// watchSubtree watches path and every descendant before reading it. It
// returns all of them plus the ones that held a value or children.
func (s *Store) watchSubtree(ctx context.Context, tx *redis.Tx, path string) (all, present []string, err error) {
	all = []string{path}
	for i := 0; i < len(all); i++ {
		node := all[i]
		vk, ck := s.valueKey(node), s.childrenKey(node)
		if err := tx.Watch(ctx, vk, ck).Err(); err != nil {
			return nil, nil, fmt.Errorf("watch %s: %w", node, err)
		}
		n, err := tx.Exists(ctx, vk).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("exists %s: %w", node, err)
		}
		names, err := tx.SMembers(ctx, ck).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("children %s: %w", node, err)
		}
		if n > 0 || len(names) > 0 {
			present = append(present, node)
		}
		sort.Strings(names)
		for _, name := range names {
			all = append(all, Join(node, name))
		}
	}
	return all, present, nil
}

// index registers path in every ancestor's child set.
func (s *Store) index(ctx context.Context, pipe redis.Pipeliner, path string) {
	for path != "" {
		parent, name := Parent(path)
		pipe.SAdd(ctx, s.childrenKey(parent), name)
		path = parent
	}
}

func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(value)
	}
}
