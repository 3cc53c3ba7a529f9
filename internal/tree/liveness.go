package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"raterhub/api/internal/metrics"
	"raterhub/api/internal/util"
)

var ErrConnectionLost = errors.New("tree: connection no longer live")

// Conn is a client connection known to the store. Writes registered with
// OnDisconnect are applied once, when the connection closes or when its
// liveness deadline passes without a heartbeat.
type Conn struct {
	ID    string
	Owner string
	store *Store
}

type tombstone struct {
	Value json.RawMessage `json:"value,omitempty"`
	Stamp string          `json:"stamp,omitempty"`
}

func (s *Store) connsKey() string { return s.prefix + "conns" }

func (s *Store) tombstonesKey(connID string) string { return s.prefix + "od:" + connID }

func (s *Store) deadline() float64 {
	return float64(s.now().Add(s.livenessTTL).UnixMilli())
}

// Connect registers a live connection for owner.
func (s *Store) Connect(ctx context.Context, owner string) (*Conn, error) {
	conn := &Conn{ID: util.NewID("conn"), Owner: owner, store: s}
	if err := s.client.ZAdd(ctx, s.connsKey(), redis.Z{Score: s.deadline(), Member: conn.ID}).Err(); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}
	return conn, nil
}

// OnDisconnect registers a write to apply when the connection ends. A nil
// value deletes path. When stampField is set, value must encode to a JSON
// object and that field is set to the time the write fires.
func (c *Conn) OnDisconnect(ctx context.Context, path string, value any, stampField string) error {
	path = cleanPath(path)
	var tomb tombstone
	if value != nil {
		raw, err := encode(value)
		if err != nil {
			return fmt.Errorf("encode tombstone %s: %w", path, err)
		}
		tomb.Value = raw
	}
	tomb.Stamp = stampField
	payload, err := json.Marshal(tomb)
	if err != nil {
		return err
	}
	if err := c.store.client.HSet(ctx, c.store.tombstonesKey(c.ID), path, payload).Err(); err != nil {
		return fmt.Errorf("register tombstone %s: %w", path, err)
	}
	return nil
}

// Cancel drops the tombstone registered for path.
func (c *Conn) Cancel(ctx context.Context, path string) error {
	if err := c.store.client.HDel(ctx, c.store.tombstonesKey(c.ID), cleanPath(path)).Err(); err != nil {
		return fmt.Errorf("cancel tombstone %s: %w", path, err)
	}
	return nil
}

// Heartbeat pushes the liveness deadline forward. It returns ErrConnectionLost
// if the connection was already reaped.
func (c *Conn) Heartbeat(ctx context.Context) error {
	s := c.store
	if err := s.client.ZScore(ctx, s.connsKey(), c.ID).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrConnectionLost
		}
		return fmt.Errorf("heartbeat: %w", err)
	}
	err := s.client.ZAddArgs(ctx, s.connsKey(), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: s.deadline(), Member: c.ID}},
	}).Err()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Alive reports whether the connection is still registered.
func (c *Conn) Alive(ctx context.Context) (bool, error) {
	err := c.store.client.ZScore(ctx, c.store.connsKey(), c.ID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// Close ends the connection and applies its tombstones.
func (c *Conn) Close(ctx context.Context) error {
	_, err := c.store.release(ctx, c.ID)
	return err
}

// Reap fires the tombstones of every connection whose deadline has passed
// and returns how many connections were released.
func (s *Store) Reap(ctx context.Context) (int, error) {
	expired, err := s.client.ZRangeByScore(ctx, s.connsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(s.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan connections: %w", err)
	}

	released := 0
	var errs []error
	for _, id := range expired {
		ok, err := s.release(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, errors.Join(errs...)
}

// RunReaper calls Reap every interval until ctx ends.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Reap(ctx)
			if err != nil {
				s.log.Warn("tree: reap connections", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("tree: released expired connections", zap.Int("count", n))
			}
		}
	}
}

// release claims the connection and applies its tombstones. Claiming is a
// ZREM so concurrent reapers and a late Close fire the writes exactly once.
func (s *Store) release(ctx context.Context, connID string) (bool, error) {
	claimed, err := s.client.ZRem(ctx, s.connsKey(), connID).Result()
	if err != nil {
		return false, fmt.Errorf("claim connection %s: %w", connID, err)
	}
	if claimed == 0 {
		return false, nil
	}

	key := s.tombstonesKey(connID)
	entries, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		s.requeue(ctx, connID)
		return false, fmt.Errorf("load tombstones %s: %w", connID, err)
	}

	firedAt := s.Now()
	writes := make(map[string]any, len(entries))
	for path, payload := range entries {
		var tomb tombstone
		if err := json.Unmarshal([]byte(payload), &tomb); err != nil {
			s.log.Warn("tree: malformed tombstone", zap.String("path", path), zap.Error(err))
			continue
		}
		value, err := tomb.resolve(firedAt)
		if err != nil {
			s.log.Warn("tree: tombstone stamp", zap.String("path", path), zap.Error(err))
			continue
		}
		writes[path] = value
	}

	if len(writes) > 0 {
		if err := s.Update(ctx, writes); err != nil {
			s.requeue(ctx, connID)
			return false, fmt.Errorf("apply tombstones %s: %w", connID, err)
		}
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return true, fmt.Errorf("clear tombstones %s: %w", connID, err)
	}
	metrics.AddTombstonesFired(len(writes))
	return true, nil
}

// requeue puts a claimed connection back with an expired deadline so the
// next reap retries its tombstones.
func (s *Store) requeue(ctx context.Context, connID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	member := redis.Z{Score: float64(s.now().UnixMilli()), Member: connID}
	if err := s.client.ZAdd(ctx, s.connsKey(), member).Err(); err != nil {
		s.log.Error("tree: requeue connection", zap.String("conn", connID), zap.Error(err))
	}
}

// resolve returns the value to write, nil meaning delete.
func (t tombstone) resolve(firedAt time.Time) (any, error) {
	if len(t.Value) == 0 || string(t.Value) == "null" {
		return nil, nil
	}
	if t.Stamp == "" {
		return t.Value, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(t.Value, &obj); err != nil {
		return nil, err
	}
	obj[t.Stamp] = firedAt
	return obj, nil
}
