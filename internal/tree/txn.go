package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"raterhub/api/internal/metrics"
)

// TxFunc computes the next value from the current one (nil when absent).
// Returning nil bytes aborts without writing. It may run several times and
// must not have side effects beyond its return values.
type TxFunc func(current []byte) ([]byte, error)

// Transaction performs an atomic conditional update of a single path:
// read, compute, write only if the value did not change in between, retry
// otherwise. It returns the committed value, or the current value when fn
// aborted. After maxRetries lost races it returns ErrRetryExhausted and the
// stored value is left untouched.
func (s *Store) Transaction(ctx context.Context, path string, fn TxFunc) ([]byte, error) {
	path = cleanPath(path)
	key := s.valueKey(path)
	entity := Entity(path)

	ctx, span := otel.Tracer("raterhub/tree").Start(ctx, "tree.transaction")
	defer span.End()
	span.SetAttributes(attribute.String("tree.entity", entity))

	var (
		result  []byte
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current, err = nil, nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			result, changed = current, false
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			s.index(ctx, pipe, path)
			return nil
		})
		if err != nil {
			return err
		}
		result, changed = next, true
		return nil
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			span.SetAttributes(attribute.Int("tree.attempts", attempt))
			if changed {
				s.publish(ctx, path, OpSet)
			}
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			metrics.IncTxRetry(entity)
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.IncTxExhausted(entity)
	s.log.Warn("tree: transaction did not converge", zap.String("path", path), zap.Int("attempts", s.maxRetries))
	span.SetStatus(codes.Error, ErrRetryExhausted.Error())
	return nil, fmt.Errorf("%s: %w", path, ErrRetryExhausted)
}

// TransactJSON is Transaction over a JSON document of type T. fn receives a
// fresh copy of the current value (nil when absent) on every attempt and
// returns the next value, or nil to abort. The committed (or current) value
// is returned; it is nil only when the path stayed empty.
func TransactJSON[T any](ctx context.Context, s *Store, path string, fn func(current *T) (*T, error)) (*T, error) {
	raw, err := s.Transaction(ctx, path, func(current []byte) ([]byte, error) {
		var cur *T
		if current != nil {
			cur = new(T)
			if err := json.Unmarshal(current, cur); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
		next, err := fn(cur)
		if err != nil || next == nil {
			return nil, err
		}
		return json.Marshal(next)
	})
	if err != nil || raw == nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}
