package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// Event is a committed change to a single path.
type Event struct {
	Path string `json:"path"`
	Op   Op     `json:"op"`
}

func (s *Store) publish(ctx context.Context, path string, op Op) {
	payload, err := json.Marshal(Event{Path: path, Op: op})
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.eventChannel(path), payload).Err(); err != nil {
		s.log.Warn("tree: publish change", zap.String("path", path), zap.Error(err))
	}
}

// Subscription delivers change events for a set of path prefixes.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
	once   sync.Once
}

// Subscribe watches each prefix and everything below it. The subscription is
// active when Subscribe returns; events stop when ctx ends or Close is called.
func (s *Store) Subscribe(ctx context.Context, prefixes ...string) (*Subscription, error) {
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("subscribe: no prefixes")
	}
	patterns := make([]string, 0, len(prefixes)*2)
	for _, prefix := range prefixes {
		prefix = cleanPath(prefix)
		channel := escapeGlob(s.eventChannel(prefix))
		patterns = append(patterns, channel, channel+"/*")
	}

	pubsub := s.client.PSubscribe(ctx, patterns...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", prefixes, err)
	}

	sub := &Subscription{pubsub: pubsub, events: make(chan Event, 256)}
	go sub.pump(ctx, s.log)
	return sub, nil
}

func (sub *Subscription) pump(ctx context.Context, log *zap.Logger) {
	defer close(sub.events)
	messages := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn("tree: malformed change event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case sub.events <- ev:
			case <-ctx.Done():
				_ = sub.Close()
				return
			}
		}
	}
}

// Events is closed when the subscription ends.
func (sub *Subscription) Events() <-chan Event {
	return sub.events
}

func (sub *Subscription) Close() error {
	var err error
	sub.once.Do(func() { err = sub.pubsub.Close() })
	return err
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
