package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"raterhub/api/internal/logging"
)

// Event types.
const (
	MessageDeleted  = "message.deleted"
	PrincipalStatus = "principal.status_changed"
	PrincipalRole   = "principal.role_changed"
	GroupDeleted    = "group.deleted"
	MemberRemoved   = "group.member_removed"
	PollRevealed    = "poll.revealed"
	ResetApproved   = "password_reset.approved"
)

type Envelope struct {
	SchemaVersion int               `json:"schema_version"`
	EventType     string            `json:"event_type"`
	OccurredAt    string            `json:"occurred_at"`
	Service       string            `json:"service"`
	Environment   string            `json:"environment"`
	ActorID       string            `json:"actor_id"`
	ActorRole     string            `json:"actor_role,omitempty"`
	GroupID       string            `json:"group_id,omitempty"`
	TargetID      string            `json:"target_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Event is what callers hand to the emitter; the envelope fields are filled in.
type Event struct {
	Type       string
	ActorID    string
	ActorRole  string
	GroupID    string
	TargetID   string
	Attributes map[string]string
}

// Emitter is safe to use as a nil pointer; emits are then dropped.
type Emitter struct {
	publisher   Publisher
	service     string
	environment string
	now         func() time.Time
	log         *zap.Logger
}

func NewEmitter(publisher Publisher, service, environment string, log *zap.Logger) *Emitter {
	return &Emitter{
		publisher:   publisher,
		service:     service,
		environment: environment,
		now:         time.Now,
		log:         logging.OrNop(log),
	}
}

// Emit publishes ev with the event type as routing key. Failures are logged
// and counted; moderation actions never fail because of the audit bus.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := Envelope{
		SchemaVersion: 1,
		EventType:     ev.Type,
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		ActorID:       ev.ActorID,
		ActorRole:     ev.ActorRole,
		GroupID:       ev.GroupID,
		TargetID:      ev.TargetID,
		Attributes:    ev.Attributes,
	}

	if err := e.publisher.Publish(ctx, ev.Type, envelope); err != nil {
		recordPublishError()
		e.log.Warn("audit: publish failed", zap.String("event_type", ev.Type), zap.Error(err))
	}
}
