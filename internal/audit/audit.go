// Package audit records security-relevant events produced by the auth flow.
//
// Recorders are side-effect hooks: a failing recorder never changes the
// outcome of the operation that emitted the event.
package audit

import (
	"context"
	"time"

	"github.com/debtdesk/apiserver/internal/mq"
	"go.uber.org/zap"
)

// Event kinds.
const (
	KindLogin      = "auth.login"
	KindRefresh    = "auth.refresh"
	KindLogout     = "auth.logout"
	KindLogoutAll  = "auth.logout_all"
	KindTokenCheck = "auth.token_check"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is a single audit record. Reason carries the internal cause of a
// failure and must never be echoed to clients.
type Event struct {
	Kind    string    `json:"kind"`
	ActorID int       `json:"actorId,omitempty"`
	Email   string    `json:"email,omitempty"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Recorder receives audit events.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Multi fans an event out to several recorders.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, event Event) {
	for _, r := range m {
		if r != nil {
			r.Record(ctx, event)
		}
	}
}

// LogRecorder writes events through zap.
type LogRecorder struct {
	logger *zap.Logger
}

func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.Named("audit")}
}

func (l *LogRecorder) Record(_ context.Context, event Event) {
	fields := []zap.Field{
		zap.String("kind", event.Kind),
		zap.String("outcome", event.Outcome),
		zap.Time("at", event.At),
	}
	if event.ActorID != 0 {
		fields = append(fields, zap.Int("actor_id", event.ActorID))
	}
	if event.Email != "" {
		fields = append(fields, zap.String("email", event.Email))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if event.Outcome == OutcomeFailure {
		l.logger.Warn("audit event", fields...)
		return
	}
	l.logger.Info("audit event", fields...)
}

// publishTimeout bounds a broker publish on the sign-in path.
const publishTimeout = 2 * time.Second

// Publisher forwards events to the auth events channel. A slow broker
// delays the caller by at most the publish timeout.
type Publisher struct {
	queue   *mq.MQ
	logger  *zap.Logger
	timeout time.Duration
}

func NewPublisher(queue *mq.MQ, logger *zap.Logger) *Publisher {
	return &Publisher{queue: queue, logger: logger, timeout: publishTimeout}
}

func (p *Publisher) Record(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	attrs := map[string]string{"kind": event.Kind, "outcome": event.Outcome}
	if _, err := p.queue.PublishJSON(ctx, mq.ChannelAuthEvents, event, attrs); err != nil {
		p.logger.Warn("publish audit event failed", zap.String("kind", event.Kind), zap.Error(err))
	}
}
