package auth

import (
	"context"
	"time"

	"pabawi.org/internal/obs"
)

type AuditEventType string

const (
	AuditAuthentication AuditEventType = "authentication"
	AuditAuthorization  AuditEventType = "authorization"
	AuditUserChange     AuditEventType = "user_change"
	AuditToken          AuditEventType = "token"
)

type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
	AuditDenied  AuditResult = "denied"
)

// AuditEvent is a structured security event handed to an AuditSink.
type AuditEvent struct {
	ID         string         `json:"id,omitempty"`
	Type       AuditEventType `json:"type"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id,omitempty"`
	Target     string         `json:"target,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Result     AuditResult    `json:"result"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// AuditSink receives security events. The core awaits Record but never fails
// an operation because of its error.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent) error
}

type nopSink struct{}

func (nopSink) Record(context.Context, AuditEvent) error { return nil }

func recordAudit(ctx context.Context, sink AuditSink, ev AuditEvent) {
	if sink == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	if err := sink.Record(ctx, ev); err != nil {
		obs.Error("audit record failed", map[string]any{
			"event":  string(ev.Type),
			"action": ev.Action,
			"error":  err.Error(),
		})
	}
}
