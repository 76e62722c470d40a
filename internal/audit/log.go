package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"pabawi.org/internal/auth"
	"pabawi.org/internal/ids"
	"pabawi.org/internal/obs"
)

// LogSink writes each event as one JSON line through the shared logger.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, ev auth.AuditEvent) error {
	return LogEvent(ctx, ev)
}

// LogEvent writes an audit log entry enriched with request and principal context.
func LogEvent(ctx context.Context, ev auth.AuditEvent) error {
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return errors.New("event action is required")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	entry := map[string]any{
		"ts":     ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  string(ev.Type),
		"action": action,
		"result": string(ev.Result),
	}
	rid := ev.RequestID
	if rid == "" {
		rid = auth.RequestIDFromContext(ctx)
	}
	if rid != "" {
		entry["request_id"] = rid
	}
	actor := ev.ActorID
	if actor == "" {
		if p, ok := auth.PrincipalFromContext(ctx); ok {
			actor = p.ID
		}
	}
	if actor != "" {
		entry["actor_id"] = actor
	}
	for k, v := range map[string]string{"target": ev.Target, "ip": ev.IP, "user_agent": ev.UserAgent} {
		if v != "" {
			entry[k] = v
		}
	}
	fields := make(map[string]any, len(ev.Details))
	for k, v := range ev.Details {
		fields[k] = v
	}
	entry["fields"] = fields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// StoreSink persists events through the credential store.
type StoreSink struct {
	Store auth.AuditStore
}

func (s StoreSink) Record(ctx context.Context, ev auth.AuditEvent) error {
	if s.Store == nil {
		return errors.New("audit store is not configured")
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return s.Store.AppendAudit(ctx, ev)
}

// Multi fans an event out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []auth.AuditSink

func (m Multi) Record(ctx context.Context, ev auth.AuditEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
