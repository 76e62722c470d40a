package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"pabawi.org/internal/auth"
	"pabawi.org/internal/ids"
)

func (s *Store) AppendAudit(ctx context.Context, ev auth.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.nowUTC()
	}
	details := "{}"
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = string(raw)
	}
	_, err := s.exec(ctx, `
		INSERT INTO audit_events (id, event_type, action, actor_id, target, ip_address, user_agent, request_id, result, details, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, string(ev.Type), ev.Action, ev.ActorID, ev.Target, ev.IP, ev.UserAgent, ev.RequestID, string(ev.Result), details, utc(ev.OccurredAt))
	return err
}
