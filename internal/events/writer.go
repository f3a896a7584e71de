package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the orchestration core. Webhook subscriptions
// filter on these names.
const (
	TypeTaskCreated       = "task.created"
	TypeTaskTransition    = "task.transition"
	TypeTaskAbandoned     = "task.abandoned"
	TypeFollowUpsCreated  = "followups.created"
	TypeHealthStateChange = "health.state_changed"
	TypeHealthBreach      = "health.threshold_breached"
	TypeRegistryScanned   = "registry.scanned"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, appName, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,app_name,entity_kind,entity_id,payload) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(appName), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
