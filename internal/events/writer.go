package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events. Events are append-only; callers append them
// inside the same transaction as the mutation they describe.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID, actionID string, payload EventPayload) error {
	_, err := w.AppendID(ctx, tx, evtType, entityKind, entityID, actorID, actionID, payload)
	return err
}

// AppendID appends an event and returns its sequence id.
func (w Writer) AppendID(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID, actionID string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,event_type,entity_kind,entity_id,actor_id,action_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, nullable(actionID), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
