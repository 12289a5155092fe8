package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventWriter appends to the durable event log, grounded on the teacher's
// events.Writer (SPEC_FULL §0).
type EventWriter struct {
	DB  *sql.DB
	Now func() time.Time
}

// EventPayload is the JSON-marshaled detail attached to an event row.
type EventPayload map[string]any

func (w EventWriter) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

// Append writes one event row inside tx.
func (w EventWriter) Append(ctx context.Context, tx *sql.Tx, evtType, journalID, entityKind, entityID, actorID string, payload EventPayload) error {
	ts := w.now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,journal_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(journalID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
