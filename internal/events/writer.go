package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// EventPayload holds event-specific data.
type EventPayload map[string]any

// Writer appends events to the log inside the caller's transaction so
// state changes and their audit records commit atomically.
type Writer struct {
	Now func() time.Time
}

func NewWriter() *Writer {
	return &Writer{Now: time.Now}
}

// Append records one event. actorID may be empty for system-initiated
// transitions such as expiry sweeps.
func (w *Writer) Append(ctx context.Context, tx *sql.Tx, evtType, networkID, entityKind, entityID, actorID string, payload EventPayload) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (ts, type, network_id, entity_kind, entity_id, actor_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.Now().UTC().Format(time.RFC3339), evtType, networkID, entityKind, entityID, actorID, nullableBytes(data))
	return err
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
