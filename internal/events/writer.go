package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to the event ledger. The ledger is strictly insert-only:
// this is the whole API surface, there is no update or delete.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is one ledger fact ready to append.
type Entry struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append inserts one event under the caller's transaction. Any failure
// propagates so the caller rolls back the paired domain mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	ts := w.now().UTC().Format(time.RFC3339)
	payload := "{}"
	if e.Payload != nil {
		if e.Payload.EventType() != e.Type {
			return fmt.Errorf("payload %T is for %s, not %s", e.Payload, e.Payload.EventType(), e.Type)
		}
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, payload)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

// AppendBatch inserts all entries under the caller's transaction. If the
// transaction aborts, none of the batch is visible.
func (w Writer) AppendBatch(ctx context.Context, tx *sql.Tx, entries []Entry) error {
	for _, e := range entries {
		if err := w.Append(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
