package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type State map[string]any

type Entry struct {
	EventType  string
	EntityType string
	EntityID   string
	UserID     string
	OldState   State
	NewState   State
	Metadata   State
}

// Append writes one audit event inside the caller's transaction so the
// event commits or rolls back together with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	oldState, err := marshalState(e.OldState)
	if err != nil {
		return fmt.Errorf("marshal old state: %w", err)
	}
	newState, err := marshalState(e.NewState)
	if err != nil {
		return fmt.Errorf("marshal new state: %w", err)
	}
	meta := e.Metadata
	if meta == nil {
		meta = State{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events(event_type,entity_type,entity_id,user_id,old_state,new_state,metadata,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.EventType, e.EntityType, e.EntityID, e.UserID, oldState, newState, string(metaJSON), ts)
	return err
}

func marshalState(s State) (any, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
