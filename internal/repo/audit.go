package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"batchline/internal/domain"
)

func (r Repo) LatestAuditEventsFrom(ctx context.Context, limit int, cursor int64, eventType, entityType, entityID, userID string) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if eventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, eventType)
	}
	if entityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, entityType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,event_type,entity_type,entity_id,user_id,old_state,new_state,metadata,created_at FROM audit_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

// AuditEventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) AuditEventsAfter(ctx context.Context, limit int, cursor int64, entityType, entityID string) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if entityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, entityType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,event_type,entity_type,entity_id,user_id,old_state,new_state,metadata,created_at FROM audit_events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func (r Repo) GetAuditEvent(ctx context.Context, id int64) (domain.AuditEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,event_type,entity_type,entity_id,user_id,old_state,new_state,metadata,created_at FROM audit_events WHERE id=?`, id)
	var e domain.AuditEvent
	var oldState, newState sql.NullString
	err := row.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &e.UserID, &oldState, &newState, &e.Metadata, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if oldState.Valid {
		e.OldState = &oldState.String
	}
	if newState.Valid {
		e.NewState = &newState.String
	}
	return e, nil
}

func scanAuditEvents(rows *sql.Rows) ([]domain.AuditEvent, error) {
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var oldState, newState sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &e.UserID, &oldState, &newState, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if oldState.Valid {
			e.OldState = &oldState.String
		}
		if newState.Valid {
			e.NewState = &newState.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
