package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"batchline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r Repo) InsertFlowDefinition(ctx context.Context, tx *sql.Tx, fd domain.FlowDefinition) error {
	name, err := json.Marshal(fd.Name)
	if err != nil {
		return fmt.Errorf("marshal flow name: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO flow_definitions(id,name_json,description,created_by,created_at) VALUES (?,?,?,?,?)`,
		fd.ID, string(name), fd.Description, fd.CreatedBy, fd.CreatedAt)
	return err
}

func scanFlowDefinition(row *sql.Row) (domain.FlowDefinition, error) {
	var fd domain.FlowDefinition
	var nameJSON string
	err := row.Scan(&fd.ID, &nameJSON, &fd.Description, &fd.CreatedBy, &fd.CreatedAt)
	if err == sql.ErrNoRows {
		return fd, ErrNotFound
	}
	if err != nil {
		return fd, err
	}
	if err := json.Unmarshal([]byte(nameJSON), &fd.Name); err != nil {
		return fd, fmt.Errorf("unmarshal flow name: %w", err)
	}
	return fd, nil
}

func (r Repo) GetFlowDefinition(ctx context.Context, id string) (domain.FlowDefinition, error) {
	return scanFlowDefinition(r.DB.QueryRowContext(ctx, `SELECT id,name_json,description,created_by,created_at FROM flow_definitions WHERE id=?`, id))
}

func (r Repo) GetFlowDefinitionTx(ctx context.Context, tx *sql.Tx, id string) (domain.FlowDefinition, error) {
	return scanFlowDefinition(tx.QueryRowContext(ctx, `SELECT id,name_json,description,created_by,created_at FROM flow_definitions WHERE id=?`, id))
}

func (r Repo) ListFlowDefinitions(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.FlowDefinition, error) {
	var clauses []string
	var args []any
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,name_json,description,created_by,created_at FROM flow_definitions ` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FlowDefinition
	for rows.Next() {
		var fd domain.FlowDefinition
		var nameJSON string
		if err := rows.Scan(&fd.ID, &nameJSON, &fd.Description, &fd.CreatedBy, &fd.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(nameJSON), &fd.Name); err != nil {
			return nil, fmt.Errorf("unmarshal flow name: %w", err)
		}
		res = append(res, fd)
	}
	return res, nil
}

func (r Repo) DeleteFlowDefinition(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM flow_definitions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const versionCols = `id,flow_definition_id,version_num,status,graph_json,reviewed_by,published_by,published_at,created_by,created_at,updated_at`

func (r Repo) InsertFlowVersion(ctx context.Context, tx *sql.Tx, v domain.FlowVersion) error {
	graph, err := json.Marshal(v.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO flow_versions(`+versionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.FlowDefinitionID, v.VersionNum, v.Status, string(graph),
		nullableStringPtr(v.ReviewedBy), nullableStringPtr(v.PublishedBy), nullableStringPtr(v.PublishedAt),
		v.CreatedBy, v.CreatedAt, v.UpdatedAt)
	return err
}

func scanFlowVersion(row *sql.Row) (domain.FlowVersion, error) {
	var v domain.FlowVersion
	var graphJSON string
	var reviewedBy, publishedBy, publishedAt sql.NullString
	err := row.Scan(&v.ID, &v.FlowDefinitionID, &v.VersionNum, &v.Status, &graphJSON,
		&reviewedBy, &publishedBy, &publishedAt, &v.CreatedBy, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(graphJSON), &v.Graph); err != nil {
		return v, fmt.Errorf("unmarshal graph: %w", err)
	}
	if reviewedBy.Valid {
		v.ReviewedBy = &reviewedBy.String
	}
	if publishedBy.Valid {
		v.PublishedBy = &publishedBy.String
	}
	if publishedAt.Valid {
		v.PublishedAt = &publishedAt.String
	}
	return v, nil
}

func (r Repo) GetFlowVersion(ctx context.Context, id string) (domain.FlowVersion, error) {
	return scanFlowVersion(r.DB.QueryRowContext(ctx, `SELECT `+versionCols+` FROM flow_versions WHERE id=?`, id))
}

func (r Repo) GetFlowVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.FlowVersion, error) {
	return scanFlowVersion(tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM flow_versions WHERE id=?`, id))
}

func (r Repo) GetFlowVersionByNumTx(ctx context.Context, tx *sql.Tx, definitionID string, versionNum int) (domain.FlowVersion, error) {
	return scanFlowVersion(tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM flow_versions WHERE flow_definition_id=? AND version_num=?`, definitionID, versionNum))
}

func (r Repo) ListFlowVersions(ctx context.Context, definitionID string) ([]domain.FlowVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionCols+` FROM flow_versions WHERE flow_definition_id=? ORDER BY version_num ASC`, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FlowVersion
	for rows.Next() {
		var v domain.FlowVersion
		var graphJSON string
		var reviewedBy, publishedBy, publishedAt sql.NullString
		if err := rows.Scan(&v.ID, &v.FlowDefinitionID, &v.VersionNum, &v.Status, &graphJSON,
			&reviewedBy, &publishedBy, &publishedAt, &v.CreatedBy, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(graphJSON), &v.Graph); err != nil {
			return nil, fmt.Errorf("unmarshal graph: %w", err)
		}
		if reviewedBy.Valid {
			v.ReviewedBy = &reviewedBy.String
		}
		if publishedBy.Valid {
			v.PublishedBy = &publishedBy.String
		}
		if publishedAt.Valid {
			v.PublishedAt = &publishedAt.String
		}
		res = append(res, v)
	}
	return res, nil
}

// DraftVersionTx returns the definition's current DRAFT version, if any.
func (r Repo) DraftVersionTx(ctx context.Context, tx *sql.Tx, definitionID string) (domain.FlowVersion, error) {
	return scanFlowVersion(tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM flow_versions WHERE flow_definition_id=? AND status='DRAFT' ORDER BY version_num DESC LIMIT 1`, definitionID))
}

// PublishedVersionTx returns the definition's current PUBLISHED version, if any.
func (r Repo) PublishedVersionTx(ctx context.Context, tx *sql.Tx, definitionID string) (domain.FlowVersion, error) {
	return scanFlowVersion(tx.QueryRowContext(ctx, `SELECT `+versionCols+` FROM flow_versions WHERE flow_definition_id=? AND status='PUBLISHED' LIMIT 1`, definitionID))
}

func (r Repo) MaxVersionNumTx(ctx context.Context, tx *sql.Tx, definitionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_num),0) FROM flow_versions WHERE flow_definition_id=?`, definitionID).Scan(&n)
	return n, err
}

func (r Repo) UpdateFlowVersionGraph(ctx context.Context, tx *sql.Tx, id string, graph domain.Graph, updatedAt string) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE flow_versions SET graph_json=?, updated_at=? WHERE id=? AND status IN ('DRAFT','REVIEW')`, string(data), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// The version status updates below carry the expected prior status in the
// WHERE clause. Zero rows affected means a concurrent writer moved the
// version first; the engine reports that as a conflict.

func (r Repo) MarkVersionReview(ctx context.Context, tx *sql.Tx, id, reviewedBy, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE flow_versions SET status='REVIEW', reviewed_by=?, updated_at=? WHERE id=? AND status='DRAFT'`, reviewedBy, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkVersionPublished(ctx context.Context, tx *sql.Tx, id, publishedBy, publishedAt, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE flow_versions SET status='PUBLISHED', published_by=?, published_at=?, updated_at=? WHERE id=? AND status='REVIEW'`, publishedBy, publishedAt, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkVersionDeprecated(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE flow_versions SET status='DEPRECATED', updated_at=? WHERE id=? AND status='PUBLISHED'`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRunsForFlowTx counts production runs pinned to any version of the definition.
func (r Repo) CountRunsForFlowTx(ctx context.Context, tx *sql.Tx, definitionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM production_runs pr JOIN flow_versions fv ON fv.id=pr.flow_version_id WHERE fv.flow_definition_id=?`, definitionID).Scan(&n)
	return n, err
}
