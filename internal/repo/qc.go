package repo

import (
	"context"
	"database/sql"
	"strings"

	"batchline/internal/domain"
)

const inspectionCols = `id,lot_id,run_id,step_index,inspection_type,is_ccp,decision,notes,inspector_id,inspected_at,idempotency_key`

func (r Repo) InsertInspection(ctx context.Context, tx *sql.Tx, q domain.QCInspection) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO qc_inspections(`+inspectionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		q.ID, q.LotID, q.RunID, q.StepIndex, q.InspectionType, boolToInt(q.IsCCP), q.Decision,
		nullableStringPtr(q.Notes), q.InspectorID, q.InspectedAt, q.IdempotencyKey)
	return err
}

func scanInspection(row *sql.Row) (domain.QCInspection, error) {
	var q domain.QCInspection
	var notes sql.NullString
	var isCCP int
	err := row.Scan(&q.ID, &q.LotID, &q.RunID, &q.StepIndex, &q.InspectionType, &isCCP, &q.Decision, &notes, &q.InspectorID, &q.InspectedAt, &q.IdempotencyKey)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.IsCCP = isCCP != 0
	if notes.Valid {
		q.Notes = &notes.String
	}
	return q, nil
}

func (r Repo) GetInspection(ctx context.Context, id string) (domain.QCInspection, error) {
	return scanInspection(r.DB.QueryRowContext(ctx, `SELECT `+inspectionCols+` FROM qc_inspections WHERE id=?`, id))
}

func (r Repo) GetInspectionTx(ctx context.Context, tx *sql.Tx, id string) (domain.QCInspection, error) {
	return scanInspection(tx.QueryRowContext(ctx, `SELECT `+inspectionCols+` FROM qc_inspections WHERE id=?`, id))
}

func (r Repo) GetInspectionByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.QCInspection, error) {
	return scanInspection(tx.QueryRowContext(ctx, `SELECT `+inspectionCols+` FROM qc_inspections WHERE idempotency_key=?`, key))
}

type InspectionFilters struct {
	LotID           string
	RunID           string
	StepIndex       *int
	Decision        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListInspections(ctx context.Context, f InspectionFilters) ([]domain.QCInspection, error) {
	var clauses []string
	var args []any
	if f.LotID != "" {
		clauses = append(clauses, "lot_id=?")
		args = append(args, f.LotID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.StepIndex != nil {
		clauses = append(clauses, "step_index=?")
		args = append(args, *f.StepIndex)
	}
	if f.Decision != "" {
		clauses = append(clauses, "decision=?")
		args = append(args, f.Decision)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(inspected_at < ? OR (inspected_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + inspectionCols + ` FROM qc_inspections ` + where + ` ORDER BY inspected_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QCInspection
	for rows.Next() {
		var q domain.QCInspection
		var notes sql.NullString
		var isCCP int
		if err := rows.Scan(&q.ID, &q.LotID, &q.RunID, &q.StepIndex, &q.InspectionType, &isCCP, &q.Decision, &notes, &q.InspectorID, &q.InspectedAt, &q.IdempotencyKey); err != nil {
			return nil, err
		}
		q.IsCCP = isCCP != 0
		if notes.Valid {
			q.Notes = &notes.String
		}
		res = append(res, q)
	}
	return res, nil
}

const tempLogCols = `id,lot_id,buffer_id,inspection_id,temperature_c,measurement_type,is_violation,recorded_by,recorded_at`

func (r Repo) InsertTemperatureLog(ctx context.Context, tx *sql.Tx, t domain.TemperatureLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO temperature_logs(`+tempLogCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, nullableStringPtr(t.LotID), nullableStringPtr(t.BufferID), nullableStringPtr(t.InspectionID),
		t.TemperatureC, t.MeasurementType, boolToInt(t.IsViolation), t.RecordedBy, t.RecordedAt)
	return err
}

func (r Repo) GetTemperatureLog(ctx context.Context, id string) (domain.TemperatureLog, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+tempLogCols+` FROM temperature_logs WHERE id=?`, id)
	var t domain.TemperatureLog
	var lotID, bufferID, inspectionID sql.NullString
	var violation int
	err := row.Scan(&t.ID, &lotID, &bufferID, &inspectionID, &t.TemperatureC, &t.MeasurementType, &violation, &t.RecordedBy, &t.RecordedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if lotID.Valid {
		t.LotID = &lotID.String
	}
	if bufferID.Valid {
		t.BufferID = &bufferID.String
	}
	if inspectionID.Valid {
		t.InspectionID = &inspectionID.String
	}
	t.IsViolation = violation != 0
	return t, nil
}

type TemperatureFilters struct {
	LotID           string
	BufferID        string
	InspectionID    string
	ViolationsOnly  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTemperatureLogs(ctx context.Context, f TemperatureFilters) ([]domain.TemperatureLog, error) {
	var clauses []string
	var args []any
	if f.LotID != "" {
		clauses = append(clauses, "lot_id=?")
		args = append(args, f.LotID)
	}
	if f.BufferID != "" {
		clauses = append(clauses, "buffer_id=?")
		args = append(args, f.BufferID)
	}
	if f.InspectionID != "" {
		clauses = append(clauses, "inspection_id=?")
		args = append(args, f.InspectionID)
	}
	if f.ViolationsOnly {
		clauses = append(clauses, "is_violation=1")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(recorded_at < ? OR (recorded_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + tempLogCols + ` FROM temperature_logs ` + where + ` ORDER BY recorded_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemperatureLog
	for rows.Next() {
		var t domain.TemperatureLog
		var lotID, bufferID, inspectionID sql.NullString
		var violation int
		if err := rows.Scan(&t.ID, &lotID, &bufferID, &inspectionID, &t.TemperatureC, &t.MeasurementType, &violation, &t.RecordedBy, &t.RecordedAt); err != nil {
			return nil, err
		}
		if lotID.Valid {
			t.LotID = &lotID.String
		}
		if bufferID.Valid {
			t.BufferID = &bufferID.String
		}
		if inspectionID.Valid {
			t.InspectionID = &inspectionID.String
		}
		t.IsViolation = violation != 0
		res = append(res, t)
	}
	return res, nil
}
