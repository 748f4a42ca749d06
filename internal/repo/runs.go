package repo

import (
	"context"
	"database/sql"
	"strings"

	"batchline/internal/domain"
)

const runCols = `id,run_code,flow_version_id,status,current_step_index,idempotency_key,started_by,created_at,started_at,ended_at,completed_at`

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.ProductionRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO production_runs(`+runCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Code, run.FlowVersionID, run.Status, run.CurrentStepIndex, run.IdempotencyKey,
		run.StartedBy, run.CreatedAt, nullableStringPtr(run.StartedAt), nullableStringPtr(run.EndedAt), nullableStringPtr(run.CompletedAt))
	return err
}

func scanRun(row *sql.Row) (domain.ProductionRun, error) {
	var run domain.ProductionRun
	var startedAt, endedAt, completedAt sql.NullString
	err := row.Scan(&run.ID, &run.Code, &run.FlowVersionID, &run.Status, &run.CurrentStepIndex,
		&run.IdempotencyKey, &run.StartedBy, &run.CreatedAt, &startedAt, &endedAt, &completedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.String
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.ProductionRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM production_runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.ProductionRun, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runCols+` FROM production_runs WHERE id=?`, id))
}

func (r Repo) GetRunByCode(ctx context.Context, code string) (domain.ProductionRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM production_runs WHERE run_code=?`, code))
}

func (r Repo) GetRunByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.ProductionRun, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runCols+` FROM production_runs WHERE idempotency_key=?`, key))
}

type RunFilters struct {
	Status          string
	FlowVersionID   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.ProductionRun, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.FlowVersionID != "" {
		clauses = append(clauses, "flow_version_id=?")
		args = append(args, f.FlowVersionID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runCols + ` FROM production_runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProductionRun
	for rows.Next() {
		var run domain.ProductionRun
		var startedAt, endedAt, completedAt sql.NullString
		if err := rows.Scan(&run.ID, &run.Code, &run.FlowVersionID, &run.Status, &run.CurrentStepIndex,
			&run.IdempotencyKey, &run.StartedBy, &run.CreatedAt, &startedAt, &endedAt, &completedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			run.StartedAt = &startedAt.String
		}
		if endedAt.Valid {
			run.EndedAt = &endedAt.String
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.String
		}
		res = append(res, run)
	}
	return res, nil
}

// MaxRunCodeTx returns the highest run code matching the prefix, "" when none exist.
func (r Repo) MaxRunCodeTx(ctx context.Context, tx *sql.Tx, prefix string) (string, error) {
	var code sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT MAX(run_code) FROM production_runs WHERE run_code LIKE ?`, prefix+"%").Scan(&code)
	if err != nil {
		return "", err
	}
	if !code.Valid {
		return "", nil
	}
	return code.String, nil
}

// The run status updates below carry the expected prior status in the WHERE
// clause. Zero rows affected means a concurrent writer got there first; the
// engine reports that as a conflict.

func (r Repo) MarkRunRunning(ctx context.Context, tx *sql.Tx, id, startedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE production_runs SET status='RUNNING', started_at=? WHERE id=? AND status='IDLE'`, startedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkRunHold(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE production_runs SET status='HOLD' WHERE id=? AND status='RUNNING'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkRunResumed(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE production_runs SET status='RUNNING' WHERE id=? AND status='HOLD'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkRunCompleted(ctx context.Context, tx *sql.Tx, id, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE production_runs SET status='COMPLETED', completed_at=?, ended_at=? WHERE id=? AND status='RUNNING' AND current_step_index=?`,
		completedAt, completedAt, id, domain.MaxStepIndex)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkRunAborted(ctx context.Context, tx *sql.Tx, id, endedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE production_runs SET status='ABORTED', ended_at=? WHERE id=? AND status IN ('IDLE','RUNNING','HOLD')`, endedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkRunArchived(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE production_runs SET status='ARCHIVED' WHERE id=? AND status IN ('COMPLETED','ABORTED')`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceRunStep moves the step index from fromStep to fromStep+1. At most
// one caller can win this update for a given step.
func (r Repo) AdvanceRunStep(ctx context.Context, tx *sql.Tx, id string, fromStep int) error {
	res, err := tx.ExecContext(ctx, `UPDATE production_runs SET current_step_index=? WHERE id=? AND status='RUNNING' AND current_step_index=?`,
		fromStep+1, id, fromStep)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertStepExecution(ctx context.Context, tx *sql.Tx, se domain.RunStepExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO run_step_executions(id,run_id,step_index,node_id,status,operator_id,started_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		se.ID, se.RunID, se.StepIndex, se.NodeID, se.Status, nullableStringPtr(se.OperatorID), nullableStringPtr(se.StartedAt), nullableStringPtr(se.CompletedAt))
	return err
}

func (r Repo) MarkStepCompleted(ctx context.Context, tx *sql.Tx, runID string, stepIndex int, operatorID, completedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE run_step_executions SET status='COMPLETED', operator_id=?, completed_at=? WHERE run_id=? AND step_index=? AND status='IN_PROGRESS'`,
		operatorID, completedAt, runID, stepIndex)
	return err
}

func (r Repo) ListStepExecutions(ctx context.Context, runID string) ([]domain.RunStepExecution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,step_index,node_id,status,operator_id,started_at,completed_at FROM run_step_executions WHERE run_id=? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunStepExecution
	for rows.Next() {
		var se domain.RunStepExecution
		var operatorID, startedAt, completedAt sql.NullString
		if err := rows.Scan(&se.ID, &se.RunID, &se.StepIndex, &se.NodeID, &se.Status, &operatorID, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if operatorID.Valid {
			se.OperatorID = &operatorID.String
		}
		if startedAt.Valid {
			se.StartedAt = &startedAt.String
		}
		if completedAt.Valid {
			se.CompletedAt = &completedAt.String
		}
		res = append(res, se)
	}
	return res, nil
}

// HoldLotsAtStepTx counts the run's lots sitting at the step in HOLD status.
func (r Repo) HoldLotsAtStepTx(ctx context.Context, tx *sql.Tx, runID string, stepIndex int) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lots WHERE run_id=? AND step_index=? AND status='HOLD'`, runID, stepIndex).Scan(&n)
	return n, err
}

// UnresolvedHoldInspectionsTx counts lots whose most recent inspection at the
// run step decided HOLD with no later PASS or FAIL for the same lot and step.
func (r Repo) UnresolvedHoldInspectionsTx(ctx context.Context, tx *sql.Tx, runID string, stepIndex int) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(DISTINCT q.lot_id) FROM qc_inspections q
WHERE q.run_id=? AND q.step_index=? AND q.decision='HOLD'
AND NOT EXISTS (
	SELECT 1 FROM qc_inspections later
	WHERE later.run_id=q.run_id AND later.step_index=q.step_index AND later.lot_id=q.lot_id
	AND later.decision IN ('PASS','FAIL') AND later.rowid > q.rowid
)`, runID, stepIndex).Scan(&n)
	return n, err
}
