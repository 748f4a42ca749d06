package repo

import (
	"context"
	"database/sql"
	"strings"

	"batchline/internal/domain"
)

const lotCols = `id,lot_code,lot_type,step_index,status,weight_kg,temperature_c,run_id,operator_id,created_at,updated_at`

func (r Repo) InsertLot(ctx context.Context, tx *sql.Tx, lot domain.Lot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO lots(`+lotCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		lot.ID, lot.Code, lot.Type, nullableIntPtr(lot.StepIndex), lot.Status, lot.WeightKG,
		nullableFloatPtr(lot.TemperatureC), nullableStringPtr(lot.RunID), lot.OperatorID, lot.CreatedAt, lot.UpdatedAt)
	return err
}

func scanLot(row *sql.Row) (domain.Lot, error) {
	var lot domain.Lot
	var stepIndex sql.NullInt64
	var temperature sql.NullFloat64
	var runID sql.NullString
	err := row.Scan(&lot.ID, &lot.Code, &lot.Type, &stepIndex, &lot.Status, &lot.WeightKG,
		&temperature, &runID, &lot.OperatorID, &lot.CreatedAt, &lot.UpdatedAt)
	if err == sql.ErrNoRows {
		return lot, ErrNotFound
	}
	if err != nil {
		return lot, err
	}
	if stepIndex.Valid {
		s := int(stepIndex.Int64)
		lot.StepIndex = &s
	}
	if temperature.Valid {
		t := temperature.Float64
		lot.TemperatureC = &t
	}
	if runID.Valid {
		lot.RunID = &runID.String
	}
	return lot, nil
}

func (r Repo) GetLot(ctx context.Context, id string) (domain.Lot, error) {
	return scanLot(r.DB.QueryRowContext(ctx, `SELECT `+lotCols+` FROM lots WHERE id=?`, id))
}

func (r Repo) GetLotTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lot, error) {
	return scanLot(tx.QueryRowContext(ctx, `SELECT `+lotCols+` FROM lots WHERE id=?`, id))
}

func (r Repo) GetLotByCode(ctx context.Context, code string) (domain.Lot, error) {
	return scanLot(r.DB.QueryRowContext(ctx, `SELECT `+lotCols+` FROM lots WHERE lot_code=?`, code))
}

func (r Repo) GetLotByCodeTx(ctx context.Context, tx *sql.Tx, code string) (domain.Lot, error) {
	return scanLot(tx.QueryRowContext(ctx, `SELECT `+lotCols+` FROM lots WHERE lot_code=?`, code))
}

type LotFilters struct {
	Status          string
	Type            string
	RunID           string
	StepIndex       *int
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListLots(ctx context.Context, f LotFilters) ([]domain.Lot, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "lot_type=?")
		args = append(args, f.Type)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.StepIndex != nil {
		clauses = append(clauses, "step_index=?")
		args = append(args, *f.StepIndex)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + lotCols + ` FROM lots ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lot
	for rows.Next() {
		var lot domain.Lot
		var stepIndex sql.NullInt64
		var temperature sql.NullFloat64
		var runID sql.NullString
		if err := rows.Scan(&lot.ID, &lot.Code, &lot.Type, &stepIndex, &lot.Status, &lot.WeightKG,
			&temperature, &runID, &lot.OperatorID, &lot.CreatedAt, &lot.UpdatedAt); err != nil {
			return nil, err
		}
		if stepIndex.Valid {
			s := int(stepIndex.Int64)
			lot.StepIndex = &s
		}
		if temperature.Valid {
			t := temperature.Float64
			lot.TemperatureC = &t
		}
		if runID.Valid {
			lot.RunID = &runID.String
		}
		res = append(res, lot)
	}
	return res, nil
}

// UpdateLotStatus moves a lot between statuses, guarding on the expected
// prior status so racing writers resolve to a single winner.
func (r Repo) UpdateLotStatus(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE lots SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountLotsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM lots GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

func (r Repo) InsertGenealogyEdge(ctx context.Context, tx *sql.Tx, e domain.GenealogyEdge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO lot_genealogy(parent_lot_id,child_lot_id,quantity_used_kg,linked_at) VALUES (?,?,?,?)`,
		e.ParentLotID, e.ChildLotID, e.QuantityKG, e.CreatedAt)
	return err
}

func scanGenealogyEdges(rows *sql.Rows) ([]domain.GenealogyEdge, error) {
	defer rows.Close()
	var res []domain.GenealogyEdge
	for rows.Next() {
		var e domain.GenealogyEdge
		if err := rows.Scan(&e.ParentLotID, &e.ChildLotID, &e.QuantityKG, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// ListParentEdges returns edges whose child is the given lot.
func (r Repo) ListParentEdges(ctx context.Context, lotID string) ([]domain.GenealogyEdge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT parent_lot_id,child_lot_id,quantity_used_kg,linked_at FROM lot_genealogy WHERE child_lot_id=? ORDER BY linked_at ASC, parent_lot_id ASC`, lotID)
	if err != nil {
		return nil, err
	}
	return scanGenealogyEdges(rows)
}

// ListChildEdges returns edges whose parent is the given lot.
func (r Repo) ListChildEdges(ctx context.Context, lotID string) ([]domain.GenealogyEdge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT parent_lot_id,child_lot_id,quantity_used_kg,linked_at FROM lot_genealogy WHERE parent_lot_id=? ORDER BY linked_at ASC, child_lot_id ASC`, lotID)
	if err != nil {
		return nil, err
	}
	return scanGenealogyEdges(rows)
}
