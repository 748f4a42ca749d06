package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"batchline/internal/domain"
)

const bufferCols = `id,buffer_code,buffer_type,allowed_lot_types,capacity_kg,temp_min_c,temp_max_c,is_active,created_at`

func (r Repo) InsertBuffer(ctx context.Context, tx *sql.Tx, b domain.Buffer) error {
	allowed, err := json.Marshal(b.AllowedLotTypes)
	if err != nil {
		return fmt.Errorf("marshal allowed lot types: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO buffers(`+bufferCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Code, b.Type, string(allowed), b.CapacityKG, b.TempMinC, b.TempMaxC, boolToInt(b.Active), b.CreatedAt)
	return err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func scanBuffer(row *sql.Row) (domain.Buffer, error) {
	var b domain.Buffer
	var allowed string
	var active int
	err := row.Scan(&b.ID, &b.Code, &b.Type, &allowed, &b.CapacityKG, &b.TempMinC, &b.TempMaxC, &active, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(allowed), &b.AllowedLotTypes); err != nil {
		return b, fmt.Errorf("unmarshal allowed lot types: %w", err)
	}
	b.Active = active != 0
	return b, nil
}

func (r Repo) GetBuffer(ctx context.Context, id string) (domain.Buffer, error) {
	return scanBuffer(r.DB.QueryRowContext(ctx, `SELECT `+bufferCols+` FROM buffers WHERE id=?`, id))
}

func (r Repo) GetBufferTx(ctx context.Context, tx *sql.Tx, id string) (domain.Buffer, error) {
	return scanBuffer(tx.QueryRowContext(ctx, `SELECT `+bufferCols+` FROM buffers WHERE id=?`, id))
}

func (r Repo) GetBufferByCode(ctx context.Context, code string) (domain.Buffer, error) {
	return scanBuffer(r.DB.QueryRowContext(ctx, `SELECT `+bufferCols+` FROM buffers WHERE buffer_code=?`, code))
}

func (r Repo) GetBufferByCodeTx(ctx context.Context, tx *sql.Tx, code string) (domain.Buffer, error) {
	return scanBuffer(tx.QueryRowContext(ctx, `SELECT `+bufferCols+` FROM buffers WHERE buffer_code=?`, code))
}

type BufferFilters struct {
	Type       string
	ActiveOnly bool
}

func (r Repo) ListBuffers(ctx context.Context, f BufferFilters) ([]domain.Buffer, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "buffer_type=?")
		args = append(args, f.Type)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bufferCols+` FROM buffers `+where+` ORDER BY buffer_code ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Buffer
	for rows.Next() {
		var b domain.Buffer
		var allowed string
		var active int
		if err := rows.Scan(&b.ID, &b.Code, &b.Type, &allowed, &b.CapacityKG, &b.TempMinC, &b.TempMaxC, &active, &b.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(allowed), &b.AllowedLotTypes); err != nil {
			return nil, fmt.Errorf("unmarshal allowed lot types: %w", err)
		}
		b.Active = active != 0
		res = append(res, b)
	}
	return res, nil
}

type BufferUpdate struct {
	AllowedLotTypes []string
	CapacityKG      *float64
	TempMinC        *float64
	TempMaxC        *float64
	Active          *bool
}

func (r Repo) UpdateBuffer(ctx context.Context, tx *sql.Tx, id string, u BufferUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.AllowedLotTypes != nil {
		allowed, err := json.Marshal(u.AllowedLotTypes)
		if err != nil {
			return fmt.Errorf("marshal allowed lot types: %w", err)
		}
		fields = append(fields, "allowed_lot_types=?")
		args = append(args, string(allowed))
	}
	if u.CapacityKG != nil {
		fields = append(fields, "capacity_kg=?")
		args = append(args, *u.CapacityKG)
	}
	if u.TempMinC != nil {
		fields = append(fields, "temp_min_c=?")
		args = append(args, *u.TempMinC)
	}
	if u.TempMaxC != nil {
		fields = append(fields, "temp_max_c=?")
		args = append(args, *u.TempMaxC)
	}
	if u.Active != nil {
		fields = append(fields, "is_active=?")
		args = append(args, boolToInt(*u.Active))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE buffers SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const itemCols = `id,lot_id,buffer_id,run_id,quantity_kg,entered_at,exited_at`

func (r Repo) InsertInventoryItem(ctx context.Context, tx *sql.Tx, it domain.InventoryItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO inventory_items(`+itemCols+`) VALUES (?,?,?,?,?,?,?)`,
		it.ID, it.LotID, it.BufferID, nullableStringPtr(it.RunID), it.QuantityKG, it.EnteredAt, nullableStringPtr(it.ExitedAt))
	return err
}

func scanInventoryItem(row *sql.Row) (domain.InventoryItem, error) {
	var it domain.InventoryItem
	var runID, exitedAt sql.NullString
	err := row.Scan(&it.ID, &it.LotID, &it.BufferID, &runID, &it.QuantityKG, &it.EnteredAt, &exitedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if runID.Valid {
		it.RunID = &runID.String
	}
	if exitedAt.Valid {
		it.ExitedAt = &exitedAt.String
	}
	return it, nil
}

// ActiveItemTx returns the single active placement of the lot in the buffer.
func (r Repo) ActiveItemTx(ctx context.Context, tx *sql.Tx, lotID, bufferID string) (domain.InventoryItem, error) {
	return scanInventoryItem(tx.QueryRowContext(ctx, `SELECT `+itemCols+` FROM inventory_items WHERE lot_id=? AND buffer_id=? AND exited_at IS NULL`, lotID, bufferID))
}

func (r Repo) MarkItemExited(ctx context.Context, tx *sql.Tx, id, exitedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE inventory_items SET exited_at=? WHERE id=? AND exited_at IS NULL`, exitedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DecrementItemQuantity removes qty from an active item, refusing to go negative.
func (r Repo) DecrementItemQuantity(ctx context.Context, tx *sql.Tx, id string, qty float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE inventory_items SET quantity_kg=quantity_kg-? WHERE id=? AND exited_at IS NULL AND quantity_kg >= ?`, qty, id, qty)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IncrementItemQuantity(ctx context.Context, tx *sql.Tx, id string, qty float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE inventory_items SET quantity_kg=quantity_kg+? WHERE id=? AND exited_at IS NULL`, qty, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ItemFilters struct {
	LotID      string
	BufferID   string
	RunID      string
	ActiveOnly bool
	Limit      int
}

func (r Repo) ListInventoryItems(ctx context.Context, f ItemFilters) ([]domain.InventoryItem, error) {
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
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "exited_at IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemCols + ` FROM inventory_items ` + where + ` ORDER BY entered_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InventoryItem
	for rows.Next() {
		var it domain.InventoryItem
		var runID, exitedAt sql.NullString
		if err := rows.Scan(&it.ID, &it.LotID, &it.BufferID, &runID, &it.QuantityKG, &it.EnteredAt, &exitedAt); err != nil {
			return nil, err
		}
		if runID.Valid {
			it.RunID = &runID.String
		}
		if exitedAt.Valid {
			it.ExitedAt = &exitedAt.String
		}
		res = append(res, it)
	}
	return res, nil
}

// BufferActiveTotals sums quantity over active items in the buffer.
func (r Repo) BufferActiveTotals(ctx context.Context, bufferID string) (float64, int, error) {
	var total float64
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(quantity_kg),0), COUNT(*) FROM inventory_items WHERE buffer_id=? AND exited_at IS NULL`, bufferID).Scan(&total, &count)
	return total, count, err
}

func (r Repo) BufferActiveTotalsTx(ctx context.Context, tx *sql.Tx, bufferID string) (float64, int, error) {
	var total float64
	var count int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(quantity_kg),0), COUNT(*) FROM inventory_items WHERE buffer_id=? AND exited_at IS NULL`, bufferID).Scan(&total, &count)
	return total, count, err
}

const moveCols = `id,lot_id,from_buffer_id,to_buffer_id,quantity_kg,move_type,idempotency_key,moved_by,created_at`

func (r Repo) InsertStockMove(ctx context.Context, tx *sql.Tx, m domain.StockMove) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stock_moves(`+moveCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.LotID, nullableStringPtr(m.FromBufferID), nullableStringPtr(m.ToBufferID), m.QuantityKG,
		m.MoveType, m.IdempotencyKey, m.MovedBy, m.CreatedAt)
	return err
}

func scanStockMove(row *sql.Row) (domain.StockMove, error) {
	var m domain.StockMove
	var fromBuffer, toBuffer sql.NullString
	err := row.Scan(&m.ID, &m.LotID, &fromBuffer, &toBuffer, &m.QuantityKG, &m.MoveType, &m.IdempotencyKey, &m.MovedBy, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if fromBuffer.Valid {
		m.FromBufferID = &fromBuffer.String
	}
	if toBuffer.Valid {
		m.ToBufferID = &toBuffer.String
	}
	return m, nil
}

func (r Repo) GetStockMoveByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.StockMove, error) {
	return scanStockMove(tx.QueryRowContext(ctx, `SELECT `+moveCols+` FROM stock_moves WHERE idempotency_key=?`, key))
}

type MoveFilters struct {
	LotID           string
	BufferID        string
	MoveType        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListStockMoves(ctx context.Context, f MoveFilters) ([]domain.StockMove, error) {
	var clauses []string
	var args []any
	if f.LotID != "" {
		clauses = append(clauses, "lot_id=?")
		args = append(args, f.LotID)
	}
	if f.BufferID != "" {
		clauses = append(clauses, "(from_buffer_id=? OR to_buffer_id=?)")
		args = append(args, f.BufferID, f.BufferID)
	}
	if f.MoveType != "" {
		clauses = append(clauses, "move_type=?")
		args = append(args, f.MoveType)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + moveCols + ` FROM stock_moves ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StockMove
	for rows.Next() {
		var m domain.StockMove
		var fromBuffer, toBuffer sql.NullString
		if err := rows.Scan(&m.ID, &m.LotID, &fromBuffer, &toBuffer, &m.QuantityKG, &m.MoveType, &m.IdempotencyKey, &m.MovedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		if fromBuffer.Valid {
			m.FromBufferID = &fromBuffer.String
		}
		if toBuffer.Valid {
			m.ToBufferID = &toBuffer.String
		}
		res = append(res, m)
	}
	return res, nil
}
