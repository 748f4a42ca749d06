package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"batchline/internal/audit"
	"batchline/internal/config"
	"batchline/internal/domain"
	"batchline/internal/fault"
	"batchline/internal/repo"
)

// BufferCreateOptions are parameters for registering a storage buffer.
type BufferCreateOptions struct {
	Code            string
	Type            string
	AllowedLotTypes []string
	CapacityKG      float64
	TempMinC        float64
	TempMaxC        float64
	Actor           domain.Principal
}

func (e Engine) CreateBuffer(ctx context.Context, opts BufferCreateOptions) (domain.Buffer, error) {
	if err := requireOperate(opts.Actor); err != nil {
		return domain.Buffer{}, err
	}
	if opts.Code == "" {
		return domain.Buffer{}, fault.Validationf("buffer code is required")
	}
	if opts.Type == "" {
		return domain.Buffer{}, fault.Validationf("buffer type is required")
	}
	if len(opts.AllowedLotTypes) == 0 {
		return domain.Buffer{}, fault.Validationf("at least one allowed lot type is required")
	}
	for _, t := range opts.AllowedLotTypes {
		if !domain.ValidLotType(t) {
			return domain.Buffer{}, fault.Validationf("unknown lot type %q in allowed types", t)
		}
	}
	if opts.CapacityKG <= 0 {
		return domain.Buffer{}, fault.Validationf("capacity must be positive")
	}
	if opts.TempMinC >= opts.TempMaxC {
		return domain.Buffer{}, fault.Validationf("minimum temperature must be below maximum temperature")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Buffer{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetBufferByCodeTx(ctx, tx, opts.Code); err == nil {
		return domain.Buffer{}, fault.Conflictf("buffer code %s already exists", opts.Code)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Buffer{}, err
	}
	b := domain.Buffer{
		ID:              uuid.New().String(),
		Code:            opts.Code,
		Type:            opts.Type,
		AllowedLotTypes: opts.AllowedLotTypes,
		CapacityKG:      opts.CapacityKG,
		TempMinC:        opts.TempMinC,
		TempMaxC:        opts.TempMaxC,
		Active:          true,
		CreatedAt:       e.timestamp(),
	}
	if err := e.Repo.InsertBuffer(ctx, tx, b); err != nil {
		return b, fmt.Errorf("insert buffer: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "BUFFER_CREATED",
		EntityType: "buffer",
		EntityID:   b.ID,
		UserID:     opts.Actor.ID,
		NewState:   audit.State{"buffer_type": b.Type, "capacity_kg": b.CapacityKG, "allowed_lot_types": b.AllowedLotTypes},
		Metadata:   audit.State{"buffer_code": b.Code},
	}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	e.Log.Infow("buffer created", "buffer_id", b.ID, "buffer_code", b.Code, "buffer_type", b.Type)
	return b, nil
}

// BufferUpdateOptions carry the settable buffer fields; nil leaves a field alone.
type BufferUpdateOptions struct {
	AllowedLotTypes []string
	CapacityKG      *float64
	TempMinC        *float64
	TempMaxC        *float64
	Active          *bool
	Actor           domain.Principal
}

func (e Engine) UpdateBuffer(ctx context.Context, bufferID string, opts BufferUpdateOptions) (domain.Buffer, error) {
	if err := requireOperate(opts.Actor); err != nil {
		return domain.Buffer{}, err
	}
	for _, t := range opts.AllowedLotTypes {
		if !domain.ValidLotType(t) {
			return domain.Buffer{}, fault.Validationf("unknown lot type %q in allowed types", t)
		}
	}
	if opts.CapacityKG != nil && *opts.CapacityKG <= 0 {
		return domain.Buffer{}, fault.Validationf("capacity must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Buffer{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBufferTx(ctx, tx, bufferID)
	if err != nil {
		return b, wrapNotFound(err, "buffer", bufferID)
	}
	old := b
	if opts.AllowedLotTypes != nil {
		b.AllowedLotTypes = opts.AllowedLotTypes
	}
	if opts.CapacityKG != nil {
		b.CapacityKG = *opts.CapacityKG
	}
	if opts.TempMinC != nil {
		b.TempMinC = *opts.TempMinC
	}
	if opts.TempMaxC != nil {
		b.TempMaxC = *opts.TempMaxC
	}
	if opts.Active != nil {
		b.Active = *opts.Active
	}
	// the band is validated after applying updates so a lone bound change
	// cannot cross the other bound
	if b.TempMinC >= b.TempMaxC {
		return old, fault.Validationf("minimum temperature must be below maximum temperature")
	}
	if err := e.Repo.UpdateBuffer(ctx, tx, bufferID, repo.BufferUpdate{
		AllowedLotTypes: opts.AllowedLotTypes,
		CapacityKG:      opts.CapacityKG,
		TempMinC:        opts.TempMinC,
		TempMaxC:        opts.TempMaxC,
		Active:          opts.Active,
	}); err != nil {
		return old, wrapNotFound(err, "buffer", bufferID)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "BUFFER_UPDATED",
		EntityType: "buffer",
		EntityID:   b.ID,
		UserID:     opts.Actor.ID,
		OldState:   audit.State{"capacity_kg": old.CapacityKG, "temp_min_c": old.TempMinC, "temp_max_c": old.TempMaxC, "is_active": old.Active},
		NewState:   audit.State{"capacity_kg": b.CapacityKG, "temp_min_c": b.TempMinC, "temp_max_c": b.TempMaxC, "is_active": b.Active},
		Metadata:   audit.State{"buffer_code": b.Code},
	}); err != nil {
		return old, err
	}
	if err := tx.Commit(); err != nil {
		return old, err
	}
	return b, nil
}

// MoveStockOptions are parameters for one stock movement.
type MoveStockOptions struct {
	LotID          string
	FromBufferID   *string
	ToBufferID     *string
	QuantityKG     float64
	MoveType       string
	RunID          *string
	IdempotencyKey string
	Actor          domain.Principal
}

// MoveStock records a RECEIVE, TRANSFER, CONSUME or SHIP movement. Source
// exit, destination placement, purity and capacity checks and the stock move
// row all commit together. Retrying with the same key and payload returns the
// stored move; the same key with a different payload is a conflict.
func (e Engine) MoveStock(ctx context.Context, opts MoveStockOptions) (domain.StockMove, error) {
	if err := requireOperate(opts.Actor); err != nil {
		return domain.StockMove{}, err
	}
	if opts.IdempotencyKey == "" {
		return domain.StockMove{}, fault.Validationf("idempotency key is required")
	}
	if opts.LotID == "" {
		return domain.StockMove{}, fault.Validationf("lot id is required")
	}
	if opts.QuantityKG <= 0 {
		return domain.StockMove{}, fault.Validationf("quantity must be positive")
	}
	if !domain.ValidMoveType(opts.MoveType) {
		return domain.StockMove{}, fault.Validationf("unknown move type %q", opts.MoveType)
	}
	switch opts.MoveType {
	case domain.MoveReceive:
		if opts.FromBufferID != nil || opts.ToBufferID == nil {
			return domain.StockMove{}, fault.Validationf("RECEIVE takes a destination buffer only")
		}
	case domain.MoveConsume, domain.MoveShip:
		if opts.FromBufferID == nil || opts.ToBufferID != nil {
			return domain.StockMove{}, fault.Validationf("%s takes a source buffer only", opts.MoveType)
		}
	case domain.MoveTransfer:
		if opts.FromBufferID == nil || opts.ToBufferID == nil {
			return domain.StockMove{}, fault.Validationf("TRANSFER takes both source and destination buffers")
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StockMove{}, err
	}
	defer tx.Rollback()

	prior, err := e.Repo.GetStockMoveByIdempotencyKeyTx(ctx, tx, opts.IdempotencyKey)
	if err == nil {
		if sameMovePayload(prior, opts) {
			return prior, nil
		}
		return domain.StockMove{}, fault.Conflictf("idempotency key %s was already used with a different payload", opts.IdempotencyKey)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.StockMove{}, err
	}
	lot, err := e.Repo.GetLotTx(ctx, tx, opts.LotID)
	if err != nil {
		return domain.StockMove{}, wrapNotFound(err, "lot", opts.LotID)
	}
	if opts.RunID != nil {
		if _, err := e.Repo.GetRunTx(ctx, tx, *opts.RunID); err != nil {
			return domain.StockMove{}, wrapNotFound(err, "run", *opts.RunID)
		}
	}
	now := e.timestamp()
	destRunID := opts.RunID
	if opts.FromBufferID != nil {
		src, err := e.Repo.GetBufferTx(ctx, tx, *opts.FromBufferID)
		if err != nil {
			return domain.StockMove{}, wrapNotFound(err, "buffer", *opts.FromBufferID)
		}
		item, err := e.Repo.ActiveItemTx(ctx, tx, lot.ID, src.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.StockMove{}, fault.Conflictf("lot %s has no active stock in buffer %s", lot.Code, src.Code)
			}
			return domain.StockMove{}, err
		}
		if item.QuantityKG < opts.QuantityKG {
			return domain.StockMove{}, fault.Conflictf("insufficient quantity in buffer %s: %g kg available", src.Code, item.QuantityKG)
		}
		if item.QuantityKG == opts.QuantityKG {
			err = e.Repo.MarkItemExited(ctx, tx, item.ID, now)
		} else {
			err = e.Repo.DecrementItemQuantity(ctx, tx, item.ID, opts.QuantityKG)
		}
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.StockMove{}, fault.Conflictf("stock of lot %s in buffer %s was changed concurrently", lot.Code, src.Code)
			}
			return domain.StockMove{}, err
		}
		// a transfer keeps the run binding of the stock it came from
		if destRunID == nil {
			destRunID = item.RunID
		}
	}
	meta := audit.State{"lot_code": lot.Code}
	if opts.FromBufferID != nil {
		meta["from_buffer_id"] = *opts.FromBufferID
	}
	if opts.ToBufferID != nil {
		dest, err := e.Repo.GetBufferTx(ctx, tx, *opts.ToBufferID)
		if err != nil {
			return domain.StockMove{}, wrapNotFound(err, "buffer", *opts.ToBufferID)
		}
		if !dest.Active {
			return domain.StockMove{}, fault.Conflictf("buffer %s is not active", dest.Code)
		}
		allowed := false
		for _, t := range dest.AllowedLotTypes {
			if t == lot.Type {
				allowed = true
				break
			}
		}
		if !allowed {
			return domain.StockMove{}, fault.BufferPurityf("lot type %s not allowed in buffer %s, allowed: %s",
				lot.Type, dest.Code, strings.Join(dest.AllowedLotTypes, ", "))
		}
		total, _, err := e.Repo.BufferActiveTotalsTx(ctx, tx, dest.ID)
		if err != nil {
			return domain.StockMove{}, err
		}
		if over := total + opts.QuantityKG - dest.CapacityKG; over > 0 {
			if e.Config.Inventory.CapacityPolicy == config.CapacityReject {
				return domain.StockMove{}, fault.Conflictf("move would exceed buffer %s capacity by %g kg", dest.Code, over)
			}
			e.Log.Warnw("buffer capacity exceeded", "buffer_code", dest.Code, "capacity_kg", dest.CapacityKG, "over_by_kg", over)
			meta["capacity_exceeded"] = true
			meta["over_by_kg"] = over
		}
		existing, err := e.Repo.ActiveItemTx(ctx, tx, lot.ID, dest.ID)
		switch {
		case err == nil:
			if err := e.Repo.IncrementItemQuantity(ctx, tx, existing.ID, opts.QuantityKG); err != nil {
				return domain.StockMove{}, err
			}
		case errors.Is(err, repo.ErrNotFound):
			item := domain.InventoryItem{
				ID:         uuid.New().String(),
				LotID:      lot.ID,
				BufferID:   dest.ID,
				RunID:      destRunID,
				QuantityKG: opts.QuantityKG,
				EnteredAt:  now,
			}
			if err := e.Repo.InsertInventoryItem(ctx, tx, item); err != nil {
				return domain.StockMove{}, fmt.Errorf("insert inventory item: %w", err)
			}
		default:
			return domain.StockMove{}, err
		}
		meta["to_buffer_id"] = *opts.ToBufferID
	}
	move := domain.StockMove{
		ID:             uuid.New().String(),
		LotID:          lot.ID,
		FromBufferID:   opts.FromBufferID,
		ToBufferID:     opts.ToBufferID,
		QuantityKG:     opts.QuantityKG,
		MoveType:       opts.MoveType,
		IdempotencyKey: opts.IdempotencyKey,
		MovedBy:        opts.Actor.ID,
		CreatedAt:      now,
	}
	if err := e.Repo.InsertStockMove(ctx, tx, move); err != nil {
		return move, fmt.Errorf("insert stock move: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "STOCK_MOVED",
		EntityType: "stock_move",
		EntityID:   move.ID,
		UserID:     opts.Actor.ID,
		NewState:   audit.State{"move_type": move.MoveType, "quantity_kg": move.QuantityKG, "lot_id": move.LotID},
		Metadata:   meta,
	}); err != nil {
		return move, err
	}
	if err := tx.Commit(); err != nil {
		return move, err
	}
	e.Log.Infow("stock moved", "move_id", move.ID, "move_type", move.MoveType, "lot_code", lot.Code, "quantity_kg", move.QuantityKG)
	return move, nil
}

func sameMovePayload(m domain.StockMove, opts MoveStockOptions) bool {
	if m.LotID != opts.LotID || m.MoveType != opts.MoveType || m.QuantityKG != opts.QuantityKG {
		return false
	}
	if !samePtr(m.FromBufferID, opts.FromBufferID) || !samePtr(m.ToBufferID, opts.ToBufferID) {
		return false
	}
	return true
}

func samePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// BufferSummaries reports current stock per active buffer.
func (e Engine) BufferSummaries(ctx context.Context, bufferType string) ([]domain.BufferSummary, error) {
	buffers, err := e.Repo.ListBuffers(ctx, repo.BufferFilters{Type: bufferType, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	res := make([]domain.BufferSummary, 0, len(buffers))
	for _, b := range buffers {
		total, count, err := e.Repo.BufferActiveTotals(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.BufferSummary{Buffer: b, QuantityKG: total, ItemCount: count})
	}
	return res, nil
}

// Read-side queries.

func (e Engine) GetBuffer(ctx context.Context, id string) (domain.Buffer, error) {
	b, err := e.Repo.GetBuffer(ctx, id)
	if err != nil {
		return b, wrapNotFound(err, "buffer", id)
	}
	return b, nil
}

func (e Engine) GetBufferByCode(ctx context.Context, code string) (domain.Buffer, error) {
	b, err := e.Repo.GetBufferByCode(ctx, code)
	if err != nil {
		return b, wrapNotFound(err, "buffer", code)
	}
	return b, nil
}

func (e Engine) ListBuffers(ctx context.Context, f repo.BufferFilters) ([]domain.Buffer, error) {
	return e.Repo.ListBuffers(ctx, f)
}

func (e Engine) ListInventory(ctx context.Context, f repo.ItemFilters) ([]domain.InventoryItem, error) {
	return e.Repo.ListInventoryItems(ctx, f)
}

func (e Engine) ListStockMoves(ctx context.Context, f repo.MoveFilters) ([]domain.StockMove, error) {
	return e.Repo.ListStockMoves(ctx, f)
}
