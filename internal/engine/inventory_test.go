package engine_test

import (
	"fmt"
	"strings"
	"testing"

	"batchline/internal/config"
	"batchline/internal/domain"
	"batchline/internal/engine"
	"batchline/internal/fault"
	"batchline/internal/repo"
)

func testBuffer(t *testing.T, env testEnv, code, bufType string, allowed []string, capacityKG float64) domain.Buffer {
	t.Helper()
	b, err := env.Engine.CreateBuffer(env.Ctx, engine.BufferCreateOptions{
		Code:            code,
		Type:            bufType,
		AllowedLotTypes: allowed,
		CapacityKG:      capacityKG,
		TempMinC:        0,
		TempMaxC:        6,
		Actor:           operator,
	})
	if err != nil {
		t.Fatalf("create buffer %s: %v", code, err)
	}
	return b
}

func activeItems(t *testing.T, env testEnv, lotID string) []domain.InventoryItem {
	t.Helper()
	items, err := env.Engine.ListInventory(env.Ctx, repo.ItemFilters{LotID: lotID, ActiveOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func TestStockMovesConserveQuantity(t *testing.T) {
	env := newTestEnv(t)
	a := testBuffer(t, env, "LK-A", "LK", []string{"RAW", "DEB"}, 1000)
	b := testBuffer(t, env, "LK-B", "LK", []string{"RAW", "DEB"}, 1000)
	lot := releasedLot(t, env, "STK-01", "DEB", 1)

	if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: lot.ID, ToBufferID: &a.ID, QuantityKG: 100,
		MoveType: domain.MoveReceive, IdempotencyKey: "stk-r1", Actor: operator,
	}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: lot.ID, FromBufferID: &a.ID, ToBufferID: &b.ID, QuantityKG: 40,
		MoveType: domain.MoveTransfer, IdempotencyKey: "stk-t1", Actor: operator,
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	items := activeItems(t, env, lot.ID)
	if len(items) != 2 {
		t.Fatalf("expected stock in both buffers, got %d items", len(items))
	}
	byBuffer := map[string]float64{}
	for _, it := range items {
		byBuffer[it.BufferID] = it.QuantityKG
	}
	if byBuffer[a.ID] != 60 || byBuffer[b.ID] != 40 {
		t.Fatalf("expected 60/40 split, got %v", byBuffer)
	}
	// the source cannot give more than it holds
	if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: lot.ID, FromBufferID: &a.ID, ToBufferID: &b.ID, QuantityKG: 500,
		MoveType: domain.MoveTransfer, IdempotencyKey: "stk-t2", Actor: operator,
	}); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict for over-withdraw, got %v", err)
	}
	// withdrawing the full remainder closes the item
	if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: lot.ID, FromBufferID: &a.ID, QuantityKG: 60,
		MoveType: domain.MoveConsume, IdempotencyKey: "stk-c1", Actor: operator,
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: lot.ID, FromBufferID: &b.ID, QuantityKG: 40,
		MoveType: domain.MoveShip, IdempotencyKey: "stk-s1", Actor: operator,
	}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if left := activeItems(t, env, lot.ID); len(left) != 0 {
		t.Fatalf("expected no active stock, got %d items", len(left))
	}
	moves, err := env.Engine.ListStockMoves(env.Ctx, repo.MoveFilters{LotID: lot.ID, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(moves) != 4 {
		t.Fatalf("expected 4 recorded moves, got %d", len(moves))
	}
}

func TestReceiveMergesActiveStock(t *testing.T) {
	env := newTestEnv(t)
	a := testBuffer(t, env, "LK-M", "LK", []string{"RAW"}, 1000)
	lot := releasedLot(t, env, "MRG-01", "RAW", 0)
	for i, qty := range []float64{50, 30} {
		if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
			LotID: lot.ID, ToBufferID: &a.ID, QuantityKG: qty,
			MoveType: domain.MoveReceive, IdempotencyKey: fmt.Sprintf("mrg-%d", i), Actor: operator,
		}); err != nil {
			t.Fatalf("receive %g: %v", qty, err)
		}
	}
	items := activeItems(t, env, lot.ID)
	if len(items) != 1 || items[0].QuantityKG != 80 {
		t.Fatalf("expected one merged item of 80 kg, got %+v", items)
	}
}

func TestMoveIdempotency(t *testing.T) {
	env := newTestEnv(t)
	a := testBuffer(t, env, "LK-I", "LK", []string{"RAW"}, 1000)
	lot := releasedLot(t, env, "IDM-01", "RAW", 0)
	opts := engine.MoveStockOptions{
		LotID: lot.ID, ToBufferID: &a.ID, QuantityKG: 25,
		MoveType: domain.MoveReceive, IdempotencyKey: "idm-once", Actor: operator,
	}
	first, err := env.Engine.MoveStock(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.MoveStock(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("retry returned a new move %s, expected %s", second.ID, first.ID)
	}
	items := activeItems(t, env, lot.ID)
	if len(items) != 1 || items[0].QuantityKG != 25 {
		t.Fatalf("retry must not double the stock, got %+v", items)
	}
	opts.QuantityKG = 26
	if _, err := env.Engine.MoveStock(env.Ctx, opts); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict for a reused key with new payload, got %v", err)
	}
}

func TestMoveShapeRules(t *testing.T) {
	env := newTestEnv(t)
	a := testBuffer(t, env, "LK-S", "LK", []string{"RAW"}, 1000)
	lot := releasedLot(t, env, "SHP-01", "RAW", 0)
	cases := []struct {
		name string
		opts engine.MoveStockOptions
	}{
		{"receive with source", engine.MoveStockOptions{
			LotID: lot.ID, FromBufferID: &a.ID, ToBufferID: &a.ID, QuantityKG: 5,
			MoveType: domain.MoveReceive, IdempotencyKey: "shape-1", Actor: operator,
		}},
		{"transfer without destination", engine.MoveStockOptions{
			LotID: lot.ID, FromBufferID: &a.ID, QuantityKG: 5,
			MoveType: domain.MoveTransfer, IdempotencyKey: "shape-2", Actor: operator,
		}},
		{"ship with destination", engine.MoveStockOptions{
			LotID: lot.ID, FromBufferID: &a.ID, ToBufferID: &a.ID, QuantityKG: 5,
			MoveType: domain.MoveShip, IdempotencyKey: "shape-3", Actor: operator,
		}},
		{"unknown move type", engine.MoveStockOptions{
			LotID: lot.ID, ToBufferID: &a.ID, QuantityKG: 5,
			MoveType: "TELEPORT", IdempotencyKey: "shape-4", Actor: operator,
		}},
		{"zero quantity", engine.MoveStockOptions{
			LotID: lot.ID, ToBufferID: &a.ID, QuantityKG: 0,
			MoveType: domain.MoveReceive, IdempotencyKey: "shape-5", Actor: operator,
		}},
		{"missing key", engine.MoveStockOptions{
			LotID: lot.ID, ToBufferID: &a.ID, QuantityKG: 5,
			MoveType: domain.MoveReceive, Actor: operator,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.Engine.MoveStock(env.Ctx, tc.opts); !fault.IsKind(err, fault.KindValidation) {
				t.Fatalf("expected validation, got %v", err)
			}
		})
	}
	// moving out of a buffer the lot never entered
	if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: lot.ID, FromBufferID: &a.ID, QuantityKG: 5,
		MoveType: domain.MoveConsume, IdempotencyKey: "shape-7", Actor: operator,
	}); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict for empty source, got %v", err)
	}
}

func TestBufferPurity(t *testing.T) {
	env := newTestEnv(t)
	mix := testBuffer(t, env, "MIX-T", "MIX", []string{"MIX"}, 500)
	raw := releasedLot(t, env, "PUR-01", "RAW", 0)
	_, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: raw.ID, ToBufferID: &mix.ID, QuantityKG: 10,
		MoveType: domain.MoveReceive, IdempotencyKey: "pur-1", Actor: operator,
	})
	if !fault.IsKind(err, fault.KindBufferPurity) {
		t.Fatalf("expected a purity violation, got %v", err)
	}
	if !strings.Contains(err.Error(), "MIX") {
		t.Fatalf("expected the allowed types in the message, got %v", err)
	}
	// the storage layer holds the same line even when the engine is bypassed
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`INSERT INTO inventory_items (id, lot_id, buffer_id, quantity_kg, entered_at)
		 VALUES ('forced-item-1', ?, ?, 5, '2026-02-01T08:00:00Z')`,
		raw.ID, mix.ID,
	); err == nil {
		t.Fatal("expected the purity trigger to reject a direct insert")
	}
}

func TestCapacityPolicies(t *testing.T) {
	env := newTestEnv(t)
	small := testBuffer(t, env, "LK-C", "LK", []string{"RAW"}, 100)
	lot := releasedLot(t, env, "CAP-01", "RAW", 0)
	if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: lot.ID, ToBufferID: &small.ID, QuantityKG: 80,
		MoveType: domain.MoveReceive, IdempotencyKey: "cap-1", Actor: operator,
	}); err != nil {
		t.Fatal(err)
	}
	// the default policy records the breach instead of blocking the floor
	if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: lot.ID, ToBufferID: &small.ID, QuantityKG: 80,
		MoveType: domain.MoveReceive, IdempotencyKey: "cap-2", Actor: operator,
	}); err != nil {
		t.Fatalf("advisory policy must allow overfill: %v", err)
	}
	var flagged int
	err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT COUNT(*) FROM audit_events WHERE event_type = 'STOCK_MOVED' AND metadata LIKE '%capacity_exceeded%'`,
	).Scan(&flagged)
	if err != nil {
		t.Fatal(err)
	}
	if flagged != 1 {
		t.Fatalf("expected 1 flagged move, got %d", flagged)
	}

	strict := env.Engine
	cfg := *env.Engine.Config
	cfg.Inventory.CapacityPolicy = config.CapacityReject
	strict.Config = &cfg
	if _, err := strict.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: lot.ID, ToBufferID: &small.ID, QuantityKG: 80,
		MoveType: domain.MoveReceive, IdempotencyKey: "cap-3", Actor: operator,
	}); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected the reject policy to refuse, got %v", err)
	}
}

func TestInactiveBufferTakesNothing(t *testing.T) {
	env := newTestEnv(t)
	a := testBuffer(t, env, "LK-X", "LK", []string{"RAW"}, 1000)
	off := false
	if _, err := env.Engine.UpdateBuffer(env.Ctx, a.ID, engine.BufferUpdateOptions{
		Active: &off, Actor: manager,
	}); err != nil {
		t.Fatal(err)
	}
	lot := releasedLot(t, env, "OFF-01", "RAW", 0)
	if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
		LotID: lot.ID, ToBufferID: &a.ID, QuantityKG: 10,
		MoveType: domain.MoveReceive, IdempotencyKey: "off-1", Actor: operator,
	}); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict for an inactive buffer, got %v", err)
	}
}

func TestBufferSummaries(t *testing.T) {
	env := newTestEnv(t)
	a := testBuffer(t, env, "LK-SUM", "LK", []string{"RAW", "DEB"}, 1000)
	testBuffer(t, env, "MIX-SUM", "MIX", []string{"MIX"}, 500)
	first := releasedLot(t, env, "SUM-01", "RAW", 0)
	second := releasedLot(t, env, "SUM-02", "DEB", 1)
	for i, lot := range []domain.Lot{first, second} {
		if _, err := env.Engine.MoveStock(env.Ctx, engine.MoveStockOptions{
			LotID: lot.ID, ToBufferID: &a.ID, QuantityKG: 100,
			MoveType: domain.MoveReceive, IdempotencyKey: fmt.Sprintf("sum-%d", i), Actor: operator,
		}); err != nil {
			t.Fatal(err)
		}
	}
	summaries, err := env.Engine.BufferSummaries(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	byCode := map[string]domain.BufferSummary{}
	for _, s := range summaries {
		byCode[s.Buffer.Code] = s
	}
	if s := byCode["LK-SUM"]; s.QuantityKG != 200 || s.ItemCount != 2 {
		t.Fatalf("expected 200 kg over 2 items, got %+v", s)
	}
	if s := byCode["MIX-SUM"]; s.QuantityKG != 0 || s.ItemCount != 0 {
		t.Fatalf("expected an empty buffer, got %+v", s)
	}
}

func TestBufferValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateBuffer(env.Ctx, engine.BufferCreateOptions{
		Code: "BAD-1", Type: "LK", AllowedLotTypes: []string{"GOLD"},
		CapacityKG: 100, TempMinC: 0, TempMaxC: 4, Actor: operator,
	}); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation for an unknown lot type, got %v", err)
	}
	if _, err := env.Engine.CreateBuffer(env.Ctx, engine.BufferCreateOptions{
		Code: "BAD-2", Type: "LK", AllowedLotTypes: []string{"RAW"},
		CapacityKG: 100, TempMinC: 4, TempMaxC: 4, Actor: operator,
	}); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation for a collapsed temperature band, got %v", err)
	}
	b := testBuffer(t, env, "BAND-1", "LK", []string{"RAW"}, 100)
	if _, err := env.Engine.CreateBuffer(env.Ctx, engine.BufferCreateOptions{
		Code: "BAND-1", Type: "LK", AllowedLotTypes: []string{"RAW"},
		CapacityKG: 100, TempMinC: 0, TempMaxC: 4, Actor: operator,
	}); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict for a reused code, got %v", err)
	}
	// a single bound update cannot cross the other bound
	crossing := 9.5
	if _, err := env.Engine.UpdateBuffer(env.Ctx, b.ID, engine.BufferUpdateOptions{
		TempMinC: &crossing, Actor: operator,
	}); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation for a crossed band, got %v", err)
	}
}
