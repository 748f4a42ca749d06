package engine_test

import (
	"testing"

	"batchline/internal/domain"
	"batchline/internal/engine"
	"batchline/internal/fault"
	"batchline/internal/repo"
)

func TestTempViolationThresholds(t *testing.T) {
	cases := []struct {
		kind      string
		celsius   float64
		violation bool
	}{
		{domain.MeasureSurface, 4.0, false},
		{domain.MeasureSurface, 4.1, true},
		{domain.MeasureCore, -18.0, false},
		{domain.MeasureCore, -17.5, true},
		{domain.MeasureAmbient, -20.0, false},
		{domain.MeasureAmbient, -17.9, true},
	}
	for _, tc := range cases {
		if got := engine.TempViolation(tc.kind, tc.celsius); got != tc.violation {
			t.Errorf("%s at %g°C: got %v, expected %v", tc.kind, tc.celsius, got, tc.violation)
		}
	}
}

func TestTempViolationPutsLotOnHold(t *testing.T) {
	env := newTestEnv(t)
	lot := releasedLot(t, env, "TV-01", "FRZ", 6)
	reading, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		LotID: &lot.ID, TemperatureC: -10, MeasurementType: domain.MeasureCore, Actor: auditor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reading.IsViolation {
		t.Fatal("expected the reading to be flagged")
	}
	held, err := env.Engine.GetLot(env.Ctx, lot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if held.Status != domain.LotHold {
		t.Fatalf("expected the lot on HOLD, got %s", held.Status)
	}
	if n := auditCount(t, env, "TEMP_VIOLATION_HOLD", lot.ID); n != 1 {
		t.Fatalf("expected 1 violation hold event, got %d", n)
	}
	// a second breach is logged but the lot is already parked
	again, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		LotID: &lot.ID, TemperatureC: -12, MeasurementType: domain.MeasureCore, Actor: auditor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !again.IsViolation {
		t.Fatal("expected the second reading to be flagged too")
	}
	if n := auditCount(t, env, "TEMP_VIOLATION_HOLD", lot.ID); n != 1 {
		t.Fatalf("expected no second hold event, got %d", n)
	}
	// a compliant reading has no side effect
	ok, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		LotID: &lot.ID, TemperatureC: -20, MeasurementType: domain.MeasureCore, Actor: auditor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok.IsViolation {
		t.Fatal("-20°C core must not be a violation")
	}
	logs, err := env.Engine.ListTemperatureLogs(env.Ctx, repo.TemperatureFilters{LotID: lot.ID, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(logs))
	}
	violations, err := env.Engine.ListTemperatureLogs(env.Ctx, repo.TemperatureFilters{LotID: lot.ID, ViolationsOnly: true, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 2 {
		t.Fatalf("expected 2 flagged readings, got %d", len(violations))
	}
}

func TestTempReadingGuards(t *testing.T) {
	env := newTestEnv(t)
	lot := releasedLot(t, env, "TG-01", "RAW", 0)
	if _, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		TemperatureC: 2, MeasurementType: domain.MeasureCore, Actor: auditor,
	}); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation without a reference, got %v", err)
	}
	if _, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		LotID: &lot.ID, TemperatureC: 150, MeasurementType: domain.MeasureCore, Actor: auditor,
	}); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation for 150°C, got %v", err)
	}
	if _, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		LotID: &lot.ID, TemperatureC: -60, MeasurementType: domain.MeasureCore, Actor: auditor,
	}); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation for -60°C, got %v", err)
	}
	if _, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		LotID: &lot.ID, TemperatureC: 2, MeasurementType: "PROBE", Actor: auditor,
	}); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation for a made-up measurement type, got %v", err)
	}
	ghost := "no-such-lot"
	if _, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		LotID: &ghost, TemperatureC: 2, MeasurementType: domain.MeasureCore, Actor: auditor,
	}); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// buffer readings are logged without touching any lot
	frz := testBuffer(t, env, "FRZ-T", "FRZ", []string{"FRZ15", "FRZ30"}, 800)
	reading, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		BufferID: &frz.ID, TemperatureC: -15, MeasurementType: domain.MeasureAmbient, Actor: auditor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reading.IsViolation {
		t.Fatal("expected -15°C ambient to be flagged")
	}
}

func TestInspectionDecisionsSteerLots(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	lot, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{
		Code: "QCL-01", Type: "RAW", WeightKG: 100, RunID: &run.ID, Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionLot(env.Ctx, lot.ID, domain.LotQuarantine, operator); err != nil {
		t.Fatal(err)
	}
	record := func(key, decision, notes string) domain.QCInspection {
		t.Helper()
		opts := engine.InspectionOptions{
			LotID: lot.ID, RunID: run.ID, StepIndex: 0,
			InspectionType: "VISUAL", Decision: decision,
			IdempotencyKey: key, Actor: auditor,
		}
		if notes != "" {
			opts.Notes = &notes
		}
		insp, err := env.Engine.RecordInspection(env.Ctx, opts)
		if err != nil {
			t.Fatalf("%s inspection: %v", decision, err)
		}
		return insp
	}
	status := func() string {
		t.Helper()
		got, err := env.Engine.GetLot(env.Ctx, lot.ID)
		if err != nil {
			t.Fatal(err)
		}
		return got.Status
	}
	record("qc-1", domain.DecisionPass, "")
	if s := status(); s != domain.LotReleased {
		t.Fatalf("PASS should release a quarantined lot, got %s", s)
	}
	record("qc-2", domain.DecisionHold, "metal fragments suspected in the batch")
	if s := status(); s != domain.LotHold {
		t.Fatalf("HOLD should park the lot, got %s", s)
	}
	record("qc-3", domain.DecisionPass, "")
	if s := status(); s != domain.LotReleased {
		t.Fatalf("PASS should release a held lot, got %s", s)
	}
	record("qc-4", domain.DecisionFail, "foreign material confirmed by rescreen")
	if s := status(); s != domain.LotRejected {
		t.Fatalf("FAIL should reject the lot, got %s", s)
	}
	// terminal lots keep their status; the decision is still on record
	record("qc-5", domain.DecisionFail, "second sample failed as well today")
	if s := status(); s != domain.LotRejected {
		t.Fatalf("a rejected lot must not move, got %s", s)
	}
	inspections, err := env.Engine.ListInspections(env.Ctx, repo.InspectionFilters{LotID: lot.ID, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(inspections) != 5 {
		t.Fatalf("expected 5 inspections on record, got %d", len(inspections))
	}
}

func TestInspectionNotesRequired(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	lot := releasedLot(t, env, "QCN-01", "RAW", 0)
	base := engine.InspectionOptions{
		LotID: lot.ID, RunID: run.ID, StepIndex: 0,
		InspectionType: "METAL_DETECT", Decision: domain.DecisionHold,
		IdempotencyKey: "qcn-1", Actor: auditor,
	}
	if _, err := env.Engine.RecordInspection(env.Ctx, base); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation for HOLD without notes, got %v", err)
	}
	short := "too cold"
	base.Notes = &short
	if _, err := env.Engine.RecordInspection(env.Ctx, base); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation for short notes, got %v", err)
	}
	padded := "   padded    "
	base.Notes = &padded
	if _, err := env.Engine.RecordInspection(env.Ctx, base); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("whitespace must not count toward the minimum, got %v", err)
	}
	enough := "metal detector alarm on lane 2"
	base.Notes = &enough
	if _, err := env.Engine.RecordInspection(env.Ctx, base); err != nil {
		t.Fatalf("expected the decision to record, got %v", err)
	}
}

func TestInspectionIdempotency(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	lot := releasedLot(t, env, "QCI-01", "RAW", 0)
	opts := engine.InspectionOptions{
		LotID: lot.ID, RunID: run.ID, StepIndex: 0,
		InspectionType: "VISUAL", Decision: domain.DecisionPass,
		IdempotencyKey: "qci-once", Actor: auditor,
	}
	first, err := env.Engine.RecordInspection(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.RecordInspection(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("retry returned a new inspection %s, expected %s", second.ID, first.ID)
	}
	opts.Decision = domain.DecisionFail
	notes := "sample failed on the second look"
	opts.Notes = &notes
	if _, err := env.Engine.RecordInspection(env.Ctx, opts); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict for a reused key with new payload, got %v", err)
	}
}

func TestQCRoleGate(t *testing.T) {
	env := newTestEnv(t)
	lot := releasedLot(t, env, "QCR-01", "RAW", 0)
	// auditors may record readings even though they cannot operate
	if _, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		LotID: &lot.ID, TemperatureC: 2, MeasurementType: domain.MeasureSurface, Actor: auditor,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordTemperature(env.Ctx, engine.TemperatureOptions{
		LotID: &lot.ID, TemperatureC: 2, MeasurementType: domain.MeasureSurface, Actor: viewer,
	}); !fault.IsKind(err, fault.KindPermission) {
		t.Fatalf("expected permission denial for a viewer, got %v", err)
	}
}
