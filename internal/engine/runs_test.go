package engine_test

import (
	"testing"

	"batchline/internal/domain"
	"batchline/internal/engine"
	"batchline/internal/fault"
)

func TestRunLifecycleToCompletion(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	if run.Code != "RUN-20260201-DUNA-0001" {
		t.Fatalf("unexpected run code %s", run.Code)
	}
	if run.Status != domain.RunRunning || run.CurrentStepIndex != 0 {
		t.Fatalf("expected running at step 0, got %s at %d", run.Status, run.CurrentStepIndex)
	}
	for want := 1; want <= domain.MaxStepIndex; want++ {
		var err error
		run, err = env.Engine.AdvanceRun(env.Ctx, run.ID, operator)
		if err != nil {
			t.Fatalf("advance to %d: %v", want, err)
		}
		if run.CurrentStepIndex != want {
			t.Fatalf("expected step %d, got %d", want, run.CurrentStepIndex)
		}
	}
	// the last step completes, it does not advance
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, operator); !fault.IsKind(err, fault.KindTerminalStep) {
		t.Fatalf("expected terminal step error, got %v", err)
	}
	run, err := env.Engine.CompleteRun(env.Ctx, run.ID, operator)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if run.Status != domain.RunCompleted || run.CompletedAt == nil || run.EndedAt == nil {
		t.Fatalf("expected completed run, got %+v", run)
	}
	steps, err := env.Engine.ListRunSteps(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != domain.MaxStepIndex+1 {
		t.Fatalf("expected %d step executions, got %d", domain.MaxStepIndex+1, len(steps))
	}
	for _, s := range steps {
		if s.Status != domain.StepCompleted {
			t.Fatalf("step %d is %s, expected COMPLETED", s.StepIndex, s.Status)
		}
	}
	if steps[0].NodeID != "start" || steps[1].NodeID != "step-1" {
		t.Fatalf("unexpected node ids %s, %s", steps[0].NodeID, steps[1].NodeID)
	}
}

func TestRunCodesCountUpPerDay(t *testing.T) {
	env := newTestEnv(t)
	v := publishedVersion(t, env)
	first, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FlowVersionID: v.ID, IdempotencyKey: "seq-1", Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FlowVersionID: v.ID, IdempotencyKey: "seq-2", Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Code != "RUN-20260201-DUNA-0001" || second.Code != "RUN-20260201-DUNA-0002" {
		t.Fatalf("unexpected codes %s, %s", first.Code, second.Code)
	}
}

func TestCreateRunIdempotent(t *testing.T) {
	env := newTestEnv(t)
	v := publishedVersion(t, env)
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FlowVersionID: v.ID, IdempotencyKey: "retry-me", Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	again, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FlowVersionID: v.ID, IdempotencyKey: "retry-me", Actor: operator,
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.ID != run.ID || again.Code != run.Code {
		t.Fatalf("expected the stored run back, got %s vs %s", again.ID, run.ID)
	}
	// a drifted retry still gets the original run, pinned to its original version
	drifted, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FlowVersionID: "not-even-a-version", IdempotencyKey: "retry-me", Actor: operator,
	})
	if err != nil {
		t.Fatalf("drifted retry: %v", err)
	}
	if drifted.ID != run.ID || drifted.FlowVersionID != v.ID {
		t.Fatalf("expected the stored run pinned to %s, got run %s on %s", v.ID, drifted.ID, drifted.FlowVersionID)
	}
	// only one run row exists
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM production_runs`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one run, got %d", n)
	}
}

func TestCreateRunNeedsPublishedVersion(t *testing.T) {
	env := newTestEnv(t)
	_, draft, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:  domain.LocalizedText{EN: "Draft only"},
		Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FlowVersionID: draft.ID, IdempotencyKey: "draft-run", Actor: operator,
	})
	if !fault.IsKind(err, fault.KindVersionNotPublished) {
		t.Fatalf("expected version not published error, got %v", err)
	}
}

func TestStartOnlyFromIdle(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	if _, err := env.Engine.StartRun(env.Ctx, run.ID, operator); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict on double start, got %v", err)
	}
}

func TestAdvanceRequiresRunning(t *testing.T) {
	env := newTestEnv(t)
	v := publishedVersion(t, env)
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FlowVersionID: v.ID, IdempotencyKey: "idle-run", Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, operator); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict advancing an idle run, got %v", err)
	}
	if _, err := env.Engine.CompleteRun(env.Ctx, run.ID, operator); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict completing an idle run, got %v", err)
	}
}

func TestCompleteOnlyAtFinalStep(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	if _, err := env.Engine.CompleteRun(env.Ctx, run.ID, operator); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict completing at step 0, got %v", err)
	}
}

func TestAdvanceBlockedByHoldLot(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	step := 0
	lot, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{
		Code: "HOLD-01", Type: "RAW", StepIndex: &step, WeightKG: 50, RunID: &run.ID, Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionLot(env.Ctx, lot.ID, domain.LotHold, operator); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AdvanceRun(env.Ctx, run.ID, operator)
	if !fault.IsKind(err, fault.KindStepNotReady) {
		t.Fatalf("expected step not ready, got %v", err)
	}
	// releasing the lot clears the way
	if _, err := env.Engine.TransitionLot(env.Ctx, lot.ID, domain.LotReleased, operator); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, operator); err != nil {
		t.Fatalf("advance after release: %v", err)
	}
}

func TestAdvanceBlockedByHoldInspection(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	step := 0
	lot, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{
		Code: "QC-01", Type: "RAW", StepIndex: &step, WeightKG: 50, RunID: &run.ID, Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	notes := "metal detector flagged the batch"
	if _, err := env.Engine.RecordInspection(env.Ctx, engine.InspectionOptions{
		LotID: lot.ID, RunID: run.ID, StepIndex: 0, InspectionType: "METAL_DETECT",
		Decision: domain.DecisionHold, Notes: &notes, IdempotencyKey: "qc-hold-1", Actor: auditor,
	}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AdvanceRun(env.Ctx, run.ID, operator)
	if !fault.IsKind(err, fault.KindStepNotReady) {
		t.Fatalf("expected step not ready, got %v", err)
	}
	// a later PASS on the same lot and step resolves the hold
	if _, err := env.Engine.RecordInspection(env.Ctx, engine.InspectionOptions{
		LotID: lot.ID, RunID: run.ID, StepIndex: 0, InspectionType: "METAL_DETECT",
		Decision: domain.DecisionPass, IdempotencyKey: "qc-pass-1", Actor: auditor,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, operator); err != nil {
		t.Fatalf("advance after pass: %v", err)
	}
}

func TestHoldAndResume(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	if _, err := env.Engine.HoldRun(env.Ctx, run.ID, "too short", operator); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation for a short reason, got %v", err)
	}
	run, err := env.Engine.HoldRun(env.Ctx, run.ID, "belt motor failure on line 2", operator)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if run.Status != domain.RunHold {
		t.Fatalf("expected HOLD, got %s", run.Status)
	}
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, operator); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict advancing a held run, got %v", err)
	}
	if _, err := env.Engine.ResumeRun(env.Ctx, run.ID, "motor swapped and tested", operator); !fault.IsKind(err, fault.KindPermission) {
		t.Fatalf("expected permission error for operator resume, got %v", err)
	}
	run, err = env.Engine.ResumeRun(env.Ctx, run.ID, "motor swapped and tested", manager)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if run.Status != domain.RunRunning {
		t.Fatalf("expected RUNNING after resume, got %s", run.Status)
	}
	if auditCount(t, env, "RUN_HELD", run.ID) != 1 || auditCount(t, env, "RUN_RESUMED", run.ID) != 1 {
		t.Fatalf("expected one hold and one resume event")
	}
}

func TestAbortAndArchive(t *testing.T) {
	env := newTestEnv(t)
	v := publishedVersion(t, env)
	idle, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FlowVersionID: v.ID, IdempotencyKey: "abort-idle", Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	// archive only takes finished runs
	if _, err := env.Engine.ArchiveRun(env.Ctx, idle.ID, manager); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict archiving an idle run, got %v", err)
	}
	aborted, err := env.Engine.AbortRun(env.Ctx, idle.ID, "ordered batch was cancelled", manager)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if aborted.Status != domain.RunAborted {
		t.Fatalf("expected ABORTED, got %s", aborted.Status)
	}
	if _, err := env.Engine.AbortRun(env.Ctx, idle.ID, "cannot abort twice though", manager); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict on double abort, got %v", err)
	}
	archived, err := env.Engine.ArchiveRun(env.Ctx, idle.ID, manager)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != domain.RunArchived {
		t.Fatalf("expected ARCHIVED, got %s", archived.Status)
	}
}

func TestStepIndexNeverDecreases(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, operator); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE production_runs SET current_step_index=0 WHERE id=?`, run.ID); err == nil {
		t.Fatalf("expected step rollback to be rejected by the schema")
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE production_runs SET flow_version_id='swapped' WHERE id=?`, run.ID); err == nil {
		t.Fatalf("expected flow version swap to be rejected by the schema")
	}
}
