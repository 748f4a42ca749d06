package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"batchline/internal/audit"
	"batchline/internal/domain"
	"batchline/internal/fault"
	"batchline/internal/repo"
)

func stepNodeID(stepIndex int) string {
	if stepIndex == 0 {
		return "start"
	}
	return fmt.Sprintf("step-%d", stepIndex)
}

// RunCreateOptions are parameters for creating a production run.
type RunCreateOptions struct {
	FlowVersionID  string
	IdempotencyKey string
	Actor          domain.Principal
}

func (e Engine) CreateRun(ctx context.Context, opts RunCreateOptions) (domain.ProductionRun, error) {
	if err := requireOperate(opts.Actor); err != nil {
		return domain.ProductionRun{}, err
	}
	if opts.IdempotencyKey == "" {
		return domain.ProductionRun{}, fault.Validationf("idempotency key is required")
	}
	if opts.FlowVersionID == "" {
		return domain.ProductionRun{}, fault.Validationf("flow version is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	defer tx.Rollback()

	// A replayed key returns the original run, even when the retried payload
	// names a different flow version.
	prior, err := e.Repo.GetRunByIdempotencyKeyTx(ctx, tx, opts.IdempotencyKey)
	if err == nil {
		return prior, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ProductionRun{}, err
	}
	v, err := e.Repo.GetFlowVersionTx(ctx, tx, opts.FlowVersionID)
	if err != nil {
		return domain.ProductionRun{}, wrapNotFound(err, "flow version", opts.FlowVersionID)
	}
	if v.Status != domain.VersionPublished {
		return domain.ProductionRun{}, fault.VersionNotPublishedf("flow version %d is %s, runs need a PUBLISHED version", v.VersionNum, v.Status)
	}
	prefix := fmt.Sprintf("RUN-%s-%s-", e.now().UTC().Format("20060102"), e.Config.Plant.SiteCode)
	last, err := e.Repo.MaxRunCodeTx(ctx, tx, prefix)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	seq := 1
	if last != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(last, prefix))
		if err != nil {
			return domain.ProductionRun{}, fmt.Errorf("parse run code %s: %w", last, err)
		}
		seq = n + 1
	}
	now := e.timestamp()
	run := domain.ProductionRun{
		ID:               uuid.New().String(),
		Code:             fmt.Sprintf("%s%04d", prefix, seq),
		FlowVersionID:    opts.FlowVersionID,
		Status:           domain.RunIdle,
		CurrentStepIndex: 0,
		IdempotencyKey:   opts.IdempotencyKey,
		StartedBy:        opts.Actor.ID,
		CreatedAt:        now,
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return run, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "RUN_CREATED",
		EntityType: "run",
		EntityID:   run.ID,
		UserID:     opts.Actor.ID,
		NewState:   audit.State{"status": run.Status, "current_step_index": 0},
		Metadata:   audit.State{"run_code": run.Code, "flow_version_id": run.FlowVersionID},
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	e.Log.Infow("run created", "run_id", run.ID, "run_code", run.Code)
	return run, nil
}

// StartRun moves an idle run to RUNNING and opens the step-0 execution.
func (e Engine) StartRun(ctx context.Context, runID string, actor domain.Principal) (domain.ProductionRun, error) {
	if err := requireOperate(actor); err != nil {
		return domain.ProductionRun{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, wrapNotFound(err, "run", runID)
	}
	if run.Status != domain.RunIdle {
		return run, fault.Conflictf("run %s is %s, only IDLE can start", run.Code, run.Status)
	}
	now := e.timestamp()
	if err := e.Repo.MarkRunRunning(ctx, tx, runID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run, fault.Conflictf("run %s was changed concurrently", run.Code)
		}
		return run, err
	}
	exec := domain.RunStepExecution{
		ID:         uuid.New().String(),
		RunID:      runID,
		StepIndex:  0,
		NodeID:     stepNodeID(0),
		Status:     domain.StepInProgress,
		OperatorID: &actor.ID,
		StartedAt:  &now,
	}
	if err := e.Repo.InsertStepExecution(ctx, tx, exec); err != nil {
		return run, fmt.Errorf("insert step execution: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "RUN_STARTED",
		EntityType: "run",
		EntityID:   run.ID,
		UserID:     actor.ID,
		OldState:   audit.State{"status": domain.RunIdle},
		NewState:   audit.State{"status": domain.RunRunning},
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	e.Log.Infow("run started", "run_id", run.ID, "run_code", run.Code)
	run.Status = domain.RunRunning
	run.StartedAt = &now
	return run, nil
}

// AdvanceRun completes the current step and opens the next one. Blocked while
// the step has an unresolved HOLD inspection or a lot of this run sits in
// HOLD at the step.
func (e Engine) AdvanceRun(ctx context.Context, runID string, actor domain.Principal) (domain.ProductionRun, error) {
	if err := requireOperate(actor); err != nil {
		return domain.ProductionRun{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, wrapNotFound(err, "run", runID)
	}
	if run.Status != domain.RunRunning {
		return run, fault.Conflictf("run %s is %s, only RUNNING can advance", run.Code, run.Status)
	}
	if run.CurrentStepIndex >= domain.MaxStepIndex {
		return run, fault.TerminalStepf("run %s is at the final step, complete it instead", run.Code)
	}
	step := run.CurrentStepIndex
	pending, err := e.Repo.UnresolvedHoldInspectionsTx(ctx, tx, runID, step)
	if err != nil {
		return run, err
	}
	if pending > 0 {
		e.Log.Warnw("advance blocked by unresolved inspections", "run_id", runID, "step", step, "lots", pending)
		return run, fault.StepNotReadyf("step %d has %d lots with an unresolved HOLD inspection", step, pending)
	}
	held, err := e.Repo.HoldLotsAtStepTx(ctx, tx, runID, step)
	if err != nil {
		return run, err
	}
	if held > 0 {
		e.Log.Warnw("advance blocked by held lots", "run_id", runID, "step", step, "lots", held)
		return run, fault.StepNotReadyf("step %d has %d lots in HOLD", step, held)
	}
	now := e.timestamp()
	if err := e.Repo.AdvanceRunStep(ctx, tx, runID, step); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run, fault.Conflictf("run %s was advanced concurrently", run.Code)
		}
		return run, err
	}
	if err := e.Repo.MarkStepCompleted(ctx, tx, runID, step, actor.ID, now); err != nil {
		return run, err
	}
	exec := domain.RunStepExecution{
		ID:         uuid.New().String(),
		RunID:      runID,
		StepIndex:  step + 1,
		NodeID:     stepNodeID(step + 1),
		Status:     domain.StepInProgress,
		OperatorID: &actor.ID,
		StartedAt:  &now,
	}
	if err := e.Repo.InsertStepExecution(ctx, tx, exec); err != nil {
		return run, fmt.Errorf("insert step execution: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "RUN_ADVANCED",
		EntityType: "run",
		EntityID:   run.ID,
		UserID:     actor.ID,
		OldState:   audit.State{"current_step_index": step},
		NewState:   audit.State{"current_step_index": step + 1},
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	e.Log.Infow("run advanced", "run_id", run.ID, "run_code", run.Code, "from", step, "to", step+1)
	run.CurrentStepIndex = step + 1
	return run, nil
}

// HoldRun pauses a running run; the reason lands in the audit trail.
func (e Engine) HoldRun(ctx context.Context, runID, reason string, actor domain.Principal) (domain.ProductionRun, error) {
	if err := requireOperate(actor); err != nil {
		return domain.ProductionRun{}, err
	}
	if len(strings.TrimSpace(reason)) < e.Config.QC.NotesMinLen {
		return domain.ProductionRun{}, fault.Validationf("hold reason must be at least %d characters", e.Config.QC.NotesMinLen)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, wrapNotFound(err, "run", runID)
	}
	if run.Status != domain.RunRunning {
		return run, fault.Conflictf("run %s is %s, only RUNNING can be held", run.Code, run.Status)
	}
	if err := e.Repo.MarkRunHold(ctx, tx, runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run, fault.Conflictf("run %s was changed concurrently", run.Code)
		}
		return run, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "RUN_HELD",
		EntityType: "run",
		EntityID:   run.ID,
		UserID:     actor.ID,
		OldState:   audit.State{"status": domain.RunRunning},
		NewState:   audit.State{"status": domain.RunHold},
		Metadata:   audit.State{"reason": reason},
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	e.Log.Infow("run held", "run_id", run.ID, "run_code", run.Code)
	run.Status = domain.RunHold
	return run, nil
}

// ResumeRun lifts a hold. Elevated permission; the resolution note lands in
// the audit trail.
func (e Engine) ResumeRun(ctx context.Context, runID, resolution string, actor domain.Principal) (domain.ProductionRun, error) {
	if err := requireManage(actor); err != nil {
		return domain.ProductionRun{}, err
	}
	if len(strings.TrimSpace(resolution)) < e.Config.QC.NotesMinLen {
		return domain.ProductionRun{}, fault.Validationf("resolution must be at least %d characters", e.Config.QC.NotesMinLen)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, wrapNotFound(err, "run", runID)
	}
	if run.Status != domain.RunHold {
		return run, fault.Conflictf("run %s is %s, only HOLD can resume", run.Code, run.Status)
	}
	if err := e.Repo.MarkRunResumed(ctx, tx, runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run, fault.Conflictf("run %s was changed concurrently", run.Code)
		}
		return run, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "RUN_RESUMED",
		EntityType: "run",
		EntityID:   run.ID,
		UserID:     actor.ID,
		OldState:   audit.State{"status": domain.RunHold},
		NewState:   audit.State{"status": domain.RunRunning},
		Metadata:   audit.State{"resolution": resolution},
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	e.Log.Infow("run resumed", "run_id", run.ID, "run_code", run.Code)
	run.Status = domain.RunRunning
	return run, nil
}

// CompleteRun closes a run standing at the final step.
func (e Engine) CompleteRun(ctx context.Context, runID string, actor domain.Principal) (domain.ProductionRun, error) {
	if err := requireOperate(actor); err != nil {
		return domain.ProductionRun{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, wrapNotFound(err, "run", runID)
	}
	if run.Status != domain.RunRunning {
		return run, fault.Conflictf("run %s is %s, only RUNNING can complete", run.Code, run.Status)
	}
	if run.CurrentStepIndex != domain.MaxStepIndex {
		return run, fault.Conflictf("run %s is at step %d, completion requires step %d", run.Code, run.CurrentStepIndex, domain.MaxStepIndex)
	}
	now := e.timestamp()
	if err := e.Repo.MarkRunCompleted(ctx, tx, runID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run, fault.Conflictf("run %s was changed concurrently", run.Code)
		}
		return run, err
	}
	if err := e.Repo.MarkStepCompleted(ctx, tx, runID, domain.MaxStepIndex, actor.ID, now); err != nil {
		return run, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "RUN_COMPLETED",
		EntityType: "run",
		EntityID:   run.ID,
		UserID:     actor.ID,
		OldState:   audit.State{"status": domain.RunRunning},
		NewState:   audit.State{"status": domain.RunCompleted},
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	e.Log.Infow("run completed", "run_id", run.ID, "run_code", run.Code)
	run.Status = domain.RunCompleted
	run.CompletedAt = &now
	run.EndedAt = &now
	return run, nil
}

// AbortRun terminates a run that has not completed. Elevated permission.
func (e Engine) AbortRun(ctx context.Context, runID, reason string, actor domain.Principal) (domain.ProductionRun, error) {
	if err := requireManage(actor); err != nil {
		return domain.ProductionRun{}, err
	}
	if len(strings.TrimSpace(reason)) < e.Config.QC.NotesMinLen {
		return domain.ProductionRun{}, fault.Validationf("abort reason must be at least %d characters", e.Config.QC.NotesMinLen)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, wrapNotFound(err, "run", runID)
	}
	switch run.Status {
	case domain.RunIdle, domain.RunRunning, domain.RunHold:
	default:
		return run, fault.Conflictf("run %s is %s and cannot be aborted", run.Code, run.Status)
	}
	now := e.timestamp()
	if err := e.Repo.MarkRunAborted(ctx, tx, runID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run, fault.Conflictf("run %s was changed concurrently", run.Code)
		}
		return run, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "RUN_ABORTED",
		EntityType: "run",
		EntityID:   run.ID,
		UserID:     actor.ID,
		OldState:   audit.State{"status": run.Status},
		NewState:   audit.State{"status": domain.RunAborted},
		Metadata:   audit.State{"reason": reason},
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	e.Log.Infow("run aborted", "run_id", run.ID, "run_code", run.Code)
	run.Status = domain.RunAborted
	run.EndedAt = &now
	return run, nil
}

// ArchiveRun retires a finished run from the active lists.
func (e Engine) ArchiveRun(ctx context.Context, runID string, actor domain.Principal) (domain.ProductionRun, error) {
	if err := requireManage(actor); err != nil {
		return domain.ProductionRun{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductionRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, wrapNotFound(err, "run", runID)
	}
	if run.Status != domain.RunCompleted && run.Status != domain.RunAborted {
		return run, fault.Conflictf("run %s is %s, only COMPLETED or ABORTED can be archived", run.Code, run.Status)
	}
	if err := e.Repo.MarkRunArchived(ctx, tx, runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return run, fault.Conflictf("run %s was changed concurrently", run.Code)
		}
		return run, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "RUN_ARCHIVED",
		EntityType: "run",
		EntityID:   run.ID,
		UserID:     actor.ID,
		OldState:   audit.State{"status": run.Status},
		NewState:   audit.State{"status": domain.RunArchived},
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	run.Status = domain.RunArchived
	return run, nil
}

// Read-side queries.

func (e Engine) GetRun(ctx context.Context, id string) (domain.ProductionRun, error) {
	run, err := e.Repo.GetRun(ctx, id)
	if err != nil {
		return run, wrapNotFound(err, "run", id)
	}
	return run, nil
}

func (e Engine) GetRunByCode(ctx context.Context, code string) (domain.ProductionRun, error) {
	run, err := e.Repo.GetRunByCode(ctx, code)
	if err != nil {
		return run, wrapNotFound(err, "run", code)
	}
	return run, nil
}

func (e Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.ProductionRun, error) {
	return e.Repo.ListRuns(ctx, f)
}

func (e Engine) ListRunSteps(ctx context.Context, runID string) ([]domain.RunStepExecution, error) {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return nil, wrapNotFound(err, "run", runID)
	}
	return e.Repo.ListStepExecutions(ctx, runID)
}
