package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"batchline/internal/audit"
	"batchline/internal/domain"
	"batchline/internal/fault"
	"batchline/internal/repo"
)

// Fixed violation thresholds for the chilled/frozen product range. Surface
// readings run against the chill limit, core and ambient against the deep
// freeze limit.
const (
	SurfaceMaxC = 4.0
	FrozenMaxC  = -18.0
)

const (
	tempPlausibleMinC = -50.0
	tempPlausibleMaxC = 100.0
)

// TempViolation reports whether a reading breaches the threshold for its
// measurement kind.
func TempViolation(measurementType string, temperatureC float64) bool {
	switch measurementType {
	case domain.MeasureSurface:
		return temperatureC > SurfaceMaxC
	case domain.MeasureCore, domain.MeasureAmbient:
		return temperatureC > FrozenMaxC
	}
	return false
}

// InspectionOptions are parameters for recording a QC decision.
type InspectionOptions struct {
	LotID          string
	RunID          string
	StepIndex      int
	InspectionType string
	IsCCP          bool
	Decision       string
	Notes          *string
	IdempotencyKey string
	Actor          domain.Principal
}

// RecordInspection stores a QC decision and applies its lot side effect in
// one transaction. PASS releases a quarantined or held lot, HOLD parks it,
// FAIL rejects it for good. Retrying with the same key and payload returns
// the stored inspection.
func (e Engine) RecordInspection(ctx context.Context, opts InspectionOptions) (domain.QCInspection, error) {
	if err := requireQC(opts.Actor); err != nil {
		return domain.QCInspection{}, err
	}
	if opts.IdempotencyKey == "" {
		return domain.QCInspection{}, fault.Validationf("idempotency key is required")
	}
	if opts.LotID == "" || opts.RunID == "" {
		return domain.QCInspection{}, fault.Validationf("lot and run are required")
	}
	if opts.StepIndex < 0 || opts.StepIndex > domain.MaxStepIndex {
		return domain.QCInspection{}, fault.Validationf("step index must be between 0 and %d", domain.MaxStepIndex)
	}
	if opts.InspectionType == "" {
		return domain.QCInspection{}, fault.Validationf("inspection type is required")
	}
	if !domain.ValidDecision(opts.Decision) {
		return domain.QCInspection{}, fault.Validationf("unknown decision %q", opts.Decision)
	}
	if opts.Decision == domain.DecisionHold || opts.Decision == domain.DecisionFail {
		if opts.Notes == nil || len(strings.TrimSpace(*opts.Notes)) < e.Config.QC.NotesMinLen {
			return domain.QCInspection{}, fault.Validationf("notes of at least %d characters are required for %s decisions", e.Config.QC.NotesMinLen, opts.Decision)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QCInspection{}, err
	}
	defer tx.Rollback()

	prior, err := e.Repo.GetInspectionByIdempotencyKeyTx(ctx, tx, opts.IdempotencyKey)
	if err == nil {
		if prior.LotID == opts.LotID && prior.RunID == opts.RunID && prior.StepIndex == opts.StepIndex &&
			prior.InspectionType == opts.InspectionType && prior.Decision == opts.Decision {
			return prior, nil
		}
		return domain.QCInspection{}, fault.Conflictf("idempotency key %s was already used with a different payload", opts.IdempotencyKey)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.QCInspection{}, err
	}
	lot, err := e.Repo.GetLotTx(ctx, tx, opts.LotID)
	if err != nil {
		return domain.QCInspection{}, wrapNotFound(err, "lot", opts.LotID)
	}
	if _, err := e.Repo.GetRunTx(ctx, tx, opts.RunID); err != nil {
		return domain.QCInspection{}, wrapNotFound(err, "run", opts.RunID)
	}
	now := e.timestamp()
	insp := domain.QCInspection{
		ID:             uuid.New().String(),
		LotID:          opts.LotID,
		RunID:          opts.RunID,
		StepIndex:      opts.StepIndex,
		InspectionType: opts.InspectionType,
		IsCCP:          opts.IsCCP,
		Decision:       opts.Decision,
		Notes:          opts.Notes,
		InspectorID:    opts.Actor.ID,
		InspectedAt:    now,
		IdempotencyKey: opts.IdempotencyKey,
	}
	if err := e.Repo.InsertInspection(ctx, tx, insp); err != nil {
		return insp, fmt.Errorf("insert inspection: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "QC_RECORDED",
		EntityType: "qc_inspection",
		EntityID:   insp.ID,
		UserID:     opts.Actor.ID,
		NewState:   audit.State{"decision": insp.Decision, "step_index": insp.StepIndex},
		Metadata:   audit.State{"lot_id": insp.LotID, "run_id": insp.RunID, "inspection_type": insp.InspectionType, "is_ccp": insp.IsCCP},
	}); err != nil {
		return insp, err
	}
	next := qcOutcome(lot.Status, opts.Decision)
	if next != "" {
		if err := e.Repo.UpdateLotStatus(ctx, tx, lot.ID, lot.Status, next, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return insp, fault.Conflictf("lot %s was changed concurrently", lot.Code)
			}
			return insp, err
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			EventType:  "LOT_STATUS_CHANGED",
			EntityType: "lot",
			EntityID:   lot.ID,
			UserID:     opts.Actor.ID,
			OldState:   audit.State{"status": lot.Status},
			NewState:   audit.State{"status": next},
			Metadata:   audit.State{"inspection_id": insp.ID, "decision": insp.Decision},
		}); err != nil {
			return insp, err
		}
	}
	if err := tx.Commit(); err != nil {
		return insp, err
	}
	e.Log.Infow("inspection recorded", "inspection_id", insp.ID, "lot_code", lot.Code, "decision", insp.Decision)
	return insp, nil
}

// qcOutcome returns the lot status a decision forces, "" when the lot stays
// put. Terminal lots never move.
func qcOutcome(lotStatus, decision string) string {
	if domain.TerminalLotStatus(lotStatus) {
		return ""
	}
	switch decision {
	case domain.DecisionPass:
		if lotStatus == domain.LotQuarantine || lotStatus == domain.LotHold {
			return domain.LotReleased
		}
	case domain.DecisionHold:
		if lotStatus != domain.LotHold {
			return domain.LotHold
		}
	case domain.DecisionFail:
		return domain.LotRejected
	}
	return ""
}

// TemperatureOptions are parameters for recording a temperature reading.
type TemperatureOptions struct {
	LotID           *string
	BufferID        *string
	InspectionID    *string
	TemperatureC    float64
	MeasurementType string
	Actor           domain.Principal
}

// RecordTemperature stores a reading and, when it breaches the threshold for
// a referenced lot, forces the lot to HOLD in the same transaction. Lots
// already on hold or in a terminal state keep their status; the reading is
// still logged with the violation flag set.
func (e Engine) RecordTemperature(ctx context.Context, opts TemperatureOptions) (domain.TemperatureLog, error) {
	if err := requireQC(opts.Actor); err != nil {
		return domain.TemperatureLog{}, err
	}
	if opts.LotID == nil && opts.BufferID == nil {
		return domain.TemperatureLog{}, fault.Validationf("a lot or buffer reference is required")
	}
	if !domain.ValidMeasurementType(opts.MeasurementType) {
		return domain.TemperatureLog{}, fault.Validationf("unknown measurement type %q", opts.MeasurementType)
	}
	if opts.TemperatureC < tempPlausibleMinC || opts.TemperatureC > tempPlausibleMaxC {
		return domain.TemperatureLog{}, fault.Validationf("temperature %g°C out of plausible range (%g to %g)", opts.TemperatureC, tempPlausibleMinC, tempPlausibleMaxC)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TemperatureLog{}, err
	}
	defer tx.Rollback()

	var lot domain.Lot
	if opts.LotID != nil {
		lot, err = e.Repo.GetLotTx(ctx, tx, *opts.LotID)
		if err != nil {
			return domain.TemperatureLog{}, wrapNotFound(err, "lot", *opts.LotID)
		}
	}
	if opts.BufferID != nil {
		if _, err := e.Repo.GetBufferTx(ctx, tx, *opts.BufferID); err != nil {
			return domain.TemperatureLog{}, wrapNotFound(err, "buffer", *opts.BufferID)
		}
	}
	if opts.InspectionID != nil {
		if _, err := e.Repo.GetInspectionTx(ctx, tx, *opts.InspectionID); err != nil {
			return domain.TemperatureLog{}, wrapNotFound(err, "inspection", *opts.InspectionID)
		}
	}
	violation := TempViolation(opts.MeasurementType, opts.TemperatureC)
	now := e.timestamp()
	log := domain.TemperatureLog{
		ID:              uuid.New().String(),
		LotID:           opts.LotID,
		BufferID:        opts.BufferID,
		InspectionID:    opts.InspectionID,
		TemperatureC:    opts.TemperatureC,
		MeasurementType: opts.MeasurementType,
		IsViolation:     violation,
		RecordedBy:      opts.Actor.ID,
		RecordedAt:      now,
	}
	if err := e.Repo.InsertTemperatureLog(ctx, tx, log); err != nil {
		return log, fmt.Errorf("insert temperature log: %w", err)
	}
	if violation && opts.LotID != nil {
		switch lot.Status {
		case domain.LotCreated, domain.LotQuarantine, domain.LotReleased:
			if err := e.Repo.UpdateLotStatus(ctx, tx, lot.ID, lot.Status, domain.LotHold, now); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return log, fault.Conflictf("lot %s was changed concurrently", lot.Code)
				}
				return log, err
			}
			if err := e.Audit.Append(ctx, tx, audit.Entry{
				EventType:  "TEMP_VIOLATION_HOLD",
				EntityType: "lot",
				EntityID:   lot.ID,
				UserID:     opts.Actor.ID,
				NewState:   audit.State{"status": domain.LotHold},
				Metadata:   audit.State{"temperature_c": opts.TemperatureC, "measurement_type": opts.MeasurementType, "threshold_violated": true},
			}); err != nil {
				return log, err
			}
			e.Log.Warnw("temperature violation put lot on hold", "lot_code", lot.Code, "temperature_c", opts.TemperatureC, "measurement_type", opts.MeasurementType)
		default:
			e.Log.Warnw("temperature violation on lot", "lot_code", lot.Code, "status", lot.Status, "temperature_c", opts.TemperatureC, "measurement_type", opts.MeasurementType)
		}
	}
	if err := tx.Commit(); err != nil {
		return log, err
	}
	return log, nil
}

// Read-side queries.

func (e Engine) GetInspection(ctx context.Context, id string) (domain.QCInspection, error) {
	insp, err := e.Repo.GetInspection(ctx, id)
	if err != nil {
		return insp, wrapNotFound(err, "inspection", id)
	}
	return insp, nil
}

func (e Engine) ListInspections(ctx context.Context, f repo.InspectionFilters) ([]domain.QCInspection, error) {
	return e.Repo.ListInspections(ctx, f)
}

func (e Engine) GetTemperatureLog(ctx context.Context, id string) (domain.TemperatureLog, error) {
	log, err := e.Repo.GetTemperatureLog(ctx, id)
	if err != nil {
		return log, wrapNotFound(err, "temperature log", id)
	}
	return log, nil
}

func (e Engine) ListTemperatureLogs(ctx context.Context, f repo.TemperatureFilters) ([]domain.TemperatureLog, error) {
	return e.Repo.ListTemperatureLogs(ctx, f)
}
