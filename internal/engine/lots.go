package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"batchline/internal/audit"
	"batchline/internal/domain"
	"batchline/internal/fault"
	"batchline/internal/repo"
)

// LotCreateOptions are parameters for registering a new lot.
type LotCreateOptions struct {
	Code         string
	Type         string
	StepIndex    *int
	WeightKG     float64
	TemperatureC *float64
	RunID        *string
	Actor        domain.Principal
}

func (e Engine) CreateLot(ctx context.Context, opts LotCreateOptions) (domain.Lot, error) {
	if err := requireOperate(opts.Actor); err != nil {
		return domain.Lot{}, err
	}
	if opts.Code == "" {
		return domain.Lot{}, fault.Validationf("lot code is required")
	}
	if !domain.ValidLotType(opts.Type) {
		return domain.Lot{}, fault.Validationf("unknown lot type %q", opts.Type)
	}
	if opts.WeightKG <= 0 {
		return domain.Lot{}, fault.Validationf("weight must be positive")
	}
	if opts.StepIndex != nil && (*opts.StepIndex < 0 || *opts.StepIndex > domain.MaxStepIndex) {
		return domain.Lot{}, fault.Validationf("step index must be between 0 and %d", domain.MaxStepIndex)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lot{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetLotByCodeTx(ctx, tx, opts.Code); err == nil {
		return domain.Lot{}, fault.Conflictf("lot code %s already exists", opts.Code)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Lot{}, err
	}
	if opts.RunID != nil {
		if _, err := e.Repo.GetRunTx(ctx, tx, *opts.RunID); err != nil {
			return domain.Lot{}, wrapNotFound(err, "run", *opts.RunID)
		}
	}
	now := e.timestamp()
	lot := domain.Lot{
		ID:           uuid.New().String(),
		Code:         opts.Code,
		Type:         opts.Type,
		StepIndex:    opts.StepIndex,
		Status:       domain.LotCreated,
		WeightKG:     opts.WeightKG,
		TemperatureC: opts.TemperatureC,
		RunID:        opts.RunID,
		OperatorID:   opts.Actor.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertLot(ctx, tx, lot); err != nil {
		return lot, fmt.Errorf("insert lot: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "LOT_CREATED",
		EntityType: "lot",
		EntityID:   lot.ID,
		UserID:     opts.Actor.ID,
		NewState:   audit.State{"status": lot.Status, "lot_type": lot.Type, "weight_kg": lot.WeightKG},
		Metadata:   audit.State{"lot_code": lot.Code},
	}); err != nil {
		return lot, err
	}
	if err := tx.Commit(); err != nil {
		return lot, err
	}
	e.Log.Infow("lot created", "lot_id", lot.ID, "lot_code", lot.Code, "lot_type", lot.Type)
	return lot, nil
}

// TransitionLot moves a lot along its lifecycle. Illegal edges and terminal
// statuses are rejected; finishing requires the lot to stand at the final step.
func (e Engine) TransitionLot(ctx context.Context, lotID, to string, actor domain.Principal) (domain.Lot, error) {
	if err := requireOperate(actor); err != nil {
		return domain.Lot{}, err
	}
	if !domain.ValidLotStatus(to) {
		return domain.Lot{}, fault.Validationf("unknown lot status %q", to)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lot{}, err
	}
	defer tx.Rollback()

	lot, err := e.Repo.GetLotTx(ctx, tx, lotID)
	if err != nil {
		return lot, wrapNotFound(err, "lot", lotID)
	}
	if err := ensureLotTransition(lot.Code, lot.Status, to); err != nil {
		return lot, err
	}
	if to == domain.LotFinished && (lot.StepIndex == nil || *lot.StepIndex != domain.MaxStepIndex) {
		return lot, fault.Conflictf("lot %s is not at the final step and cannot finish", lot.Code)
	}
	now := e.timestamp()
	if err := e.Repo.UpdateLotStatus(ctx, tx, lotID, lot.Status, to, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return lot, fault.Conflictf("lot %s was changed concurrently", lot.Code)
		}
		return lot, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "LOT_STATUS_CHANGED",
		EntityType: "lot",
		EntityID:   lot.ID,
		UserID:     actor.ID,
		OldState:   audit.State{"status": lot.Status},
		NewState:   audit.State{"status": to},
	}); err != nil {
		return lot, err
	}
	if err := tx.Commit(); err != nil {
		return lot, err
	}
	e.Log.Infow("lot transitioned", "lot_id", lot.ID, "lot_code", lot.Code, "from", lot.Status, "to", to)
	lot.Status = to
	lot.UpdatedAt = now
	return lot, nil
}

func ensureLotTransition(code, oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.LotCreated:
		if newStatus == domain.LotQuarantine || newStatus == domain.LotHold {
			return nil
		}
	case domain.LotQuarantine:
		if newStatus == domain.LotReleased || newStatus == domain.LotHold {
			return nil
		}
	case domain.LotReleased:
		if newStatus == domain.LotConsumed || newStatus == domain.LotHold || newStatus == domain.LotFinished {
			return nil
		}
	case domain.LotHold:
		if newStatus == domain.LotReleased || newStatus == domain.LotRejected {
			return nil
		}
	}
	return fault.Conflictf("invalid lot status transition %s -> %s for lot %s", oldStatus, newStatus, code)
}

// ConsumeParent names one input lot and the quantity drawn from it.
type ConsumeParent struct {
	LotID      string
	QuantityKG float64
}

// ConsumeOptions are parameters for consuming parent lots into a new child.
type ConsumeOptions struct {
	Parents   []ConsumeParent
	ChildCode string
	ChildType string
	StepIndex *int
	WeightKG  float64
	RunID     *string
	Actor     domain.Principal
}

// ConsumeIntoChild marks the parent lots CONSUMED, creates the child lot and
// writes the genealogy edges, all in one transaction.
func (e Engine) ConsumeIntoChild(ctx context.Context, opts ConsumeOptions) (domain.Lot, error) {
	if err := requireOperate(opts.Actor); err != nil {
		return domain.Lot{}, err
	}
	if len(opts.Parents) == 0 {
		return domain.Lot{}, fault.Validationf("at least one parent lot is required")
	}
	seen := map[string]bool{}
	for _, p := range opts.Parents {
		if p.LotID == "" {
			return domain.Lot{}, fault.Validationf("parent lot id is required")
		}
		if seen[p.LotID] {
			return domain.Lot{}, fault.Validationf("parent lot %s listed twice", p.LotID)
		}
		seen[p.LotID] = true
		if p.QuantityKG <= 0 {
			return domain.Lot{}, fault.Validationf("consumed quantity must be positive")
		}
	}
	if opts.ChildCode == "" {
		return domain.Lot{}, fault.Validationf("child lot code is required")
	}
	if !domain.ValidLotType(opts.ChildType) {
		return domain.Lot{}, fault.Validationf("unknown lot type %q", opts.ChildType)
	}
	if opts.WeightKG <= 0 {
		return domain.Lot{}, fault.Validationf("weight must be positive")
	}
	if opts.StepIndex != nil && (*opts.StepIndex < 0 || *opts.StepIndex > domain.MaxStepIndex) {
		return domain.Lot{}, fault.Validationf("step index must be between 0 and %d", domain.MaxStepIndex)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lot{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetLotByCodeTx(ctx, tx, opts.ChildCode); err == nil {
		return domain.Lot{}, fault.Conflictf("lot code %s already exists", opts.ChildCode)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Lot{}, err
	}
	parents := make([]domain.Lot, 0, len(opts.Parents))
	for _, p := range opts.Parents {
		parent, err := e.Repo.GetLotTx(ctx, tx, p.LotID)
		if err != nil {
			return domain.Lot{}, wrapNotFound(err, "lot", p.LotID)
		}
		if parent.Status != domain.LotReleased {
			return domain.Lot{}, fault.Conflictf("parent lot %s is %s, only RELEASED can be consumed", parent.Code, parent.Status)
		}
		parents = append(parents, parent)
	}
	now := e.timestamp()
	child := domain.Lot{
		ID:         uuid.New().String(),
		Code:       opts.ChildCode,
		Type:       opts.ChildType,
		StepIndex:  opts.StepIndex,
		Status:     domain.LotCreated,
		WeightKG:   opts.WeightKG,
		RunID:      opts.RunID,
		OperatorID: opts.Actor.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertLot(ctx, tx, child); err != nil {
		return child, fmt.Errorf("insert child lot: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "LOT_CREATED",
		EntityType: "lot",
		EntityID:   child.ID,
		UserID:     opts.Actor.ID,
		NewState:   audit.State{"status": child.Status, "lot_type": child.Type, "weight_kg": child.WeightKG},
		Metadata:   audit.State{"lot_code": child.Code, "parent_count": len(parents)},
	}); err != nil {
		return child, err
	}
	for i, parent := range parents {
		if err := e.Repo.UpdateLotStatus(ctx, tx, parent.ID, domain.LotReleased, domain.LotConsumed, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return child, fault.Conflictf("parent lot %s was changed concurrently", parent.Code)
			}
			return child, err
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			EventType:  "LOT_STATUS_CHANGED",
			EntityType: "lot",
			EntityID:   parent.ID,
			UserID:     opts.Actor.ID,
			OldState:   audit.State{"status": domain.LotReleased},
			NewState:   audit.State{"status": domain.LotConsumed},
			Metadata:   audit.State{"cause": "consumed", "child_lot_id": child.ID},
		}); err != nil {
			return child, err
		}
		edge := domain.GenealogyEdge{
			ParentLotID: parent.ID,
			ChildLotID:  child.ID,
			QuantityKG:  opts.Parents[i].QuantityKG,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertGenealogyEdge(ctx, tx, edge); err != nil {
			return child, fmt.Errorf("insert genealogy edge: %w", err)
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			EventType:  "GENEALOGY_LINKED",
			EntityType: "lot",
			EntityID:   child.ID,
			UserID:     opts.Actor.ID,
			Metadata:   audit.State{"parent_lot_id": parent.ID, "quantity_kg": edge.QuantityKG},
		}); err != nil {
			return child, err
		}
	}
	if err := tx.Commit(); err != nil {
		return child, err
	}
	e.Log.Infow("lots consumed into child", "child_lot_id", child.ID, "child_lot_code", child.Code, "parents", len(parents))
	return child, nil
}

// trace walks genealogy edges level by level from start; up selects the
// parent direction. The visited set keeps a malformed cycle from looping
// forever, acyclicity is a domain guarantee rather than a structural one.
func (e Engine) trace(ctx context.Context, start string, depth int, up bool, visited map[string]bool) ([]domain.Lot, []domain.GenealogyEdge, error) {
	var nodes []domain.Lot
	var links []domain.GenealogyEdge
	frontier := []string{start}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			var edges []domain.GenealogyEdge
			var err error
			if up {
				edges, err = e.Repo.ListParentEdges(ctx, id)
			} else {
				edges, err = e.Repo.ListChildEdges(ctx, id)
			}
			if err != nil {
				return nil, nil, err
			}
			links = append(links, edges...)
			for _, edge := range edges {
				other := edge.ParentLotID
				if !up {
					other = edge.ChildLotID
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				lot, err := e.Repo.GetLot(ctx, other)
				if err != nil {
					return nil, nil, err
				}
				nodes = append(nodes, lot)
				next = append(next, other)
			}
		}
		frontier = next
	}
	return nodes, links, nil
}

// LotParents returns the ancestors of a lot up to depth levels back.
func (e Engine) LotParents(ctx context.Context, lotID string, depth int) (domain.GenealogyTree, error) {
	if depth < 1 || depth > 10 {
		return domain.GenealogyTree{}, fault.Validationf("depth must be between 1 and 10")
	}
	lot, err := e.Repo.GetLot(ctx, lotID)
	if err != nil {
		return domain.GenealogyTree{}, wrapNotFound(err, "lot", lotID)
	}
	visited := map[string]bool{lotID: true}
	nodes, links, err := e.trace(ctx, lotID, depth, true, visited)
	if err != nil {
		return domain.GenealogyTree{}, err
	}
	return domain.GenealogyTree{Lot: lot, Direction: "backward", Depth: depth, Nodes: nodes, Links: links}, nil
}

// LotChildren returns the descendants of a lot up to depth levels forward.
func (e Engine) LotChildren(ctx context.Context, lotID string, depth int) (domain.GenealogyTree, error) {
	if depth < 1 || depth > 10 {
		return domain.GenealogyTree{}, fault.Validationf("depth must be between 1 and 10")
	}
	lot, err := e.Repo.GetLot(ctx, lotID)
	if err != nil {
		return domain.GenealogyTree{}, wrapNotFound(err, "lot", lotID)
	}
	visited := map[string]bool{lotID: true}
	nodes, links, err := e.trace(ctx, lotID, depth, false, visited)
	if err != nil {
		return domain.GenealogyTree{}, err
	}
	return domain.GenealogyTree{Lot: lot, Direction: "forward", Depth: depth, Nodes: nodes, Links: links}, nil
}

// LotTree expands both directions around a lot.
func (e Engine) LotTree(ctx context.Context, lotID string, depth int) (domain.GenealogyTree, error) {
	if depth < 1 || depth > 5 {
		return domain.GenealogyTree{}, fault.Validationf("depth must be between 1 and 5 for full tree queries")
	}
	lot, err := e.Repo.GetLot(ctx, lotID)
	if err != nil {
		return domain.GenealogyTree{}, wrapNotFound(err, "lot", lotID)
	}
	visited := map[string]bool{lotID: true}
	upNodes, upLinks, err := e.trace(ctx, lotID, depth, true, visited)
	if err != nil {
		return domain.GenealogyTree{}, err
	}
	downNodes, downLinks, err := e.trace(ctx, lotID, depth, false, visited)
	if err != nil {
		return domain.GenealogyTree{}, err
	}
	nodes := append(upNodes, downNodes...)
	links := upLinks
	seen := map[string]bool{}
	for _, l := range upLinks {
		seen[l.ParentLotID+"/"+l.ChildLotID] = true
	}
	for _, l := range downLinks {
		key := l.ParentLotID + "/" + l.ChildLotID
		if seen[key] {
			continue
		}
		seen[key] = true
		links = append(links, l)
	}
	return domain.GenealogyTree{Lot: lot, Direction: "both", Depth: depth, Nodes: nodes, Links: links}, nil
}

// Read-side queries.

func (e Engine) GetLot(ctx context.Context, id string) (domain.Lot, error) {
	lot, err := e.Repo.GetLot(ctx, id)
	if err != nil {
		return lot, wrapNotFound(err, "lot", id)
	}
	return lot, nil
}

func (e Engine) GetLotByCode(ctx context.Context, code string) (domain.Lot, error) {
	lot, err := e.Repo.GetLotByCode(ctx, code)
	if err != nil {
		return lot, wrapNotFound(err, "lot", code)
	}
	return lot, nil
}

func (e Engine) ListLots(ctx context.Context, f repo.LotFilters) ([]domain.Lot, error) {
	return e.Repo.ListLots(ctx, f)
}
