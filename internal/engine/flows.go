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

func emptyGraph() domain.Graph {
	return domain.Graph{
		Nodes:    []domain.Node{},
		Edges:    []domain.Edge{},
		Viewport: domain.Viewport{Zoom: 1},
	}
}

// FlowCreateOptions are parameters for creating a flow definition.
type FlowCreateOptions struct {
	Name        domain.LocalizedText
	Description string
	Actor       domain.Principal
}

// CreateFlow creates a definition together with its initial draft version.
func (e Engine) CreateFlow(ctx context.Context, opts FlowCreateOptions) (domain.FlowDefinition, domain.FlowVersion, error) {
	var def domain.FlowDefinition
	var v domain.FlowVersion
	if err := requireOperate(opts.Actor); err != nil {
		return def, v, err
	}
	if opts.Name.HU == "" && opts.Name.EN == "" {
		return def, v, fault.Validationf("flow name is required")
	}
	now := e.timestamp()
	def = domain.FlowDefinition{
		ID:          uuid.New().String(),
		Name:        opts.Name,
		Description: opts.Description,
		CreatedBy:   opts.Actor.ID,
		CreatedAt:   now,
	}
	v = domain.FlowVersion{
		ID:               uuid.New().String(),
		FlowDefinitionID: def.ID,
		VersionNum:       1,
		Status:           domain.VersionDraft,
		Graph:            emptyGraph(),
		CreatedBy:        opts.Actor.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return def, v, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertFlowDefinition(ctx, tx, def); err != nil {
		return def, v, fmt.Errorf("insert flow definition: %w", err)
	}
	if err := e.Repo.InsertFlowVersion(ctx, tx, v); err != nil {
		return def, v, fmt.Errorf("insert flow version: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "FLOW_CREATED",
		EntityType: "flow",
		EntityID:   def.ID,
		UserID:     opts.Actor.ID,
		NewState:   audit.State{"name": def.Name, "description": def.Description},
		Metadata:   audit.State{"initial_version_id": v.ID},
	}); err != nil {
		return def, v, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "FLOW_VERSION_CREATED",
		EntityType: "flow_version",
		EntityID:   v.ID,
		UserID:     opts.Actor.ID,
		NewState:   audit.State{"status": v.Status, "version_num": v.VersionNum},
	}); err != nil {
		return def, v, err
	}
	if err := tx.Commit(); err != nil {
		return def, v, err
	}
	e.Log.Infow("flow created", "flow_id", def.ID, "version_id", v.ID)
	return def, v, nil
}

// UpdateGraph replaces the step graph of a draft or review version.
func (e Engine) UpdateGraph(ctx context.Context, versionID string, graph domain.Graph, actor domain.Principal) (domain.FlowVersion, error) {
	if err := requireOperate(actor); err != nil {
		return domain.FlowVersion{}, err
	}
	if err := checkGraphShape(graph); err != nil {
		return domain.FlowVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FlowVersion{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetFlowVersionTx(ctx, tx, versionID)
	if err != nil {
		return v, wrapNotFound(err, "flow version", versionID)
	}
	if v.Status != domain.VersionDraft && v.Status != domain.VersionReview {
		return v, fault.ImmutableVersionf("version %d is %s and can no longer change", v.VersionNum, v.Status)
	}
	now := e.timestamp()
	if err := e.Repo.UpdateFlowVersionGraph(ctx, tx, versionID, graph, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return v, fault.ImmutableVersionf("version %d is no longer editable", v.VersionNum)
		}
		return v, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "FLOW_GRAPH_UPDATED",
		EntityType: "flow_version",
		EntityID:   v.ID,
		UserID:     actor.ID,
		Metadata:   audit.State{"nodes": len(graph.Nodes), "edges": len(graph.Edges)},
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	v.Graph = graph
	v.UpdatedAt = now
	return v, nil
}

// SubmitForReview moves a draft to review and stamps the reviewer.
func (e Engine) SubmitForReview(ctx context.Context, versionID string, actor domain.Principal) (domain.FlowVersion, error) {
	if err := requireOperate(actor); err != nil {
		return domain.FlowVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FlowVersion{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetFlowVersionTx(ctx, tx, versionID)
	if err != nil {
		return v, wrapNotFound(err, "flow version", versionID)
	}
	if v.Status != domain.VersionDraft {
		return v, fault.Conflictf("version %d is %s, only DRAFT can be submitted", v.VersionNum, v.Status)
	}
	now := e.timestamp()
	if err := e.Repo.MarkVersionReview(ctx, tx, versionID, actor.ID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return v, fault.Conflictf("version %d was changed concurrently", v.VersionNum)
		}
		return v, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "FLOW_VERSION_SUBMITTED",
		EntityType: "flow_version",
		EntityID:   v.ID,
		UserID:     actor.ID,
		OldState:   audit.State{"status": v.Status},
		NewState:   audit.State{"status": domain.VersionReview},
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	v.Status = domain.VersionReview
	v.ReviewedBy = &actor.ID
	v.UpdatedAt = now
	return v, nil
}

// Publish validates the step graph, deprecates the definition's prior
// published version and opens the next draft, all in one transaction.
func (e Engine) Publish(ctx context.Context, versionID string, actor domain.Principal) (domain.FlowVersion, error) {
	if err := requireManage(actor); err != nil {
		return domain.FlowVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FlowVersion{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetFlowVersionTx(ctx, tx, versionID)
	if err != nil {
		return v, wrapNotFound(err, "flow version", versionID)
	}
	if v.Status != domain.VersionReview {
		return v, fault.Conflictf("version %d is %s, only REVIEW can be published", v.VersionNum, v.Status)
	}
	if err := checkPublishableGraph(v.Graph); err != nil {
		return v, err
	}
	now := e.timestamp()
	prior, err := e.Repo.PublishedVersionTx(ctx, tx, v.FlowDefinitionID)
	switch {
	case err == nil:
		if err := e.Repo.MarkVersionDeprecated(ctx, tx, prior.ID, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return v, fault.Conflictf("version %d was deprecated concurrently", prior.VersionNum)
			}
			return v, err
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			EventType:  "FLOW_VERSION_DEPRECATED",
			EntityType: "flow_version",
			EntityID:   prior.ID,
			UserID:     actor.ID,
			OldState:   audit.State{"status": domain.VersionPublished},
			NewState:   audit.State{"status": domain.VersionDeprecated},
			Metadata:   audit.State{"superseded_by": v.ID},
		}); err != nil {
			return v, err
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return v, err
	}
	if err := e.Repo.MarkVersionPublished(ctx, tx, versionID, actor.ID, now, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return v, fault.Conflictf("version %d was changed concurrently", v.VersionNum)
		}
		return v, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "FLOW_VERSION_PUBLISHED",
		EntityType: "flow_version",
		EntityID:   v.ID,
		UserID:     actor.ID,
		OldState:   audit.State{"status": domain.VersionReview},
		NewState:   audit.State{"status": domain.VersionPublished},
		Metadata:   audit.State{"version_num": v.VersionNum},
	}); err != nil {
		return v, err
	}
	// keep an open draft so the next revision starts from the published graph
	maxNum, err := e.Repo.MaxVersionNumTx(ctx, tx, v.FlowDefinitionID)
	if err != nil {
		return v, err
	}
	next := domain.FlowVersion{
		ID:               uuid.New().String(),
		FlowDefinitionID: v.FlowDefinitionID,
		VersionNum:       maxNum + 1,
		Status:           domain.VersionDraft,
		Graph:            v.Graph,
		CreatedBy:        actor.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertFlowVersion(ctx, tx, next); err != nil {
		return v, fmt.Errorf("insert next draft: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "FLOW_VERSION_CREATED",
		EntityType: "flow_version",
		EntityID:   next.ID,
		UserID:     actor.ID,
		NewState:   audit.State{"status": next.Status, "version_num": next.VersionNum},
		Metadata:   audit.State{"copied_from": v.ID},
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	e.Log.Infow("flow version published", "version_id", v.ID, "version_num", v.VersionNum)
	v.Status = domain.VersionPublished
	v.PublishedBy = &actor.ID
	v.PublishedAt = &now
	v.UpdatedAt = now
	return v, nil
}

// Fork opens a new draft version copying the latest version's graph.
func (e Engine) Fork(ctx context.Context, definitionID string, actor domain.Principal) (domain.FlowVersion, error) {
	if err := requireOperate(actor); err != nil {
		return domain.FlowVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FlowVersion{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetFlowDefinitionTx(ctx, tx, definitionID); err != nil {
		return domain.FlowVersion{}, wrapNotFound(err, "flow", definitionID)
	}
	open, err := e.Repo.DraftVersionTx(ctx, tx, definitionID)
	if err == nil {
		return domain.FlowVersion{}, fault.Conflictf("version %d is still open, edit it instead", open.VersionNum)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.FlowVersion{}, err
	}
	maxNum, err := e.Repo.MaxVersionNumTx(ctx, tx, definitionID)
	if err != nil {
		return domain.FlowVersion{}, err
	}
	source, err := e.Repo.GetFlowVersionByNumTx(ctx, tx, definitionID, maxNum)
	if err != nil {
		return domain.FlowVersion{}, wrapNotFound(err, "flow", definitionID)
	}
	now := e.timestamp()
	next := domain.FlowVersion{
		ID:               uuid.New().String(),
		FlowDefinitionID: definitionID,
		VersionNum:       maxNum + 1,
		Status:           domain.VersionDraft,
		Graph:            source.Graph,
		CreatedBy:        actor.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertFlowVersion(ctx, tx, next); err != nil {
		return next, fmt.Errorf("insert draft: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "FLOW_VERSION_CREATED",
		EntityType: "flow_version",
		EntityID:   next.ID,
		UserID:     actor.ID,
		NewState:   audit.State{"status": next.Status, "version_num": next.VersionNum},
		Metadata:   audit.State{"copied_from": source.ID},
	}); err != nil {
		return next, err
	}
	if err := tx.Commit(); err != nil {
		return next, err
	}
	return next, nil
}

// DeleteFlow removes a definition and its versions; refused while any
// production run is pinned to one of them.
func (e Engine) DeleteFlow(ctx context.Context, definitionID string, actor domain.Principal) error {
	if err := requireManage(actor); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	def, err := e.Repo.GetFlowDefinitionTx(ctx, tx, definitionID)
	if err != nil {
		return wrapNotFound(err, "flow", definitionID)
	}
	n, err := e.Repo.CountRunsForFlowTx(ctx, tx, definitionID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fault.Conflictf("flow has %d production runs and cannot be deleted", n)
	}
	if err := e.Repo.DeleteFlowDefinition(ctx, tx, definitionID); err != nil {
		return wrapNotFound(err, "flow", definitionID)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		EventType:  "FLOW_DELETED",
		EntityType: "flow",
		EntityID:   definitionID,
		UserID:     actor.ID,
		OldState:   audit.State{"name": def.Name},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// checkGraphShape validates well-formedness of an editable graph: node ids
// unique, types known, edge endpoints present.
func checkGraphShape(g domain.Graph) error {
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fault.Validationf("graph node without id")
		}
		if seen[n.ID] {
			return fault.Validationf("duplicate graph node id %s", n.ID)
		}
		seen[n.ID] = true
		if !domain.ValidNodeType(n.Type) {
			return fault.Validationf("unknown node type %q on node %s", n.Type, n.ID)
		}
	}
	for _, ed := range g.Edges {
		if !seen[ed.Source] {
			return fault.Validationf("edge %s references missing source %s", ed.ID, ed.Source)
		}
		if !seen[ed.Target] {
			return fault.Validationf("edge %s references missing target %s", ed.ID, ed.Target)
		}
	}
	return nil
}

// checkPublishableGraph enforces the publish-time structural rule: one start,
// one end, and a single chain visiting every node, matching the step count of
// the production process.
func checkPublishableGraph(g domain.Graph) error {
	if err := checkGraphShape(g); err != nil {
		return err
	}
	if len(g.Nodes) == 0 {
		return fault.Validationf("graph has no nodes")
	}
	if len(g.Nodes) != domain.MaxStepIndex+1 {
		return fault.Validationf("graph must have %d nodes, got %d", domain.MaxStepIndex+1, len(g.Nodes))
	}
	var start, end string
	for _, n := range g.Nodes {
		switch n.Type {
		case domain.NodeStart:
			if start != "" {
				return fault.Validationf("graph has more than one start node")
			}
			start = n.ID
		case domain.NodeEnd:
			if end != "" {
				return fault.Validationf("graph has more than one end node")
			}
			end = n.ID
		}
	}
	if start == "" {
		return fault.Validationf("graph has no start node")
	}
	if end == "" {
		return fault.Validationf("graph has no end node")
	}
	next := make(map[string]string, len(g.Edges))
	indegree := make(map[string]int, len(g.Nodes))
	for _, ed := range g.Edges {
		if _, dup := next[ed.Source]; dup {
			return fault.Validationf("node %s has more than one outgoing edge", ed.Source)
		}
		next[ed.Source] = ed.Target
		indegree[ed.Target]++
		if indegree[ed.Target] > 1 {
			return fault.Validationf("node %s has more than one incoming edge", ed.Target)
		}
	}
	if indegree[start] != 0 {
		return fault.Validationf("start node has an incoming edge")
	}
	visited := 1
	cur := start
	for cur != end {
		n, ok := next[cur]
		if !ok {
			return fault.Validationf("chain breaks after node %s", cur)
		}
		cur = n
		visited++
		if visited > len(g.Nodes) {
			return fault.Validationf("graph contains a cycle")
		}
	}
	if visited != len(g.Nodes) {
		return fault.Validationf("%d nodes are not part of the start-to-end chain", len(g.Nodes)-visited)
	}
	return nil
}

// Read-side queries.

func (e Engine) GetFlow(ctx context.Context, id string) (domain.FlowDefinition, error) {
	def, err := e.Repo.GetFlowDefinition(ctx, id)
	if err != nil {
		return def, wrapNotFound(err, "flow", id)
	}
	return def, nil
}

func (e Engine) ListFlows(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.FlowDefinition, error) {
	return e.Repo.ListFlowDefinitions(ctx, limit, cursorCreatedAt, cursorID)
}

func (e Engine) GetVersion(ctx context.Context, id string) (domain.FlowVersion, error) {
	v, err := e.Repo.GetFlowVersion(ctx, id)
	if err != nil {
		return v, wrapNotFound(err, "flow version", id)
	}
	return v, nil
}

func (e Engine) ListVersions(ctx context.Context, definitionID string) ([]domain.FlowVersion, error) {
	if _, err := e.Repo.GetFlowDefinition(ctx, definitionID); err != nil {
		return nil, wrapNotFound(err, "flow", definitionID)
	}
	return e.Repo.ListFlowVersions(ctx, definitionID)
}
