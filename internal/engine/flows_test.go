package engine_test

import (
	"testing"

	"batchline/internal/domain"
	"batchline/internal/engine"
	"batchline/internal/fault"
)

func TestFlowVersionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	def, v, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:        domain.LocalizedText{HU: "Sonka", EN: "Ham"},
		Description: "cured ham line",
		Actor:       operator,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v.VersionNum != 1 || v.Status != domain.VersionDraft {
		t.Fatalf("expected draft v1, got v%d %s", v.VersionNum, v.Status)
	}
	if len(v.Graph.Nodes) != 0 {
		t.Fatalf("expected empty initial graph")
	}
	v, err = env.Engine.UpdateGraph(env.Ctx, v.ID, chainGraph(), operator)
	if err != nil {
		t.Fatalf("update graph: %v", err)
	}
	if len(v.Graph.Nodes) != domain.MaxStepIndex+1 {
		t.Fatalf("expected %d nodes, got %d", domain.MaxStepIndex+1, len(v.Graph.Nodes))
	}
	v, err = env.Engine.SubmitForReview(env.Ctx, v.ID, operator)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if v.Status != domain.VersionReview || v.ReviewedBy == nil {
		t.Fatalf("expected review with reviewer, got %s", v.Status)
	}
	// a draft cannot be submitted twice
	if _, err := env.Engine.SubmitForReview(env.Ctx, v.ID, operator); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict on double submit, got %v", err)
	}
	v, err = env.Engine.Publish(env.Ctx, v.ID, manager)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if v.Status != domain.VersionPublished || v.PublishedBy == nil || v.PublishedAt == nil {
		t.Fatalf("expected published version, got %+v", v)
	}
	// the published graph is frozen
	_, err = env.Engine.UpdateGraph(env.Ctx, v.ID, chainGraph(), operator)
	if !fault.IsKind(err, fault.KindImmutableVersion) {
		t.Fatalf("expected immutable version error, got %v", err)
	}
	// publishing opened the next draft
	versions, err := env.Engine.ListVersions(env.Ctx, def.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected published v1 plus draft v2, got %d versions", len(versions))
	}
}

func TestPublishRequiresManager(t *testing.T) {
	env := newTestEnv(t)
	_, v, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:  domain.LocalizedText{EN: "Salami"},
		Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateGraph(env.Ctx, v.ID, chainGraph(), operator); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitForReview(env.Ctx, v.ID, operator); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Publish(env.Ctx, v.ID, operator); !fault.IsKind(err, fault.KindPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if _, err := env.Engine.Publish(env.Ctx, v.ID, manager); err != nil {
		t.Fatalf("manager publish: %v", err)
	}
}

func TestPublishValidatesChain(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name   string
		mutate func(g domain.Graph) domain.Graph
	}{
		{"empty graph", func(domain.Graph) domain.Graph { return domain.Graph{} }},
		{"missing node", func(g domain.Graph) domain.Graph {
			g.Nodes = g.Nodes[:len(g.Nodes)-1]
			g.Edges = g.Edges[:len(g.Edges)-1]
			return g
		}},
		{"broken chain", func(g domain.Graph) domain.Graph {
			g.Edges = g.Edges[:len(g.Edges)-1]
			return g
		}},
		{"two starts", func(g domain.Graph) domain.Graph {
			g.Nodes[1].Type = domain.NodeStart
			return g
		}},
		{"no end", func(g domain.Graph) domain.Graph {
			g.Nodes[len(g.Nodes)-1].Type = domain.NodeProcess
			return g
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, v, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
				Name:  domain.LocalizedText{EN: tc.name},
				Actor: operator,
			})
			if err != nil {
				t.Fatal(err)
			}
			g := tc.mutate(chainGraph())
			if len(g.Nodes) > 0 {
				if _, err := env.Engine.UpdateGraph(env.Ctx, v.ID, g, operator); err != nil {
					t.Fatalf("update graph: %v", err)
				}
			}
			if _, err := env.Engine.SubmitForReview(env.Ctx, v.ID, operator); err != nil {
				t.Fatalf("submit: %v", err)
			}
			if _, err := env.Engine.Publish(env.Ctx, v.ID, manager); !fault.IsKind(err, fault.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestUpdateGraphShapeChecks(t *testing.T) {
	env := newTestEnv(t)
	_, v, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:  domain.LocalizedText{EN: "Shape"},
		Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	dup := chainGraph()
	dup.Nodes[2].ID = dup.Nodes[1].ID
	if _, err := env.Engine.UpdateGraph(env.Ctx, v.ID, dup, operator); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
	dangling := chainGraph()
	dangling.Edges[0].Target = "nowhere"
	if _, err := env.Engine.UpdateGraph(env.Ctx, v.ID, dangling, operator); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected dangling edge error, got %v", err)
	}
	badType := chainGraph()
	badType.Nodes[3].Type = "teleport"
	if _, err := env.Engine.UpdateGraph(env.Ctx, v.ID, badType, operator); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected node type error, got %v", err)
	}
}

func TestPublishDeprecatesPrior(t *testing.T) {
	env := newTestEnv(t)
	v1 := publishedVersion(t, env)
	versions, err := env.Engine.ListVersions(env.Ctx, v1.FlowDefinitionID)
	if err != nil {
		t.Fatal(err)
	}
	var draft domain.FlowVersion
	for _, v := range versions {
		if v.Status == domain.VersionDraft {
			draft = v
		}
	}
	if draft.ID == "" {
		t.Fatalf("expected an open draft after publish")
	}
	// the draft starts from the published graph, so it can go straight through
	if _, err := env.Engine.SubmitForReview(env.Ctx, draft.ID, operator); err != nil {
		t.Fatalf("submit v2: %v", err)
	}
	v2, err := env.Engine.Publish(env.Ctx, draft.ID, manager)
	if err != nil {
		t.Fatalf("publish v2: %v", err)
	}
	old, err := env.Engine.GetVersion(env.Ctx, v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != domain.VersionDeprecated {
		t.Fatalf("expected v1 deprecated, got %s", old.Status)
	}
	if n := auditCount(t, env, "FLOW_VERSION_DEPRECATED", v1.ID); n != 1 {
		t.Fatalf("expected one deprecation event, got %d", n)
	}
	if v2.VersionNum != 2 {
		t.Fatalf("expected version 2, got %d", v2.VersionNum)
	}
}

func TestForkBlockedByOpenDraft(t *testing.T) {
	env := newTestEnv(t)
	def, _, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:  domain.LocalizedText{EN: "Fork"},
		Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Fork(env.Ctx, def.ID, operator); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict while a draft is open, got %v", err)
	}
}

func TestForkCopiesLatestGraph(t *testing.T) {
	env := newTestEnv(t)
	_, v, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:  domain.LocalizedText{EN: "Fork source"},
		Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateGraph(env.Ctx, v.ID, chainGraph(), operator); err != nil {
		t.Fatal(err)
	}
	// once v1 sits in review there is no open draft left
	if _, err := env.Engine.SubmitForReview(env.Ctx, v.ID, operator); err != nil {
		t.Fatal(err)
	}
	next, err := env.Engine.Fork(env.Ctx, v.FlowDefinitionID, operator)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if next.VersionNum != 2 || next.Status != domain.VersionDraft {
		t.Fatalf("expected draft v2, got v%d %s", next.VersionNum, next.Status)
	}
	if len(next.Graph.Nodes) != domain.MaxStepIndex+1 {
		t.Fatalf("expected copied graph, got %d nodes", len(next.Graph.Nodes))
	}
}

func TestDeleteFlowBlockedByRuns(t *testing.T) {
	env := newTestEnv(t)
	v := publishedVersion(t, env)
	if _, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FlowVersionID:  v.ID,
		IdempotencyKey: "delete-guard",
		Actor:          operator,
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteFlow(env.Ctx, v.FlowDefinitionID, manager); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict for flow with runs, got %v", err)
	}
	// an unused flow can go, and takes its versions with it
	def, _, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:  domain.LocalizedText{EN: "Scrap"},
		Actor: operator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteFlow(env.Ctx, def.ID, manager); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetFlow(env.Ctx, def.ID); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestPublishedRowGuardedInStorage(t *testing.T) {
	env := newTestEnv(t)
	v := publishedVersion(t, env)
	// even raw SQL cannot rewrite a published graph or walk the status back
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE flow_versions SET graph_json='{}' WHERE id=?`, v.ID); err == nil {
		t.Fatalf("expected graph rewrite to be rejected")
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE flow_versions SET status='DRAFT' WHERE id=?`, v.ID); err == nil {
		t.Fatalf("expected status rollback to be rejected")
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE flow_versions SET status='DEPRECATED' WHERE id=?`, v.ID); err != nil {
		t.Fatalf("deprecation should pass the guard: %v", err)
	}
}
