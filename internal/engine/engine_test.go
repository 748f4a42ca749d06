package engine_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"batchline/internal/config"
	"batchline/internal/db"
	"batchline/internal/domain"
	"batchline/internal/engine"
	"batchline/internal/fault"
	"batchline/internal/migrate"
)

var (
	operator = domain.Principal{ID: "op-1", Role: domain.RoleOperator}
	manager  = domain.Principal{ID: "mgr-1", Role: domain.RoleManager}
	auditor  = domain.Principal{ID: "aud-1", Role: domain.RoleAuditor}
	viewer   = domain.Principal{ID: "view-1", Role: domain.RoleViewer}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("DUNA"), nil)
	clock := func() time.Time { return time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC) }
	eng.Now = clock
	eng.Audit.Now = clock
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// chainGraph builds the full production chain, intake to shipping.
func chainGraph() domain.Graph {
	names := []string{"debone", "grind", "mix", "qc-mix", "smoke", "chill", "qc-cold", "pack", "palletize"}
	types := []string{"process", "process", "process", "qc_gate", "process", "buffer", "qc_gate", "process", "process"}
	g := domain.Graph{Viewport: domain.Viewport{Zoom: 1}}
	g.Nodes = append(g.Nodes, domain.Node{ID: "start", Type: domain.NodeStart, Label: domain.LocalizedText{EN: "Intake"}})
	for i, name := range names {
		g.Nodes = append(g.Nodes, domain.Node{
			ID:       name,
			Type:     types[i],
			Label:    domain.LocalizedText{EN: name},
			Position: domain.Position{X: float64(i+1) * 100},
		})
	}
	g.Nodes = append(g.Nodes, domain.Node{ID: "ship", Type: domain.NodeEnd, Label: domain.LocalizedText{EN: "Shipping"}})
	prev := "start"
	for i, n := range append(names, "ship") {
		g.Edges = append(g.Edges, domain.Edge{ID: fmt.Sprintf("e%d", i+1), Source: prev, Target: n})
		prev = n
	}
	return g
}

// publishedVersion creates a flow, fills in the chain graph and publishes it.
func publishedVersion(t *testing.T, env testEnv) domain.FlowVersion {
	t.Helper()
	_, v, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:  domain.LocalizedText{HU: "Kolbász gyártás", EN: "Sausage production"},
		Actor: operator,
	})
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	if _, err := env.Engine.UpdateGraph(env.Ctx, v.ID, chainGraph(), operator); err != nil {
		t.Fatalf("update graph: %v", err)
	}
	if _, err := env.Engine.SubmitForReview(env.Ctx, v.ID, operator); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pub, err := env.Engine.Publish(env.Ctx, v.ID, manager)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return pub
}

// startedRun creates a run of a freshly published version and starts it.
func startedRun(t *testing.T, env testEnv) domain.ProductionRun {
	t.Helper()
	v := publishedVersion(t, env)
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		FlowVersionID:  v.ID,
		IdempotencyKey: "run-" + v.ID,
		Actor:          operator,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	run, err = env.Engine.StartRun(env.Ctx, run.ID, operator)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return run
}

// releasedLot creates a lot at the given step and walks it to RELEASED.
func releasedLot(t *testing.T, env testEnv, code, lotType string, step int) domain.Lot {
	t.Helper()
	lot, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{
		Code:      code,
		Type:      lotType,
		StepIndex: &step,
		WeightKG:  100,
		Actor:     operator,
	})
	if err != nil {
		t.Fatalf("create lot %s: %v", code, err)
	}
	if _, err := env.Engine.TransitionLot(env.Ctx, lot.ID, domain.LotQuarantine, operator); err != nil {
		t.Fatalf("quarantine %s: %v", code, err)
	}
	lot, err = env.Engine.TransitionLot(env.Ctx, lot.ID, domain.LotReleased, operator)
	if err != nil {
		t.Fatalf("release %s: %v", code, err)
	}
	return lot
}

func auditCount(t *testing.T, env testEnv, eventType, entityID string) int {
	t.Helper()
	var n int
	err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM audit_events WHERE event_type=? AND entity_id=?`, eventType, entityID).Scan(&n)
	if err != nil {
		t.Fatalf("count audit events: %v", err)
	}
	return n
}

func TestRoleGates(t *testing.T) {
	env := newTestEnv(t)
	// viewers can read but never write
	_, _, err := env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:  domain.LocalizedText{EN: "flow"},
		Actor: viewer,
	})
	if !fault.IsKind(err, fault.KindPermission) {
		t.Fatalf("expected permission error for viewer, got %v", err)
	}
	// unknown roles are named in the error
	_, _, err = env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:  domain.LocalizedText{EN: "flow"},
		Actor: domain.Principal{ID: "x-1", Role: "WIZARD"},
	})
	if !fault.IsKind(err, fault.KindPermission) || !strings.Contains(err.Error(), "WIZARD") {
		t.Fatalf("expected unknown role error, got %v", err)
	}
	// a missing actor id is a validation problem, not a permission one
	_, _, err = env.Engine.CreateFlow(env.Ctx, engine.FlowCreateOptions{
		Name:  domain.LocalizedText{EN: "flow"},
		Actor: domain.Principal{Role: domain.RoleAdmin},
	})
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// aborting needs manage rights, checked before the run is even looked up
	_, err = env.Engine.AbortRun(env.Ctx, "no-such-run", "operators cannot abort", operator)
	if !fault.IsKind(err, fault.KindPermission) {
		t.Fatalf("expected permission error for operator abort, got %v", err)
	}
}

func TestAuditLogAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	publishedVersion(t, env)
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM audit_events`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected audit events after publish")
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE audit_events SET user_id='intruder'`); err == nil {
		t.Fatalf("expected update on audit_events to be rejected")
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM audit_events`); err == nil {
		t.Fatalf("expected delete on audit_events to be rejected")
	}
	var after int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM audit_events`).Scan(&after); err != nil {
		t.Fatalf("recount: %v", err)
	}
	if after != n {
		t.Fatalf("audit events changed from %d to %d", n, after)
	}
}

func TestAuditEntriesCarryActorAndStates(t *testing.T) {
	env := newTestEnv(t)
	run := startedRun(t, env)
	if _, err := env.Engine.AdvanceRun(env.Ctx, run.ID, operator); err != nil {
		t.Fatalf("advance: %v", err)
	}
	var user, oldState, newState string
	err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT user_id, old_state, new_state FROM audit_events WHERE event_type='RUN_ADVANCED' AND entity_id=?`, run.ID).
		Scan(&user, &oldState, &newState)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if user != operator.ID {
		t.Fatalf("expected actor %s, got %s", operator.ID, user)
	}
	if !strings.Contains(oldState, `"current_step_index":0`) || !strings.Contains(newState, `"current_step_index":1`) {
		t.Fatalf("unexpected states %s -> %s", oldState, newState)
	}
}
