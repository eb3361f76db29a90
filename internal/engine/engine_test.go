package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
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
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func newStage(t *testing.T, env testEnv, requiresApproval, allowsRounds bool) domain.Stage {
	t.Helper()
	phase, err := env.Engine.CreatePhase(env.Ctx, engine.PhaseCreateOptions{
		ProjectID: "proj-1",
		Name:      "design",
		Sequence:  1,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create phase: %v", err)
	}
	s, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{
		PhaseID:          phase.ID,
		Name:             "schematic",
		RequiresApproval: &requiresApproval,
		AllowsRounds:     &allowsRounds,
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	return s
}

func TestStageCompletesWithoutGate(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, false, false)
	res, err := env.Engine.SetStageStatus(env.Ctx, s.ID, engine.StatusInProgress, false, "tester")
	if err != nil || res.Stage.Status != engine.StatusInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	res, err = env.Engine.SetStageStatus(env.Ctx, s.ID, engine.StatusCompleted, false, "tester")
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if res.Stage.Status != engine.StatusCompleted || res.RequiresApproval {
		t.Fatalf("expected direct completion, got %+v", res)
	}
}

func TestApprovalGateBlocksCompletion(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, true, false)
	res, err := env.Engine.SetStageStatus(env.Ctx, s.ID, engine.StatusCompleted, false, "tester")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if res.Stage.Status != engine.StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", res.Stage.Status)
	}
	if !res.RequiresApproval || !res.ApprovalTriggered {
		t.Fatalf("expected new approval trigger, got %+v", res)
	}

	// A pending request exists now; a second attempt must not re-trigger.
	if _, err := env.Engine.RequestApproval(env.Ctx, s.ID, 0, "reviewer", "", "tester"); err != nil {
		t.Fatalf("request approval: %v", err)
	}
	res, err = env.Engine.SetStageStatus(env.Ctx, s.ID, engine.StatusCompleted, false, "tester")
	if err != nil {
		t.Fatalf("second set status: %v", err)
	}
	if !res.RequiresApproval || res.ApprovalTriggered {
		t.Fatalf("expected pending gate without trigger, got %+v", res)
	}
}

func TestApproveCompletesStage(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, true, false)
	_, _ = env.Engine.SetStageStatus(env.Ctx, s.ID, engine.StatusCompleted, false, "tester")
	a, err := env.Engine.RequestApproval(env.Ctx, s.ID, 0, "reviewer", "please check", "tester")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	a, err = env.Engine.Approve(env.Ctx, a.ID, "lgtm", "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if a.Status != engine.ApprovalApproved {
		t.Fatalf("expected approved, got %s", a.Status)
	}
	got, err := env.Engine.Repo.GetStage(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("reload stage: %v", err)
	}
	if got.Status != engine.StatusCompleted {
		t.Fatalf("expected completed stage, got %s", got.Status)
	}
}

func TestRejectKeepsStageWaiting(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, true, false)
	_, _ = env.Engine.SetStageStatus(env.Ctx, s.ID, engine.StatusCompleted, false, "tester")
	a, err := env.Engine.RequestApproval(env.Ctx, s.ID, 0, "reviewer", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	a, err = env.Engine.Reject(env.Ctx, a.ID, "not yet", false, "reviewer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if a.Status != engine.ApprovalRejected {
		t.Fatalf("expected rejected, got %s", a.Status)
	}
	got, _ := env.Engine.Repo.GetStage(env.Ctx, s.ID)
	if got.Status != engine.StatusAwaitingApproval {
		t.Fatalf("stage should stay awaiting_approval, got %s", got.Status)
	}
	// Rejection is terminal for the request; resolving again fails.
	if _, err := env.Engine.Reject(env.Ctx, a.ID, "", false, "reviewer"); err == nil {
		t.Fatalf("expected precondition error on resolved approval")
	}
}

func TestRejectWithRevisionRequired(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, true, false)
	a, err := env.Engine.RequestApproval(env.Ctx, s.ID, 0, "reviewer", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	a, err = env.Engine.Reject(env.Ctx, a.ID, "redo the east wing", true, "reviewer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if a.Status != engine.ApprovalRevisionRequired {
		t.Fatalf("expected revision_required, got %s", a.Status)
	}
}

func TestRoundApprovalStatusPreference(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, true, false)

	status, err := env.Engine.RoundApprovalStatus(env.Ctx, s.ID, s.CurrentRound)
	if err != nil || status != engine.ApprovalNone {
		t.Fatalf("expected none, got %s (%v)", status, err)
	}

	a1, err := env.Engine.RequestApproval(env.Ctx, s.ID, 0, "reviewer", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, a1.ID, "", false, "reviewer"); err != nil {
		t.Fatal(err)
	}
	status, _ = env.Engine.RoundApprovalStatus(env.Ctx, s.ID, s.CurrentRound)
	if status != engine.ApprovalRejected {
		t.Fatalf("expected rejected, got %s", status)
	}

	// A new pending request wins over the resolved one.
	if _, err := env.Engine.RequestApproval(env.Ctx, s.ID, 0, "reviewer", "", "tester"); err != nil {
		t.Fatal(err)
	}
	status, _ = env.Engine.RoundApprovalStatus(env.Ctx, s.ID, s.CurrentRound)
	if status != engine.ApprovalPending {
		t.Fatalf("expected pending, got %s", status)
	}
}

func TestRequestApprovalRoundBounds(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, true, true)
	if _, err := env.Engine.RequestApproval(env.Ctx, s.ID, 5, "reviewer", "", "tester"); err == nil {
		t.Fatalf("expected round bounds error")
	}
	var pe engine.PreconditionError
	_, err := env.Engine.RequestApproval(env.Ctx, s.ID, -1, "reviewer", "", "tester")
	if !errors.As(err, &pe) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestStageTemplateFlags(t *testing.T) {
	env := newTestEnv(t)
	phase, err := env.Engine.CreatePhase(env.Ctx, engine.PhaseCreateOptions{
		ProjectID: "proj-1", Name: "design", Sequence: 1, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{
		PhaseID:  phase.ID,
		Name:     "SD set",
		Template: "schematic-design",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !s.RequiresApproval || !s.AllowsRounds {
		t.Fatalf("template flags not applied: %+v", s)
	}
	if s.CurrentRound != 1 {
		t.Fatalf("new stage must start on round 1, got %d", s.CurrentRound)
	}

	// Unknown template falls back to defaults.
	s2, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{
		PhaseID:  phase.ID,
		Name:     "misc",
		Template: "unknown",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s2.RequiresApproval || s2.AllowsRounds {
		t.Fatalf("expected default flags, got %+v", s2)
	}
}

func TestEventAppendOnStatusChanges(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, false, false)
	_, _ = env.Engine.SetStageStatus(env.Ctx, s.ID, engine.StatusInProgress, false, "tester")
	_, _ = env.Engine.SetStageStatus(env.Ctx, s.ID, engine.StatusCompleted, false, "tester")
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=? AND type='stage.status.changed'`, s.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 status events, got %d", count)
	}
}
