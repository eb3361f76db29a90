package engine_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/engine"
)

func TestStartNewRound(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, false, true)
	require.Equal(t, 1, s.CurrentRound)

	s, err := env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, 2, s.CurrentRound)

	s, err = env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, 3, s.CurrentRound)
}

func TestStartNewRoundRequiresRoundsEnabled(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, false, false)
	_, err := env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
	var pe engine.PreconditionError
	require.ErrorAs(t, err, &pe)
}

func TestConcurrentStartNewRound(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, false, true)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	busy := 0
	for err := range errs {
		if err == nil {
			continue
		}
		require.ErrorIs(t, err, engine.ErrRoundInProgress)
		busy++
	}
	got, err := env.Engine.Repo.GetStage(env.Ctx, s.ID)
	require.NoError(t, err)
	// Every call either bumped the round or was turned away by the guard.
	assert.Equal(t, 1+(workers-busy), got.CurrentRound)
}

func TestDeleteRoundRenumbersContent(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, true, true)

	// Round 1: one document.
	_, err := env.Engine.AddDocument(env.Ctx, s.ID, "survey", "", "tester")
	require.NoError(t, err)

	// Round 2: document, note, and an approval request.
	_, err = env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.AddDocument(env.Ctx, s.ID, "draft-2", "", "tester")
	require.NoError(t, err)
	_, err = env.Engine.AddNote(env.Ctx, s.ID, "second draft comments", "tester")
	require.NoError(t, err)
	_, err = env.Engine.RequestApproval(env.Ctx, s.ID, 2, "reviewer", "", "tester")
	require.NoError(t, err)

	// Rounds 3 and 4: one document each.
	_, err = env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.AddDocument(env.Ctx, s.ID, "draft-3", "", "tester")
	require.NoError(t, err)
	_, err = env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.AddDocument(env.Ctx, s.ID, "draft-4", "", "tester")
	require.NoError(t, err)

	res, err := env.Engine.DeleteRound(env.Ctx, s.ID, 2, "tester")
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 3, res.Stage.CurrentRound)

	// Round 1 untouched, old rounds 3 and 4 became 2 and 3.
	docs, err := env.Engine.Docs.ListByStageAndRound(env.Ctx, s.ID, 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "survey", docs[0].Title)

	docs, err = env.Engine.Docs.ListByStageAndRound(env.Ctx, s.ID, 2)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "draft-3", docs[0].Title)

	docs, err = env.Engine.Docs.ListByStageAndRound(env.Ctx, s.ID, 3)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "draft-4", docs[0].Title)

	// The deleted round's note and approval are gone.
	notes, err := env.Engine.Notes.ListByStageAndRound(env.Ctx, s.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, notes)
	approvals, err := env.Engine.Repo.FindApprovalsByStageAndRound(env.Ctx, s.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, approvals)
}

func TestDeleteRoundGuards(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, false, true)

	_, err := env.Engine.DeleteRound(env.Ctx, s.ID, 1, "tester")
	var pe engine.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "Round 1")

	_, err = env.Engine.DeleteRound(env.Ctx, s.ID, 2, "tester")
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "only one round")

	_, err = env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.DeleteRound(env.Ctx, s.ID, 7, "tester")
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestDeleteRoundRejectsNonPositiveRounds(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, false, true)

	_, err := env.Engine.AddDocument(env.Ctx, s.ID, "survey", "", "tester")
	require.NoError(t, err)
	_, err = env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
	require.NoError(t, err)

	var pe engine.PreconditionError
	_, err = env.Engine.DeleteRound(env.Ctx, s.ID, 0, "tester")
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "does not exist")
	_, err = env.Engine.DeleteRound(env.Ctx, s.ID, -3, "tester")
	require.ErrorAs(t, err, &pe)

	// Round 1 keeps its number and its content.
	got, err := env.Engine.Repo.GetStage(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentRound)
	docs, err := env.Engine.Docs.ListByStageAndRound(env.Ctx, s.ID, 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "survey", docs[0].Title)
	docs, err = env.Engine.Docs.ListByStageAndRound(env.Ctx, s.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDeleteRoundCollectsWarnings(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, false, true)

	_, err := env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.AddNote(env.Ctx, s.ID, "second round comments", "tester")
	require.NoError(t, err)

	// Break the document store so its cascade operations fail.
	_, err = env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE documents`)
	require.NoError(t, err)

	res, err := env.Engine.DeleteRound(env.Ctx, s.ID, 2, "tester")
	require.NoError(t, err)
	require.NotEmpty(t, res.Warnings)
	for _, w := range res.Warnings {
		assert.Contains(t, w, "documents")
	}
	// The counter decrement applies despite the per-store failures.
	assert.Equal(t, 1, res.Stage.CurrentRound)
	notes, err := env.Engine.Notes.ListByStageAndRound(env.Ctx, s.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestDeleteRoundDisallowedWithoutRounds(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, false, false)
	_, err := env.Engine.DeleteRound(env.Ctx, s.ID, 2, "tester")
	var pe engine.PreconditionError
	require.True(t, errors.As(err, &pe))
}

func TestRoundHasContent(t *testing.T) {
	env := newTestEnv(t)
	s := newStage(t, env, true, true)

	assert.False(t, env.Engine.RoundHasContent(env.Ctx, s.ID, 1))

	_, err := env.Engine.AddNote(env.Ctx, s.ID, "kickoff", "tester")
	require.NoError(t, err)
	assert.True(t, env.Engine.RoundHasContent(env.Ctx, s.ID, 1))

	// Approvals alone do not count as round content.
	_, err = env.Engine.StartNewRound(env.Ctx, s.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.RequestApproval(env.Ctx, s.ID, 2, "reviewer", "", "tester")
	require.NoError(t, err)
	assert.False(t, env.Engine.RoundHasContent(env.Ctx, s.ID, 2))

	_, err = env.Engine.AddDocument(env.Ctx, s.ID, "plan", "", "tester")
	require.NoError(t, err)
	assert.True(t, env.Engine.RoundHasContent(env.Ctx, s.ID, 2))
}
