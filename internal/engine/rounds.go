package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"stageline/internal/domain"
	"stageline/internal/events"
)

// ErrRoundInProgress is returned when a StartNewRound call arrives while
// another is in flight for the same stage. Retryable.
var ErrRoundInProgress = errors.New("round creation already in progress for this stage")

// roundGuard suppresses duplicate concurrent StartNewRound calls per
// stage. Process-local only: it does not protect against duplicate
// increments across separately running instances.
type roundGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func newRoundGuard() *roundGuard {
	return &roundGuard{inflight: make(map[string]struct{})}
}

func (g *roundGuard) acquire(stageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[stageID]; busy {
		return false
	}
	g.inflight[stageID] = struct{}{}
	return true
}

func (g *roundGuard) release(stageID string) {
	g.mu.Lock()
	delete(g.inflight, stageID)
	g.mu.Unlock()
}

// StartNewRound bumps the stage's round counter. No content is created
// or copied; content tagged with the new number is what populates it. A
// concurrent call for the same stage is rejected with ErrRoundInProgress
// rather than queued.
func (e Engine) StartNewRound(ctx context.Context, stageID, actorID string) (domain.Stage, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return domain.Stage{}, err
	}
	if !s.AllowsRounds {
		return s, PreconditionError{Reason: "rounds are not enabled for this stage"}
	}
	if !e.rounds.acquire(s.ID) {
		return s, ErrRoundInProgress
	}
	defer e.rounds.release(s.ID)

	projectID, err := e.Repo.StageProjectID(ctx, s.ID)
	if err != nil {
		return s, err
	}
	// Re-read under the guard so the increment bases on the latest count.
	s, err = e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return s, err
	}
	newRound := s.CurrentRound + 1
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStageRoundTx(ctx, tx, s.ID, newRound, now); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "round.created", projectID, "stage", s.ID, actorID, events.EventPayload{"round": newRound}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.CurrentRound = newRound
	s.UpdatedAt = now
	return s, nil
}

// DeleteRoundResult reports the outcome of a round deletion. Warnings
// carry per-store failures from the best-effort cascade; a non-empty
// list means the operation completed but the round numbering may need
// manual repair.
type DeleteRoundResult struct {
	Stage    domain.Stage
	Warnings []string
}

// DeleteRound removes a round and renumbers every higher round down by
// one so rounds stay contiguous 1..currentRound. Round 1 is permanent
// and a stage always keeps at least one round.
//
// Each content-store operation is attempted independently: a failure on
// one store is logged and collected as a warning but does not abort the
// remaining stores or the final counter decrement. The cascade is not
// transactional across the three stores.
func (e Engine) DeleteRound(ctx context.Context, stageID string, round int, actorID string) (DeleteRoundResult, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return DeleteRoundResult{}, err
	}
	if !s.AllowsRounds {
		return DeleteRoundResult{Stage: s}, PreconditionError{Reason: "rounds are not enabled for this stage"}
	}
	if round == 1 {
		return DeleteRoundResult{Stage: s}, PreconditionError{Reason: "Cannot delete Round 1"}
	}
	if s.CurrentRound == 1 {
		return DeleteRoundResult{Stage: s}, PreconditionError{Reason: "stage has only one round"}
	}
	// Round numbers start at 1; zero or negative input must not reach
	// the retag loop, which would shift round 1 out of its slot.
	if round < 1 || round > s.CurrentRound {
		return DeleteRoundResult{Stage: s}, PreconditionError{Reason: fmt.Sprintf("round %d does not exist for this stage", round)}
	}

	var warnings []string
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log.Printf("delete round %d of stage %s: %s", round, stageID, msg)
		warnings = append(warnings, msg)
	}

	for _, port := range e.contentPorts() {
		if _, err := port.DeleteByStageAndRound(ctx, stageID, round); err != nil {
			warn("delete %s: %v", port.Name(), err)
		}
	}
	// Shift higher rounds down in ascending order so each round is
	// retagged exactly once into the slot vacated by the previous
	// iteration.
	for i := round + 1; i <= s.CurrentRound; i++ {
		for _, port := range e.contentPorts() {
			if _, err := port.RetagRound(ctx, stageID, i, i-1); err != nil {
				warn("retag %s round %d: %v", port.Name(), i, err)
			}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateStageRound(ctx, stageID, s.CurrentRound-1, now); err != nil {
		return DeleteRoundResult{Stage: s, Warnings: warnings}, fmt.Errorf("update round counter: %w", err)
	}
	s.CurrentRound--
	s.UpdatedAt = now
	e.appendEventDirect(ctx, "round.deleted", s.ID, "stage", s.ID, actorID, events.EventPayload{
		"round":         round,
		"current_round": s.CurrentRound,
		"warnings":      len(warnings),
	})
	return DeleteRoundResult{Stage: s, Warnings: warnings}, nil
}

// RoundHasContent probes the documents and discussion-note stores for
// any record in the given round. Approvals are not consulted. A probe
// failure reads as "no content" rather than an error; callers use this
// only to warn before deletion.
func (e Engine) RoundHasContent(ctx context.Context, stageID string, round int) bool {
	for _, port := range []ContentPort{e.Docs, e.Notes} {
		has, err := port.ExistsForStageAndRound(ctx, stageID, round)
		if err != nil {
			log.Printf("round content probe %s: %v", port.Name(), err)
			return false
		}
		if has {
			return true
		}
	}
	return false
}
