package engine

import (
	"context"
	"fmt"
	"time"

	"stageline/internal/domain"
	"stageline/internal/events"
)

// Stage status values.
const (
	StatusNotStarted       = "not_started"
	StatusInProgress       = "in_progress"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCompleted        = "completed"
	StatusOnHold           = "on_hold"
)

func validStageStatus(s string) bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusAwaitingApproval, StatusCompleted, StatusOnHold:
		return true
	}
	return false
}

// StatusResult is the outcome of a status change. When the approval gate
// blocks completion, RequiresApproval is set and ApprovalTriggered tells
// the caller whether a brand-new approval request is needed (no request
// exists yet for the current round) or one is already unresolved.
type StatusResult struct {
	Stage             domain.Stage
	RequiresApproval  bool
	ApprovalTriggered bool
}

// SetStageStatus applies a stage status change. Every status applies
// unconditionally except completed: a stage with requires_approval set
// only completes through an approved request for its current round, and
// is parked in awaiting_approval otherwise.
func (e Engine) SetStageStatus(ctx context.Context, stageID, desired string, skipApprovalCheck bool, actorID string) (StatusResult, error) {
	if !validStageStatus(desired) {
		return StatusResult{}, fmt.Errorf("invalid stage status %q", desired)
	}
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return StatusResult{}, err
	}
	if desired == StatusCompleted && s.RequiresApproval && !skipApprovalCheck {
		approvalStatus, err := e.RoundApprovalStatus(ctx, s.ID, s.CurrentRound)
		if err != nil {
			return StatusResult{}, err
		}
		if approvalStatus != ApprovalApproved {
			updated, err := e.applyStageStatus(ctx, s, StatusAwaitingApproval, actorID)
			if err != nil {
				return StatusResult{}, err
			}
			return StatusResult{
				Stage:             updated,
				RequiresApproval:  true,
				ApprovalTriggered: approvalStatus == ApprovalNone,
			}, nil
		}
	}
	updated, err := e.applyStageStatus(ctx, s, desired, actorID)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Stage: updated}, nil
}

func (e Engine) applyStageStatus(ctx context.Context, s domain.Stage, status, actorID string) (domain.Stage, error) {
	projectID, err := e.Repo.StageProjectID(ctx, s.ID)
	if err != nil {
		return s, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStageStatus(ctx, tx, s.ID, status, now); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "stage.status.changed", projectID, "stage", s.ID, actorID, events.EventPayload{
		"from_status": s.Status,
		"to_status":   status,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Status = status
	s.UpdatedAt = now
	return s, nil
}
